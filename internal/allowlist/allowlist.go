// Package allowlist gates every outbound transaction against a static
// per-chain contract and selector map. Nothing leaves the worker unless the
// target contract and the first four bytes of calldata are explicitly
// listed for the worker's chain.
package allowlist

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jinnlabs/jinn-worker/internal/models"
	"github.com/jinnlabs/jinn-worker/internal/pkg/apierror"
)

// Validation error codes.
const (
	CodeChainNotSupported          = "CHAIN_NOT_SUPPORTED"
	CodeChainMismatch              = "CHAIN_MISMATCH"
	CodeAllowlistViolation         = "ALLOWLIST_VIOLATION"
	CodeExecutionStrategyMismatch  = "EXECUTION_STRATEGY_MISMATCH"
	CodeExecutionStrategyViolation = "EXECUTION_STRATEGY_VIOLATION"
	CodeInvalidPayload             = "INVALID_PAYLOAD"
	CodeValidationError            = "VALIDATION_ERROR"
)

// DefaultConfigPath is probed when no explicit path is configured.
const DefaultConfigPath = "./worker/config/allowlists.json"

var selectorPattern = regexp.MustCompile(`^0x[0-9a-f]{8}$`)

// SelectorRule is one allowed function selector on a contract. In the config
// file a rule is either a bare "0x12345678" string or an object carrying
// executor constraints.
type SelectorRule struct {
	Selector         string   `json:"selector"`
	AllowedExecutors []string `json:"allowed_executors,omitempty"`
	Notes            string   `json:"notes,omitempty"`
}

func (r *SelectorRule) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.Selector)
	}
	type plain SelectorRule
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = SelectorRule(p)
	return nil
}

// Request describes one proposed transaction to validate.
type Request struct {
	ChainID           int64                    `json:"chainId"`
	ExecutionStrategy models.ExecutionStrategy `json:"executionStrategy"`
	Payload           models.TxPayload         `json:"payload"`
}

// Executor identifies the account that would send the transaction.
type Executor struct {
	ChainID  int64
	Strategy models.ExecutionStrategy
	Address  string
}

// Result is the outcome of a validation pass.
type Result struct {
	Valid     bool   `json:"valid"`
	ErrorCode string `json:"errorCode,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Err converts a failed result into an API error carrying the code.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &apierror.APIError{Code: r.ErrorCode, Message: r.Reason, StatusCode: 400}
}

func invalid(code, format string, args ...any) Result {
	return Result{ErrorCode: code, Reason: fmt.Sprintf(format, args...)}
}

// payloadShape is what the validator checks before any allowlist lookup.
type payloadShape struct {
	To   string `validate:"required,eth_addr"`
	Data string `validate:"required,startswith=0x,min=10"`
}

// List is a loaded allowlist, normalized to lowercase keys.
type List struct {
	chains   map[int64]map[string][]SelectorRule
	validate *validator.Validate
	logger   *slog.Logger
}

// Load reads and validates an allowlist config file. An empty path falls
// back to DefaultConfigPath.
func Load(path string, logger *slog.Logger) (*List, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	if logger == nil {
		logger = slog.Default()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read allowlist config: %w", err)
	}

	var file map[string]map[string][]SelectorRule
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse allowlist config %s: %w", path, err)
	}

	chains := make(map[int64]map[string][]SelectorRule, len(file))
	for chainKey, contracts := range file {
		chainID, err := strconv.ParseInt(chainKey, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("allowlist config %s: bad chain id %q", path, chainKey)
		}
		normalized := make(map[string][]SelectorRule, len(contracts))
		for contract, rules := range contracts {
			addr := strings.ToLower(contract)
			for i := range rules {
				rules[i].Selector = strings.ToLower(rules[i].Selector)
				if !selectorPattern.MatchString(rules[i].Selector) {
					return nil, fmt.Errorf("allowlist config %s: chain %d contract %s: bad selector %q",
						path, chainID, addr, rules[i].Selector)
				}
				for j := range rules[i].AllowedExecutors {
					rules[i].AllowedExecutors[j] = strings.ToLower(rules[i].AllowedExecutors[j])
				}
			}
			normalized[addr] = rules
		}
		chains[chainID] = normalized
	}

	list := &List{
		chains:   chains,
		validate: validator.New(),
		logger:   logger.With("component", "allowlist"),
	}
	list.logger.Info("allowlist loaded", slog.String("path", path), slog.Int("chains", len(chains)))
	return list, nil
}

// ValidateTransaction checks one proposed transaction against the allowlist
// and the executing account. It never returns an error; every failure mode
// maps to a coded Result.
func (l *List) ValidateTransaction(req Request, exec Executor) Result {
	shape := payloadShape{To: req.Payload.To, Data: req.Payload.Data}
	if err := l.validate.Struct(shape); err != nil {
		return invalid(CodeInvalidPayload, "malformed payload: %v", firstFieldError(err))
	}

	value, ok := parseValue(req.Payload.Value)
	if !ok {
		return invalid(CodeInvalidPayload, "unparseable value %q", req.Payload.Value)
	}
	if value.Sign() != 0 {
		return invalid(CodeInvalidPayload, "non-zero value %s", value.String())
	}

	if !req.ExecutionStrategy.Valid() {
		return invalid(CodeValidationError, "unknown execution strategy %q", string(req.ExecutionStrategy))
	}

	contracts, ok := l.chains[req.ChainID]
	if !ok {
		return invalid(CodeChainNotSupported, "chain %d not in allowlist", req.ChainID)
	}
	if req.ChainID != exec.ChainID {
		return invalid(CodeChainMismatch, "request chain %d, worker chain %d", req.ChainID, exec.ChainID)
	}

	to := strings.ToLower(req.Payload.To)
	rules, ok := contracts[to]
	if !ok {
		return invalid(CodeAllowlistViolation, "contract %s not allowlisted on chain %d", to, req.ChainID)
	}

	selector := strings.ToLower(req.Payload.Data[:10])
	rule, ok := findSelector(rules, selector)
	if !ok {
		return invalid(CodeAllowlistViolation, "selector %s not allowed for %s", selector, to)
	}

	if req.ExecutionStrategy != exec.Strategy {
		return invalid(CodeExecutionStrategyMismatch, "request wants %s, worker executes %s",
			string(req.ExecutionStrategy), string(exec.Strategy))
	}

	if len(rule.AllowedExecutors) > 0 && !executorAllowed(rule, exec) {
		return invalid(CodeExecutionStrategyViolation, "executor %s not permitted for selector %s",
			strings.ToLower(exec.Address), selector)
	}

	return Result{Valid: true}
}

func findSelector(rules []SelectorRule, selector string) (SelectorRule, bool) {
	for _, r := range rules {
		if r.Selector == selector {
			return r, true
		}
	}
	return SelectorRule{}, false
}

// executorAllowed matches either the executing address or the strategy name
// against the rule's constraint list.
func executorAllowed(rule SelectorRule, exec Executor) bool {
	addr := strings.ToLower(exec.Address)
	strategy := strings.ToLower(string(exec.Strategy))
	for _, allowed := range rule.AllowedExecutors {
		if allowed == addr || allowed == strategy {
			return true
		}
	}
	return false
}

func parseValue(raw string) (*big.Int, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		return new(big.Int).SetString(s[2:], 16)
	}
	return new(big.Int).SetString(s, 10)
}

func firstFieldError(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return fmt.Sprintf("field %s fails %s", verrs[0].Field(), verrs[0].Tag())
	}
	return err.Error()
}
