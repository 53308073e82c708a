// Package profile loads and serves the worker's on-disk operator profile:
// the wallet hierarchy (Master EOA, Master Safe, Service Safe, Agent EOA),
// the service's contract addresses, and the decrypted agent key.
package profile

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Sentinel errors for profile loading and access.
var (
	// ErrNoProfile is returned when no usable service directory exists.
	ErrNoProfile = errors.New("profile: no profile found")

	// ErrBadPassword is returned when keystore decryption fails.
	ErrBadPassword = errors.New("profile: wrong keystore password")

	// ErrMalformedKeystore is returned when a keystore file cannot be parsed.
	ErrMalformedKeystore = errors.New("profile: malformed keystore")

	// ErrNoAgentKey is returned when the agent private key is unavailable.
	ErrNoAgentKey = errors.New("profile: agent private key unavailable")

	// ErrNoServiceSafe is returned when the service has no multisig recorded.
	ErrNoServiceSafe = errors.New("profile: service safe not configured")

	// ErrNoMasterSafe is returned when no master safe exists for the chain.
	ErrNoMasterSafe = errors.New("profile: master safe not configured")

	// ErrNoMech is returned when the service has no mech address recorded.
	ErrNoMech = errors.New("profile: mech address not configured")

	// ErrNoMarketplace is returned when no marketplace address is recorded.
	ErrNoMarketplace = errors.New("profile: marketplace address not configured")

	// ErrNoStakingContract is returned when no staking contract is recorded.
	ErrNoStakingContract = errors.New("profile: staking contract not configured")
)

// KeystoreError wraps a filesystem-level keystore failure with its origin.
type KeystoreError struct {
	Path string
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *KeystoreError) Error() string {
	return fmt.Sprintf("profile: %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *KeystoreError) Unwrap() error {
	return e.Err
}

// Profile is one decoded operator profile. The agent key is held in memory
// for the process lifetime and never serialized.
type Profile struct {
	MasterEOA   common.Address
	MasterSafes map[int64]common.Address
	ServiceSafe common.Address
	AgentEOA    common.Address

	MechAddress        common.Address
	MarketplaceAddress common.Address
	StakingContract    common.Address

	ChainID    int64
	ServiceDir string

	agentKey *ecdsa.PrivateKey
}

// Store owns the loaded profile and its key material. All accessors are
// safe for concurrent use; Rotate swaps the profile atomically and bumps
// the generation so derived-address caches can invalidate.
type Store struct {
	mu         sync.RWMutex
	basePath   string
	password   string
	chainID    int64
	profile    *Profile
	generation uint64
	logger     *slog.Logger
}

// Load reads the profile under basePath/.operate for the given chain,
// decrypting keystores with password.
func Load(password, basePath string, chainID int64, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		basePath: basePath,
		password: password,
		chainID:  chainID,
		logger:   logger.With("component", "profile"),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Rotate re-discovers the latest service directory and reloads the profile.
// Callers holding derived state keyed on Generation must refresh after a
// successful rotation.
func (s *Store) Rotate() error {
	return s.reload()
}

func (s *Store) reload() error {
	p, err := discover(s.basePath, s.password, s.chainID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.profile = p
	s.generation++
	s.mu.Unlock()

	s.logger.Info("profile loaded",
		slog.String("service_dir", p.ServiceDir),
		slog.String("agent_eoa", p.AgentEOA.Hex()),
		slog.String("service_safe", p.ServiceSafe.Hex()),
		slog.Int64("chain_id", p.ChainID),
	)
	return nil
}

// Generation returns a counter that changes on every successful rotation.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// MasterEOA returns the operator's master EOA address.
func (s *Store) MasterEOA() (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile.MasterEOA == (common.Address{}) {
		return common.Address{}, ErrNoProfile
	}
	return s.profile.MasterEOA, nil
}

// MasterSafe returns the master safe for the given chain.
func (s *Store) MasterSafe(chainID int64) (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.profile.MasterSafes[chainID]
	if !ok || addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: chain %d", ErrNoMasterSafe, chainID)
	}
	return addr, nil
}

// ServiceSafe returns the service's delivery multisig.
func (s *Store) ServiceSafe() (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile.ServiceSafe == (common.Address{}) {
		return common.Address{}, ErrNoServiceSafe
	}
	return s.profile.ServiceSafe, nil
}

// AgentEOA returns the agent signer address.
func (s *Store) AgentEOA() (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile.agentKey == nil {
		return common.Address{}, ErrNoAgentKey
	}
	return s.profile.AgentEOA, nil
}

// AgentPrivateKey returns the decrypted agent key. The caller must never
// log or serialize it.
func (s *Store) AgentPrivateKey() (*ecdsa.PrivateKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile.agentKey == nil {
		return nil, ErrNoAgentKey
	}
	return s.profile.agentKey, nil
}

// MechAddress returns the service's priority mech contract.
func (s *Store) MechAddress() (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile.MechAddress == (common.Address{}) {
		return common.Address{}, ErrNoMech
	}
	return s.profile.MechAddress, nil
}

// MarketplaceAddress returns the marketplace entry-point contract.
func (s *Store) MarketplaceAddress() (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile.MarketplaceAddress == (common.Address{}) {
		return common.Address{}, ErrNoMarketplace
	}
	return s.profile.MarketplaceAddress, nil
}

// StakingContract returns the staking pool this service participates in.
func (s *Store) StakingContract() (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile.StakingContract == (common.Address{}) {
		return common.Address{}, ErrNoStakingContract
	}
	return s.profile.StakingContract, nil
}

// ChainID returns the chain the profile was loaded for.
func (s *Store) ChainID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile.ChainID
}

func parseChainKey(key string) (int64, bool) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
