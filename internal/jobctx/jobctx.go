// Package jobctx carries the dispatch context of the currently executing
// job. The context is read from the process environment once at boot and
// afterwards passed by value; the environment is only touched again when
// spawning an agent subprocess.
package jobctx

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Environment variable names propagated from parent to child dispatches.
const (
	EnvRequestID             = "JINN_REQUEST_ID"
	EnvJobDefinitionID       = "JINN_JOB_DEFINITION_ID"
	EnvWorkstreamID          = "JINN_WORKSTREAM_ID"
	EnvVentureID             = "JINN_VENTURE_ID"
	EnvTemplateID            = "JINN_TEMPLATE_ID"
	EnvParentRequestID       = "JINN_PARENT_REQUEST_ID"
	EnvBranchName            = "JINN_BRANCH_NAME"
	EnvBaseBranch            = "JINN_BASE_BRANCH"
	EnvCompletedChildren     = "JINN_COMPLETED_CHILDREN"
	EnvChildWorkReviewed     = "JINN_CHILD_WORK_REVIEWED"
	EnvRequiredTools         = "JINN_REQUIRED_TOOLS"
	EnvAvailableTools        = "JINN_AVAILABLE_TOOLS"
	EnvBlueprintInvariantIDs = "JINN_BLUEPRINT_INVARIANT_IDS"
	EnvAllowedModels         = "JINN_ALLOWED_MODELS"
	EnvDefaultModel          = "JINN_DEFAULT_MODEL"
	EnvInheritedEnv          = "JINN_INHERITED_ENV"
)

var allEnvNames = []string{
	EnvRequestID, EnvJobDefinitionID, EnvWorkstreamID, EnvVentureID,
	EnvTemplateID, EnvParentRequestID, EnvBranchName, EnvBaseBranch,
	EnvCompletedChildren, EnvChildWorkReviewed, EnvRequiredTools,
	EnvAvailableTools, EnvBlueprintInvariantIDs, EnvAllowedModels,
	EnvDefaultModel, EnvInheritedEnv,
}

// JobContext is the dispatch context threaded through the worker.
type JobContext struct {
	RequestID             string
	JobDefinitionID       string
	WorkstreamID          string
	VentureID             string
	TemplateID            string
	ParentRequestID       string
	BranchName            string
	BaseBranch            string
	CompletedChildren     []string
	ChildWorkReviewed     bool
	RequiredTools         []string
	AvailableTools        []string
	BlueprintInvariantIDs []string
	AllowedModels         []string
	DefaultModel          string
	InheritedEnv          map[string]string
}

// FromEnv reads the JINN_* snapshot the dispatcher set for this process.
// Malformed list or map values are treated as absent.
func FromEnv() JobContext {
	return JobContext{
		RequestID:             os.Getenv(EnvRequestID),
		JobDefinitionID:       os.Getenv(EnvJobDefinitionID),
		WorkstreamID:          os.Getenv(EnvWorkstreamID),
		VentureID:             os.Getenv(EnvVentureID),
		TemplateID:            os.Getenv(EnvTemplateID),
		ParentRequestID:       os.Getenv(EnvParentRequestID),
		BranchName:            os.Getenv(EnvBranchName),
		BaseBranch:            os.Getenv(EnvBaseBranch),
		CompletedChildren:     decodeList(os.Getenv(EnvCompletedChildren)),
		ChildWorkReviewed:     decodeBool(os.Getenv(EnvChildWorkReviewed)),
		RequiredTools:         decodeList(os.Getenv(EnvRequiredTools)),
		AvailableTools:        decodeList(os.Getenv(EnvAvailableTools)),
		BlueprintInvariantIDs: decodeList(os.Getenv(EnvBlueprintInvariantIDs)),
		AllowedModels:         decodeList(os.Getenv(EnvAllowedModels)),
		DefaultModel:          os.Getenv(EnvDefaultModel),
		InheritedEnv:          decodeMap(os.Getenv(EnvInheritedEnv)),
	}
}

// Environ renders the context as KEY=VALUE pairs appended to base.
// Empty fields are omitted so the child sees only what was actually set.
func (c JobContext) Environ(base []string) []string {
	out := make([]string, 0, len(base)+16)
	out = append(out, base...)

	put := func(key, value string) {
		if value != "" {
			out = append(out, key+"="+value)
		}
	}

	put(EnvRequestID, c.RequestID)
	put(EnvJobDefinitionID, c.JobDefinitionID)
	put(EnvWorkstreamID, c.WorkstreamID)
	put(EnvVentureID, c.VentureID)
	put(EnvTemplateID, c.TemplateID)
	put(EnvParentRequestID, c.ParentRequestID)
	put(EnvBranchName, c.BranchName)
	put(EnvBaseBranch, c.BaseBranch)
	put(EnvCompletedChildren, encodeList(c.CompletedChildren))
	if c.ChildWorkReviewed {
		put(EnvChildWorkReviewed, "true")
	}
	put(EnvRequiredTools, encodeList(c.RequiredTools))
	put(EnvAvailableTools, encodeList(c.AvailableTools))
	put(EnvBlueprintInvariantIDs, encodeList(c.BlueprintInvariantIDs))
	put(EnvAllowedModels, encodeList(c.AllowedModels))
	put(EnvDefaultModel, c.DefaultModel)
	put(EnvInheritedEnv, encodeMap(c.InheritedEnv))

	return out
}

// ClearEnv removes every JINN_* variable from the process environment.
// Called when a request lifecycle finishes so stale context never leaks
// into the next dispatch.
func ClearEnv() {
	for _, name := range allEnvNames {
		os.Unsetenv(name)
	}
}

const (
	maxEnvEntries  = 64
	maxEnvKeyLen   = 128
	maxEnvValueLen = 4096
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateEnvMap checks an inherited env map against the job-env schema:
// bounded size, well-formed keys, and no reserved JINN_ names (those travel
// through typed context fields, never through the free-form map).
func ValidateEnvMap(env map[string]string) error {
	if len(env) > maxEnvEntries {
		return fmt.Errorf("jobctx: env map has %d entries, limit is %d", len(env), maxEnvEntries)
	}
	for k, v := range env {
		if k == "" {
			return fmt.Errorf("jobctx: env map contains empty key")
		}
		if len(k) > maxEnvKeyLen {
			return fmt.Errorf("jobctx: env key %q exceeds %d characters", k, maxEnvKeyLen)
		}
		if !envKeyPattern.MatchString(k) {
			return fmt.Errorf("jobctx: env key %q is not a valid identifier", k)
		}
		if strings.HasPrefix(strings.ToUpper(k), "JINN_") {
			return fmt.Errorf("jobctx: env key %q uses the reserved JINN_ prefix", k)
		}
		if len(v) > maxEnvValueLen {
			return fmt.Errorf("jobctx: env value for %q exceeds %d characters", k, maxEnvValueLen)
		}
	}
	return nil
}

func encodeList(values []string) string {
	if len(values) == 0 {
		return ""
	}
	b, err := json.Marshal(values)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeMap(values map[string]string) string {
	if len(values) == 0 {
		return ""
	}
	b, err := json.Marshal(values)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func decodeBool(raw string) bool {
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return b
}
