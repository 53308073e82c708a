// Package payload builds the single JSON object pushed to IPFS and
// referenced on-chain when a job is dispatched. Everything the receiving
// agent needs travels inside it: blueprint, tool policy, model policy,
// hierarchy, lineage, and execution branch.
package payload

import "encoding/json"

// NetworkID tags every dispatched payload.
const NetworkID = "jinn"

// processBranchTool is injected for coding jobs on top of the universal set.
const processBranchTool = "process_branch"

// universalTools is the always-available tool set; every dispatched payload
// carries at least these.
var universalTools = []string{
	"update_job_status",
	"create_artifact",
	"send_message",
	"dispatch_job",
}

// ToolAnnotation describes one enabled tool to the agent.
type ToolAnnotation struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// CodeMetadata records the execution branch of a coding job.
type CodeMetadata struct {
	Repo       string `json:"repo,omitempty"`
	Branch     string `json:"branch,omitempty"`
	BaseBranch string `json:"baseBranch,omitempty"`
}

// HierarchyNode is one child of the dispatched job as the index knows it.
type HierarchyNode struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
	Branch string `json:"branch,omitempty"`
}

// AdditionalContext carries everything contextual that is not policy.
type AdditionalContext struct {
	Hierarchy     []HierarchyNode   `json:"hierarchy,omitempty"`
	Summary       string            `json:"summary,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Message       string            `json:"message,omitempty"`
	WorkspaceRepo string            `json:"workspaceRepo,omitempty"`
}

// Lineage links the payload back to whoever dispatched it.
type Lineage struct {
	DispatcherRequestID   string `json:"dispatcherRequestId,omitempty"`
	ParentJobDefinitionID string `json:"parentJobDefinitionId,omitempty"`
	ParentBranch          string `json:"parentBranch,omitempty"`
	ParentBaseBranch      string `json:"parentBaseBranch,omitempty"`
}

// Payload is the canonical dispatched object.
type Payload struct {
	NetworkID             string             `json:"networkId"`
	Blueprint             json.RawMessage    `json:"blueprint,omitempty"`
	JobName               string             `json:"jobName,omitempty"`
	JobDefinitionID       string             `json:"jobDefinitionId"`
	EnabledTools          []string           `json:"enabledTools"`
	Tools                 []ToolAnnotation   `json:"tools,omitempty"`
	AllowedModels         []string           `json:"allowedModels,omitempty"`
	Model                 string             `json:"model,omitempty"`
	Nonce                 string             `json:"nonce"`
	AdditionalContext     *AdditionalContext `json:"additionalContext,omitempty"`
	WorkstreamID          string             `json:"workstreamId,omitempty"`
	VentureID             string             `json:"ventureId,omitempty"`
	TemplateID            string             `json:"templateId,omitempty"`
	Lineage               *Lineage           `json:"lineage,omitempty"`
	CodeMetadata          *CodeMetadata      `json:"codeMetadata,omitempty"`
	BranchName            string             `json:"branchName,omitempty"`
	BaseBranch            string             `json:"baseBranch,omitempty"`
	ExecutionPolicy       json.RawMessage    `json:"executionPolicy,omitempty"`
	SourceRequestID       string             `json:"sourceRequestId,omitempty"`
	SourceJobDefinitionID string             `json:"sourceJobDefinitionId,omitempty"`
	Dependencies          []string           `json:"dependencies,omitempty"`
	InputSpec             json.RawMessage    `json:"inputSpec,omitempty"`
	OutputSpec            json.RawMessage    `json:"outputSpec,omitempty"`
	Cyclic                bool               `json:"cyclic,omitempty"`
}

// ContextOverrides are dispatch-time additions to additionalContext.
// WorkspaceRepo is restricted: only human-originated dispatches may set it.
type ContextOverrides struct {
	Env           map[string]string `json:"env,omitempty"`
	WorkspaceRepo string            `json:"workspaceRepo,omitempty"`
}

// BuildRequest is everything a dispatcher supplies.
type BuildRequest struct {
	Blueprint       json.RawMessage
	JobName         string
	JobDefinitionID string
	Model           string
	EnabledTools    []string
	Tools           []ToolAnnotation
	Dependencies    []string
	Message         string
	InputSpec       json.RawMessage
	OutputSpec      json.RawMessage
	AllowedModels   []string
	Cyclic          bool
	CodeMetadata    *CodeMetadata
	WorkstreamID    string
	VentureID       string
	TemplateID      string
	ExecutionPolicy json.RawMessage
	Overrides       *ContextOverrides

	// HumanOrigin marks a dispatch triggered directly by a person rather
	// than another agent; some overrides are gated on it.
	HumanOrigin bool

	// RepoRoot is a local checkout to create the job branch in, when one
	// exists on this host.
	RepoRoot string
}

// BranchAction says what happened to the job branch during assembly.
type BranchAction string

const (
	// BranchCreated means the branch was created in the local checkout.
	BranchCreated BranchAction = "created"
	// BranchReused means the dispatcher supplied existing branch metadata.
	BranchReused BranchAction = "reused"
	// BranchRecorded means the branch is named in metadata only; the
	// executing agent creates it.
	BranchRecorded BranchAction = "recorded"
)

// BranchResult reports the branch decision for downstream logging.
type BranchResult struct {
	Name   string       `json:"name"`
	Base   string       `json:"base"`
	Action BranchAction `json:"action"`
}

// BuildResult is the marketplace API shape: a one-element payload array
// plus the branch outcome.
type BuildResult struct {
	Payloads     []Payload     `json:"payloads"`
	Branch       *BranchResult `json:"branch,omitempty"`
	CodeMetadata *CodeMetadata `json:"codeMetadata,omitempty"`
}
