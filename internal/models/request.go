// Package models defines the shared domain types exchanged between the
// worker's subsystems and the network's external surfaces.
package models

import (
	"encoding/json"
	"time"
)

// Request is an on-chain marketplace request as indexed by the ledger.
type Request struct {
	ID                    string `json:"id"`
	Mech                  string `json:"mech"`
	Sender                string `json:"sender"`
	SourceJobDefinitionID string `json:"sourceJobDefinitionId,omitempty"`
	SourceRequestID       string `json:"sourceRequestId,omitempty"`
	IPFSHash              string `json:"ipfsHash"`
	DeliveryIPFSHash      string `json:"deliveryIpfsHash,omitempty"`
	RequestData           string `json:"requestData,omitempty"`
	BlockTimestamp        int64  `json:"blockTimestamp,string"`
	Delivered             bool   `json:"delivered"`
}

// JobDefinition is the persistent identity of a logical job across
// re-dispatches.
type JobDefinition struct {
	ID                    string          `json:"jobDefinitionId"`
	Name                  string          `json:"name"`
	EnabledTools          []string        `json:"enabledTools,omitempty"`
	Blueprint             json.RawMessage `json:"blueprint,omitempty"`
	CodeMetadata          *CodeMetadata   `json:"codeMetadata,omitempty"`
	SourceJobDefinitionID string          `json:"sourceJobDefinitionId,omitempty"`
	LastStatus            string          `json:"lastStatus,omitempty"`
}

// CodeMetadata describes the repository a coding job operates on.
type CodeMetadata struct {
	RepoURL    string `json:"repoUrl,omitempty"`
	Branch     string `json:"branch,omitempty"`
	BaseBranch string `json:"baseBranch,omitempty"`
}

// Lineage records the dispatch ancestry carried inside a job payload.
type Lineage struct {
	DispatcherRequestID     string `json:"dispatcherRequestId,omitempty"`
	ParentRequestID         string `json:"parentRequestId,omitempty"`
	ParentJobDefinitionID   string `json:"parentJobDefinitionId,omitempty"`
	ParentBranch            string `json:"parentBranch,omitempty"`
	RootRequestID           string `json:"rootRequestId,omitempty"`
	DispatcherJobDefinition string `json:"dispatcherJobDefinitionId,omitempty"`
}

// ExecutionPolicy constrains how a dispatched job may execute.
type ExecutionPolicy struct {
	MaxTurns       int    `json:"maxTurns,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
	Sandbox        string `json:"sandbox,omitempty"`
}

// ToolAnnotation carries a tool name plus its dispatch-time description.
type ToolAnnotation struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty"`
}

// AdditionalContext is the free-form context block of a job payload.
// WorkspaceRepo may only be set by human-originated dispatches.
type AdditionalContext struct {
	Hierarchy     *HierarchySummary `json:"hierarchy,omitempty"`
	Summary       string            `json:"summary,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Message       string            `json:"message,omitempty"`
	WorkspaceRepo string            `json:"workspaceRepo,omitempty"`
	Blueprint     json.RawMessage   `json:"blueprint,omitempty"`
}

// HierarchySummary aggregates the state of a job's children.
type HierarchySummary struct {
	TotalJobs     int        `json:"totalJobs"`
	CompletedJobs int        `json:"completedJobs"`
	FailedJobs    int        `json:"failedJobs"`
	ActiveJobs    int        `json:"activeJobs"`
	Children      []ChildJob `json:"children,omitempty"`
}

// ChildJob is one child entry of a hierarchy summary.
type ChildJob struct {
	JobDefinitionID string `json:"jobDefinitionId"`
	Name            string `json:"name"`
	Status          string `json:"status"`
	Branch          string `json:"branch,omitempty"`
	BranchIntegrated bool  `json:"branchIntegrated,omitempty"`
	Summary         string `json:"summary,omitempty"`
}

// JobPayload is the canonical JSON object pushed to IPFS and referenced
// on-chain. Field order is irrelevant; hashing always goes through the
// canonical encoder.
type JobPayload struct {
	NetworkID             string             `json:"networkId"`
	Blueprint             json.RawMessage    `json:"blueprint,omitempty"`
	JobName               string             `json:"jobName"`
	JobDefinitionID       string             `json:"jobDefinitionId"`
	EnabledTools          []string           `json:"enabledTools,omitempty"`
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
	ExecutionPolicy       *ExecutionPolicy   `json:"executionPolicy,omitempty"`
	SourceRequestID       string             `json:"sourceRequestId,omitempty"`
	SourceJobDefinitionID string             `json:"sourceJobDefinitionId,omitempty"`
	Dependencies          []string           `json:"dependencies,omitempty"`
	InputSpec             json.RawMessage    `json:"inputSpec,omitempty"`
	OutputSpec            json.RawMessage    `json:"outputSpec,omitempty"`
	Cyclic                bool               `json:"cyclic,omitempty"`
}

// SituationArtifact is the structured record of a completed request,
// uploaded to IPFS and referenced by CID.
type SituationArtifact struct {
	SummaryText string                `json:"summaryText"`
	Embedding   []float64             `json:"embedding,omitempty"`
	Meta        SituationArtifactMeta `json:"meta"`
}

// SituationArtifactMeta carries provenance for a situation artifact.
type SituationArtifactMeta struct {
	Recognition     json.RawMessage `json:"recognition,omitempty"`
	EmbeddingStatus string          `json:"embeddingStatus"`
	GeneratedAt     time.Time       `json:"generatedAt"`
}

// Embedding status values recorded in artifact metadata.
const (
	EmbeddingStatusEmbedded = "EMBEDDED"
	EmbeddingStatusSkipped  = "SKIPPED"
	EmbeddingStatusFailed   = "FAILED"
)
