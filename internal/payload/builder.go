package payload

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/jinnlabs/jinn-worker/internal/jobctx"
	"github.com/jinnlabs/jinn-worker/internal/ledger"
	"github.com/jinnlabs/jinn-worker/internal/pkg/apierror"
)

// branchPrefix namespaces job branches in shared checkouts.
const branchPrefix = "jinn/job-"

// HierarchySource lists the known children of a job definition.
type HierarchySource interface {
	ChildJobDefinitions(ctx context.Context, parentID string) ([]ledger.JobDefinition, error)
}

// BranchCreator materializes a job branch in a local checkout.
type BranchCreator interface {
	EnsureBranch(ctx context.Context, root, branch, base string) error
}

// Builder assembles dispatch payloads. It is safe for concurrent use.
type Builder struct {
	hierarchy   HierarchySource
	branches    BranchCreator
	defaultBase string
	logger      *slog.Logger

	newNonce func() string
}

// NewBuilder returns a Builder. hierarchy and branches may be nil, in which
// case payloads carry no hierarchy context and branches are recorded rather
// than created.
func NewBuilder(hierarchy HierarchySource, branches BranchCreator, defaultBase string, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultBase == "" {
		defaultBase = "main"
	}
	return &Builder{
		hierarchy:   hierarchy,
		branches:    branches,
		defaultBase: defaultBase,
		logger:      logger.With("component", "payload"),
		newNonce:    uuid.NewString,
	}
}

// Build assembles the dispatched payload for req under the job context jc.
// The result is self-contained: the receiving agent reconstructs hierarchy,
// tool policy, model policy, and execution branch from the payload alone.
func (b *Builder) Build(ctx context.Context, jc jobctx.JobContext, req *BuildRequest) (*BuildResult, error) {
	if req.JobDefinitionID == "" {
		return nil, apierror.NewValidationError("jobDefinitionId", "jobDefinitionId is required")
	}
	workspaceRepo := ""
	if req.Overrides != nil {
		workspaceRepo = req.Overrides.WorkspaceRepo
	}
	if workspaceRepo != "" && !req.HumanOrigin {
		return nil, apierror.NewValidationError("workspaceRepo", "workspaceRepo is restricted to human-originated dispatches")
	}

	coding := req.CodeMetadata != nil || workspaceRepo != ""
	enabled := mergeTools(req.EnabledTools, coding)

	allowed := req.AllowedModels
	if len(allowed) == 0 {
		allowed = jc.AllowedModels
	}
	model, err := ResolveModel(req.Model, jc.DefaultModel, allowed)
	if err != nil {
		return nil, err
	}

	env, err := overlayEnv(jc.InheritedEnv, req.Overrides)
	if err != nil {
		return nil, err
	}

	nodes := b.fetchHierarchy(ctx, req.JobDefinitionID)

	var branch *BranchResult
	cm := req.CodeMetadata
	if coding {
		branch, cm = b.ensureBranch(ctx, jc, req, workspaceRepo)
	}

	p := Payload{
		NetworkID:             NetworkID,
		Blueprint:             req.Blueprint,
		JobName:               req.JobName,
		JobDefinitionID:       req.JobDefinitionID,
		EnabledTools:          enabled,
		Tools:                 req.Tools,
		AllowedModels:         allowed,
		Model:                 model,
		Nonce:                 b.newNonce(),
		WorkstreamID:          firstNonEmpty(req.WorkstreamID, jc.WorkstreamID),
		VentureID:             firstNonEmpty(req.VentureID, jc.VentureID),
		TemplateID:            firstNonEmpty(req.TemplateID, jc.TemplateID),
		CodeMetadata:          cm,
		ExecutionPolicy:       req.ExecutionPolicy,
		SourceRequestID:       jc.RequestID,
		SourceJobDefinitionID: jc.JobDefinitionID,
		Dependencies:          req.Dependencies,
		InputSpec:             req.InputSpec,
		OutputSpec:            req.OutputSpec,
		Cyclic:                req.Cyclic,
	}
	if cm != nil {
		p.BranchName = cm.Branch
		p.BaseBranch = cm.BaseBranch
	}
	if jc.RequestID != "" || jc.JobDefinitionID != "" {
		p.Lineage = &Lineage{
			DispatcherRequestID:   jc.RequestID,
			ParentJobDefinitionID: jc.JobDefinitionID,
			ParentBranch:          jc.BranchName,
			ParentBaseBranch:      jc.BaseBranch,
		}
	}

	summary := summarizeHierarchy(nodes)
	if len(nodes) > 0 || summary != "" || len(env) > 0 || req.Message != "" || workspaceRepo != "" {
		p.AdditionalContext = &AdditionalContext{
			Hierarchy:     nodes,
			Summary:       summary,
			Env:           env,
			Message:       req.Message,
			WorkspaceRepo: workspaceRepo,
		}
	}

	return &BuildResult{
		Payloads:     []Payload{p},
		Branch:       branch,
		CodeMetadata: cm,
	}, nil
}

func (b *Builder) fetchHierarchy(ctx context.Context, jobDefinitionID string) []HierarchyNode {
	if b.hierarchy == nil {
		return nil
	}
	defs, err := b.hierarchy.ChildJobDefinitions(ctx, jobDefinitionID)
	if err != nil {
		b.logger.Warn("child hierarchy unavailable",
			"jobDefinitionId", jobDefinitionID,
			"error", err)
		return nil
	}
	nodes := make([]HierarchyNode, 0, len(defs))
	for _, d := range defs {
		n := HierarchyNode{ID: d.ID, Name: d.Name, Status: d.LastStatus}
		if d.CodeMetadata != nil {
			n.Branch = d.CodeMetadata.Branch
		}
		nodes = append(nodes, n)
	}
	return nodes
}

// ensureBranch decides the execution branch for a coding job. Provided
// metadata with a branch name is reused as-is; otherwise a fresh branch is
// derived from the job definition ID and, when a checkout is available,
// created locally.
func (b *Builder) ensureBranch(ctx context.Context, jc jobctx.JobContext, req *BuildRequest, workspaceRepo string) (*BranchResult, *CodeMetadata) {
	repo := workspaceRepo
	var overrideBase string
	if req.CodeMetadata != nil {
		if req.CodeMetadata.Repo != "" {
			repo = req.CodeMetadata.Repo
		}
		overrideBase = req.CodeMetadata.BaseBranch
		if req.CodeMetadata.Branch != "" {
			base := firstNonEmpty(overrideBase, jc.BranchName, b.defaultBase)
			cm := &CodeMetadata{Repo: repo, Branch: req.CodeMetadata.Branch, BaseBranch: base}
			return &BranchResult{Name: cm.Branch, Base: base, Action: BranchReused}, cm
		}
	}

	name := branchPrefix + shortID(req.JobDefinitionID)
	base := firstNonEmpty(overrideBase, jc.BranchName, b.defaultBase)
	action := BranchRecorded
	if req.RepoRoot != "" && b.branches != nil {
		if err := b.branches.EnsureBranch(ctx, req.RepoRoot, name, base); err != nil {
			b.logger.Warn("branch creation failed, recording metadata only",
				"branch", name,
				"base", base,
				"error", err)
		} else {
			action = BranchCreated
		}
	}
	cm := &CodeMetadata{Repo: repo, Branch: name, BaseBranch: base}
	return &BranchResult{Name: name, Base: base, Action: action}, cm
}

// mergeTools returns the enabled tool set: universal tools first, the coding
// meta-tool when applicable, then requested extras, deduplicated in order.
func mergeTools(requested []string, coding bool) []string {
	out := make([]string, 0, len(universalTools)+len(requested)+1)
	seen := make(map[string]struct{}, len(universalTools)+len(requested)+1)
	add := func(t string) {
		if t == "" {
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	for _, t := range universalTools {
		add(t)
	}
	if coding {
		add(processBranchTool)
	}
	for _, t := range requested {
		add(t)
	}
	return out
}

// overlayEnv merges dispatch-time env overrides over the inherited map and
// validates the result against the job env schema.
func overlayEnv(inherited map[string]string, o *ContextOverrides) (map[string]string, error) {
	var env map[string]string
	if len(inherited) > 0 || (o != nil && len(o.Env) > 0) {
		env = make(map[string]string, len(inherited))
		for k, v := range inherited {
			env[k] = v
		}
		if o != nil {
			for k, v := range o.Env {
				env[k] = v
			}
		}
	}
	if err := jobctx.ValidateEnvMap(env); err != nil {
		return nil, apierror.NewValidationError("env", err.Error())
	}
	return env, nil
}

func summarizeHierarchy(nodes []HierarchyNode) string {
	if len(nodes) == 0 {
		return ""
	}
	var completed, failed, active int
	for _, n := range nodes {
		switch strings.ToUpper(n.Status) {
		case "COMPLETED":
			completed++
		case "FAILED":
			failed++
		default:
			active++
		}
	}
	parts := make([]string, 0, 3)
	if completed > 0 {
		parts = append(parts, fmt.Sprintf("%d completed", completed))
	}
	if failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", failed))
	}
	if active > 0 {
		parts = append(parts, fmt.Sprintf("%d active", active))
	}
	word := "children"
	if len(nodes) == 1 {
		word = "child"
	}
	return fmt.Sprintf("%d %s: %s", len(nodes), word, strings.Join(parts, ", "))
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
