package blueprint

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// BuildInput is everything known about a job before prompt assembly.
type BuildInput struct {
	JobName         string
	JobDefinitionID string
	RequestID       string

	// Blueprint is the decoded document from request metadata; LegacyPrompt
	// is set instead when the dispatcher predates structured blueprints.
	Blueprint    *Document
	LegacyPrompt string

	OutputSpec      map[string]json.RawMessage
	RequiredTools   []string
	QualityCriteria []string
	Strategy        string

	// PreviousFailure carries the error of a failed prior attempt.
	PreviousFailure   string
	Progress          string
	PriorMeasurements []Measurement

	IsVerification bool
	Cyclic         bool

	// RepoRoot points at a local checkout when the job is a coding job;
	// branch integration checks run against it.
	RepoRoot   string
	BaseBranch string
}

// ContextProvider populates one concern of the shared build context.
type ContextProvider interface {
	Name() string
	Enabled(input *BuildInput) bool
	Provide(ctx context.Context, input *BuildInput, bc *Context) error
}

// InvariantProvider reads the built context and emits invariants.
type InvariantProvider interface {
	Name() string
	Enabled(input *BuildInput) bool
	Provide(ctx context.Context, input *BuildInput, bc *Context) ([]Invariant, error)
}

// Metadata records how and when a blueprint was assembled.
type Metadata struct {
	JobName         string    `json:"jobName,omitempty"`
	JobDefinitionID string    `json:"jobDefinitionId,omitempty"`
	GeneratedAt     time.Time `json:"generatedAt"`
	Providers       []string  `json:"providers"`
}

// Built is the assembled blueprint.
type Built struct {
	Invariants []Invariant `json:"invariants"`
	Context    *Context    `json:"context"`
	Metadata   Metadata    `json:"metadata"`
}

// BuildResult is what Build hands back to the engine.
type BuildResult struct {
	Blueprint   Built `json:"blueprint"`
	BuildTimeMs int64 `json:"buildTime"`
}

// Deps are the external services providers draw on. Any of them may be nil;
// the provider that needs a missing dependency disables itself.
type Deps struct {
	Children  ChildSource
	Summaries SummarySource
	Branches  BranchInspector
}

// Builder runs the provider pipeline.
type Builder struct {
	contextProviders   []ContextProvider
	invariantProviders []InvariantProvider
	logger             *slog.Logger
	now                func() time.Time
}

// NewBuilder assembles the standard provider pipeline.
func NewBuilder(deps Deps, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "blueprint")
	return &Builder{
		contextProviders: []ContextProvider{
			&jobContextProvider{
				children:  deps.Children,
				summaries: deps.Summaries,
				branches:  deps.Branches,
				logger:    logger,
			},
			progressProvider{},
			measurementProvider{},
		},
		invariantProviders: []InvariantProvider{
			systemProvider{},
			outputProvider{},
			strategyProvider{},
			recoveryProvider{},
			goalProvider{},
			learningProvider{},
			coordinationProvider{},
			stateProvider{},
			toolingProvider{},
			qualityProvider{},
			cycleProvider{},
		},
		logger: logger,
		now:    time.Now,
	}
}

// Build runs both provider phases and returns the layered invariant list. A
// failing provider is logged and skipped; assembly always completes.
func (b *Builder) Build(ctx context.Context, input *BuildInput) (*BuildResult, error) {
	start := b.now()
	bc := &Context{}
	var ran []string

	for _, p := range b.contextProviders {
		if !p.Enabled(input) {
			continue
		}
		ran = append(ran, p.Name())
		b.runContextProvider(ctx, p, input, bc)
	}

	var entries []emitted
	seen := make(map[string]bool)
	next := 0
	for _, p := range b.invariantProviders {
		if !p.Enabled(input) {
			continue
		}
		ran = append(ran, p.Name())
		for _, inv := range b.runInvariantProvider(ctx, p, input, bc) {
			id := inv.InvariantID()
			if id == "" || seen[id] {
				b.logger.Debug("dropping duplicate invariant", "id", id, "provider", p.Name())
				continue
			}
			seen[id] = true
			entries = append(entries, emitted{inv: inv, provider: p.Name(), index: next})
			next++
		}
	}

	result := &BuildResult{
		Blueprint: Built{
			Invariants: sortEmitted(entries),
			Context:    bc,
			Metadata: Metadata{
				JobName:         input.JobName,
				JobDefinitionID: input.JobDefinitionID,
				GeneratedAt:     start,
				Providers:       ran,
			},
		},
		BuildTimeMs: b.now().Sub(start).Milliseconds(),
	}
	return result, nil
}

func (b *Builder) runContextProvider(ctx context.Context, p ContextProvider, input *BuildInput, bc *Context) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("context provider panicked", "provider", p.Name(), "panic", r)
		}
	}()
	if err := p.Provide(ctx, input, bc); err != nil {
		b.logger.Warn("context provider failed, continuing without it",
			"provider", p.Name(), "error", err)
	}
}

func (b *Builder) runInvariantProvider(ctx context.Context, p InvariantProvider, input *BuildInput, bc *Context) []Invariant {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("invariant provider panicked", "provider", p.Name(), "panic", r)
		}
	}()
	invs, err := p.Provide(ctx, input, bc)
	if err != nil {
		b.logger.Warn("invariant provider failed, continuing without it",
			"provider", p.Name(), "error", err)
		return nil
	}
	return invs
}
