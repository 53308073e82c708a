package blueprint

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jinnlabs/jinn-worker/internal/ledger"
)

const providerCoordination = "coordination"

// ChildSource lists the children of a job definition from the index.
type ChildSource interface {
	ChildJobDefinitions(ctx context.Context, parentID string) ([]ledger.JobDefinition, error)
}

// SummarySource fetches a completed child's delivered summary.
type SummarySource interface {
	ChildSummary(ctx context.Context, deliveryHash, requestID string) (string, error)
}

// BranchInspector answers questions about a child branch against a local
// checkout.
type BranchInspector interface {
	Integrated(ctx context.Context, repoRoot, branch, base string) (bool, error)
	Conflicts(ctx context.Context, repoRoot, branch, base string) (bool, error)
}

// jobContextProvider resolves the job's children: status, branch
// integration state, and previously delivered summaries.
type jobContextProvider struct {
	children  ChildSource
	summaries SummarySource
	branches  BranchInspector
	logger    *slog.Logger
}

func (p *jobContextProvider) Name() string { return "job-context" }

func (p *jobContextProvider) Enabled(input *BuildInput) bool {
	return p.children != nil && input.JobDefinitionID != ""
}

func (p *jobContextProvider) Provide(ctx context.Context, input *BuildInput, bc *Context) error {
	defs, err := p.children.ChildJobDefinitions(ctx, input.JobDefinitionID)
	if err != nil {
		return fmt.Errorf("failed to list children: %w", err)
	}

	for _, def := range defs {
		child := Child{
			ID:     def.ID,
			Name:   def.Name,
			Status: mapChildStatus(def.LastStatus),
		}
		if def.CodeMetadata != nil {
			child.Branch = def.CodeMetadata.Branch
			child.BaseBranch = def.CodeMetadata.BaseBranch
		}
		if child.Status == ChildCompleted {
			p.inspectBranch(ctx, input, bc, &child)
			p.fetchSummary(ctx, def, &child)
		}
		bc.Children = append(bc.Children, child)
	}
	return nil
}

func (p *jobContextProvider) inspectBranch(ctx context.Context, input *BuildInput, bc *Context, child *Child) {
	if child.Branch == "" || p.branches == nil || input.RepoRoot == "" {
		return
	}
	base := child.BaseBranch
	if base == "" {
		base = input.BaseBranch
	}
	if base == "" {
		base = "main"
	}

	integrated, err := p.branches.Integrated(ctx, input.RepoRoot, child.Branch, base)
	if err != nil {
		p.logger.Debug("branch integration check failed", "branch", child.Branch, "error", err)
		return
	}
	child.Integrated = integrated
	if integrated {
		return
	}

	conflicted, err := p.branches.Conflicts(ctx, input.RepoRoot, child.Branch, base)
	if err != nil {
		p.logger.Debug("branch conflict check failed", "branch", child.Branch, "error", err)
		return
	}
	if conflicted {
		bc.MergeConflicts = append(bc.MergeConflicts, child.Branch)
	}
}

func (p *jobContextProvider) fetchSummary(ctx context.Context, def ledger.JobDefinition, child *Child) {
	if p.summaries == nil || def.LastRequestID == "" || def.IPFSHash == "" {
		return
	}
	summary, err := p.summaries.ChildSummary(ctx, def.IPFSHash, def.LastRequestID)
	if err != nil {
		p.logger.Debug("child summary unavailable", "child", def.ID, "error", err)
		return
	}
	child.Summary = summary
}

// progressProvider stashes cumulative progress from earlier runs.
type progressProvider struct{}

func (progressProvider) Name() string { return "progress-checkpoint" }
func (progressProvider) Enabled(input *BuildInput) bool { return input.Progress != "" }
func (progressProvider) Provide(_ context.Context, input *BuildInput, bc *Context) error {
	bc.Progress = input.Progress
	return nil
}

// measurementProvider carries prior invariant measurements into re-runs.
type measurementProvider struct{}

func (measurementProvider) Name() string { return "measurement-context" }
func (measurementProvider) Enabled(input *BuildInput) bool {
	return len(input.PriorMeasurements) > 0
}
func (measurementProvider) Provide(_ context.Context, input *BuildInput, bc *Context) error {
	bc.Measurements = make(map[string]Measurement, len(input.PriorMeasurements))
	for _, m := range input.PriorMeasurements {
		bc.Measurements[m.InvariantID] = m
	}
	return nil
}

func boolean(id, condition string) BooleanInvariant {
	return BooleanInvariant{ID: id, Type: KindBoolean, Condition: condition}
}

// systemProvider supplies the baseline operating invariant when the
// blueprint does not carry its own SYS entries.
type systemProvider struct{}

func (systemProvider) Name() string { return "system" }
func (systemProvider) Enabled(input *BuildInput) bool {
	return !input.Blueprint.HasPrefix("SYS")
}
func (systemProvider) Provide(context.Context, *BuildInput, *Context) ([]Invariant, error) {
	return []Invariant{boolean("SYS-1",
		"Work only through the provided tools and report results truthfully; never fabricate tool output or credentials.")}, nil
}

// outputProvider derives an invariant from the declared output spec.
type outputProvider struct{}

func (outputProvider) Name() string { return "output" }
func (outputProvider) Enabled(input *BuildInput) bool { return len(input.OutputSpec) > 0 }
func (outputProvider) Provide(_ context.Context, input *BuildInput, _ *Context) ([]Invariant, error) {
	fields := make([]string, 0, len(input.OutputSpec))
	for name := range input.OutputSpec {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return []Invariant{boolean("OUT-1",
		"The final result must satisfy the declared output specification; required fields: "+strings.Join(fields, ", ")+".")}, nil
}

type strategyProvider struct{}

func (strategyProvider) Name() string { return "strategy" }
func (strategyProvider) Enabled(input *BuildInput) bool { return input.Strategy != "" }
func (strategyProvider) Provide(_ context.Context, input *BuildInput, _ *Context) ([]Invariant, error) {
	return []Invariant{boolean("STRAT-1", input.Strategy)}, nil
}

// recoveryProvider fires when a prior attempt at this request failed.
type recoveryProvider struct{}

func (recoveryProvider) Name() string { return "recovery" }
func (recoveryProvider) Enabled(input *BuildInput) bool { return input.PreviousFailure != "" }
func (recoveryProvider) Provide(_ context.Context, input *BuildInput, _ *Context) ([]Invariant, error) {
	return []Invariant{boolean("RECOV-1",
		"A previous attempt failed with: "+input.PreviousFailure+". Diagnose the cause before repeating the approach.")}, nil
}

// goalProvider passes the blueprint's own invariants through, IDs and
// prefixes intact.
type goalProvider struct{}

func (goalProvider) Name() string { return "goal" }
func (goalProvider) Enabled(input *BuildInput) bool { return !input.Blueprint.Empty() }
func (goalProvider) Provide(_ context.Context, input *BuildInput, _ *Context) ([]Invariant, error) {
	return input.Blueprint.Invariants, nil
}

type learningProvider struct{}

func (learningProvider) Name() string { return "learning" }
func (learningProvider) Enabled(input *BuildInput) bool { return input.Progress != "" }
func (learningProvider) Provide(context.Context, *BuildInput, *Context) ([]Invariant, error) {
	return []Invariant{boolean("LEARN-1",
		"Recorded progress exists for this job; build on it instead of redoing completed steps.")}, nil
}

// coordinationProvider emits the dynamic parent-child directives. It always
// runs; every rule keys off the built context.
type coordinationProvider struct{}

func (coordinationProvider) Name() string { return providerCoordination }

func (coordinationProvider) Enabled(*BuildInput) bool { return true }

func (coordinationProvider) Provide(_ context.Context, input *BuildInput, bc *Context) ([]Invariant, error) {
	var out []Invariant

	failed := bc.FailedChildren()
	if len(failed) > 0 {
		out = append(out, boolean("COORD-FAILED-CHILDREN",
			"These children failed and must be repaired or re-dispatched before any new work: "+childList(failed)+"."))
	} else if !input.IsVerification && len(bc.Children) > 0 {
		out = append(out, boolean("COORD-PARENT-ROLE",
			"Act as the coordinating parent: review delivered child work before producing new output."))
	}

	var unreviewed, artifactOnly []Child
	for _, child := range bc.CompletedChildren() {
		if child.Branch == "" {
			artifactOnly = append(artifactOnly, child)
		} else if !child.Integrated {
			unreviewed = append(unreviewed, child)
		}
	}
	if len(unreviewed) > 0 {
		branches := make([]string, len(unreviewed))
		for i, child := range unreviewed {
			branches[i] = child.Branch
		}
		out = append(out, boolean("COORD-BRANCH-REVIEW",
			"Child branches await review and integration: "+strings.Join(branches, ", ")+"."))
	}
	if len(artifactOnly) > 0 {
		out = append(out, boolean("COORD-ARTIFACT-CHILDREN",
			"These completed children delivered artifacts without branches; fold their results into this job's output: "+childList(artifactOnly)+"."))
	}
	if len(bc.MergeConflicts) > 0 {
		out = append(out, boolean("COORD-MERGE-CONFLICTS",
			"Dependency branches have merge conflicts that must be resolved before integration: "+strings.Join(bc.MergeConflicts, ", ")+"."))
	}

	if unmeasured := unmeasuredMission(input, bc); len(unmeasured) > 0 {
		out = append(out, boolean("COORD-UNMEASURED",
			"A prior run left mission invariants unmeasured: "+strings.Join(unmeasured, ", ")+". Measure them during this run."))
	}
	return out, nil
}

// unmeasuredMission returns the mission invariant IDs without a recorded
// measurement. When every mission invariant is unmeasured and children are
// still active the work is delegated, not skipped, so nothing is returned.
func unmeasuredMission(input *BuildInput, bc *Context) []string {
	if len(bc.Measurements) == 0 || input.Blueprint == nil {
		return nil
	}
	var mission, unmeasured []string
	for _, inv := range input.Blueprint.Invariants {
		id := inv.InvariantID()
		if !IsMission(id) {
			continue
		}
		mission = append(mission, id)
		if !bc.Measured(id) {
			unmeasured = append(unmeasured, id)
		}
	}
	if len(unmeasured) == 0 {
		return nil
	}
	if len(unmeasured) == len(mission) && len(bc.ActiveChildren()) > 0 {
		return nil
	}
	return unmeasured
}

// stateProvider tracks children still in flight.
type stateProvider struct{}

func (stateProvider) Name() string { return "state" }

func (stateProvider) Enabled(*BuildInput) bool { return true }
func (stateProvider) Provide(_ context.Context, _ *BuildInput, bc *Context) ([]Invariant, error) {
	active := bc.ActiveChildren()
	if len(active) == 0 {
		return nil, nil
	}
	return []Invariant{boolean("STATE-SYNC",
		"Children are still in flight: "+childList(active)+". Track their completion; do not finalize past them.")}, nil
}

type toolingProvider struct{}

func (toolingProvider) Name() string { return "tooling" }
func (toolingProvider) Enabled(input *BuildInput) bool { return len(input.RequiredTools) > 0 }
func (toolingProvider) Provide(_ context.Context, input *BuildInput, _ *Context) ([]Invariant, error) {
	return []Invariant{boolean("TOOL-1",
		"Use the required tools for this job: "+strings.Join(input.RequiredTools, ", ")+". Do not substitute alternatives.")}, nil
}

type qualityProvider struct{}

func (qualityProvider) Name() string { return "quality" }
func (qualityProvider) Enabled(input *BuildInput) bool { return len(input.QualityCriteria) > 0 }
func (qualityProvider) Provide(_ context.Context, input *BuildInput, _ *Context) ([]Invariant, error) {
	return []Invariant{boolean("QUAL-1",
		"Delivered work must meet the stated quality criteria: "+strings.Join(input.QualityCriteria, "; ")+".")}, nil
}

type cycleProvider struct{}

func (cycleProvider) Name() string { return "cycle" }
func (cycleProvider) Enabled(input *BuildInput) bool { return input.Cyclic }
func (cycleProvider) Provide(context.Context, *BuildInput, *Context) ([]Invariant, error) {
	return []Invariant{boolean("CYCLE-1",
		"This job re-runs on a schedule; leave the workspace in a state the next run can resume from.")}, nil
}

func childList(children []Child) string {
	parts := make([]string, len(children))
	for i, child := range children {
		if child.Name != "" {
			parts[i] = fmt.Sprintf("%s (%s)", child.Name, child.ID)
		} else {
			parts[i] = child.ID
		}
	}
	return strings.Join(parts, ", ")
}
