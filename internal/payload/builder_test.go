package payload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinnlabs/jinn-worker/internal/jobctx"
	"github.com/jinnlabs/jinn-worker/internal/ledger"
	"github.com/jinnlabs/jinn-worker/internal/pkg/apierror"
)

type fakeHierarchy struct {
	defs []ledger.JobDefinition
	err  error
}

func (f *fakeHierarchy) ChildJobDefinitions(context.Context, string) ([]ledger.JobDefinition, error) {
	return f.defs, f.err
}

type branchCall struct {
	root   string
	branch string
	base   string
}

type fakeBranches struct {
	calls []branchCall
	err   error
}

func (f *fakeBranches) EnsureBranch(_ context.Context, root, branch, base string) error {
	f.calls = append(f.calls, branchCall{root, branch, base})
	return f.err
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBuilder(h HierarchySource, br BranchCreator) *Builder {
	b := NewBuilder(h, br, "develop", discard())
	b.newNonce = func() string { return "nonce-1" }
	return b
}

func TestBuildUniversalToolsAlwaysPresent(t *testing.T) {
	b := newTestBuilder(nil, nil)

	res, err := b.Build(context.Background(), jobctx.JobContext{}, &BuildRequest{
		JobDefinitionID: "job-1",
		EnabledTools:    []string{"web_search", "update_job_status"},
	})
	require.NoError(t, err)
	require.Len(t, res.Payloads, 1)

	p := res.Payloads[0]
	assert.Equal(t, []string{
		"update_job_status",
		"create_artifact",
		"send_message",
		"dispatch_job",
		"web_search",
	}, p.EnabledTools, "universal set leads, duplicates collapse")
	assert.NotContains(t, p.EnabledTools, "process_branch")
	assert.Nil(t, res.Branch)
}

func TestBuildCodingJobGetsProcessBranch(t *testing.T) {
	b := newTestBuilder(nil, nil)

	res, err := b.Build(context.Background(), jobctx.JobContext{}, &BuildRequest{
		JobDefinitionID: "job-1",
		CodeMetadata:    &CodeMetadata{Repo: "git@github.com:acme/app.git"},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Payloads[0].EnabledTools, "process_branch")
}

func TestBuildWorkspaceRepoRequiresHumanOrigin(t *testing.T) {
	b := newTestBuilder(nil, nil)
	overrides := &ContextOverrides{WorkspaceRepo: "git@github.com:acme/app.git"}

	_, err := b.Build(context.Background(), jobctx.JobContext{}, &BuildRequest{
		JobDefinitionID: "job-1",
		Overrides:       overrides,
	})
	require.Error(t, err)
	assert.Equal(t, "VALIDATION_ERROR", apierror.AsAPIError(err).Code)

	res, err := b.Build(context.Background(), jobctx.JobContext{}, &BuildRequest{
		JobDefinitionID: "job-1",
		Overrides:       overrides,
		HumanOrigin:     true,
	})
	require.NoError(t, err)
	p := res.Payloads[0]
	require.NotNil(t, p.AdditionalContext)
	assert.Equal(t, "git@github.com:acme/app.git", p.AdditionalContext.WorkspaceRepo)
	assert.Contains(t, p.EnabledTools, "process_branch", "workspace repo marks the job as coding")
	require.NotNil(t, res.CodeMetadata)
	assert.Equal(t, "git@github.com:acme/app.git", res.CodeMetadata.Repo)
}

func TestBuildModelPolicy(t *testing.T) {
	b := newTestBuilder(nil, nil)
	ctx := context.Background()

	t.Run("deprecated rejected", func(t *testing.T) {
		_, err := b.Build(ctx, jobctx.JobContext{}, &BuildRequest{
			JobDefinitionID: "job-1",
			Model:           "gemini-1.5-pro",
		})
		require.Error(t, err)
		assert.Equal(t, "VALIDATION_ERROR", apierror.AsAPIError(err).Code)
	})

	t.Run("inherited allowlist enforced", func(t *testing.T) {
		jc := jobctx.JobContext{AllowedModels: []string{"gemini-2.5-pro"}}

		_, err := b.Build(ctx, jc, &BuildRequest{
			JobDefinitionID: "job-1",
			Model:           "gemini-2.0-flash",
		})
		require.Error(t, err)

		res, err := b.Build(ctx, jc, &BuildRequest{
			JobDefinitionID: "job-1",
			Model:           "gemini-2.5-pro-preview-06-05",
		})
		require.NoError(t, err)
		p := res.Payloads[0]
		assert.Equal(t, "gemini-2.5-pro-preview-06-05", p.Model)
		assert.Equal(t, []string{"gemini-2.5-pro"}, p.AllowedModels, "cascaded policy travels with the payload")
	})

	t.Run("request allowlist overrides inherited", func(t *testing.T) {
		jc := jobctx.JobContext{AllowedModels: []string{"gemini-2.5-pro"}}

		res, err := b.Build(ctx, jc, &BuildRequest{
			JobDefinitionID: "job-1",
			Model:           "gemini-2.0-flash",
			AllowedModels:   []string{"gemini-2.0-flash"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"gemini-2.0-flash"}, res.Payloads[0].AllowedModels)
	})

	t.Run("default model inherited", func(t *testing.T) {
		jc := jobctx.JobContext{DefaultModel: "gemini-2.5-flash"}

		res, err := b.Build(ctx, jc, &BuildRequest{JobDefinitionID: "job-1"})
		require.NoError(t, err)
		assert.Equal(t, "gemini-2.5-flash", res.Payloads[0].Model)
	})
}

func TestBuildEnvOverlay(t *testing.T) {
	b := newTestBuilder(nil, nil)
	jc := jobctx.JobContext{InheritedEnv: map[string]string{
		"APP_MODE": "prod",
		"REGION":   "us-east-1",
	}}

	res, err := b.Build(context.Background(), jc, &BuildRequest{
		JobDefinitionID: "job-1",
		Overrides: &ContextOverrides{Env: map[string]string{
			"REGION": "eu-west-1",
			"TIER":   "gold",
		}},
	})
	require.NoError(t, err)
	ac := res.Payloads[0].AdditionalContext
	require.NotNil(t, ac)
	assert.Equal(t, map[string]string{
		"APP_MODE": "prod",
		"REGION":   "eu-west-1",
		"TIER":     "gold",
	}, ac.Env)
}

func TestBuildEnvOverlayValidated(t *testing.T) {
	b := newTestBuilder(nil, nil)

	_, err := b.Build(context.Background(), jobctx.JobContext{}, &BuildRequest{
		JobDefinitionID: "job-1",
		Overrides: &ContextOverrides{Env: map[string]string{
			"JINN_REQUEST_ID": "spoofed",
		}},
	})
	require.Error(t, err)
	assert.Equal(t, "VALIDATION_ERROR", apierror.AsAPIError(err).Code)
	assert.Contains(t, err.Error(), "reserved")
}

func TestBuildHierarchyAttached(t *testing.T) {
	h := &fakeHierarchy{defs: []ledger.JobDefinition{
		{ID: "c1", Name: "api", LastStatus: "COMPLETED", CodeMetadata: &ledger.CodeMetadata{Branch: "feat/api"}},
		{ID: "c2", Name: "ui", LastStatus: "FAILED"},
		{ID: "c3", Name: "docs", LastStatus: "PENDING"},
	}}
	b := newTestBuilder(h, nil)

	res, err := b.Build(context.Background(), jobctx.JobContext{}, &BuildRequest{JobDefinitionID: "job-1"})
	require.NoError(t, err)
	ac := res.Payloads[0].AdditionalContext
	require.NotNil(t, ac)
	require.Len(t, ac.Hierarchy, 3)
	assert.Equal(t, "c1", ac.Hierarchy[0].ID)
	assert.Equal(t, "feat/api", ac.Hierarchy[0].Branch)
	assert.Equal(t, "3 children: 1 completed, 1 failed, 1 active", ac.Summary)
}

func TestBuildHierarchyErrorTolerated(t *testing.T) {
	h := &fakeHierarchy{err: errors.New("index down")}
	b := newTestBuilder(h, nil)

	res, err := b.Build(context.Background(), jobctx.JobContext{}, &BuildRequest{JobDefinitionID: "job-1"})
	require.NoError(t, err, "hierarchy is context, not a dispatch precondition")
	assert.Nil(t, res.Payloads[0].AdditionalContext)
}

func TestBuildBranchCreated(t *testing.T) {
	br := &fakeBranches{}
	b := newTestBuilder(nil, br)
	jc := jobctx.JobContext{BranchName: "jinn/job-parent1"}

	res, err := b.Build(context.Background(), jc, &BuildRequest{
		JobDefinitionID: "abcdef1234567890",
		CodeMetadata:    &CodeMetadata{Repo: "git@github.com:acme/app.git"},
		RepoRoot:        "/srv/checkout",
	})
	require.NoError(t, err)

	require.NotNil(t, res.Branch)
	assert.Equal(t, BranchCreated, res.Branch.Action)
	assert.Equal(t, "jinn/job-abcdef12", res.Branch.Name)
	assert.Equal(t, "jinn/job-parent1", res.Branch.Base, "children branch off the parent branch")
	require.Len(t, br.calls, 1)
	assert.Equal(t, branchCall{"/srv/checkout", "jinn/job-abcdef12", "jinn/job-parent1"}, br.calls[0])

	p := res.Payloads[0]
	assert.Equal(t, "jinn/job-abcdef12", p.BranchName)
	assert.Equal(t, "jinn/job-parent1", p.BaseBranch)
	require.NotNil(t, res.CodeMetadata)
	assert.Equal(t, "git@github.com:acme/app.git", res.CodeMetadata.Repo)
}

func TestBuildBranchReused(t *testing.T) {
	br := &fakeBranches{}
	b := newTestBuilder(nil, br)

	res, err := b.Build(context.Background(), jobctx.JobContext{}, &BuildRequest{
		JobDefinitionID: "job-1",
		CodeMetadata:    &CodeMetadata{Branch: "feat/login", BaseBranch: "develop"},
		RepoRoot:        "/srv/checkout",
	})
	require.NoError(t, err)

	require.NotNil(t, res.Branch)
	assert.Equal(t, BranchReused, res.Branch.Action)
	assert.Equal(t, "feat/login", res.Branch.Name)
	assert.Equal(t, "develop", res.Branch.Base)
	assert.Empty(t, br.calls)
}

func TestBuildBranchRecorded(t *testing.T) {
	t.Run("no checkout", func(t *testing.T) {
		b := newTestBuilder(nil, &fakeBranches{})

		res, err := b.Build(context.Background(), jobctx.JobContext{}, &BuildRequest{
			JobDefinitionID: "job-1",
			CodeMetadata:    &CodeMetadata{},
		})
		require.NoError(t, err)
		require.NotNil(t, res.Branch)
		assert.Equal(t, BranchRecorded, res.Branch.Action)
	})

	t.Run("git failure downgrades to recorded", func(t *testing.T) {
		br := &fakeBranches{err: errors.New("permission denied")}
		b := newTestBuilder(nil, br)

		res, err := b.Build(context.Background(), jobctx.JobContext{}, &BuildRequest{
			JobDefinitionID: "job-1",
			CodeMetadata:    &CodeMetadata{},
			RepoRoot:        "/srv/checkout",
		})
		require.NoError(t, err)
		require.NotNil(t, res.Branch)
		assert.Equal(t, BranchRecorded, res.Branch.Action)
		assert.Len(t, br.calls, 1)
	})
}

func TestBuildBaseBranchCascade(t *testing.T) {
	t.Run("explicit base wins", func(t *testing.T) {
		b := newTestBuilder(nil, nil)
		jc := jobctx.JobContext{BranchName: "jinn/job-parent1"}

		res, err := b.Build(context.Background(), jc, &BuildRequest{
			JobDefinitionID: "job-1",
			CodeMetadata:    &CodeMetadata{BaseBranch: "release/1.2"},
		})
		require.NoError(t, err)
		assert.Equal(t, "release/1.2", res.Branch.Base)
	})

	t.Run("configured default when no parent branch", func(t *testing.T) {
		b := newTestBuilder(nil, nil)

		res, err := b.Build(context.Background(), jobctx.JobContext{}, &BuildRequest{
			JobDefinitionID: "job-1",
			CodeMetadata:    &CodeMetadata{},
		})
		require.NoError(t, err)
		assert.Equal(t, "develop", res.Branch.Base)
	})

	t.Run("main is the last resort", func(t *testing.T) {
		b := NewBuilder(nil, nil, "", discard())
		b.newNonce = func() string { return "nonce-1" }

		res, err := b.Build(context.Background(), jobctx.JobContext{}, &BuildRequest{
			JobDefinitionID: "job-1",
			CodeMetadata:    &CodeMetadata{},
		})
		require.NoError(t, err)
		assert.Equal(t, "main", res.Branch.Base)
	})
}

func TestBuildLineage(t *testing.T) {
	b := newTestBuilder(nil, nil)
	jc := jobctx.JobContext{
		RequestID:       "0xreq-parent",
		JobDefinitionID: "parent-def",
		BranchName:      "jinn/job-parent1",
		BaseBranch:      "main",
		WorkstreamID:    "ws-1",
		VentureID:       "v-1",
		TemplateID:      "t-1",
	}

	res, err := b.Build(context.Background(), jc, &BuildRequest{JobDefinitionID: "job-1"})
	require.NoError(t, err)
	p := res.Payloads[0]

	require.NotNil(t, p.Lineage)
	assert.Equal(t, "0xreq-parent", p.Lineage.DispatcherRequestID)
	assert.Equal(t, "parent-def", p.Lineage.ParentJobDefinitionID)
	assert.Equal(t, "jinn/job-parent1", p.Lineage.ParentBranch)
	assert.Equal(t, "main", p.Lineage.ParentBaseBranch)
	assert.Equal(t, "0xreq-parent", p.SourceRequestID)
	assert.Equal(t, "parent-def", p.SourceJobDefinitionID)

	assert.Equal(t, "ws-1", p.WorkstreamID)
	assert.Equal(t, "v-1", p.VentureID)
	assert.Equal(t, "t-1", p.TemplateID)
}

func TestBuildLineageAbsentForRootDispatch(t *testing.T) {
	b := newTestBuilder(nil, nil)

	res, err := b.Build(context.Background(), jobctx.JobContext{}, &BuildRequest{JobDefinitionID: "job-1"})
	require.NoError(t, err)
	assert.Nil(t, res.Payloads[0].Lineage)
}

func TestBuildRequestIDsWinOverContext(t *testing.T) {
	b := newTestBuilder(nil, nil)
	jc := jobctx.JobContext{WorkstreamID: "ws-1", VentureID: "v-1", TemplateID: "t-1"}

	res, err := b.Build(context.Background(), jc, &BuildRequest{
		JobDefinitionID: "job-1",
		WorkstreamID:    "ws-2",
		VentureID:       "v-2",
		TemplateID:      "t-2",
	})
	require.NoError(t, err)
	p := res.Payloads[0]
	assert.Equal(t, "ws-2", p.WorkstreamID)
	assert.Equal(t, "v-2", p.VentureID)
	assert.Equal(t, "t-2", p.TemplateID)
}

func TestBuildRequiresJobDefinitionID(t *testing.T) {
	b := newTestBuilder(nil, nil)

	_, err := b.Build(context.Background(), jobctx.JobContext{}, &BuildRequest{})
	require.Error(t, err)
	assert.Equal(t, "VALIDATION_ERROR", apierror.AsAPIError(err).Code)
}

func TestBuildEnvelope(t *testing.T) {
	b := newTestBuilder(nil, nil)
	blueprint := json.RawMessage(`{"invariants":[{"id":"GOAL-1","condition":"ship it"}]}`)

	res, err := b.Build(context.Background(), jobctx.JobContext{}, &BuildRequest{
		JobDefinitionID: "job-1",
		JobName:         "Ship the feature",
		Blueprint:       blueprint,
		Message:         "start with the API",
		Dependencies:    []string{"dep-1"},
		Cyclic:          true,
	})
	require.NoError(t, err)
	require.Len(t, res.Payloads, 1)
	p := res.Payloads[0]

	assert.Equal(t, "jinn", p.NetworkID)
	assert.Equal(t, "nonce-1", p.Nonce)
	assert.Equal(t, "Ship the feature", p.JobName)
	assert.JSONEq(t, string(blueprint), string(p.Blueprint))
	assert.True(t, p.Cyclic)
	require.NotNil(t, p.AdditionalContext)
	assert.Equal(t, "start with the API", p.AdditionalContext.Message)

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"networkId":"jinn"`)
	assert.NotContains(t, string(raw), `"lineage"`, "empty lineage is omitted")
}

func TestBuildFreshNoncePerDispatch(t *testing.T) {
	b := NewBuilder(nil, nil, "", discard())
	n := 0
	b.newNonce = func() string {
		n++
		return fmt.Sprintf("nonce-%d", n)
	}

	first, err := b.Build(context.Background(), jobctx.JobContext{}, &BuildRequest{JobDefinitionID: "job-1"})
	require.NoError(t, err)
	second, err := b.Build(context.Background(), jobctx.JobContext{}, &BuildRequest{JobDefinitionID: "job-1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Payloads[0].Nonce, second.Payloads[0].Nonce)
}
