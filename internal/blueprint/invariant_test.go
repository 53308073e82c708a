package blueprint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	raw := json.RawMessage(`{
		"invariants": [
			{"id":"GOAL-1","type":"BOOLEAN","condition":"ship the feature","assessment":"diff review","examples":["adds the endpoint"]},
			{"id":"PERF-1","type":"FLOOR","metric":"throughput_rps","min":100},
			{"id":"COST-1","type":"CEILING","metric":"token_spend","max":50000},
			{"id":"LAT-1","type":"RANGE","metric":"p99_ms","min":10,"max":250}
		],
		"templateMeta": {"tools":["web_search"],"models":["gemini-2.5-pro"]}
	}`)

	doc, err := Decode(raw, discard())
	require.NoError(t, err)
	require.Len(t, doc.Invariants, 4)
	require.Len(t, doc.RawInvariants, 4)

	goal, ok := doc.Invariants[0].(BooleanInvariant)
	require.True(t, ok)
	assert.Equal(t, "GOAL-1", goal.InvariantID())
	assert.Equal(t, KindBoolean, goal.Kind())
	assert.Equal(t, "ship the feature", goal.Describe())
	assert.Equal(t, []string{"adds the endpoint"}, goal.Examples)

	floor, ok := doc.Invariants[1].(FloorInvariant)
	require.True(t, ok)
	assert.Equal(t, "throughput_rps must stay at or above 100", floor.Describe())

	ceiling, ok := doc.Invariants[2].(CeilingInvariant)
	require.True(t, ok)
	assert.Equal(t, "token_spend must stay at or below 50000", ceiling.Describe())

	rng, ok := doc.Invariants[3].(RangeInvariant)
	require.True(t, ok)
	assert.Equal(t, "p99_ms must stay between 10 and 250", rng.Describe())

	require.NotNil(t, doc.TemplateMeta)
	assert.Equal(t, []string{"web_search"}, doc.TemplateMeta.Tools)
}

func TestDecodeUnknownKindKept(t *testing.T) {
	raw := json.RawMessage(`{"invariants":[
		{"id":"GOAL-1","type":"BOOLEAN","condition":"hold"},
		{"id":"VIBE-1","type":"SENTIMENT","target":"positive"}
	]}`)

	doc, err := Decode(raw, discard())
	require.NoError(t, err)
	assert.Len(t, doc.Invariants, 1, "unknown kind is not typed")
	assert.Len(t, doc.RawInvariants, 2, "unknown kind is retained raw")
	assert.Contains(t, string(doc.RawInvariants[1]), "SENTIMENT")
}

func TestDecodeLegacyUntypedIsBoolean(t *testing.T) {
	doc, err := Decode(json.RawMessage(`{"invariants":[{"id":"GOAL-1","condition":"hold"}]}`), discard())
	require.NoError(t, err)
	require.Len(t, doc.Invariants, 1)
	assert.Equal(t, KindBoolean, doc.Invariants[0].Kind())
}

func TestDecodeRejectsMissingID(t *testing.T) {
	doc, err := Decode(json.RawMessage(`{"invariants":[{"type":"BOOLEAN","condition":"hold"}]}`), discard())
	require.NoError(t, err)
	assert.Empty(t, doc.Invariants)
	assert.Len(t, doc.RawInvariants, 1)
}

func TestExtractDocument(t *testing.T) {
	t.Run("blueprint at root", func(t *testing.T) {
		doc, legacy, err := ExtractDocument(json.RawMessage(
			`{"blueprint":{"invariants":[{"id":"GOAL-1","type":"BOOLEAN","condition":"hold"}]}}`), discard())
		require.NoError(t, err)
		assert.Empty(t, legacy)
		require.Len(t, doc.Invariants, 1)
	})

	t.Run("blueprint under additionalContext", func(t *testing.T) {
		doc, _, err := ExtractDocument(json.RawMessage(
			`{"additionalContext":{"blueprint":{"invariants":[{"id":"GOAL-2","type":"BOOLEAN","condition":"hold"}]}}}`), discard())
		require.NoError(t, err)
		require.Len(t, doc.Invariants, 1)
		assert.Equal(t, "GOAL-2", doc.Invariants[0].InvariantID())
	})

	t.Run("root wins over additionalContext", func(t *testing.T) {
		doc, _, err := ExtractDocument(json.RawMessage(`{
			"blueprint":{"invariants":[{"id":"ROOT-1","type":"BOOLEAN","condition":"hold"}]},
			"additionalContext":{"blueprint":{"invariants":[{"id":"NESTED-1","type":"BOOLEAN","condition":"hold"}]}}
		}`), discard())
		require.NoError(t, err)
		require.Len(t, doc.Invariants, 1)
		assert.Equal(t, "ROOT-1", doc.Invariants[0].InvariantID())
	})

	t.Run("legacy prompt only", func(t *testing.T) {
		doc, legacy, err := ExtractDocument(json.RawMessage(`{"prompt":"summarize the repo"}`), discard())
		require.NoError(t, err)
		assert.Equal(t, "summarize the repo", legacy)
		assert.True(t, doc.Empty())
	})

	t.Run("empty metadata", func(t *testing.T) {
		doc, legacy, err := ExtractDocument(nil, discard())
		require.NoError(t, err)
		assert.Empty(t, legacy)
		assert.True(t, doc.Empty())
	})
}

func TestLayerOf(t *testing.T) {
	cases := map[string]Layer{
		"COORD-FAILED-CHILDREN": LayerAction,
		"STATE-SYNC":            LayerAction,
		"QUAL-1":                LayerAction,
		"JOB-1":                 LayerJob,
		"GOAL-3":                LayerJob,
		"SYS-1":                 LayerProtocol,
		"OUT-1":                 LayerProtocol,
		"STRAT-1":               LayerProtocol,
		"RECOV-1":               LayerProtocol,
		"TOOL-1":                LayerProtocol,
		"goal-9":                LayerJob,
	}
	for id, want := range cases {
		assert.Equal(t, want, LayerOf(id), id)
	}
}

func TestSectionOf(t *testing.T) {
	cases := map[string]Section{
		"COORD-1": SectionImmediate,
		"QUAL-1":  SectionImmediate,
		"RECOV-1": SectionImmediate,
		"JOB-1":   SectionMission,
		"GOAL-1":  SectionMission,
		"OUT-1":   SectionMission,
		"STRAT-1": SectionMission,
		"SYS-1":   SectionProtocol,
		"STATE-1": SectionProtocol,
		"LEARN-1": SectionProtocol,
	}
	for id, want := range cases {
		assert.Equal(t, want, SectionOf(id), id)
	}
}

func TestIsMission(t *testing.T) {
	for _, id := range []string{"JOB-1", "GOAL-2", "OUT-1", "STRAT-4"} {
		assert.True(t, IsMission(id), id)
	}
	for _, id := range []string{"SYS-1", "COORD-1", "QUAL-1", "STATE-1"} {
		assert.False(t, IsMission(id), id)
	}
}
