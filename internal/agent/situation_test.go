package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	vec []float64
	err error
	got string
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	f.got = text
	return f.vec, f.err
}

func TestBuildSituationEnrichesRecognition(t *testing.T) {
	emb := &fakeEmbedder{vec: []float64{0.1, 0.2}}
	b := NewSituationBuilder(emb, discard())
	recognition := json.RawMessage(`{"kind":"deploy","confidence":0.93}`)

	s := b.Build(context.Background(), recognition, &Result{
		Status:            StatusCompleted,
		StructuredSummary: "deployed v2 to staging",
		Output:            "long raw transcript",
	})

	assert.Equal(t, "deployed v2 to staging", s.SummaryText, "structured summary wins over raw output")
	assert.Equal(t, "deployed v2 to staging", emb.got)
	assert.Equal(t, []float64{0.1, 0.2}, s.Embedding)
	assert.Equal(t, EmbeddingEmbedded, s.Meta.EmbeddingStatus)
	assert.JSONEq(t, string(recognition), string(s.Meta.Recognition))

	_, err := time.Parse(time.RFC3339, s.Meta.GeneratedAt)
	require.NoError(t, err)
}

func TestBuildSituationTruncatesRawOutput(t *testing.T) {
	b := NewSituationBuilder(nil, discard())

	s := b.Build(context.Background(), nil, &Result{
		Status: StatusCompleted,
		Output: strings.Repeat("x", 1500),
	})
	assert.Len(t, s.SummaryText, 1000)
}

func TestBuildSituationWithoutEmbedder(t *testing.T) {
	b := NewSituationBuilder(nil, discard())

	s := b.Build(context.Background(), nil, &Result{Status: StatusCompleted, Output: "done"})
	assert.Equal(t, EmbeddingSkipped, s.Meta.EmbeddingStatus)
	assert.Nil(t, s.Embedding)
}

func TestBuildSituationEmbedFailure(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("embedder down")}
	b := NewSituationBuilder(emb, discard())

	s := b.Build(context.Background(), nil, &Result{Status: StatusCompleted, Output: "done"})
	assert.Equal(t, EmbeddingFailed, s.Meta.EmbeddingStatus)
	assert.Nil(t, s.Embedding)
}

func TestBuildSituationFailedRun(t *testing.T) {
	b := NewSituationBuilder(nil, discard())

	s := b.Build(context.Background(), nil, &Result{
		Status:       StatusFailed,
		ErrorMessage: "agent exited with code 3",
	})
	assert.Equal(t, "agent exited with code 3", s.SummaryText, "a failed run still produces a situation")
}
