package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// summaryLimit caps how much raw output is carried into a situation
// summary when the agent gave no structured one.
const summaryLimit = 1000

// Embedding statuses recorded in situation metadata.
const (
	EmbeddingEmbedded = "embedded"
	EmbeddingSkipped  = "skipped"
	EmbeddingFailed   = "failed"
)

// Embedder turns a summary into a vector. Optional.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// SituationMeta carries provenance for a situation artifact.
type SituationMeta struct {
	Recognition     json.RawMessage `json:"recognition,omitempty"`
	EmbeddingStatus string          `json:"embeddingStatus"`
	GeneratedAt     string          `json:"generatedAt"`
}

// Situation is the structured record of a completed request, uploaded to
// IPFS and referenced by CID.
type Situation struct {
	SummaryText string        `json:"summaryText"`
	Embedding   []float64     `json:"embedding,omitempty"`
	Meta        SituationMeta `json:"meta"`
}

// SituationBuilder assembles situation artifacts from run results.
type SituationBuilder struct {
	embedder Embedder
	logger   *slog.Logger
	now      func() time.Time
}

// NewSituationBuilder returns a builder. embedder may be nil, in which
// case embeddings are skipped.
func NewSituationBuilder(embedder Embedder, logger *slog.Logger) *SituationBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &SituationBuilder{
		embedder: embedder,
		logger:   logger.With("component", "situation"),
		now:      time.Now,
	}
}

// Build produces the situation for one finished run. When a recognition
// situation from the claim phase exists it is enriched with the outcome;
// otherwise the situation is encoded from the result alone.
func (b *SituationBuilder) Build(ctx context.Context, recognition json.RawMessage, res *Result) *Situation {
	s := &Situation{
		SummaryText: summaryOf(res),
		Meta: SituationMeta{
			Recognition:     recognition,
			EmbeddingStatus: EmbeddingSkipped,
			GeneratedAt:     b.now().UTC().Format(time.RFC3339),
		},
	}

	if b.embedder != nil && s.SummaryText != "" {
		vec, err := b.embedder.Embed(ctx, s.SummaryText)
		if err != nil {
			b.logger.Warn("summary embedding failed", "error", err)
			s.Meta.EmbeddingStatus = EmbeddingFailed
		} else {
			s.Embedding = vec
			s.Meta.EmbeddingStatus = EmbeddingEmbedded
		}
	}
	return s
}

func summaryOf(res *Result) string {
	if res.StructuredSummary != "" {
		return res.StructuredSummary
	}
	out := res.Output
	if out == "" && res.ErrorMessage != "" {
		out = res.ErrorMessage
	}
	if len(out) > summaryLimit {
		out = out[:summaryLimit]
	}
	return out
}
