package venture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jinnlabs/jinn-worker/internal/controlapi"
	"github.com/jinnlabs/jinn-worker/internal/metrics"
)

// Source lists the ventures this worker should evaluate.
type Source interface {
	ActiveVentures(ctx context.Context) ([]Venture, error)
}

// Index answers whether a scheduled job definition already has a request.
type Index interface {
	HasRequestForJobDefinition(ctx context.Context, jobDefinitionID string) bool
}

// Claimer arbitrates a tick across workers.
type Claimer interface {
	ClaimVentureDispatch(ctx context.Context, ventureID, templateID, scheduleTick string) (*controlapi.DispatchClaim, error)
}

// Dispatcher fires the actual job for a claimed tick.
type Dispatcher interface {
	DispatchFromTemplate(ctx context.Context, v Venture, e ScheduleEntry, jobDefinitionID string) error
}

type dispatchRecord struct {
	tick       time.Time
	recordedAt time.Time
}

// Watcher walks venture schedules each worker-loop cycle and dispatches
// due ticks at most once. It is driven from the single worker loop and is
// not safe for concurrent use.
type Watcher struct {
	source     Source
	index      Index
	claimer    Claimer
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time

	// recent remembers handled ticks per <ventureId>:<templateId> so a
	// cycle can skip the index and claim round-trips.
	recent map[string]dispatchRecord
}

// NewWatcher returns a Watcher over the given collaborators.
func NewWatcher(source Source, index Index, claimer Claimer, dispatcher Dispatcher, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		source:     source,
		index:      index,
		claimer:    claimer,
		dispatcher: dispatcher,
		logger:     logger.With("component", "venture"),
		now:        time.Now,
		recent:     make(map[string]dispatchRecord),
	}
}

// Tick evaluates every enabled schedule entry of every active venture once.
func (w *Watcher) Tick(ctx context.Context) error {
	w.evict()

	ventures, err := w.source.ActiveVentures(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active ventures: %w", err)
	}
	for _, v := range ventures {
		for _, e := range v.Entries {
			if !e.Enabled {
				continue
			}
			w.processEntry(ctx, v, e)
		}
	}
	return nil
}

func (w *Watcher) processEntry(ctx context.Context, v Venture, e ScheduleEntry) {
	sched, err := ParseCron(e.Cron)
	if err != nil {
		w.logger.Warn("skipping schedule entry",
			"ventureId", v.ID,
			"entryId", e.ID,
			"error", err)
		return
	}

	tick, due := lastOccurrence(sched, w.now())
	if !due {
		return
	}

	key := v.ID + ":" + e.TemplateID
	if rec, ok := w.recent[key]; ok && rec.tick.Equal(tick) {
		metrics.VenturesSuppressed.WithLabelValues("memory").Inc()
		return
	}

	jobDefinitionID := ScheduledJobDefinitionID(v.ID, e.ID, tick)
	if w.index.HasRequestForJobDefinition(ctx, jobDefinitionID) {
		w.record(key, tick)
		metrics.VenturesSuppressed.WithLabelValues("index").Inc()
		return
	}

	scheduleTick := ScheduleTick(tick, e.ID)
	claim, err := w.claimer.ClaimVentureDispatch(ctx, v.ID, e.TemplateID, scheduleTick)
	if err != nil {
		w.logger.Warn("venture dispatch claim failed",
			"ventureId", v.ID,
			"entryId", e.ID,
			"scheduleTick", scheduleTick,
			"error", err)
		return
	}
	if !claim.Allowed {
		w.record(key, tick)
		metrics.VenturesSuppressed.WithLabelValues("claim").Inc()
		return
	}

	// record first: a failed dispatch must not retry every cycle
	w.record(key, tick)
	if err := w.dispatcher.DispatchFromTemplate(ctx, v, e, jobDefinitionID); err != nil {
		w.logger.Error("venture dispatch failed",
			"ventureId", v.ID,
			"templateId", e.TemplateID,
			"jobDefinitionId", jobDefinitionID,
			"error", err)
		return
	}

	metrics.VenturesDispatched.Inc()
	w.logger.Info("venture job dispatched",
		"ventureId", v.ID,
		"templateId", e.TemplateID,
		"jobDefinitionId", jobDefinitionID,
		"scheduleTick", scheduleTick)
}

func (w *Watcher) record(key string, tick time.Time) {
	w.recent[key] = dispatchRecord{tick: tick, recordedAt: w.now()}
}

func (w *Watcher) evict() {
	cutoff := w.now().Add(-graceWindow)
	for key, rec := range w.recent {
		if rec.recordedAt.Before(cutoff) {
			delete(w.recent, key)
		}
	}
}
