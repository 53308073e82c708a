// Package venture dispatches schedule-driven jobs. Every worker evaluates
// every active venture's cron entries; deterministic tick identifiers plus
// a control-plane claim keep each tick to at most one on-chain request
// across the fleet.
package venture

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// tickLayout renders ticks with millisecond precision and a literal Z, the
// form the control plane stores and compares.
const tickLayout = "2006-01-02T15:04:05.000Z"

// graceWindow bounds how far behind a schedule may run. A tick older than
// this is abandoned rather than fired late.
const graceWindow = 24 * time.Hour

// ScheduleEntry is one cron line of a venture.
type ScheduleEntry struct {
	ID         string `json:"id"`
	TemplateID string `json:"templateId"`
	Cron       string `json:"cron"`
	Enabled    bool   `json:"enabled"`
}

// Venture owns a non-empty list of schedule entries.
type Venture struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Entries []ScheduleEntry `json:"scheduleEntries"`
}

// FormatTick renders a tick timestamp in the canonical form.
func FormatTick(tick time.Time) string {
	return tick.UTC().Format(tickLayout)
}

// ScheduleTick is the claim key for one entry's tick.
func ScheduleTick(tick time.Time, entryID string) string {
	return FormatTick(tick) + ":" + entryID
}

// ScheduledJobDefinitionID derives the deterministic job definition ID for
// a venture entry tick: the SHA-256 of the tick tuple truncated to 16 bytes
// and stamped as a version-5 RFC 4122 UUID. Every worker computes the same
// ID for the same tick.
func ScheduledJobDefinitionID(ventureID, entryID string, tick time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("venture:%s:entry:%s:tick:%s", ventureID, entryID, FormatTick(tick))))

	var b [16]byte
	copy(b[:], sum[:16])
	b[6] = (b[6] & 0x0f) | 0x50
	b[8] = (b[8] & 0x3f) | 0x80
	return uuid.UUID(b).String()
}

// ParseCron parses a standard 5-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// lastOccurrence finds the most recent tick at or before now. The second
// return is false when the schedule has not ticked inside the grace window.
func lastOccurrence(sched cron.Schedule, now time.Time) (time.Time, bool) {
	// start one second early so a tick exactly at the window edge counts
	t := sched.Next(now.Add(-graceWindow - time.Second))
	if t.IsZero() || t.After(now) {
		return time.Time{}, false
	}
	for {
		next := sched.Next(t)
		if next.IsZero() || next.After(now) {
			return t, true
		}
		t = next
	}
}
