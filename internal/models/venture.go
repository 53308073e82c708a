package models

// Venture is a schedule-driven owner of templated dispatches.
type Venture struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	WorkstreamID    string          `json:"workstreamId,omitempty"`
	Active          bool            `json:"active"`
	ScheduleEntries []ScheduleEntry `json:"scheduleEntries"`
}

// ScheduleEntry is one cron-driven dispatch rule of a venture.
type ScheduleEntry struct {
	ID         string `json:"id"`
	TemplateID string `json:"templateId"`
	Cron       string `json:"cron"`
	Enabled    bool   `json:"enabled"`
}

// EnabledEntries returns the entries that are currently eligible to fire.
func (v *Venture) EnabledEntries() []ScheduleEntry {
	out := make([]ScheduleEntry, 0, len(v.ScheduleEntries))
	for _, e := range v.ScheduleEntries {
		if e.Enabled {
			out = append(out, e)
		}
	}
	return out
}
