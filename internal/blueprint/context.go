package blueprint

import "encoding/json"

// ChildStatus is the collapsed execution state of a child job definition.
type ChildStatus string

const (
	ChildCompleted ChildStatus = "COMPLETED"
	ChildFailed    ChildStatus = "FAILED"
	ChildActive    ChildStatus = "ACTIVE"
)

// mapChildStatus collapses the index's lastStatus values into the three
// states coordination cares about. Anything in flight counts as active.
func mapChildStatus(lastStatus string) ChildStatus {
	switch lastStatus {
	case "COMPLETED":
		return ChildCompleted
	case "FAILED":
		return ChildFailed
	}
	return ChildActive
}

// Child is one child job definition as coordination sees it.
type Child struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Status     ChildStatus `json:"status"`
	Branch     string      `json:"branch,omitempty"`
	BaseBranch string      `json:"baseBranch,omitempty"`
	Integrated bool        `json:"integrated,omitempty"`
	Summary    string      `json:"summary,omitempty"`
}

// Measurement is a prior grading result for one invariant, carried into
// re-runs.
type Measurement struct {
	InvariantID string          `json:"invariantId"`
	Measured    bool            `json:"measured"`
	Value       json.RawMessage `json:"value,omitempty"`
}

// Context is the shared state context providers populate and invariant
// providers read. Providers contribute fields but never mutate each other's.
type Context struct {
	Children       []Child                `json:"children,omitempty"`
	MergeConflicts []string               `json:"mergeConflicts,omitempty"`
	Progress       string                 `json:"progress,omitempty"`
	Measurements   map[string]Measurement `json:"measurements,omitempty"`
}

// FailedChildren returns the children whose last run failed.
func (c *Context) FailedChildren() []Child {
	return c.childrenWhere(func(ch Child) bool { return ch.Status == ChildFailed })
}

// ActiveChildren returns the children still in flight.
func (c *Context) ActiveChildren() []Child {
	return c.childrenWhere(func(ch Child) bool { return ch.Status == ChildActive })
}

// CompletedChildren returns the children that delivered.
func (c *Context) CompletedChildren() []Child {
	return c.childrenWhere(func(ch Child) bool { return ch.Status == ChildCompleted })
}

func (c *Context) childrenWhere(keep func(Child) bool) []Child {
	var out []Child
	for _, ch := range c.Children {
		if keep(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// Measured reports whether a prior run recorded a measurement for the
// invariant.
func (c *Context) Measured(invariantID string) bool {
	m, ok := c.Measurements[invariantID]
	return ok && m.Measured
}
