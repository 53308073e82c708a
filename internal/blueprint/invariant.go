// Package blueprint turns raw job metadata into a layered, ordered prompt
// for the agent plus the structured invariant list execution is later graded
// against. Assembly runs as a two-phase provider pipeline: context providers
// populate a shared Context, invariant providers read it and emit invariants.
package blueprint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// InvariantKind is the type discriminator carried by each invariant.
type InvariantKind string

const (
	KindBoolean InvariantKind = "BOOLEAN"
	KindFloor   InvariantKind = "FLOOR"
	KindCeiling InvariantKind = "CEILING"
	KindRange   InvariantKind = "RANGE"
)

// Invariant is one gradeable condition on the job's execution.
type Invariant interface {
	InvariantID() string
	Kind() InvariantKind
	Describe() string
}

// BooleanInvariant is a plain pass/fail condition.
type BooleanInvariant struct {
	ID         string          `json:"id"`
	Type       InvariantKind   `json:"type"`
	Condition  string          `json:"condition"`
	Assessment string          `json:"assessment,omitempty"`
	Examples   []string        `json:"examples,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

func (b BooleanInvariant) InvariantID() string { return b.ID }
func (b BooleanInvariant) Kind() InvariantKind { return KindBoolean }
func (b BooleanInvariant) Describe() string    { return b.Condition }

// FloorInvariant requires a metric to stay at or above a minimum.
type FloorInvariant struct {
	ID     string          `json:"id"`
	Type   InvariantKind   `json:"type"`
	Metric string          `json:"metric"`
	Min    float64         `json:"min"`
	Raw    json.RawMessage `json:"-"`
}

func (f FloorInvariant) InvariantID() string { return f.ID }
func (f FloorInvariant) Kind() InvariantKind { return KindFloor }
func (f FloorInvariant) Describe() string {
	return fmt.Sprintf("%s must stay at or above %s", f.Metric, formatNumber(f.Min))
}

// CeilingInvariant requires a metric to stay at or below a maximum.
type CeilingInvariant struct {
	ID     string          `json:"id"`
	Type   InvariantKind   `json:"type"`
	Metric string          `json:"metric"`
	Max    float64         `json:"max"`
	Raw    json.RawMessage `json:"-"`
}

func (c CeilingInvariant) InvariantID() string { return c.ID }
func (c CeilingInvariant) Kind() InvariantKind { return KindCeiling }
func (c CeilingInvariant) Describe() string {
	return fmt.Sprintf("%s must stay at or below %s", c.Metric, formatNumber(c.Max))
}

// RangeInvariant requires a metric to stay inside a closed interval.
type RangeInvariant struct {
	ID     string          `json:"id"`
	Type   InvariantKind   `json:"type"`
	Metric string          `json:"metric"`
	Min    float64         `json:"min"`
	Max    float64         `json:"max"`
	Raw    json.RawMessage `json:"-"`
}

func (r RangeInvariant) InvariantID() string { return r.ID }
func (r RangeInvariant) Kind() InvariantKind { return KindRange }
func (r RangeInvariant) Describe() string {
	return fmt.Sprintf("%s must stay between %s and %s", r.Metric, formatNumber(r.Min), formatNumber(r.Max))
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// TemplateMeta carries the blueprint's tool and model policies.
type TemplateMeta struct {
	Tools  []string `json:"tools,omitempty"`
	Models []string `json:"models,omitempty"`
}

// Document is a decoded blueprint. RawInvariants retains every entry as
// received, including kinds this worker does not understand.
type Document struct {
	Invariants    []Invariant
	RawInvariants []json.RawMessage
	TemplateMeta  *TemplateMeta
	Raw           json.RawMessage
}

// Empty reports whether the document carries no usable invariants.
func (d *Document) Empty() bool {
	return d == nil || len(d.Invariants) == 0
}

// HasPrefix reports whether any invariant ID starts with the given prefix.
func (d *Document) HasPrefix(prefix string) bool {
	if d == nil {
		return false
	}
	for _, inv := range d.Invariants {
		if strings.HasPrefix(strings.ToUpper(inv.InvariantID()), prefix) {
			return true
		}
	}
	return false
}

// Decode parses a blueprint JSON document. Unknown invariant kinds are kept
// in RawInvariants and logged, not silently dropped.
func Decode(raw json.RawMessage, logger *slog.Logger) (*Document, error) {
	if logger == nil {
		logger = slog.Default()
	}
	doc := &Document{Raw: raw}
	if len(raw) == 0 {
		return doc, nil
	}

	var probe struct {
		Invariants   []json.RawMessage `json:"invariants"`
		TemplateMeta *TemplateMeta     `json:"templateMeta"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse blueprint: %w", err)
	}

	doc.TemplateMeta = probe.TemplateMeta
	doc.RawInvariants = probe.Invariants
	for i, entry := range probe.Invariants {
		inv, err := decodeInvariant(entry)
		if err != nil {
			logger.Warn("skipping invariant", "index", i, "error", err)
			continue
		}
		doc.Invariants = append(doc.Invariants, inv)
	}
	return doc, nil
}

func decodeInvariant(raw json.RawMessage) (Invariant, error) {
	var head struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("malformed invariant: %w", err)
	}
	if head.ID == "" {
		return nil, fmt.Errorf("invariant has no id")
	}

	// Missing type is legacy shorthand for a boolean condition.
	kind := InvariantKind(strings.ToUpper(head.Type))
	if kind == "" {
		kind = KindBoolean
	}

	switch kind {
	case KindBoolean:
		var inv BooleanInvariant
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, fmt.Errorf("malformed boolean invariant %s: %w", head.ID, err)
		}
		inv.Type = KindBoolean
		inv.Raw = raw
		return inv, nil
	case KindFloor:
		var inv FloorInvariant
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, fmt.Errorf("malformed floor invariant %s: %w", head.ID, err)
		}
		inv.Raw = raw
		return inv, nil
	case KindCeiling:
		var inv CeilingInvariant
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, fmt.Errorf("malformed ceiling invariant %s: %w", head.ID, err)
		}
		inv.Raw = raw
		return inv, nil
	case KindRange:
		var inv RangeInvariant
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, fmt.Errorf("malformed range invariant %s: %w", head.ID, err)
		}
		inv.Raw = raw
		return inv, nil
	}
	return nil, fmt.Errorf("unknown invariant kind %q (id %s)", head.Type, head.ID)
}

// ExtractDocument finds the blueprint inside request metadata. Older
// dispatchers placed it at the metadata root, newer ones under
// additionalContext, and the oldest carried only a bare prompt string,
// returned separately.
func ExtractDocument(metadata json.RawMessage, logger *slog.Logger) (*Document, string, error) {
	var probe struct {
		Blueprint         json.RawMessage `json:"blueprint"`
		AdditionalContext struct {
			Blueprint json.RawMessage `json:"blueprint"`
		} `json:"additionalContext"`
		Prompt string `json:"prompt"`
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &probe); err != nil {
			return nil, "", fmt.Errorf("failed to parse request metadata: %w", err)
		}
	}

	raw := probe.Blueprint
	if len(raw) == 0 || string(raw) == "null" {
		raw = probe.AdditionalContext.Blueprint
	}
	if len(raw) == 0 || string(raw) == "null" {
		doc := &Document{}
		return doc, probe.Prompt, nil
	}

	doc, err := Decode(raw, logger)
	if err != nil {
		return nil, "", err
	}
	return doc, probe.Prompt, nil
}
