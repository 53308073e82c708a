package blueprint

import (
	"sort"
	"strings"
)

// Layer orders invariants by urgency: action items first, then the job
// itself, then standing protocol.
type Layer int

const (
	LayerAction Layer = iota
	LayerJob
	LayerProtocol
)

func (l Layer) String() string {
	switch l {
	case LayerAction:
		return "action"
	case LayerJob:
		return "job"
	}
	return "protocol"
}

// Section is the prompt heading an invariant renders under. Sections group
// by intent rather than urgency, so the mapping differs from Layer.
type Section int

const (
	SectionImmediate Section = iota
	SectionMission
	SectionProtocol
)

func (s Section) String() string {
	switch s {
	case SectionImmediate:
		return "IMMEDIATE"
	case SectionMission:
		return "MISSION"
	}
	return "PROTOCOL"
}

func idPrefix(id string) string {
	prefix, _, _ := strings.Cut(strings.ToUpper(id), "-")
	return prefix
}

// LayerOf maps an invariant ID to its ordering layer.
func LayerOf(id string) Layer {
	switch idPrefix(id) {
	case "COORD", "STATE", "QUAL":
		return LayerAction
	case "JOB", "GOAL":
		return LayerJob
	}
	return LayerProtocol
}

// SectionOf maps an invariant ID to its prompt section.
func SectionOf(id string) Section {
	switch idPrefix(id) {
	case "COORD", "QUAL", "RECOV":
		return SectionImmediate
	case "JOB", "GOAL", "OUT", "STRAT":
		return SectionMission
	}
	return SectionProtocol
}

// missionPrefixes are the IDs counted when deciding whether a re-run left
// mission invariants unmeasured.
var missionPrefixes = map[string]bool{"JOB": true, "GOAL": true, "OUT": true, "STRAT": true}

// IsMission reports whether an invariant ID belongs to the mission set.
func IsMission(id string) bool {
	return missionPrefixes[idPrefix(id)]
}

// emitted tracks where an invariant came from so sorting can put urgent
// coordination directives ahead of passthrough entries in the same layer.
type emitted struct {
	inv      Invariant
	provider string
	index    int
}

func sortEmitted(entries []emitted) []Invariant {
	rank := func(e emitted) int {
		if e.provider == providerCoordination {
			return 0
		}
		return 1
	}
	sort.SliceStable(entries, func(i, j int) bool {
		li, lj := LayerOf(entries[i].inv.InvariantID()), LayerOf(entries[j].inv.InvariantID())
		if li != lj {
			return li < lj
		}
		if ri, rj := rank(entries[i]), rank(entries[j]); ri != rj {
			return ri < rj
		}
		return entries[i].index < entries[j].index
	})

	out := make([]Invariant, len(entries))
	for i, e := range entries {
		out[i] = e.inv
	}
	return out
}
