package blueprint

import (
	"fmt"
	"strings"
)

var sectionIntros = map[Section]string{
	SectionImmediate: "Handle these before anything else:",
	SectionMission:   "The work to deliver:",
	SectionProtocol:  "Standing rules:",
}

// BuildPrompt renders the assembled blueprint to the prose the agent
// consumes: an IMMEDIATE section for directives that preempt the mission, a
// MISSION section for the job itself, and a PROTOCOL section for standing
// rules. All three sections are always present.
func (b *Builder) BuildPrompt(result *BuildResult, input *BuildInput) string {
	var sb strings.Builder
	if input.JobName != "" {
		fmt.Fprintf(&sb, "You are executing the job %q.\n\n", input.JobName)
	}

	for _, section := range []Section{SectionImmediate, SectionMission, SectionProtocol} {
		fmt.Fprintf(&sb, "## %s\n%s\n", section, sectionIntros[section])

		if section == SectionMission && input.LegacyPrompt != "" {
			sb.WriteString(input.LegacyPrompt)
			sb.WriteString("\n")
		}

		empty := true
		for _, inv := range result.Blueprint.Invariants {
			if SectionOf(inv.InvariantID()) != section {
				continue
			}
			fmt.Fprintf(&sb, "- %s: %s\n", inv.InvariantID(), inv.Describe())
			empty = false
		}
		if empty && !(section == SectionMission && input.LegacyPrompt != "") {
			sb.WriteString("- (none)\n")
		}

		if section == SectionMission {
			writeMissionContext(&sb, result.Blueprint.Context)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

// writeMissionContext appends delivered child summaries and recorded
// progress so the agent sees what already happened.
func writeMissionContext(sb *strings.Builder, bc *Context) {
	if bc == nil {
		return
	}

	var summarized []Child
	for _, child := range bc.CompletedChildren() {
		if child.Summary != "" {
			summarized = append(summarized, child)
		}
	}
	if len(summarized) > 0 {
		sb.WriteString("\nDelivered child work:\n")
		for _, child := range summarized {
			name := child.Name
			if name == "" {
				name = child.ID
			}
			fmt.Fprintf(sb, "- %s: %s\n", name, child.Summary)
		}
	}

	if bc.Progress != "" {
		sb.WriteString("\nRecorded progress:\n")
		sb.WriteString(bc.Progress)
		sb.WriteString("\n")
	}
}
