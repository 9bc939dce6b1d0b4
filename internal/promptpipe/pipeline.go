// Package promptpipe assembles the deterministic prompt a worker feeds the
// engine: identity, lineage, skills, the task body, and an output contract.
// An open-task digest segment builder exists here, but the worker does not
// include it in its prompt (spec §4.4 "Prompt assembly"; §9 redesign note: "model as
// a pipeline of named prompt segments with a deterministic hash"). Grounded
// on the teacher's internal/engine preamble/prompt concatenation, split into
// named segments instead of one string-builder pass.
package promptpipe

import (
	"fmt"
	"strings"

	"github.com/agentbus/bus/internal/config"
)

// Segment is one named, independently-computed piece of the final prompt.
type Segment struct {
	Name string
	Text string
}

// Identity builds the "who you are" segment.
func Identity(agent, role string) Segment {
	return Segment{
		Name: "identity",
		Text: fmt.Sprintf("You are agent %q (role: %s) in a multi-agent task bus.", agent, role),
	}
}

// Lineage builds the task-ancestry segment from a root/parent id pair.
func Lineage(rootID, parentID string) Segment {
	if rootID == "" && parentID == "" {
		return Segment{Name: "lineage", Text: ""}
	}
	var b strings.Builder
	b.WriteString("Task lineage:\n")
	if rootID != "" {
		fmt.Fprintf(&b, "- rootId: %s\n", rootID)
	}
	if parentID != "" {
		fmt.Fprintf(&b, "- parentId: %s\n", parentID)
	}
	return Segment{Name: "lineage", Text: b.String()}
}

// OpenTasks builds the open-task digest segment: titles and ids of packets
// still in flight for the same root, so the engine has situational
// awareness of sibling work.
func OpenTasks(titles []string) Segment {
	if len(titles) == 0 {
		return Segment{Name: "openTasks", Text: ""}
	}
	var b strings.Builder
	b.WriteString("Other open tasks in this lineage:\n")
	for _, t := range titles {
		fmt.Fprintf(&b, "- %s\n", t)
	}
	return Segment{Name: "openTasks", Text: b.String()}
}

// Skills builds the skills-invocation segment. Elided entirely by the
// warm-start check in warmstart.go, never here — this always renders the
// full block when asked to.
func Skills(skills []config.Skill) Segment {
	if len(skills) == 0 {
		return Segment{Name: "skills", Text: ""}
	}
	var b strings.Builder
	b.WriteString("Available skills:\n")
	for _, sk := range skills {
		fmt.Fprintf(&b, "$%s\n%s\n", sk.Name, sk.Body)
	}
	return Segment{Name: "skills", Text: b.String()}
}

// Body wraps the task packet's markdown body as its own segment so restarts
// can swap it out without touching the other segments (spec §4.5: "rebuilds
// the prompt (appending only the newest Update block on top of the prior
// conversation)").
func Body(text string) Segment {
	return Segment{Name: "body", Text: text}
}

// OutputContract builds the trailing segment telling the engine the exact
// JSON shape its final message must match.
func OutputContract(schemaHint string) Segment {
	return Segment{
		Name: "outputContract",
		Text: "Your final message must be a single JSON object matching this shape:\n" + schemaHint,
	}
}

// RetryPatch is appended as an extra segment on a schema-validation retry
// (spec §4.6 step 5: "bounded-retry once with a 'RETRY REQUIREMENT' prompt
// patch").
func RetryPatch(reason string) Segment {
	return Segment{
		Name: "retryPatch",
		Text: fmt.Sprintf("RETRY REQUIREMENT: your previous response failed validation (%s). Re-emit a single JSON object matching the output contract exactly.", reason),
	}
}

// Assemble concatenates non-empty segments in order, each separated by a
// blank line.
func Assemble(segments ...Segment) string {
	var parts []string
	for _, s := range segments {
		if strings.TrimSpace(s.Text) == "" {
			continue
		}
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, "\n\n")
}
