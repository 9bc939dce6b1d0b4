package promptpipe

import "github.com/agentbus/bus/internal/config"

// WarmStart records the last skills fingerprint an agent successfully ran
// with, so the next turn can elide the (often large) skills block when
// nothing changed. The worker holds it in memory for the life of the
// process; it is not written to disk.
type WarmStart struct {
	Fingerprint string
}

// ShouldElideSkills reports whether the skills segment can be dropped for
// this turn: true only when a prior warm start exists and its fingerprint
// matches the currently loaded skill set (spec §4.4).
func ShouldElideSkills(prior *WarmStart, current []config.Skill) bool {
	if prior == nil {
		return false
	}
	return prior.Fingerprint == config.Fingerprint(current)
}

// BuildSkillsSegment returns the skills segment to include in this turn's
// prompt, eliding it when warm-started, and the fingerprint to persist on
// success.
func BuildSkillsSegment(prior *WarmStart, current []config.Skill) (Segment, string) {
	fp := config.Fingerprint(current)
	if ShouldElideSkills(prior, current) {
		return Segment{Name: "skills", Text: ""}, fp
	}
	return Skills(current), fp
}
