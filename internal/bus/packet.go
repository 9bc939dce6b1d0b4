// Package bus implements the filesystem-backed task bus (spec §3, §4.1):
// atomic on-disk layout, task create/move/append, receipt emission, and
// frontmatter parse/write. It is grounded on the teacher's
// internal/engine/state.go (status JSON read/write) and internal/git's
// atomic-rename discipline, generalized from single-repo "concern status"
// into the full multi-agent task-packet lifecycle.
package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/agentbus/bus/internal/buserr"
)

// Signal kind constants (spec §3).
const (
	KindUserRequest            = "USER_REQUEST"
	KindExecute                = "EXECUTE"
	KindStatus                 = "STATUS"
	KindReviewActionRequired   = "REVIEW_ACTION_REQUIRED"
	KindOrchestratorUpdate     = "ORCHESTRATOR_UPDATE"
	KindTaskComplete           = "TASK_COMPLETE"
	KindOpusConsultRequest     = "OPUS_CONSULT_REQUEST"
	KindOpusConsultResponse    = "OPUS_CONSULT_RESPONSE"
)

// Task states (spec §3 "Task state"). A packet lives in exactly one of
// these at any time for a given (agent, id).
const (
	StateNew        = "new"
	StateSeen       = "seen"
	StateInProgress = "in_progress"
	StateProcessed  = "processed"
)

// Priority ordinals, lowest value sorts first (spec §4.6 step 2).
var priorityRank = map[string]int{
	"P1": 0,
	"P2": 1,
	"P3": 2,
}

// PriorityRank returns the ordinal rank of a priority tag; unknown tags sort
// last, after P3.
func PriorityRank(p string) int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// Signals is the tagged record carried by every packet (spec §3).
type Signals struct {
	Kind               string          `json:"kind"`
	Phase              string          `json:"phase,omitempty"`
	RootID             string          `json:"rootId,omitempty"`
	ParentID           string          `json:"parentId,omitempty"`
	Smoke              bool            `json:"smoke,omitempty"`
	SourceKind         string          `json:"sourceKind,omitempty"`
	ReviewRequired     bool            `json:"reviewRequired,omitempty"`
	ReviewTarget       json.RawMessage `json:"reviewTarget,omitempty"`
	NotifyOrchestrator *bool           `json:"notifyOrchestrator,omitempty"`
}

// Meta is a task packet's JSON frontmatter (spec §3 "Task packet").
type Meta struct {
	ID         string                     `json:"id"`
	To         []string                   `json:"to"`
	From       string                     `json:"from"`
	Priority   string                     `json:"priority"`
	Title      string                     `json:"title"`
	Signals    Signals                    `json:"signals"`
	References map[string]json.RawMessage `json:"references,omitempty"`
}

// Packet is a full task packet: parsed frontmatter plus markdown body.
type Packet struct {
	Meta  Meta
	Body  string
	State string // set by Open/Claim; not part of the on-disk frontmatter
}

var idSafePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateID rejects ids containing path separators or colons (spec §4.1
// deliver: "filesystem-safe-ifies id; reject ':' or path separators").
func ValidateID(id string) error {
	if id == "" || !idSafePattern.MatchString(id) {
		return fmt.Errorf("%w: %q", buserr.ErrUnsafeID, id)
	}
	return nil
}

const frontmatterDelim = "---\n"

// EncodePacket renders a packet to its on-disk markdown-with-frontmatter
// form: a single-line JSON object between two "---\n" delimiter lines,
// followed by the free-form markdown body.
func EncodePacket(p Packet) ([]byte, error) {
	line, err := json.Marshal(p.Meta)
	if err != nil {
		return nil, fmt.Errorf("marshaling frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(frontmatterDelim)
	buf.Write(line)
	buf.WriteString("\n")
	buf.WriteString(frontmatterDelim)
	buf.WriteString(p.Body)
	return buf.Bytes(), nil
}

// DecodePacket parses the on-disk form back into a Packet. Any deviation
// from "---\n<one JSON line>\n---\n<body>" is a FrontmatterParseError.
func DecodePacket(data []byte) (Packet, error) {
	if !bytes.HasPrefix(data, []byte(frontmatterDelim)) {
		return Packet{}, fmt.Errorf("%w: missing opening delimiter", buserr.ErrFrontmatterParse)
	}
	rest := data[len(frontmatterDelim):]
	idx := bytes.Index(rest, []byte("\n"+frontmatterDelim))
	if idx < 0 {
		return Packet{}, fmt.Errorf("%w: missing closing delimiter", buserr.ErrFrontmatterParse)
	}
	jsonLine := rest[:idx]
	body := rest[idx+1+len(frontmatterDelim):]

	var meta Meta
	if err := json.Unmarshal(jsonLine, &meta); err != nil {
		return Packet{}, fmt.Errorf("%w: %s", buserr.ErrFrontmatterParse, err)
	}
	return Packet{Meta: meta, Body: string(body)}, nil
}
