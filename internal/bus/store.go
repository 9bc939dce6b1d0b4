package bus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentbus/bus/internal/buserr"
	"github.com/agentbus/bus/internal/fileutil"
	"github.com/agentbus/bus/internal/roster"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// states lists every task-state subdirectory an agent inbox has (spec §3).
var states = []string{StateNew, StateSeen, StateInProgress, StateProcessed}

func ensureDir(path string) error { return fileutil.EnsureDir(path) }

// Store is the bus's on-disk transport (C1). One Store is shared by every
// component in a process; it holds no mutable state of its own beyond the
// root path and roster, matching the "per-process immutable config" design
// note in spec §9.
type Store struct {
	Root          string
	Roster        *roster.Roster
	ContentPolicy ContentPolicy
	Log           *zap.SugaredLogger
}

// New constructs a Store rooted at busRoot.
func New(busRoot string, r *roster.Roster, policy ContentPolicy, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{Root: busRoot, Roster: r, ContentPolicy: policy, Log: log}
}

// Ensure idempotently creates inbox/<agent>/{new,seen,in_progress,processed},
// receipts/<agent>/, state/ and artifacts/ for every agent in the roster,
// including reserved roles (spec §4.1).
func (s *Store) Ensure() error {
	for _, name := range s.Roster.Names() {
		for _, st := range states {
			if err := ensureDir(filepath.Join(s.Root, "inbox", name, st)); err != nil {
				return err
			}
		}
		if err := ensureDir(filepath.Join(s.Root, "receipts", name)); err != nil {
			return err
		}
		if err := ensureDir(filepath.Join(s.Root, "artifacts", name, "reviews")); err != nil {
			return err
		}
	}
	if err := ensureDir(filepath.Join(s.Root, "state")); err != nil {
		return err
	}
	return nil
}

// ReconcileInProgress repairs the one crash window spec §5 calls out: an
// abrupt exit after writeReceipt fsyncs but before the processed/ rename
// leaves a packet sitting in in_progress/ whose receipt already exists. A
// plain re-Close would now fail on ErrReceiptExists, so startup instead
// finishes the move directly for every in_progress packet with a matching
// receipt. Safe to call on a clean startup: it only acts when both the
// stranded packet and its receipt are present.
func (s *Store) ReconcileInProgress(agent string) (int, error) {
	dir := s.inboxDir(agent, StateInProgress)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("listing in_progress: %w", err)
	}

	var reconciled int
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".md")
		if !s.ReceiptExists(agent, id) {
			continue
		}
		if err := ensureDir(s.inboxDir(agent, StateProcessed)); err != nil {
			return reconciled, err
		}
		src := s.packetPath(agent, StateInProgress, id)
		dst := s.packetPath(agent, StateProcessed, id)
		if err := os.Rename(src, dst); err != nil {
			return reconciled, fmt.Errorf("reconciling %s/%s into processed: %w", agent, id, err)
		}
		s.Log.Infow("reconciled crash-stranded in_progress packet with existing receipt", "agent", agent, "taskId", id)
		reconciled++
	}
	return reconciled, nil
}

func (s *Store) inboxDir(agent, state string) string {
	return filepath.Join(s.Root, "inbox", agent, state)
}

func (s *Store) packetPath(agent, state, id string) string {
	return filepath.Join(s.inboxDir(agent, state), id+".md")
}

// findState locates which of new/seen/in_progress/processed currently holds
// (agent, id), returning "" if none do.
func (s *Store) findState(agent, id string) string {
	for _, st := range states {
		if fileutil.Exists(s.packetPath(agent, st, id)) {
			return st
		}
	}
	return ""
}

// Deliver validates and atomically writes a packet into inbox/<to>/new/ for
// every recipient in meta.To (spec §4.1 deliver).
func (s *Store) Deliver(meta Meta, body string) error {
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if err := ValidateID(meta.ID); err != nil {
		return err
	}
	if len(meta.To) == 0 {
		return fmt.Errorf("%w: packet %s has no recipients", buserr.ErrRosterMismatch, meta.ID)
	}
	for _, to := range meta.To {
		if !s.Roster.Has(to) {
			return fmt.Errorf("%w: %q is not a roster agent", buserr.ErrRosterMismatch, to)
		}
	}

	scan := scanBody(body)
	if scan.Suspicious() {
		if s.ContentPolicy == PolicyBlock {
			return fmt.Errorf("%w: matched %v", buserr.ErrSuspiciousBody, scan.Hits)
		}
		s.Log.Warnw("suspicious content in packet body", "taskId", meta.ID, "hits", scan.Hits)
	}

	data, err := EncodePacket(Packet{Meta: meta, Body: body})
	if err != nil {
		return err
	}

	for _, to := range meta.To {
		dir := s.inboxDir(to, StateNew)
		if err := ensureDir(dir); err != nil {
			return err
		}
		if err := writeFileAtomic(dir, s.packetPath(to, StateNew, meta.ID), data, 0644); err != nil {
			return fmt.Errorf("delivering to %s: %w", to, err)
		}
	}
	return nil
}

// Claim atomically moves new/<id>.md or seen/<id>.md to in_progress/<id>.md
// (spec §4.1 claim). The loser of a race observes ErrAlreadyClaimed.
func (s *Store) Claim(agent, id string) (Packet, error) {
	var from string
	for _, st := range []string{StateNew, StateSeen} {
		if fileutil.Exists(s.packetPath(agent, st, id)) {
			from = st
			break
		}
	}
	if from == "" {
		return Packet{}, fmt.Errorf("%w: agent=%s id=%s", buserr.ErrNotFound, agent, id)
	}

	dst := s.packetPath(agent, StateInProgress, id)
	if err := ensureDir(s.inboxDir(agent, StateInProgress)); err != nil {
		return Packet{}, err
	}
	if fileutil.Exists(dst) {
		return Packet{}, fmt.Errorf("%w: agent=%s id=%s", buserr.ErrAlreadyClaimed, agent, id)
	}

	src := s.packetPath(agent, from, id)
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return Packet{}, fmt.Errorf("%w: agent=%s id=%s", buserr.ErrAlreadyClaimed, agent, id)
		}
		return Packet{}, fmt.Errorf("claiming %s/%s: %w", agent, id, err)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		return Packet{}, fmt.Errorf("reading claimed packet: %w", err)
	}
	p, err := DecodePacket(data)
	if err != nil {
		return Packet{}, err
	}
	p.State = StateInProgress
	return p, nil
}

// Open reads the current packet for (agent, id) without claiming it,
// optionally moving new -> seen (spec §4.1 open).
func (s *Store) Open(agent, id string, markSeen bool) (Packet, error) {
	st := s.findState(agent, id)
	if st == "" {
		return Packet{}, fmt.Errorf("%w: agent=%s id=%s", buserr.ErrNotFound, agent, id)
	}

	if markSeen && st == StateNew {
		if err := ensureDir(s.inboxDir(agent, StateSeen)); err != nil {
			return Packet{}, err
		}
		dst := s.packetPath(agent, StateSeen, id)
		if err := os.Rename(s.packetPath(agent, StateNew, id), dst); err != nil {
			return Packet{}, fmt.Errorf("marking seen: %w", err)
		}
		st = StateSeen
	}

	data, err := os.ReadFile(s.packetPath(agent, st, id))
	if err != nil {
		return Packet{}, fmt.Errorf("reading packet: %w", err)
	}
	p, err := DecodePacket(data)
	if err != nil {
		return Packet{}, err
	}
	p.State = st
	return p, nil
}

// Update appends to the in-progress copy of a task under an
// "### Update (<iso>) from <agent>" heading (spec §3, §4.1). Refuses if the
// task has already moved to processed/.
func (s *Store) Update(agent, id string, fromAgent, appendText, title, priority string) error {
	st := s.findState(agent, id)
	if st == "" {
		return fmt.Errorf("%w: agent=%s id=%s", buserr.ErrNotFound, agent, id)
	}
	if st == StateProcessed {
		return fmt.Errorf("%w: agent=%s id=%s", buserr.ErrAlreadyProcessed, agent, id)
	}

	path := s.packetPath(agent, st, id)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading packet for update: %w", err)
	}
	p, err := DecodePacket(data)
	if err != nil {
		return err
	}

	if appendText != "" {
		scan := scanBody(appendText)
		if scan.Suspicious() {
			if s.ContentPolicy == PolicyBlock {
				return fmt.Errorf("%w: matched %v", buserr.ErrSuspiciousBody, scan.Hits)
			}
			s.Log.Warnw("suspicious content in update body", "taskId", id, "hits", scan.Hits)
		}
		heading := fmt.Sprintf("\n### Update (%s) from %s\n\n%s\n", nowISO(), fromAgent, appendText)
		p.Body += heading
	}
	if title != "" {
		p.Meta.Title = title
	}
	if priority != "" {
		p.Meta.Priority = priority
	}

	out, err := EncodePacket(p)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Dir(path), path, out, 0644); err != nil {
		return fmt.Errorf("writing updated packet: %w", err)
	}
	// Touch mtime explicitly so watchers relying on stat-poll (not just the
	// rename itself) observe a definite change even on filesystems with
	// coarse mtime resolution.
	now := time.Now()
	_ = os.Chtimes(path, now, now)
	return nil
}

// Close writes a receipt and moves the packet to processed/ (spec §4.1
// close). When notifyOrchestrator is true (the default for non-orchestrator
// agents), it synthesizes a TASK_COMPLETE packet to the orchestrator.
// Close is idempotent against a missing packet if the receipt already
// exists, but logs a warning in that case.
func (s *Store) Close(agent, id, outcome, note, commitSha string, receiptExtra json.RawMessage, notifyOrchestrator bool) error {
	if commitSha != "" && !looksLikeSha(commitSha) {
		return fmt.Errorf("commitSha %q does not look like a hex git sha of >= 6 chars", commitSha)
	}

	st := s.findState(agent, id)
	if st == "" {
		if s.ReceiptExists(agent, id) {
			s.Log.Warnw("close called for packet already processed with an existing receipt", "agent", agent, "taskId", id)
			return nil
		}
		return fmt.Errorf("%w: agent=%s id=%s", buserr.ErrNotFound, agent, id)
	}
	if st == StateProcessed {
		return fmt.Errorf("%w: agent=%s id=%s", buserr.ErrAlreadyProcessed, agent, id)
	}

	data, err := os.ReadFile(s.packetPath(agent, st, id))
	if err != nil {
		return fmt.Errorf("reading packet for close: %w", err)
	}
	p, err := DecodePacket(data)
	if err != nil {
		return err
	}

	receipt := Receipt{
		TaskID:       id,
		Agent:        agent,
		Outcome:      outcome,
		Note:         note,
		CommitSha:    commitSha,
		ClosedAt:     nowISO(),
		Task:         p.Meta,
		ReceiptExtra: receiptExtra,
	}
	if err := s.writeReceipt(agent, receipt); err != nil {
		return err
	}

	if err := ensureDir(s.inboxDir(agent, StateProcessed)); err != nil {
		return err
	}
	dst := s.packetPath(agent, StateProcessed, id)
	if err := os.Rename(s.packetPath(agent, st, id), dst); err != nil {
		return fmt.Errorf("moving packet to processed: %w", err)
	}

	if notifyOrchestrator && agent != s.Roster.ReservedName(roster.RoleOrchestrator) {
		if err := s.notifyOrchestrator(p.Meta, receipt); err != nil {
			s.Log.Warnw("failed to notify orchestrator of task completion", "taskId", id, "error", err)
		}
	}
	return nil
}

// notifyOrchestrator synthesizes a TASK_COMPLETE packet carrying lineage to
// the roster's orchestrator agent (spec §4.1 close).
func (s *Store) notifyOrchestrator(completed Meta, receipt Receipt) error {
	orch := s.Roster.ReservedName(roster.RoleOrchestrator)
	if orch == "" {
		return fmt.Errorf("roster has no orchestrator agent")
	}

	refs := map[string]json.RawMessage{}
	completedTaskKind, _ := json.Marshal(completed.Signals.Kind)
	completedTaskID, _ := json.Marshal(completed.ID)
	receiptOutcome, _ := json.Marshal(receipt.Outcome)
	commitSha, _ := json.Marshal(receipt.CommitSha)
	refs["completedTaskKind"] = completedTaskKind
	refs["completedTaskId"] = completedTaskID
	refs["receiptOutcome"] = receiptOutcome
	refs["commitSha"] = commitSha
	if depth, ok := completed.References["orchestratorSelfRemediateDepth"]; ok {
		refs["orchestratorSelfRemediateDepth"] = depth
	}

	digest := Meta{
		ID:       uuid.NewString(),
		To:       []string{orch},
		From:     receipt.Agent,
		Priority: completed.Priority,
		Title:    fmt.Sprintf("TASK_COMPLETE: %s", completed.Title),
		Signals: Signals{
			Kind:   KindTaskComplete,
			Phase:  completed.Signals.Phase,
			RootID: completed.Signals.RootID,
		},
		References: refs,
	}
	return s.Deliver(digest, fmt.Sprintf("Task %s closed by %s with outcome %s.", completed.ID, receipt.Agent, receipt.Outcome))
}

func looksLikeSha(s string) bool {
	if len(s) < 6 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

func nowISO() string { return time.Now().UTC().Format(time.RFC3339) }

// ListNew returns the new/ packets for agent sorted by (priority ordinal,
// mtime) — the worker loop's poll order (spec §4.6 step 2).
func (s *Store) ListNew(agent string) ([]Packet, error) {
	dir := s.inboxDir(agent, StateNew)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing inbox: %w", err)
	}

	type candidate struct {
		packet Packet
		mtime  time.Time
	}
	var cands []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		p, err := DecodePacket(data)
		if err != nil {
			s.Log.Warnw("skipping unparseable packet", "agent", agent, "file", e.Name(), "error", err)
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		p.State = StateNew
		cands = append(cands, candidate{packet: p, mtime: info.ModTime()})
	}

	sort.Slice(cands, func(i, j int) bool {
		ri, rj := PriorityRank(cands[i].packet.Meta.Priority), PriorityRank(cands[j].packet.Meta.Priority)
		if ri != rj {
			return ri < rj
		}
		return cands[i].mtime.Before(cands[j].mtime)
	})

	out := make([]Packet, len(cands))
	for i, c := range cands {
		out[i] = c.packet
	}
	return out, nil
}
