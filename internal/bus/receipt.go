package bus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentbus/bus/internal/buserr"
)

// Outcome values for a receipt (spec §3 "Receipt").
const (
	OutcomeDone        = "done"
	OutcomeBlocked     = "blocked"
	OutcomeFailed      = "failed"
	OutcomeSkipped     = "skipped"
	OutcomeNeedsReview = "needs_review"
)

// Receipt is the durable record of a task's closure (spec §3).
type Receipt struct {
	TaskID      string          `json:"taskId"`
	Agent       string          `json:"agent"`
	Outcome     string          `json:"outcome"`
	Note        string          `json:"note"`
	CommitSha   string          `json:"commitSha,omitempty"`
	ClosedAt    string          `json:"closedAt"`
	Task        Meta            `json:"task"`
	ReceiptExtra json.RawMessage `json:"receiptExtra,omitempty"`
}

// receiptPath returns the path to the receipt file for (agent, id).
func (s *Store) receiptPath(agent, id string) string {
	return filepath.Join(s.Root, "receipts", agent, id+".json")
}

// ReceiptExists reports whether a receipt has already been written for
// (agent, id) — the write-once guard referenced throughout spec §3/§8.
func (s *Store) ReceiptExists(agent, id string) bool {
	_, err := os.Stat(s.receiptPath(agent, id))
	return err == nil
}

// ReadReceipt loads a previously written receipt.
func (s *Store) ReadReceipt(agent, id string) (*Receipt, error) {
	data, err := os.ReadFile(s.receiptPath(agent, id))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", buserr.ErrNotFound, err)
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing receipt: %w", err)
	}
	return &r, nil
}

// writeReceipt fsyncs a receipt to disk before the caller moves the packet
// to processed/ (spec §4.1 close: "writes receipts/<agent>/<id>.json first
// (fsync), then moves the packet to processed/"). A re-close on an
// already-processed task is a programmer error (spec §3) and fails loudly
// with ErrReceiptExists.
func (s *Store) writeReceipt(agent string, r Receipt) error {
	if s.ReceiptExists(agent, r.TaskID) {
		return fmt.Errorf("%w: agent=%s id=%s", buserr.ErrReceiptExists, agent, r.TaskID)
	}

	dir := filepath.Join(s.Root, "receipts", agent)
	if err := ensureDir(dir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}

	path := s.receiptPath(agent, r.TaskID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("opening receipt file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing receipt: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsyncing receipt: %w", err)
	}
	return f.Close()
}
