package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentbus/bus/internal/fileutil"
	"github.com/google/uuid"
)

// ErrAlreadyRunning is returned by AcquireLock when another process already
// holds the agent's worker lock (spec §4.6 step 2: "already running; exiting
// duplicate worker").
var ErrAlreadyRunning = errors.New("already running; exiting duplicate worker")

// lockFile is the on-disk shape of state/worker-locks/<agent>.lock.json
// (spec §3 "Worker lock").
type lockFile struct {
	Agent      string    `json:"agent"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquiredAt"`
	Token      string    `json:"token"`
}

// Lock represents a held worker lock. Release is safe to call once; a
// second call is a silent no-op.
type Lock struct {
	path     string
	released bool
}

func lockPath(busRoot, agent string) string {
	return filepath.Join(busRoot, "state", "worker-locks", agent+".lock.json")
}

// AcquireLock attempts the O_CREAT|O_EXCL worker-lock singleton per agent
// (spec §4.6 step 2). A corrupted existing lock file is treated as held —
// no automatic takeover — per spec.
func AcquireLock(busRoot, agent string) (*Lock, error) {
	dir := filepath.Join(busRoot, "state", "worker-locks")
	if err := fileutil.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("creating worker-locks dir: %w", err)
	}

	path := lockPath(busRoot, agent)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	defer f.Close()

	l := lockFile{Agent: agent, PID: os.Getpid(), AcquiredAt: time.Now().UTC(), Token: uuid.NewString()}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshaling lock: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return nil, fmt.Errorf("writing lock: %w", err)
	}

	return &Lock{path: path}, nil
}

// Release unlinks the lock file. Safe to call multiple times.
func (l *Lock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releasing worker lock: %w", err)
	}
	return nil
}
