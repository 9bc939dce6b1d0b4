// Package limiter implements the cross-process coordination primitives (C3):
// file-lease semaphore slots and cooldown files, namespaced per domain so
// engine and consult concurrency never share slots. Grounded on the
// teacher's atomic-rename discipline (internal/git, internal/bus) applied to
// O_CREAT|O_EXCL lease files instead of renamed packets.
package limiter

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentbus/bus/internal/fileutil"
)

// Lease is a held semaphore slot. Release is idempotent and best-effort.
type Lease struct {
	path       string
	Domain     string
	Slot       int
	AcquiredAt time.Time
}

// slotFile is the on-disk shape of a semaphore slot (spec §3 "Limiter lease").
type slotFile struct {
	AcquiredAt time.Time `json:"acquiredAt"`
	PID        int       `json:"pid"`
	Name       string    `json:"name"`
}

const (
	backoffBaseMs = 25
	backoffCapMs  = 500
)

func semaphoreDir(root, domain string) string {
	return filepath.Join(root, "state", domain+"-semaphore")
}

// AcquireSlot blocks until it wins one of [0, maxSlots) lease files in
// state/<domain>-semaphore/, reclaiming slots whose holder is no longer
// alive or whose acquiredAt exceeds staleMs (spec §4.3 acquireSlot). It
// retries forever unless ctx-style cancellation is handled by the caller via
// a bounded deadline passed through done.
func AcquireSlot(root, domain, name string, maxSlots int, staleMs int64, done <-chan struct{}) (*Lease, error) {
	dir := semaphoreDir(root, domain)
	if err := fileutil.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("creating semaphore dir: %w", err)
	}

	attempt := 0
	for {
		select {
		case <-done:
			return nil, fmt.Errorf("acquiring %s slot for %s: cancelled", domain, name)
		default:
		}

		reclaimStale(dir, staleMs)

		for k := 0; k < maxSlots; k++ {
			path := filepath.Join(dir, fmt.Sprintf("slot-%d.json", k))
			lease, err := tryCreateSlot(path, name)
			if err == nil {
				return &Lease{path: path, Domain: domain, Slot: k, AcquiredAt: lease.AcquiredAt}, nil
			}
		}

		time.Sleep(backoff(attempt))
		attempt++
	}
}

func tryCreateSlot(path, name string) (slotFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return slotFile{}, err
	}
	defer f.Close()

	s := slotFile{AcquiredAt: time.Now().UTC(), PID: os.Getpid(), Name: name}
	data, err := json.Marshal(s)
	if err != nil {
		return slotFile{}, err
	}
	if _, err := f.Write(data); err != nil {
		return slotFile{}, err
	}
	return s, f.Sync()
}

// reclaimStale unlinks slot files whose holder is dead or whose age exceeds
// staleMs. EBUSY (another process unlinked/rewrote it first) is treated as
// "still held" and ignored.
func reclaimStale(dir string, staleMs int64) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var s slotFile
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		stale := time.Since(s.AcquiredAt) > time.Duration(staleMs)*time.Millisecond
		dead := !pidAlive(s.PID)
		if stale || dead {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				if errno, ok := err.(*os.PathError); ok && errno.Err == syscall.EBUSY {
					continue
				}
			}
		}
	}
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On unix FindProcess always succeeds; signal 0 probes liveness without
	// affecting the process (spec §4.3: "local-pid liveness check is
	// advisory; cross-host use is unsupported").
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

func backoff(attempt int) time.Duration {
	ms := backoffBaseMs << uint(attempt)
	if ms > backoffCapMs || ms <= 0 {
		ms = backoffCapMs
	}
	jitter := rand.Intn(backoffBaseMs)
	return time.Duration(ms+jitter) * time.Millisecond
}

// Release unlinks the lease file. Best-effort: ENOENT is silently ignored
// (spec §4.3: "on success, return a lease object whose release() unlinks
// the file (best-effort; silent on ENOENT)").
func (l *Lease) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releasing %s slot %d: %w", l.Domain, l.Slot, err)
	}
	return nil
}
