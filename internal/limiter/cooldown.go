package limiter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/agentbus/bus/internal/fileutil"
)

// Cooldown is the durable record of a wall-clock deadline before any worker
// in a domain may invoke the engine again (spec §3 "Cooldown").
type Cooldown struct {
	RetryAtMs   int64  `json:"retryAtMs"`
	Reason      string `json:"reason"`
	SourceAgent string `json:"sourceAgent"`
	TaskID      string `json:"taskId,omitempty"`
}

// Active reports whether the cooldown's deadline has not yet passed.
func (c Cooldown) Active() bool {
	return time.Now().UnixMilli() < c.RetryAtMs
}

func cooldownPath(root, domain string) string {
	return filepath.Join(root, "state", domain+"-cooldown.json")
}

// WriteCooldown atomically records a cooldown for domain (spec §4.3
// writeCooldown).
func WriteCooldown(root, domain string, retryAtMs int64, reason, sourceAgent, taskID string) error {
	dir := filepath.Join(root, "state")
	if err := fileutil.EnsureDir(dir); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	c := Cooldown{RetryAtMs: retryAtMs, Reason: reason, SourceAgent: sourceAgent, TaskID: taskID}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling cooldown: %w", err)
	}

	path := cooldownPath(root, domain)
	tmp := path + ".tmp-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing cooldown temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming cooldown into place: %w", err)
	}
	return nil
}

// ReadCooldown returns the latest cooldown for domain. An expired or absent
// cooldown is reported as (Cooldown{}, false) (spec §4.3 readCooldown:
// "expired entries treated as absent").
func ReadCooldown(root, domain string) (Cooldown, bool) {
	data, err := os.ReadFile(cooldownPath(root, domain))
	if err != nil {
		return Cooldown{}, false
	}
	var c Cooldown
	if err := json.Unmarshal(data, &c); err != nil {
		return Cooldown{}, false
	}
	if !c.Active() {
		return Cooldown{}, false
	}
	return c, true
}

var (
	retryAfterMsPattern = regexp.MustCompile(`(?i)try again in\s+(\d+)\s*ms`)
	retryAfterSPattern  = regexp.MustCompile(`(?i)try again in\s+(\d+)\s*s\b`)
	retryAfterHdr       = regexp.MustCompile(`(?i)retry-after:\s*(\d+)`)
)

// ParseRetryAfterMs recognizes the rate-limit message shapes the engine
// emits on stderr or in a JSON-RPC error message (spec §4.3
// parseRetryAfterMs). Returns (0, false) on no match.
func ParseRetryAfterMs(msg string) (int64, bool) {
	if m := retryAfterMsPattern.FindStringSubmatch(msg); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return n, true
		}
	}
	if m := retryAfterSPattern.FindStringSubmatch(msg); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return n * 1000, true
		}
	}
	if m := retryAfterHdr.FindStringSubmatch(msg); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return n * 1000, true
		}
	}
	return 0, false
}
