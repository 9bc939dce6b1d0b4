package gate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentbus/bus/internal/bus"
	"golang.org/x/sync/errgroup"
)

// ObserverDrainGate blocks a ready closure until every sibling digest packet
// for the same rootId has been drained from the agent's inbox (spec §4.7
// step 7). Per the Open Question decision recorded in the design ledger,
// this gates on *all* sibling digests for a root, not just ones sharing the
// triggering packet's sourceKind.
type ObserverDrainGate struct {
	BusRoot string
}

func (g *ObserverDrainGate) Name() string { return "observerDrain" }

func (g *ObserverDrainGate) Run(ctx context.Context, in Input) (Record, error) {
	if in.RootID == "" {
		return Record{Required: false, Executed: false, Status: StatusSkip}, nil
	}

	dirs := []string{
		filepath.Join(g.BusRoot, "inbox", in.Agent, "new"),
		filepath.Join(g.BusRoot, "inbox", in.Agent, "seen"),
	}

	var mu sync.Mutex
	var pending []string
	grp, _ := errgroup.WithContext(ctx)
	for _, dir := range dirs {
		dir := dir
		grp.Go(func() error {
			ids, err := siblingDigestIDs(dir, in.RootID, in.TaskID)
			if err != nil {
				return err
			}
			mu.Lock()
			pending = append(pending, ids...)
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return Record{}, fmt.Errorf("scanning sibling digests: %w", err)
	}

	if len(pending) > 0 {
		return Record{Required: true, Executed: true, Status: StatusBlock, ReasonCode: "observer_drain_pending", Errors: pending}, nil
	}
	return Record{Required: true, Executed: true, Status: StatusPass}, nil
}

func siblingDigestIDs(dir, rootID, excludeID string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".md")
		if id == excludeID {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		pkt, err := bus.DecodePacket(data)
		if err != nil {
			continue
		}
		if pkt.Meta.Signals.RootID == rootID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
