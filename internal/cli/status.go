package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/agentbus/bus/internal/bus"
	"github.com/agentbus/bus/internal/roster"
	"github.com/spf13/cobra"
)

var (
	statusFollow   bool
	statusInterval float64
)

func init() {
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "live-update status (like watch)")
	statusCmd.Flags().Float64VarP(&statusInterval, "interval", "n", 2.0, "seconds between updates (with --follow)")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show each agent's inbox depth and most recent receipt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := loadRoster()
		if err != nil {
			return err
		}

		if statusFollow {
			return followStatus(r)
		}
		return renderStatus(os.Stdout, r)
	},
}

func followStatus(r *roster.Roster) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	interval := time.Duration(statusInterval * float64(time.Second))
	var lastOutput string

	for {
		var buf bytes.Buffer
		if err := renderStatus(&buf, r); err != nil {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", err)
		}
		output := buf.String()

		if output != lastOutput {
			fmt.Print("\033[H\033[2J")
			fmt.Printf("Every %.1fs: bus status\n\n", statusInterval)
			fmt.Print(output)
			lastOutput = output
		}

		select {
		case <-sigCh:
			fmt.Println()
			return nil
		case <-time.After(interval):
		}
	}
}

var inboxStates = []string{bus.StateNew, bus.StateSeen, bus.StateInProgress, bus.StateProcessed}

func renderStatus(w io.Writer, r *roster.Roster) error {
	fmt.Fprintln(w, "Agent Status")
	fmt.Fprintln(w, "──────────────────────────────────────")

	names := r.Names()
	sort.Strings(names)

	for _, name := range names {
		a, _ := r.Get(name)
		counts := make(map[string]int, len(inboxStates))
		for _, st := range inboxStates {
			counts[st] = countMdFiles(filepath.Join(flagBusRoot, "inbox", name, st))
		}

		marker := "◯"
		switch {
		case counts[bus.StateInProgress] > 0:
			marker = "⟳"
		case counts[bus.StateNew]+counts[bus.StateSeen] > 0:
			marker = "◎"
		}

		fmt.Fprintf(w, "  %s  %-14s  %-12s new=%-3d seen=%-3d in_progress=%-3d processed=%-3d\n",
			marker, name, a.Role, counts[bus.StateNew], counts[bus.StateSeen], counts[bus.StateInProgress], counts[bus.StateProcessed])
	}
	return nil
}

func countMdFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n
}
