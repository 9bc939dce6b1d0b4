package cli

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/agentbus/bus/internal/bus"
	"github.com/agentbus/bus/internal/metrics"
	"github.com/agentbus/bus/internal/roster"
	"go.uber.org/zap"
)

const dashboardRefreshInterval = 2 * time.Second

var dashboardMetricsAddr string

func init() {
	dashboardCmd.Flags().StringVar(&dashboardMetricsAddr, "metrics-addr", ":9090", "address to serve Prometheus metrics on alongside the dashboard")
	rootCmd.AddCommand(dashboardCmd)
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Interactive terminal dashboard of every agent's inbox depth",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := loadRoster()
		if err != nil {
			return err
		}

		log := newLogger()
		m := metrics.New()
		serveMetrics(cmd.Context(), log, m, dashboardMetricsAddr)

		p := tea.NewProgram(newDashboardModel(r))
		_, err = p.Run()
		return err
	},
}

// serveMetrics mounts the Prometheus handler on addr in a background
// goroutine for the lifetime of ctx, shared by `bus worker --metrics-addr`
// and `bus dashboard`.
func serveMetrics(ctx context.Context, log *zap.SugaredLogger, m *metrics.Registry, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnw("metrics server exited", "addr", addr, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// agentItem implements list.Item, one row per roster agent (grounded on the
// pack's kingrea-The-Lattice internal/tui/app.go#menuItem).
type agentItem struct {
	name, role, counts string
}

func (i agentItem) Title() string       { return fmt.Sprintf("%-14s %s", i.name, i.role) }
func (i agentItem) Description() string { return i.counts }
func (i agentItem) FilterValue() string { return i.name }

type tickMsg time.Time

type dashboardModel struct {
	roster *roster.Roster
	list   list.Model
}

func newDashboardModel(r *roster.Roster) dashboardModel {
	l := list.New(agentItems(r), list.NewDefaultDelegate(), 0, 0)
	l.Title = "bus dashboard"
	l.SetShowHelp(false)
	return dashboardModel{roster: r, list: l}
}

func agentItems(r *roster.Roster) []list.Item {
	names := r.Names()
	sort.Strings(names)

	items := make([]list.Item, 0, len(names))
	for _, name := range names {
		a, _ := r.Get(name)
		counts := make(map[string]int, len(inboxStates))
		for _, st := range inboxStates {
			counts[st] = countMdFiles(filepath.Join(flagBusRoot, "inbox", name, st))
		}
		items = append(items, agentItem{
			name: name,
			role: a.Role,
			counts: fmt.Sprintf("new=%d  seen=%d  in_progress=%d  processed=%d",
				counts[bus.StateNew], counts[bus.StateSeen], counts[bus.StateInProgress], counts[bus.StateProcessed]),
		})
	}
	return items
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Tick(dashboardRefreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height-2)
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.list.SetItems(agentItems(m.roster))
		return m, tea.Tick(dashboardRefreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

var dashboardHintStyle = lipgloss.NewStyle().Faint(true)

func (m dashboardModel) View() string {
	return m.list.View() + "\n" + dashboardHintStyle.Render("q to quit · refreshes every 2s · metrics on "+dashboardMetricsAddr)
}
