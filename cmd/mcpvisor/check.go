package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/nugget/mcpvisor/internal/config"
	"github.com/nugget/mcpvisor/internal/events"
	"github.com/nugget/mcpvisor/internal/manager"
	"github.com/nugget/mcpvisor/internal/mcp"
)

// checkRow is one line of the check report.
type checkRow struct {
	Server    string `json:"server"`
	Transport string `json:"transport"`
	Status    string `json:"status"`
	ToolCount int    `json:"tool_count"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Check statuses.
const (
	checkHealthy   = "healthy"
	checkUnhealthy = "unhealthy"
	checkFailed    = "failed"
	checkDisabled  = "disabled"
)

func newCheckCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Start every server, health check it, and stop it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), g)
		},
	}
}

func runCheck(ctx context.Context, g *globals) error {
	cfg, logger, err := g.load(g.stderr, "warn")
	if err != nil {
		return err
	}

	configs := manager.ServerConfigs(cfg)
	bus := events.New()
	failures := bus.Subscribe(2*len(configs) + 1)
	defer bus.Unsubscribe(failures)

	mgr := newManager(cfg, logger, bus, 0)
	defer mgr.StopAll()
	started := mgr.StartAll(ctx, configs)

	// Emit is synchronous, so every start failure is already buffered.
	startErrs := drainFailures(failures)

	rows := make([]checkRow, 0, len(configs))
	for _, sc := range configs {
		row := checkRow{Server: sc.Name, Transport: string(sc.Kind())}
		switch conn, ok := started[sc.Name]; {
		case !sc.IsEnabled():
			row.Status = checkDisabled
		case !ok:
			row.Status = checkFailed
			row.Error = startErrs[sc.Name]
		default:
			res := mgr.HealthCheck(ctx, conn.Name)
			row.Status = lo.Ternary(res.Healthy, checkHealthy, checkUnhealthy)
			row.ToolCount = res.ToolCount
			row.LatencyMS = res.Latency.Milliseconds()
			row.Error = res.Error
		}
		rows = append(rows, row)
	}

	if g.jsonOutput() {
		if err := writeJSON(g.stdout, map[string]any{"servers": rows}); err != nil {
			return err
		}
	} else if err := printCheckTable(g.stdout, rows); err != nil {
		return err
	}

	bad := lo.CountBy(rows, func(r checkRow) bool {
		return r.Status == checkFailed || r.Status == checkUnhealthy
	})
	if bad > 0 {
		return fmt.Errorf("%d of %d servers not healthy", bad, len(rows))
	}
	return nil
}

// drainFailures collects the error of every buffered server_failed
// event, keyed by server name.
func drainFailures(ch <-chan events.Event) map[string]string {
	out := make(map[string]string)
	for {
		select {
		case ev := <-ch:
			if ev.Kind != events.KindServerFailed {
				continue
			}
			name, _ := ev.Data["server"].(string)
			msg, _ := ev.Data["error"].(string)
			out[name] = msg
		default:
			return out
		}
	}
}

func printCheckTable(w io.Writer, rows []checkRow) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tTRANSPORT\tSTATUS\tTOOLS\tLATENCY\tERROR")
	for _, r := range rows {
		latency := "-"
		if r.Status == checkHealthy || r.Status == checkUnhealthy {
			latency = fmt.Sprintf("%dms", r.LatencyMS)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.Server, r.Transport, r.Status, r.ToolCount, latency, r.Error)
	}
	return tw.Flush()
}

func newToolsCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "tools [server]",
		Short: "List the tool catalog of one or all servers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd.Context(), g, args)
		},
	}
}

func runTools(ctx context.Context, g *globals, args []string) error {
	cfg, logger, err := g.load(g.stderr, "warn")
	if err != nil {
		return err
	}
	mgr := newManager(cfg, logger, nil, 0)
	defer mgr.StopAll()

	var catalog []mcp.CatalogEntry
	if len(args) == 1 {
		conn, err := startOne(ctx, mgr, cfg, args[0])
		if err != nil {
			return err
		}
		tools, err := mgr.Tools(ctx, conn.Name)
		if err != nil {
			return err
		}
		catalog = mcp.Catalog(conn.Name, tools, conn.Config.Filter())
	} else {
		mgr.StartAll(ctx, manager.ServerConfigs(cfg))
		catalog = mgr.Catalog(ctx)
	}

	if g.jsonOutput() {
		return writeJSON(g.stdout, map[string]any{"tools": lo.Ternary(catalog == nil, []mcp.CatalogEntry{}, catalog)})
	}
	tw := tabwriter.NewWriter(g.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSERVER\tTOOL\tDESCRIPTION")
	for _, e := range catalog {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Name, e.Server, e.Tool.Name, firstLine(e.Tool.Description))
	}
	return tw.Flush()
}

// startOne starts a single configured server, even a disabled one.
func startOne(ctx context.Context, mgr *manager.Manager, cfg *config.Config, name string) (*manager.Connection, error) {
	sc, ok := lo.Find(manager.ServerConfigs(cfg), func(sc mcp.ServerConfig) bool {
		return sc.Name == name
	})
	if !ok {
		return nil, fmt.Errorf("unknown server: %s", name)
	}
	return mgr.StartServer(ctx, sc)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func newCallCommand(g *globals) *cobra.Command {
	var rawJSON string
	cmd := &cobra.Command{
		Use:   "call <server> <tool> [key=value...]",
		Short: "Call one tool and print its result",
		Long: `Call one tool on a server and print its result.

Arguments are given as key=value pairs. Values that parse as JSON
(numbers, booleans, arrays, objects) are passed as JSON; anything else
is passed as a string. Use --json to pass the whole argument object.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolArgs, err := parseToolArgs(args[2:], rawJSON)
			if err != nil {
				return err
			}
			return runCall(cmd.Context(), g, args[0], args[1], toolArgs)
		},
	}
	cmd.Flags().StringVar(&rawJSON, "json", "", "tool arguments as a JSON object")
	return cmd
}

// errToolFailed reports a result the tool itself flagged as an error.
var errToolFailed = errors.New("tool reported an error")

func runCall(ctx context.Context, g *globals, server, tool string, args map[string]any) error {
	cfg, logger, err := g.load(g.stderr, "warn")
	if err != nil {
		return err
	}
	mgr := newManager(cfg, logger.With("component", "call"), nil, 0)
	defer mgr.StopAll()

	conn, err := startOne(ctx, mgr, cfg, server)
	if err != nil {
		return err
	}
	if !conn.Config.Filter().Allows(tool) {
		return fmt.Errorf("tool %q is excluded for server %s", tool, server)
	}

	logger.Debug("calling tool", "mcp_server", server, "tool", tool)
	res, err := conn.Client.CallTool(ctx, tool, args)
	if err != nil {
		return err
	}

	if g.jsonOutput() {
		if err := writeJSON(g.stdout, res); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(g.stdout, res.Text())
	}
	if res.IsError {
		return errToolFailed
	}
	return nil
}

// parseToolArgs builds the argument object from key=value pairs and an
// optional JSON object. Pairs override keys of the JSON object.
func parseToolArgs(pairs []string, rawJSON string) (map[string]any, error) {
	args := make(map[string]any)
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &args); err != nil {
			return nil, fmt.Errorf("invalid --json arguments: %w", err)
		}
		if args == nil {
			args = make(map[string]any)
		}
	}
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid argument %q (expected key=value)", p)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		args[key] = v
	}
	return args, nil
}
