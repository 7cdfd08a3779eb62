// Mcpvisor supervises a fleet of Model Context Protocol servers.
//
// It starts every configured server over stdio, HTTP or SSE, keeps the
// connections healthy, and exposes their state through a status API, a
// websocket event stream and an optional MQTT publisher. One-shot
// commands inspect servers and call tools from the shell. Configuration
// is loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	mcpvisor serve                          Start all servers and the status API
//	mcpvisor init [dir]                     Write an example config.yaml
//	mcpvisor check                          Start, health check and stop every server
//	mcpvisor tools [server]                 List the tool catalog
//	mcpvisor call <server> <tool> [k=v...]  Call one tool
//	mcpvisor schema                         Print the config JSON schema
//	mcpvisor version                        Print version and build information
//	mcpvisor -o json version                Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/mcpvisor/internal/buildinfo"
	"github.com/nugget/mcpvisor/internal/config"
	"github.com/nugget/mcpvisor/internal/events"
	"github.com/nugget/mcpvisor/internal/manager"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the mcpvisor command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of all servers and background goroutines.
//   - stdout receives command output and the serve logs; stderr receives
//     the logs of one-shot commands.
//   - args is os.Args[1:].
//
// The command tree is built fresh on every call so tests can run it
// concurrently.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	logLevel   string
	output     string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	g := &globals{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           buildinfo.Name,
		Short:         "Supervise Model Context Protocol servers",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.output != "text" && g.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", g.output)
			}
			if g.logLevel != "" {
				if _, err := config.ParseLogLevel(g.logLevel); err != nil {
					return err
				}
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", "", "path to config file (default: auto-discover)")
	flags.StringVar(&g.logLevel, "log-level", "", "log level override: trace, debug, info, warn, error")
	flags.StringVarP(&g.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		newServeCommand(g),
		newInitCommand(g),
		newCheckCommand(g),
		newToolsCommand(g),
		newCallCommand(g),
		newSchemaCommand(g),
		newVersionCommand(g),
	)
	return root
}

// load locates and parses the configuration file and builds the logger.
// fallbackLevel applies when neither the flag nor the file sets a level.
func (g *globals) load(logOut io.Writer, fallbackLevel string) (*config.Config, *slog.Logger, error) {
	path, err := config.FindConfig(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	levelName := g.logLevel
	if levelName == "" {
		levelName = cfg.LogLevel
	}
	if levelName == "" {
		levelName = fallbackLevel
	}
	level, err := config.ParseLogLevel(levelName)
	if err != nil {
		return nil, nil, err
	}
	logger := config.NewLogger(logOut, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", path, "servers", len(cfg.MCP.Servers))
	return cfg, logger, nil
}

// newManager builds a manager from the MCP section of cfg.
func newManager(cfg *config.Config, logger *slog.Logger, bus *events.Bus, healthInterval time.Duration) *manager.Manager {
	return manager.New(manager.Options{
		Logger:         logger,
		Bus:            bus,
		InitTimeout:    cfg.MCP.InitTimeout,
		RequestTimeout: cfg.MCP.RequestTimeout,
		HealthInterval: healthInterval,
	})
}

func (g *globals) jsonOutput() bool { return g.output == "json" }

// writeJSON pretty-prints v to w.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
