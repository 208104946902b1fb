// Command oupgrade builds and serves the upgrade change database: it syncs
// migration sources, parses analysis reports into per-version stores,
// derives the migration artifacts and answers queries over HTTP and MCP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dejo1307/oupgrade/internal/config"
)

// app carries the state shared by subcommands.
type app struct {
	cfgPath string
	logFile string
	cfg     *config.Config
	logOut  io.Closer
}

func main() {
	// Ensure log output goes to stderr, never stdout (MCP uses stdout for JSON-RPC)
	log.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	root := a.rootCmd()
	err := root.ExecuteContext(ctx)
	a.closeLog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "oupgrade",
		Short: "OpenUpgrade analysis extraction and query tool",
		Long: `oupgrade turns OpenUpgrade analysis reports and pre-migration scripts
into queryable per-version change databases and migration artifacts.

Typical flow:
  oupgrade sync --versions 17.0
  oupgrade parse --versions 17.0
  oupgrade generate --versions 17.0
  oupgrade serve`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}

	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "config file (default ./"+config.DefaultFile+")")
	root.PersistentFlags().StringVar(&a.logFile, "log-file", "", "also write logs to this file")

	root.AddCommand(
		a.syncCmd(),
		a.parseCmd(),
		a.generateCmd(),
		a.runCmd(),
		a.serveCmd(),
		a.queryCmd(),
		a.aprioriCmd(),
		a.configCmd(),
	)
	return root
}

// setup loads the configuration and routes logs to the configured file.
func (a *app) setup() error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logFile := a.logFile
	if logFile == "" {
		logFile = cfg.Logging.File
	}
	if logFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	a.logOut = f
	return nil
}

func (a *app) closeLog() {
	if a.logOut != nil {
		log.SetOutput(os.Stderr)
		a.logOut.Close()
	}
}

// versionsFlag registers --versions on cmd.
func versionsFlag(cmd *cobra.Command, dst *[]string) {
	cmd.Flags().StringSliceVar(dst, "versions", nil, "comma separated versions, e.g. 16.0,17 (default from config)")
}

// resolveVersions returns the normalized versions to process.
func (a *app) resolveVersions(flagValues []string) ([]string, error) {
	src := flagValues
	if len(src) == 0 {
		src = a.cfg.Versions
	}
	var out []string
	seen := make(map[string]bool)
	for _, v := range src {
		v = config.NormalizeVersion(v)
		if v == "" || seen[v] {
			continue
		}
		if !config.ValidVersion(v) {
			return nil, fmt.Errorf("invalid version %q", v)
		}
		seen[v] = true
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, errors.New("no versions given")
	}
	return out, nil
}

// forEachVersion runs fn for every version. A failing version is logged and
// does not stop the others; the joined failures are returned.
func forEachVersion(ctx context.Context, step string, versions []string, fn func(ctx context.Context, version string) error) error {
	var failed []string
	var errs []error
	for _, v := range versions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, v); err != nil {
			log.Printf("[main] %s %s failed: %v", step, v, err)
			failed = append(failed, v)
			errs = append(errs, err)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%s failed for %s: %w", step, strings.Join(failed, ", "), errors.Join(errs...))
	}
	return nil
}
