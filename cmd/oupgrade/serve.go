package main

import (
	"log"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dejo1307/oupgrade/internal/metrics"
	"github.com/dejo1307/oupgrade/internal/server"
)

func (a *app) serveCmd() *cobra.Command {
	var (
		stdio bool
		host  string
		port  int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the change stores over HTTP, or MCP on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("host") {
				a.cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}

			srv, err := server.New(a.cfg, metrics.New())
			if err != nil {
				return err
			}
			defer srv.Close()

			stores, _ := filepath.Glob(filepath.Join(a.cfg.DB.Dir, "upgrade_*.db"))
			log.Printf("[main] serving %d change stores from %s", len(stores), a.cfg.DB.Dir)

			if stdio {
				return srv.RunStdio(cmd.Context())
			}
			return srv.ListenAndServe(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&stdio, "stdio", false, "serve MCP on stdin/stdout instead of HTTP")
	cmd.Flags().StringVar(&host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default from config)")
	return cmd
}
