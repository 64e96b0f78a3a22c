package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ankittk/jobplane/internal/daemon"
)

func newStartCmd(g *globals) *cobra.Command {
	var (
		foreground bool
		addr       string
		pprof      bool
		dbDriver   string
		dbURL      string
		provider   string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the jobplane control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := g.cfg
			if addr != "" {
				cfg.Listen.Addr = addr
			}
			if cmd.Flags().Changed("pprof") {
				cfg.Listen.Pprof = pprof
			}
			if dbDriver != "" {
				cfg.DB.Driver = dbDriver
			}
			if dbURL != "" {
				cfg.DB.URL = dbURL
			}
			if provider != "" {
				cfg.Agent.Provider = provider
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			opts := daemon.StartOptions{Home: g.home, ConfigFile: g.configFile, Config: cfg}
			api := "http://" + cfg.Listen.Addr

			if foreground {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Starting jobplane in foreground on %s\n", api)
				return daemon.StartForeground(cmd.Context(), opts)
			}

			pid, err := daemon.StartBackground(cmd.Context(), opts)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "jobplane started (pid %d)\n", pid)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "API: %s\n", api)
			return nil
		},
	}

	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in foreground (do not daemonize)")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides listen.addr)")
	cmd.Flags().BoolVar(&pprof, "pprof", false, "Serve pprof on 127.0.0.1:6060")
	cmd.Flags().StringVar(&dbDriver, "db-driver", "", "Store driver: sqlite or postgres (overrides db.driver)")
	cmd.Flags().StringVar(&dbURL, "db-url", "", "Postgres connection string (overrides db.url)")
	cmd.Flags().StringVar(&provider, "provider", "", "Reasoning provider: openai, grpc, or echo (overrides agent.provider)")

	return cmd
}
