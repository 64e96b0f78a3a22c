package cli

import (
	"github.com/spf13/cobra"

	"github.com/ankittk/jobplane/internal/daemon"
)

func newDaemonCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Internal: run daemon process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.StartForeground(cmd.Context(), daemon.StartOptions{
				Home:       g.home,
				ConfigFile: g.configFile,
				Config:     g.cfg,
			})
		},
	}
	return cmd
}
