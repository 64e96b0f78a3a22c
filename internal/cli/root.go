package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ankittk/jobplane/internal/config"
	"github.com/ankittk/jobplane/internal/logging"
)

// globals holds the persistent flags and the configuration loaded from them.
type globals struct {
	homeOverride string
	configFile   string
	envFile      string
	server       string
	apiKey       string
	cluster      string

	home string
	cfg  config.Config
}

func NewRootCmd(version string) *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:           "jobplane",
		Short:         "jobplane: durable job dispatch, approvals and agent runs for remote workers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&g.homeOverride, "home", "", "Override jobplane home directory (default: ~/.jobplane, env: JOBPLANE_HOME)")
	pf.StringVar(&g.configFile, "config", "", "Config file (default: <home>/jobplane.yaml)")
	pf.StringVar(&g.envFile, "env-file", "", "Load env vars from a dotenv file before reading config")
	pf.StringVar(&g.server, "server", "", "Control plane URL for client commands (default: running daemon, then listen.addr)")
	pf.StringVar(&g.apiKey, "api-key", "", "API key for client commands (default: listen.apiKey)")
	pf.StringVar(&g.cluster, "cluster", "", "Cluster for client commands (default: cluster from config)")

	cmd.AddCommand(newDoctorCmd(g))
	cmd.AddCommand(newStartCmd(g))
	cmd.AddCommand(newStopCmd(g))
	cmd.AddCommand(newStatusCmd(g))
	cmd.AddCommand(newApikeyCmd())
	cmd.AddCommand(newNukeCmd(g))

	cmd.AddCommand(newFunctionsCmd(g))
	cmd.AddCommand(newMachinesCmd(g))
	cmd.AddCommand(newJobsCmd(g))
	cmd.AddCommand(newApprovalsCmd(g))
	cmd.AddCommand(newEventsCmd(g))
	cmd.AddCommand(newRunsCmd(g))
	cmd.AddCommand(newRunConfigCmd(g))
	cmd.AddCommand(newWorkflowCmd(g))

	// Hidden internal subcommand used by `jobplane start` for background mode.
	cmd.AddCommand(newDaemonCmd(g))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}

func (g *globals) load(cmd *cobra.Command) error {
	if g.envFile != "" {
		if err := godotenv.Load(g.envFile); err != nil {
			return fmt.Errorf("env file: %w", err)
		}
	}
	home, err := config.ResolveHome(g.homeOverride)
	if err != nil {
		return err
	}
	cfg, err := config.Load(home, g.configFile)
	if err != nil {
		return err
	}
	if err := logging.Setup(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format, os.Getenv("NO_COLOR") == ""); err != nil {
		return err
	}
	g.home, g.cfg = home, cfg
	return nil
}
