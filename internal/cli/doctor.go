package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ankittk/jobplane/internal/daemon"
	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/internal/store/postgres"
)

func newDoctorCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, store and daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var problems []string

			if err := g.cfg.Validate(); err != nil {
				problems = append(problems, "config: "+err.Error())
			} else {
				_, _ = fmt.Fprintf(out, "config: ok (home %s)\n", g.home)
			}

			if err := checkStore(g); err != nil {
				problems = append(problems, "store: "+err.Error())
			} else {
				_, _ = fmt.Fprintf(out, "store: ok (%s)\n", g.cfg.DB.Driver)
			}

			if st, _ := daemon.Status(cmd.Context(), g.home); st.Running {
				if ok, err := g.client(cmd).Health(cmd.Context()); err != nil || !ok {
					problems = append(problems, fmt.Sprintf("daemon pid %d not healthy: %v", st.PID, err))
				} else {
					_, _ = fmt.Fprintf(out, "daemon: ok (pid %d, addr %s)\n", st.PID, st.Addr)
				}
			} else {
				_, _ = fmt.Fprintln(out, "daemon: not running")
			}

			if g.cfg.Agent.Provider == "openai" && g.cfg.Agent.APIKey == "" {
				_, _ = fmt.Fprintln(out, "warning: agent.apiKey is empty; runs will use the echo reasoner")
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}
			_, _ = fmt.Fprintln(out, "ok")
			return nil
		},
	}
	return cmd
}

func checkStore(g *globals) error {
	if g.cfg.DB.Driver == "postgres" {
		st, err := postgres.OpenWithMaxConns(g.cfg.DB.URL, 1)
		if err != nil {
			return err
		}
		return st.Close()
	}
	st, err := store.Open(g.home)
	if err != nil {
		return err
	}
	return st.Close()
}
