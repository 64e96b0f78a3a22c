package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ankittk/jobplane/internal/daemon"
)

type daemonStatus struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Addr    string `json:"addr,omitempty"`
	Healthy *bool  `json:"healthy,omitempty"`
	Home    string `json:"home"`
}

func newStatusCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon for this home is running and healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := daemon.Status(cmd.Context(), g.home)
			if err != nil {
				return err
			}
			out := daemonStatus{Running: st.Running, PID: st.PID, Addr: st.Addr, Home: g.home}
			if st.Running {
				ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
				ok, _ := g.client(cmd).Health(ctx)
				cancel()
				out.Healthy = &ok
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), out)
			}
			return printStatus(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")
	return cmd
}

func printStatus(w io.Writer, st daemonStatus) error {
	if !st.Running {
		_, err := fmt.Fprintf(w, "jobplane not running (home %s)\n", st.Home)
		return err
	}
	health := "healthy"
	if st.Healthy != nil && !*st.Healthy {
		health = "not answering /health"
	}
	_, err := fmt.Fprintf(w, "jobplane running (pid %d, addr %s, %s)\n", st.PID, st.Addr, health)
	return err
}

func newStopCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon for this home",
		RunE: func(cmd *cobra.Command, args []string) error {
			stopped, err := daemon.Stop(cmd.Context(), g.home)
			switch {
			case err != nil:
				return err
			case !stopped:
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "jobplane is not running")
			default:
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Stopped")
			}
			return nil
		},
	}
}

const nukeConfirmation = "delete everything"

func newNukeCmd(g *globals) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "nuke",
		Short: "Delete the home directory: local ledger, blobs, config and logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if st, _ := daemon.Status(cmd.Context(), g.home); st.Running {
				return fmt.Errorf("jobplane is running (pid %d); stop it first", st.PID)
			}
			out := cmd.OutOrStdout()
			if !yes {
				ok, err := confirm(cmd.InOrStdin(), out, g.home)
				if err != nil || !ok {
					return err
				}
			}
			if g.cfg.DB.Driver == "postgres" {
				_, _ = fmt.Fprintln(out, "note: the postgres ledger is not touched; drop its tables separately")
			}
			if err := os.RemoveAll(g.home); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(out, "Deleted.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func confirm(in io.Reader, out io.Writer, home string) (bool, error) {
	_, _ = fmt.Fprintf(out, "This permanently deletes %s.\nType %q to confirm: ", home, nukeConfirmation)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	if strings.TrimSpace(line) != nukeConfirmation {
		_, _ = fmt.Fprintln(out, "Aborted.")
		return false, nil
	}
	return true, nil
}
