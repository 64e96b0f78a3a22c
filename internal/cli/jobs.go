package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ankittk/jobplane/pkg/client"
	"github.com/ankittk/jobplane/pkg/models"
)

func newFunctionsCmd(g *globals) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "functions",
		Short: "List functions advertised by connected machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			fns, err := g.client(cmd).ListFunctions(cmd.Context(), all)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "FUNCTION\tAPPROVAL\tDESCRIPTION")
			for _, fn := range fns {
				mode := fn.Config.ApprovalMode
				if mode == "" {
					mode = "-"
				}
				_, _ = fmt.Fprintf(tw, "%s.%s\t%s\t%s\n", fn.Service, fn.Name, mode, fn.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include functions with no connected machine")
	return cmd
}

func newMachinesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "machines",
		Short: "List machines seen recently",
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := g.client(cmd).ListMachines(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "MACHINE\tSERVICES\tLAST PING")
			for _, m := range ms {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", m.MachineID, strings.Join(m.Services, ","), m.LastPingAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
}

func newJobsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Create, inspect and cancel jobs",
	}
	cmd.AddCommand(newJobsListCmd(g))
	cmd.AddCommand(newJobsGetCmd(g))
	cmd.AddCommand(newJobsCallCmd(g))
	cmd.AddCommand(newJobsResultCmd(g))
	cmd.AddCommand(newJobsCancelCmd(g))
	cmd.AddCommand(newJobsDecideCmd(g, "approve", true))
	cmd.AddCommand(newJobsDecideCmd(g, "deny", false))
	cmd.AddCommand(newJobsBlobCmd(g))
	return cmd
}

func newJobsListCmd(g *globals) *cobra.Command {
	var q client.JobQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := g.client(cmd).ListJobs(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printJobs(cmd, jobs)
		},
	}
	cmd.Flags().StringVar(&q.Status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&q.RunID, "run", "", "Filter by run id")
	cmd.Flags().StringVar(&q.ExecutionID, "execution", "", "Filter by workflow execution id")
	cmd.Flags().StringVar(&q.Service, "service", "", "Filter by service")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "Maximum number of jobs")
	return cmd
}

func printJobs(cmd *cobra.Command, jobs []models.Job) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTARGET\tSTATUS\tAPPROVAL\tATTEMPTS\tCREATED")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(tw, "%s\t%s.%s\t%s\t%s\t%d\t%s\n", j.ID, j.Service, j.Function, j.Status, j.ApprovalState, j.AttemptCount, j.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func newJobsGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job with its blobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := g.client(cmd).GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
}

func newJobsCallCmd(g *globals) *cobra.Command {
	var (
		input   string
		wait    int
		timeout int
		retries int
		mode    string
	)
	cmd := &cobra.Command{
		Use:   "call <service.function>",
		Short: "Call a function directly and optionally wait for its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, fn, ok := strings.Cut(args[0], ".")
			if !ok || service == "" || fn == "" {
				return fmt.Errorf("target must be service.function, got %q", args[0])
			}
			raw, err := readInput(cmd, input)
			if err != nil {
				return err
			}
			req := models.CreateJobRequest{Service: service, Function: fn, Input: raw}
			if cmd.Flags().Changed("timeout") || cmd.Flags().Changed("retries") || mode != "" {
				req.Policy = &models.PolicyOverride{}
				if cmd.Flags().Changed("timeout") {
					req.Policy.TimeoutSeconds = &timeout
				}
				if cmd.Flags().Changed("retries") {
					req.Policy.RetryCountOnStall = &retries
				}
				if mode != "" {
					req.Policy.ApprovalMode = &mode
				}
			}
			c := g.client(cmd)
			j, err := c.CreateJob(cmd.Context(), req)
			if err != nil {
				return err
			}
			if wait > 0 {
				if j, err = c.AwaitResult(cmd.Context(), j.ID, wait); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "JSON input, @file, or - for stdin")
	cmd.Flags().IntVar(&wait, "wait", 0, "Seconds to wait for the result")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "Attempt timeout in seconds")
	cmd.Flags().IntVar(&retries, "retries", 0, "Retries allowed after a stall")
	cmd.Flags().StringVar(&mode, "approval", "", "Approval mode: none, pre, or post")
	return cmd
}

func newJobsResultCmd(g *globals) *cobra.Command {
	var wait int
	cmd := &cobra.Command{
		Use:   "result <job-id>",
		Short: "Wait for a job to finish and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := g.client(cmd).AwaitResult(cmd.Context(), args[0], wait)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
	cmd.Flags().IntVar(&wait, "wait", 30, "Seconds to wait")
	return cmd
}

func newJobsCancelCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := g.client(cmd).CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s\n", j.ID, j.Status)
			return nil
		},
	}
}

func newJobsDecideCmd(g *globals, verb string, approved bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <job-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a job awaiting approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := g.client(cmd).Decide(cmd.Context(), args[0], approved)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Job %s: approval %s, status %s\n", j.ID, j.ApprovalState, j.Status)
			return nil
		},
	}
}

func newJobsBlobCmd(g *globals) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "blob <blob-id>",
		Short: "Download a blob attached to a job result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, _, err := g.client(cmd).GetBlob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "Write to file instead of stdout")
	return cmd
}

func newApprovalsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "approvals",
		Short: "List jobs awaiting an approval decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := g.client(cmd).ListApprovals(cmd.Context())
			if err != nil {
				return err
			}
			return printJobs(cmd, jobs)
		},
	}
}

func newEventsCmd(g *globals) *cobra.Command {
	var q client.EventQuery
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recorded events",
		RunE: func(cmd *cobra.Command, args []string) error {
			evs, err := g.client(cmd).ListEvents(cmd.Context(), q)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "SEQ\tTYPE\tJOB\tRUN\tMACHINE\tAT")
			for _, e := range evs {
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", e.Seq, e.Type, e.JobID, e.RunID, e.MachineID, e.CreatedAt.Format("15:04:05.000"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&q.JobID, "job", "", "Filter by job id")
	cmd.Flags().StringVar(&q.RunID, "run", "", "Filter by run id")
	cmd.Flags().StringVar(&q.ExecutionID, "execution", "", "Filter by workflow execution id")
	cmd.Flags().Int64Var(&q.After, "after", 0, "Only events after this sequence number")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "Maximum number of events")
	return cmd
}
