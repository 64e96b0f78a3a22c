package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ankittk/jobplane/pkg/models"
)

func newWorkflowCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"workflows"},
		Short:   "Execute and inspect workflow executions",
	}
	cmd.AddCommand(newWorkflowExecuteCmd(g))
	cmd.AddCommand(newWorkflowListCmd(g))
	cmd.AddCommand(newWorkflowGetCmd(g))
	cmd.AddCommand(newWorkflowDeleteCmd(g))
	cmd.AddCommand(newWorkflowTimelineCmd(g))
	return cmd
}

func newWorkflowExecuteCmd(g *globals) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "execute <workflow> <execution-id>",
		Short: "Start an execution; repeating the same id returns the existing one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, input)
			if err != nil {
				return err
			}
			resp, err := g.client(cmd).CreateExecution(cmd.Context(), args[0], models.CreateExecutionRequest{ExecutionID: args[1], Input: raw})
			if err != nil {
				return err
			}
			verb := "Existing"
			if resp.Created {
				verb = "Created"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s execution %s of %s v%d (job %s)\n", verb, resp.Execution.ID, resp.Execution.WorkflowName, resp.Execution.Version, resp.Execution.JobID)
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "JSON input, @file, or -")
	return cmd
}

func newWorkflowListCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <workflow>",
		Short: "List executions of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			execs, err := g.client(cmd).ListExecutions(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tVERSION\tSTATUS\tJOB\tCREATED")
			for _, e := range execs {
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", e.ID, e.Version, e.Status, e.JobID, e.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of executions")
	return cmd
}

func newWorkflowGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <workflow> <execution-id>",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.client(cmd).GetExecution(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), e)
		},
	}
}

func newWorkflowDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <workflow> <execution-id>",
		Short: "Cancel an execution's open jobs and delete it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client(cmd).DeleteExecution(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted execution %s\n", args[1])
			return nil
		},
	}
}

func newWorkflowTimelineCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <workflow> <execution-id>",
		Short: "Print the merged timeline of an execution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tl, err := g.client(cmd).ExecutionTimeline(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			printTimeline(cmd, tl)
			return nil
		},
	}
}
