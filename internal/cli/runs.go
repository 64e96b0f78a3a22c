package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ankittk/jobplane/pkg/models"
)

func newRunsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Create and inspect agent runs",
	}
	cmd.AddCommand(newRunsCreateCmd(g))
	cmd.AddCommand(newRunsListCmd(g))
	cmd.AddCommand(newRunsGetCmd(g))
	cmd.AddCommand(newRunsMessageCmd(g))
	cmd.AddCommand(newRunsFeedbackCmd(g))
	cmd.AddCommand(newRunsDeleteCmd(g))
	cmd.AddCommand(newRunsTimelineCmd(g))
	return cmd
}

func newRunsCreateCmd(g *globals) *cobra.Command {
	var (
		req          models.CreateRunRequest
		input        string
		resultSchema string
	)
	cmd := &cobra.Command{
		Use:   "create [prompt]",
		Short: "Start a run from a prompt or a run config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.InitialPrompt = args[0]
			}
			var err error
			if req.Input, err = readInput(cmd, input); err != nil {
				return err
			}
			if req.ResultSchema, err = readInput(cmd, resultSchema); err != nil {
				return fmt.Errorf("result schema: %w", err)
			}
			run, err := g.client(cmd).CreateRun(cmd.Context(), req)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created run %s (%s)\n", run.ID, run.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ID, "id", "", "Run id (default: generated)")
	cmd.Flags().StringVar(&req.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&req.SystemPrompt, "system", "", "System prompt")
	cmd.Flags().StringVar(&req.RunConfigID, "config-id", "", "Run config to start from")
	cmd.Flags().StringSliceVar(&req.AttachedFunctions, "function", nil, "Attach a function (service.function or service); repeatable")
	cmd.Flags().StringVar(&input, "input", "", "Structured input: JSON, @file, or -")
	cmd.Flags().StringVar(&resultSchema, "result-schema", "", "JSON Schema the final result must satisfy: JSON or @file")
	return cmd
}

func newRunsListCmd(g *globals) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := g.client(cmd).ListRuns(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSTEP\tUPDATED")
			for _, r := range runs {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.Name, r.Status, r.Step, r.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Comma-separated statuses")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of runs")
	return cmd
}

func newRunsGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run with its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := g.client(cmd).GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}
}

func newRunsMessageCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "message <run-id> <text>",
		Short: "Add a human message to a run",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := g.client(cmd).AddMessage(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Run %s %s\n", run.ID, run.Status)
			return nil
		},
	}
}

func newRunsFeedbackCmd(g *globals) *cobra.Command {
	var score float64
	cmd := &cobra.Command{
		Use:   "feedback <run-id>",
		Short: "Score a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := g.client(cmd).Feedback(cmd.Context(), args[0], score); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Recorded score %g for run %s\n", score, args[0])
			return nil
		},
	}
	cmd.Flags().Float64Var(&score, "score", 0, "Score between 0 and 1")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

func newRunsDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Cancel a run's open jobs and delete it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client(cmd).DeleteRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
			return nil
		},
	}
}

func newRunsTimelineCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <run-id>",
		Short: "Print the merged timeline of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tl, err := g.client(cmd).RunTimeline(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printTimeline(cmd, tl)
			return nil
		},
	}
}

func printTimeline(cmd *cobra.Command, tl *models.Timeline) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "AT\tKIND\tDETAIL")
	for _, e := range tl.Entries {
		detail := ""
		switch {
		case e.Event != nil:
			detail = e.Event.Type
			if e.Event.JobID != "" {
				detail += " job=" + e.Event.JobID
			}
		case e.Message != nil:
			detail = e.Message.Type
		case e.Run != nil:
			detail = e.Run.ID + " " + e.Run.Status
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", e.At.Format("15:04:05.000"), e.Kind, detail)
	}
	_ = tw.Flush()
}
