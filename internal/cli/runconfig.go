package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ankittk/jobplane/pkg/models"
)

// runConfigFile is the YAML form of a run config. Schemas are written as YAML mappings.
type runConfigFile struct {
	models.RunConfig `yaml:",inline"`
	ResultSchema     map[string]any `yaml:"resultSchema,omitempty"`
	InputSchema      map[string]any `yaml:"inputSchema,omitempty"`
}

func parseRunConfig(data []byte) (models.RunConfig, error) {
	var f runConfigFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return models.RunConfig{}, fmt.Errorf("parse run config: %w", err)
	}
	cfg := f.RunConfig
	if cfg.ID == "" {
		return cfg, fmt.Errorf("run config: id is required")
	}
	var err error
	if f.ResultSchema != nil {
		if cfg.ResultSchema, err = json.Marshal(f.ResultSchema); err != nil {
			return cfg, fmt.Errorf("run config resultSchema: %w", err)
		}
	}
	if f.InputSchema != nil {
		if cfg.InputSchema, err = json.Marshal(f.InputSchema); err != nil {
			return cfg, fmt.Errorf("run config inputSchema: %w", err)
		}
	}
	return cfg, nil
}

func newRunConfigCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "runconfig",
		Aliases: []string{"run-config"},
		Short:   "Manage saved run configs",
	}
	cmd.AddCommand(newRunConfigApplyCmd(g))
	cmd.AddCommand(newRunConfigListCmd(g))
	cmd.AddCommand(newRunConfigGetCmd(g))
	cmd.AddCommand(newRunConfigDeleteCmd(g))
	return cmd
}

func newRunConfigApplyCmd(g *globals) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create or update a run config from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			cfg, err := parseRunConfig(data)
			if err != nil {
				return err
			}
			saved, err := g.client(cmd).PutRunConfig(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Run config %s at version %d\n", saved.ID, saved.Version)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRunConfigListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List run configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgs, err := g.client(cmd).ListRunConfigs(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tNAME\tVERSION\tFUNCTIONS")
			for _, c := range cfgs {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", c.ID, c.Name, c.Version, len(c.AttachedFunctions))
			}
			return tw.Flush()
		},
	}
}

func newRunConfigGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a run config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd).GetRunConfig(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), c)
		},
	}
}

func newRunConfigDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a run config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client(cmd).DeleteRunConfig(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted run config %s\n", args[0])
			return nil
		},
	}
}
