package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	appctx "github.com/bassista/gitrecords/internal/app"
	"github.com/bassista/gitrecords/internal/config"
	"github.com/bassista/gitrecords/internal/logger"
	"github.com/bassista/gitrecords/internal/model"
	"github.com/spf13/cobra"
)

// appLoader builds the application from a configuration directory.
type appLoader func(configDir string) (*appctx.App, error)

func loadApp(configDir string) (*appctx.App, error) {
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return nil, err
	}
	logger.Logger.SetOutput(os.Stderr)
	if err := logger.Configure(cfg.Misc.LogLevel); err != nil {
		return nil, err
	}
	return appctx.Build(cfg)
}

func newRootCommand(load appLoader) *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "gitrecords",
		Short: "Inspect and maintain records stored in the backing repository",
		Example: `  # List the open tasks of an organization
  gitrecords list tasks --org org-1 --filter is_done=false

  # Drop the cached buckets touched by a hand edit
  gitrecords invalidate clients/org-1/clients-acme.json`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	cmd.PersistentFlags().StringVar(&configDir, "config-dir", os.Getenv("GITRECORDS_CONFIG_DIR"), "Directory holding config.yaml")

	withApp := func(run func(cmd *cobra.Command, a *appctx.App, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := load(configDir)
			if err != nil {
				return err
			}
			defer a.Shutdown()
			return run(cmd, a, args)
		}
	}

	cmd.AddCommand(newListCommand(withApp))
	cmd.AddCommand(newGetCommand(withApp))
	cmd.AddCommand(newRefreshCommand(withApp))
	cmd.AddCommand(newInvalidateCommand(withApp))
	return cmd
}

type runner func(run func(cmd *cobra.Command, a *appctx.App, args []string) error) func(*cobra.Command, []string) error

func newListCommand(withApp runner) *cobra.Command {
	var (
		org     string
		filters []string
	)
	cmd := &cobra.Command{
		Use:   "list <entity>",
		Short: "Print the records of an entity type as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *appctx.App, args []string) error {
			parsed, err := parseFilters(filters)
			if err != nil {
				return err
			}
			records, err := a.Provider.Query(cmd.Context(), args[0], parsed, org)
			if err != nil {
				return err
			}
			return printJSON(cmd, records)
		}),
	}
	cmd.Flags().StringVar(&org, "org", "", "Organization id for scoped entity types")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "Exact-match filter field=value (repeatable)")
	return cmd
}

func newGetCommand(withApp runner) *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "get <entity> <id>",
		Short: "Print one record as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *appctx.App, args []string) error {
			rec, found, err := a.Provider.Find(cmd.Context(), args[0], args[1], org)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%s %s: %w", args[0], args[1], model.ErrNotFound)
			}
			return printJSON(cmd, rec)
		}),
	}
	cmd.Flags().StringVar(&org, "org", "", "Organization id for scoped entity types")
	return cmd
}

func newRefreshCommand(withApp runner) *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "refresh <entity>",
		Short: "Reload an entity bucket from the backing store",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *appctx.App, args []string) error {
			records, err := a.Provider.Refresh(cmd.Context(), args[0], org)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records\n", args[0], len(records))
			return nil
		}),
	}
	cmd.Flags().StringVar(&org, "org", "", "Organization id for scoped entity types")
	return cmd
}

func newInvalidateCommand(withApp runner) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <path>...",
		Short: "Evict the cached buckets holding the given repository paths",
		Long: `Evict the cached buckets holding the given repository paths.

Useful with the bolt cache driver, whose entries outlive the process.`,
		Args: cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *appctx.App, args []string) error {
			files, keys := a.Invalidator.InvalidatePaths(cmd.Context(), args)
			fmt.Fprintf(cmd.OutOrStdout(), "%d entity files, cleared: %s\n", files, strings.Join(keys, " "))
			return nil
		}),
	}
}

// parseFilters reads field=value pairs; true, false and null are JSON literals.
func parseFilters(raw []string) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for _, f := range raw {
		field, value, ok := strings.Cut(f, "=")
		if !ok || field == "" {
			return nil, errors.New("filter must look like field=value: " + f)
		}
		switch value {
		case "true":
			out[field] = true
		case "false":
			out[field] = false
		case "null":
			out[field] = nil
		default:
			out[field] = value
		}
	}
	return out, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
