package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/Quotagate/internal/config"
	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
)

var overrideSource string

var overrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Manage per-group quota overrides",
	Long: `Manage custom group-scope quotas.

An override replaces the tier table's group quota for one group, either for
a single endpoint or for every endpoint ("*"). Actor quotas are never
affected. A running server picks changes up on its next refresh.

The store is taken from overrides.source in the config file; --source
selects a different one for this invocation.

Examples:
  quotagate override set acme export --limit 500 --window 1h --note "contract 2291"
  quotagate override set acme '*' --limit 1000 --window 1m
  quotagate override list
  quotagate override delete acme export`,
}

var overrideSetFlags struct {
	limit  int
	window time.Duration
	note   string
}

var overrideSetCmd = &cobra.Command{
	Use:   "set GROUP ENDPOINT",
	Short: "Create or replace an override",
	Args:  cobra.ExactArgs(2),
	RunE:  runOverrideSet,
}

var overrideListCmd = &cobra.Command{
	Use:   "list",
	Short: "List overrides",
	Args:  cobra.NoArgs,
	RunE:  runOverrideList,
}

var overrideDeleteCmd = &cobra.Command{
	Use:   "delete GROUP [ENDPOINT]",
	Short: "Delete an override",
	Long:  "Delete an override. Without ENDPOINT the group's \"*\" override is removed.",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runOverrideDelete,
}

func init() {
	overrideCmd.PersistentFlags().StringVar(&overrideSource, "source", "", "override store: state, sqlite or redis (default: from config)")

	f := overrideSetCmd.Flags()
	f.IntVar(&overrideSetFlags.limit, "limit", 0, "requests admitted per window (required)")
	f.DurationVar(&overrideSetFlags.window, "window", time.Minute, "window length")
	f.StringVar(&overrideSetFlags.note, "note", "", "free-form note kept with the override")
	_ = overrideSetCmd.MarkFlagRequired("limit")

	overrideCmd.AddCommand(overrideSetCmd, overrideListCmd, overrideDeleteCmd)
	rootCmd.AddCommand(overrideCmd)
}

// openConfiguredOverrides opens the store named by --source or the config.
func openConfiguredOverrides(cmd *cobra.Command) (overrideStore, error) {
	cfg, err := loadConfig(false)
	if err != nil {
		return nil, err
	}
	if overrideSource != "" {
		cfg.Overrides.Source = overrideSource
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	if cfg.Overrides.Source == config.OverrideSourceNone {
		return nil, errors.New("no override store configured: set overrides.source or pass --source")
	}
	return openOverrideStore(cmd.Context(), cfg.Overrides, newLogger(cfg))
}

func runOverrideSet(cmd *cobra.Command, args []string) error {
	o := ratelimit.Override{
		GroupID:   args[0],
		Endpoint:  args[1],
		Quota:     ratelimit.Quota{Limit: overrideSetFlags.limit, Window: overrideSetFlags.window},
		Note:      overrideSetFlags.note,
		UpdatedAt: time.Now().UTC(),
	}
	if !o.Quota.Valid() {
		return fmt.Errorf("invalid quota: --limit must be at least 1 and --window positive")
	}

	store, err := openConfiguredOverrides(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetOverride(cmd.Context(), o); err != nil {
		return fmt.Errorf("failed to save override: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "override set: group=%s endpoint=%s limit=%d window=%s\n",
		o.GroupID, o.Endpoint, o.Quota.Limit, o.Quota.Window)
	return nil
}

func runOverrideList(cmd *cobra.Command, args []string) error {
	store, err := openConfiguredOverrides(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.ListOverrides(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list overrides: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "no overrides")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tENDPOINT\tLIMIT\tWINDOW\tUPDATED\tNOTE")
	for _, o := range list {
		updated := "-"
		if !o.UpdatedAt.IsZero() {
			updated = o.UpdatedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			o.GroupID, o.Endpoint, o.Quota.Limit, o.Quota.Window, updated, o.Note)
	}
	return tw.Flush()
}

func runOverrideDelete(cmd *cobra.Command, args []string) error {
	groupID, endpoint := args[0], ratelimit.AnyEndpoint
	if len(args) == 2 {
		endpoint = args[1]
	}

	store, err := openConfiguredOverrides(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	deleted, err := store.DeleteOverride(cmd.Context(), groupID, endpoint)
	if err != nil {
		return fmt.Errorf("failed to delete override: %w", err)
	}
	if !deleted {
		return fmt.Errorf("no override for group %q endpoint %q", groupID, endpoint)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "override deleted: group=%s endpoint=%s\n", groupID, endpoint)
	return nil
}
