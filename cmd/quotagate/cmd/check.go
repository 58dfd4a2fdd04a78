package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/Quotagate/internal/service"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run admission decisions locally",
	Long: `Run one or more admission checks against a fresh in-memory limiter.

This exercises the configured quota table and override source without
starting the server, which is useful to verify what a tier and role pair
is allowed before rolling out a new tiers file.

Examples:
  # How many exports may a pro admin run back to back?
  quotagate check --endpoint export --actor u-1 --group acme --tier pro --role admin --count 25

  # Anonymous caller, identified by address
  quotagate check --endpoint query --addr 203.0.113.9 --count 12 --json`,
	RunE: runCheck,
}

var checkFlags struct {
	endpoint string
	actor    string
	addr     string
	group    string
	tier     string
	role     string
	weight   int
	count    int
	asJSON   bool
}

func init() {
	f := checkCmd.Flags()
	f.StringVar(&checkFlags.endpoint, "endpoint", "", "endpoint to check (required)")
	f.StringVar(&checkFlags.actor, "actor", "", "actor ID")
	f.StringVar(&checkFlags.addr, "addr", "", "client address, used when --actor is empty")
	f.StringVar(&checkFlags.group, "group", "", "group ID")
	f.StringVar(&checkFlags.tier, "tier", "", "group tier (default: lowest tier)")
	f.StringVar(&checkFlags.role, "role", "", "actor role (default: lowest role)")
	f.IntVar(&checkFlags.weight, "weight", 1, "units consumed per check")
	f.IntVar(&checkFlags.count, "count", 1, "number of consecutive checks")
	f.BoolVar(&checkFlags.asJSON, "json", false, "print decisions as JSON lines")
	_ = checkCmd.MarkFlagRequired("endpoint")
	rootCmd.AddCommand(checkCmd)
}

// checkOutput is one decision as printed by --json.
type checkOutput struct {
	N         int    `json:"n"`
	Allowed   bool   `json:"allowed"`
	Layer     string `json:"layer"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	ResetIn   string `json:"reset_in"`
	Message   string `json:"message,omitempty"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	if checkFlags.count < 1 {
		return fmt.Errorf("--count must be at least 1")
	}

	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	ctx := cmd.Context()

	overrides, err := openOverrideStore(ctx, cfg.Overrides, logger)
	if err != nil {
		return err
	}
	if overrides != nil {
		defer overrides.Close()
	}

	adm, err := buildAdmission(cfg, overrides, logger, nil)
	if err != nil {
		return err
	}

	req := ratelimit.Request{
		ActorID:    checkFlags.actor,
		ClientAddr: checkFlags.addr,
		GroupID:    checkFlags.group,
		Tier:       checkFlags.tier,
		Role:       checkFlags.role,
		Endpoint:   checkFlags.endpoint,
		Weight:     checkFlags.weight,
	}
	return runChecks(ctx, cmd.OutOrStdout(), adm.service, req, checkFlags.count, checkFlags.asJSON)
}

// runChecks performs count checks and prints each decision.
func runChecks(ctx context.Context, out io.Writer, svc *service.AdmissionService, req ratelimit.Request, count int, asJSON bool) error {
	var tw *tabwriter.Writer
	var enc *json.Encoder
	if asJSON {
		enc = json.NewEncoder(out)
	} else {
		tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tRESULT\tLAYER\tLIMIT\tREMAINING\tRESET IN")
	}

	allowed := 0
	for i := 1; i <= count; i++ {
		d, err := svc.Check(ctx, req)
		if err != nil {
			return err
		}
		if d.Allowed {
			allowed++
		}
		row := checkOutput{
			N:         i,
			Allowed:   d.Allowed,
			Layer:     string(d.Layer),
			Limit:     d.Limit,
			Remaining: d.Remaining,
			ResetIn:   d.RetryAfter(time.Now()).Round(time.Second).String(),
			Message:   d.Message,
		}
		if asJSON {
			if err := enc.Encode(row); err != nil {
				return err
			}
			continue
		}
		result := "allowed"
		if !d.Allowed {
			result = "rejected"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\n", row.N, result, row.Layer, row.Limit, row.Remaining, row.ResetIn)
	}

	if tw != nil {
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%d of %d allowed\n", allowed, count)
	}
	return nil
}
