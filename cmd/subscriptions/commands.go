package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sniperbc/subscriptions/internal/commission"
	"github.com/sniperbc/subscriptions/internal/config"
	"github.com/sniperbc/subscriptions/internal/server"
	"github.com/sniperbc/subscriptions/internal/store"
	"github.com/sniperbc/subscriptions/internal/subscription"
	"github.com/spf13/cobra"
)

var loadConfig = config.Load

var seedCmd = &cobra.Command{
	Use:   "seed <file.json>",
	Short: "Load referral edges and partner records from a JSON fixture",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open seed file: %w", err)
		}
		defer f.Close()

		seed, err := store.DecodeSeed(f)
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.DatabasePath())
		if err != nil {
			return err
		}
		defer st.Close()

		referrals, partners, err := st.ApplySeed(cmd.Context(), seed)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d referrals and %d partners into %s\n", referrals, partners, cfg.DatabasePath())
		return nil
	},
}

var distributeFlags struct {
	user        string
	tier        string
	upgrade     bool
	sourceEvent string
	force       bool
	timeout     time.Duration
}

var distributeCmd = &cobra.Command{
	Use:   "distribute",
	Short: "Run (or re-run) a commission distribution for a purchase",
	Long: `Runs the commission distribution for a purchase synchronously and prints the report as JSON.
A source event that was already distributed is skipped unless --force is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user := strings.TrimSpace(distributeFlags.user)
		if user == "" {
			return fmt.Errorf("--user is required")
		}
		tier, err := subscription.ParseTier(distributeFlags.tier)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		app, err := server.NewApp(cfg)
		if err != nil {
			return err
		}
		defer app.Close(cmd.Context())

		ctx := cmd.Context()
		if distributeFlags.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, distributeFlags.timeout)
			defer cancel()
		}

		report := app.Engine.Replay(ctx, commission.Event{
			BuyerUserID:   user,
			Tier:          tier,
			IsUpgrade:     distributeFlags.upgrade,
			SourceEventID: strings.TrimSpace(distributeFlags.sourceEvent),
		}, distributeFlags.force)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		if report.Outcome == commission.OutcomeFailed || report.Outcome == commission.OutcomeAborted {
			return fmt.Errorf("distribution %s", report.Outcome)
		}
		return nil
	},
}

func init() {
	f := distributeCmd.Flags()
	f.StringVar(&distributeFlags.user, "user", "", "buyer user id")
	f.StringVar(&distributeFlags.tier, "tier", "", "purchased tier (CLASSIQUE or CIBLE)")
	f.BoolVar(&distributeFlags.upgrade, "upgrade", false, "purchase was a CLASSIQUE -> CIBLE upgrade")
	f.StringVar(&distributeFlags.sourceEvent, "source-event", "", "payment session id used for idempotency")
	f.BoolVar(&distributeFlags.force, "force", false, "release an existing claim and pay again")
	f.DurationVar(&distributeFlags.timeout, "timeout", 2*time.Minute, "overall deadline for the run")
}
