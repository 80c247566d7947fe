package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"smc-signal-engine/internal/calibration"
	"smc-signal-engine/internal/database"
	"smc-signal-engine/internal/state"
)

var (
	calSince time.Duration
	calLimit int
	calStep  float64
	calSave  bool
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Refit Platt calibration from recorded outcomes",
	Long: `Load recorded signal outcomes from Postgres, refit the Platt
calibration over the most recent window and compare it with realised win
rates per raw-confidence band.

With --save the fitted params and outcome window are written to the
configured state store (Redis when enabled) for the running service.

Examples:
  smcctl calibrate --since 720h
  smcctl calibrate --since 2160h --step 5 --save`,
	RunE: runCalibrate,
}

func init() {
	calibrateCmd.Flags().DurationVar(&calSince, "since", 30*24*time.Hour, "Outcomes recorded within this window")
	calibrateCmd.Flags().IntVar(&calLimit, "limit", 500, "Most recent outcomes to fit on")
	calibrateCmd.Flags().Float64Var(&calStep, "step", 10, "Confidence band width for the comparison table")
	calibrateCmd.Flags().BoolVar(&calSave, "save", false, "Write the fit to the state store")
	rootCmd.AddCommand(calibrateCmd)
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger := cliLogger()

	db, repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	since := time.Now().UTC().Add(-calSince)
	outcomes, err := repo.GetOutcomes(ctx, since, calLimit)
	if err != nil {
		return err
	}
	if len(outcomes) == 0 {
		return fmt.Errorf("no outcomes recorded since %s", since.Format(time.DateTime))
	}

	var store state.Store = state.NewMemoryStore()
	if calSave {
		if !cfg.RedisConfig.Enabled {
			return fmt.Errorf("--save needs redis enabled in the config")
		}
		client := database.NewRedisClient(cfg.RedisConfig)
		defer client.Close()
		rs := database.NewRedisStore(client, logger)
		if !rs.Available() {
			return fmt.Errorf("redis at %s is unavailable", cfg.RedisConfig.Addr)
		}
		store = rs
	}

	cal := calibration.New(cfg.EngineConfig.Calibration, store, logger)
	for _, o := range outcomes {
		if _, err := cal.Record(ctx, calibration.Outcome{
			SignalID:      o.SignalID,
			Instrument:    o.Instrument,
			RawConfidence: o.RawConfidence,
			Win:           o.Win,
			PnL:           o.PnL,
			RecordedAt:    o.RecordedAt,
		}); err != nil {
			return err
		}
	}
	params, err := cal.Fit(ctx)
	if err != nil {
		return err
	}

	buckets, err := repo.ConfidenceBuckets(ctx, since, calStep)
	if err != nil {
		return err
	}

	if outFormat == "json" {
		return printJSON(map[string]any{"params": params, "buckets": buckets})
	}

	fmt.Printf("Outcomes %d  win rate %.1f%%  fitted %v", params.SampleCount, params.WinRate*100, params.Fitted)
	if params.Fitted {
		fmt.Printf("  A %.4f  B %.4f  Brier %.4f", params.A, params.B, params.Brier)
	}
	if params.Diagnostic != "" {
		fmt.Printf("  (%s)", params.Diagnostic)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nRAW BAND\tSIGNALS\tWINS\tWIN RATE\tCALIBRATED\tAVG PNL")
	for _, b := range buckets {
		mid := (b.MinConf + b.MaxConf) / 2
		fmt.Fprintf(w, "%.0f-%.0f\t%d\t%d\t%.1f%%\t%.1f%%\t%.2f\n",
			b.MinConf, b.MaxConf, b.Total, b.Wins, b.WinRate, cal.Calibrate(mid), b.AvgPnL)
	}
	w.Flush()

	if calSave {
		fmt.Fprintln(os.Stderr, "calibration saved to state store")
	}
	return nil
}
