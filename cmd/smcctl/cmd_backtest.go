package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"smc-signal-engine/internal/backtest"
)

// Run flags shared by backtest, walkforward and montecarlo
var (
	btInstrument string
	btLTF        string
	btHTF        string
	btPeers      []string
	btSeed       int64
	btCapital    float64
	btPersist    bool
)

// Walk-forward and Monte Carlo flags
var (
	wfTrain      int
	wfTest       int
	wfMaxWindows int
	mcIterations int
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Replay the signal pipeline over CSV history",
	Long: `Replay the live pipeline bar by bar over an LTF/HTF pair and simulate
fills, exits and costs. Engine settings come from the config file.

Examples:
  smcctl backtest --instrument EUR_USD --ltf data/EUR_USD_M5.csv --htf data/EUR_USD_H1.csv
  smcctl backtest --instrument EUR_USD --ltf m5.csv --htf h1.csv --peer GBP_USD=gbp_m5.csv --persist`,
	RunE: runBacktest,
}

var walkForwardCmd = &cobra.Command{
	Use:   "walkforward",
	Short: "Run rolling train/test windows with Monte Carlo on out-of-sample trades",
	Long: `Split the history into rolling train/test windows. Each window fits
calibration on its train slice and replays its test slice with that fit
frozen. Out-of-sample trades from every window feed a Monte Carlo
reshuffle.

Examples:
  smcctl walkforward --instrument GBP_USD --ltf m5.csv --htf h1.csv --train 2000 --test 500`,
	RunE: runWalkForward,
}

var monteCarloCmd = &cobra.Command{
	Use:   "montecarlo",
	Short: "Reshuffle a backtest's trade sequence into return and drawdown bands",
	Long: `Run a backtest, then reshuffle its trade PnLs to estimate the spread of
returns and drawdowns the same edge could have produced.

Examples:
  smcctl montecarlo --instrument EUR_USD --ltf m5.csv --htf h1.csv --iterations 5000 --seed 7`,
	RunE: runMonteCarlo,
}

func init() {
	for _, c := range []*cobra.Command{backtestCmd, walkForwardCmd, monteCarloCmd} {
		c.Flags().StringVar(&btInstrument, "instrument", "", "Instrument, e.g. EUR_USD")
		c.Flags().StringVar(&btLTF, "ltf", "", "LTF candle CSV")
		c.Flags().StringVar(&btHTF, "htf", "", "HTF candle CSV")
		c.Flags().StringArrayVar(&btPeers, "peer", nil, "Correlated peer series as NAME=path (repeatable)")
		c.Flags().Int64Var(&btSeed, "seed", 42, "Seed for signal ids and Monte Carlo")
		c.Flags().Float64Var(&btCapital, "capital", 10000, "Initial capital")
		c.MarkFlagRequired("instrument")
		rootCmd.AddCommand(c)
	}
	backtestCmd.Flags().BoolVar(&btPersist, "persist", false, "Store the run in Postgres")
	walkForwardCmd.Flags().BoolVar(&btPersist, "persist", false, "Store the run in Postgres")

	walkForwardCmd.Flags().IntVar(&wfTrain, "train", 2000, "Train window in LTF bars")
	walkForwardCmd.Flags().IntVar(&wfTest, "test", 500, "Test window in LTF bars")
	walkForwardCmd.Flags().IntVar(&wfMaxWindows, "max-windows", 0, "Cap on windows, 0 runs every window that fits")
	walkForwardCmd.Flags().IntVar(&mcIterations, "iterations", 1000, "Monte Carlo iterations")
	monteCarloCmd.Flags().IntVar(&mcIterations, "iterations", 1000, "Monte Carlo iterations")
}

// prepareRun loads config and data for the run commands
func prepareRun(ctx context.Context) (backtest.Config, backtest.Data, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return backtest.Config{}, backtest.Data{}, err
	}
	data, err := loadData(btLTF, btHTF, btPeers)
	if err != nil {
		return backtest.Config{}, backtest.Data{}, err
	}

	btCfg := cfg.EngineConfig.BacktestConfig(strings.ToUpper(btInstrument))
	btCfg.Seed = btSeed
	btCfg.InitialCapital = btCapital
	if err := btCfg.Validate(); err != nil {
		return backtest.Config{}, backtest.Data{}, err
	}
	return btCfg, data, nil
}

func runBacktest(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	btCfg, data, err := prepareRun(ctx)
	if err != nil {
		return err
	}

	logger := cliLogger()
	started := time.Now()
	res, err := backtest.NewEngine(btCfg, logger).Run(ctx, data)
	if err != nil {
		return err
	}
	logger.Info().Dur("took", time.Since(started)).Int("trades", len(res.Trades)).Msg("Backtest finished")

	if btPersist {
		if err := persist(ctx, func(ctx context.Context, rec backtest.Recorder) (int64, error) {
			return backtest.SaveResult(ctx, rec, btCfg, res)
		}); err != nil {
			return err
		}
	}

	if outFormat == "json" {
		return printJSON(res)
	}
	printMetrics(res)
	return nil
}

func runWalkForward(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	btCfg, data, err := prepareRun(ctx)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	wfCfg := cfg.WalkForwardConfig
	wfCfg.TrainBars = wfTrain
	wfCfg.TestBars = wfTest
	wfCfg.MaxWindows = wfMaxWindows
	wfCfg.MonteCarlo.Iterations = mcIterations
	wfCfg.MonteCarlo.Seed = btSeed
	wfCfg.MonteCarlo.InitialBalance = btCapital

	logger := cliLogger()
	wf := backtest.NewWalkForward(backtest.NewEngine(btCfg, logger), wfCfg, logger)
	res, err := wf.Run(ctx, data)
	if err != nil {
		return err
	}

	if btPersist {
		if err := persist(ctx, func(ctx context.Context, rec backtest.Recorder) (int64, error) {
			return backtest.SaveWalkForward(ctx, rec, btCfg, wfCfg, res)
		}); err != nil {
			return err
		}
	}

	if outFormat == "json" {
		return printJSON(res)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WINDOW\tTEST START\tTRAIN TRADES\tTEST TRADES\tTRAIN WR\tTEST WR\tTEST SHARPE\tTEST PNL\tCAL A\tCAL B")
	for _, win := range res.Windows {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%.1f%%\t%.1f%%\t%.2f\t%.2f\t%.3f\t%.3f\n",
			win.Index, win.TestStart.Format(time.DateOnly), win.TrainTrades, win.TestTrades,
			win.TrainWinRate, win.TestWinRate, win.TestSharpe, win.TestPnL,
			win.Calibration.A, win.Calibration.B)
	}
	w.Flush()

	fmt.Printf("\nConsistency %.1f%%  robustness %.1f  win-rate decay %.2f  sharpe decay %.2f\n",
		res.ConsistencyPct, res.RobustnessScore, res.AvgWinRateDecay, res.AvgSharpeDecay)
	printMonteCarlo(res.MonteCarlo)
	return nil
}

func runMonteCarlo(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	btCfg, data, err := prepareRun(ctx)
	if err != nil {
		return err
	}

	logger := cliLogger()
	res, err := backtest.NewEngine(btCfg, logger).Run(ctx, data)
	if err != nil {
		return err
	}

	mcCfg := backtest.DefaultMonteCarloConfig()
	mcCfg.Iterations = mcIterations
	mcCfg.Seed = btSeed
	mcCfg.InitialBalance = btCapital
	mc := backtest.NewMonteCarlo(mcCfg, logger).RunTrades(res.Trades)

	if outFormat == "json" {
		return printJSON(mc)
	}
	printMetrics(res)
	printMonteCarlo(mc)
	return nil
}

// persist opens the repository, stores a run and reports its id
func persist(ctx context.Context, save func(context.Context, backtest.Recorder) (int64, error)) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	db, repo, err := openRepository(ctx, cfg, cliLogger())
	if err != nil {
		return err
	}
	defer db.Close()

	id, err := save(ctx, repo)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "stored run %d\n", id)
	return nil
}

func printMetrics(res *backtest.Result) {
	m := res.Metrics
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Run\t%s\n", res.RunID)
	fmt.Fprintf(w, "Period\t%s to %s\n", res.StartTime.Format(time.DateTime), res.EndTime.Format(time.DateTime))
	fmt.Fprintf(w, "Equity\t%.2f -> %.2f (%.2f%%)\n", res.InitialEquity, res.FinalEquity, m.TotalReturnPct)
	fmt.Fprintf(w, "Signals / orders / trades\t%d / %d / %d\n", res.Signals, res.Orders, m.TotalTrades)
	fmt.Fprintf(w, "Win rate\t%.1f%%\n", m.WinRate)
	fmt.Fprintf(w, "Max drawdown\t%.2f%% (%d bars)\n", m.MaxDrawdownPct, m.MaxDrawdownDurationBars)
	fmt.Fprintf(w, "Sharpe / Sortino\t%s / %s\n", ratio(m.SharpeRatio), ratio(m.SortinoRatio))
	fmt.Fprintf(w, "Profit factor\t%s\n", ratio(m.ProfitFactor))
	fmt.Fprintf(w, "Expectancy\t%.2f\n", m.Expectancy)
	fmt.Fprintf(w, "Avg R\t%.2f\n", m.AvgRMultiple)
	fmt.Fprintf(w, "Commission\t%.2f\n", m.TotalCommission)
	for reason, n := range m.ExitReasons {
		fmt.Fprintf(w, "Exit %s\t%d\n", reason, n)
	}
	w.Flush()
}

func printMonteCarlo(mc backtest.MonteCarloResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "\nMonte Carlo\t%d iterations over %d trades (seed %d)\n", mc.Iterations, mc.Trades, mc.Seed)
	fmt.Fprintf(w, "Return p5 / p50 / p95\t%.2f%% / %.2f%% / %.2f%%\n", mc.P5Return, mc.P50Return, mc.P95Return)
	fmt.Fprintf(w, "Drawdown p5 / p50 / p95\t%.2f%% / %.2f%% / %.2f%%\n", mc.P5Drawdown, mc.P50Drawdown, mc.P95Drawdown)
	fmt.Fprintf(w, "P(profit)\t%.1f%%\n", mc.ProbProfit*100)
	fmt.Fprintf(w, "P(dd > 10%%) / P(dd > 20%%)\t%.1f%% / %.1f%%\n", mc.ProbDrawdown10*100, mc.ProbDrawdown20*100)
	w.Flush()
}

func ratio(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *v)
}
