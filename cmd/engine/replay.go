package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mrt46/my-freqtrade/internal/data"
	"github.com/mrt46/my-freqtrade/internal/metrics"
	"github.com/mrt46/my-freqtrade/internal/orchestrator"
	"github.com/mrt46/my-freqtrade/internal/statestore"
	"github.com/mrt46/my-freqtrade/pkg/types"
	"github.com/mrt46/my-freqtrade/pkg/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	replayDataDir   string
	replayPairs     []string
	replayTimeframe string
	replaySynthetic int
	replaySeed      uint64
	replayWorkers   int
	replayOutput    string
	replayPersist   bool
	replayClean     bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay historical bars through the engines",
	Long: `Replay loads each pair's bars from the data directory (CSV or JSON files
named like BTC_USDT-1h.csv) and feeds them through the engines against a
simulated account. Pairs without data fall back to a seeded random walk
when --synthetic is set.`,
	Example: `  engine replay --pairs BTC/USDT,ETH/USDT --timeframe 1h
  engine replay --pairs BTC/USDT --synthetic 2000 --seed 7 --output json`,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayDataDir, "data", "", "Data directory (defaults to trading.data_dir)")
	replayCmd.Flags().StringSliceVar(&replayPairs, "pairs", nil, "Pairs to replay (defaults to trading.pairs)")
	replayCmd.Flags().StringVar(&replayTimeframe, "timeframe", string(types.Timeframe1h), "Bar timeframe")
	replayCmd.Flags().IntVar(&replaySynthetic, "synthetic", 0, "Generate this many random-walk bars for pairs without data")
	replayCmd.Flags().Uint64Var(&replaySeed, "seed", 1, "Seed for synthetic bars")
	replayCmd.Flags().IntVar(&replayWorkers, "workers", 1, "Replay pairs in parallel (1 keeps the run deterministic)")
	replayCmd.Flags().StringVarP(&replayOutput, "output", "o", "table", "Output format (table, json)")
	replayCmd.Flags().BoolVar(&replayPersist, "persist", false, "Persist learned state to the configured store")
	replayCmd.Flags().BoolVar(&replayClean, "clean", false, "Drop bars the engines would reject before replaying")
}

func runReplay(cmd *cobra.Command, args []string) error {
	if replayOutput != "table" && replayOutput != "json" {
		return fmt.Errorf("unsupported output format %q", replayOutput)
	}
	tf := types.Timeframe(replayTimeframe)
	if tf.Duration() == 0 {
		return fmt.Errorf("unsupported timeframe %q", replayTimeframe)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Log)
	defer logger.Sync()

	if replayDataDir == "" {
		replayDataDir = cfg.Trading.DataDir
	}
	pairs := cfg.Trading.Pairs
	if len(replayPairs) > 0 {
		pairs = replayPairs
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	history, err := loadHistory(ctx, logger, pairs, tf)
	if err != nil {
		return err
	}

	store := statestore.Store(statestore.NopStore{})
	if replayPersist {
		store, err = statestore.Open(logger, cfg.Store, cfg.Redis)
		if err != nil {
			return fmt.Errorf("open state store: %w", err)
		}
		defer store.Close()
	}

	orchCfg := orchestrator.ConfigFrom(cfg)
	orchCfg.Pairs = pairs
	orchCfg.Workers = replayWorkers
	orch, err := orchestrator.New(logger, &cfg.Engine, orchCfg,
		orchestrator.WithMetrics(metrics.New()),
		orchestrator.WithStore(store),
	)
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return err
	}

	report, replayErr := orch.Replay(ctx, history)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := orch.Stop(stopCtx); err != nil {
		logger.Warn("Failed to stop orchestrator", zap.Error(err))
	}

	if replayOutput == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(report)
	}
	return replayErr
}

// loadHistory reads every pair's bars, generating a random walk for pairs
// without data when --synthetic is set, and runs the quality checks over
// each history.
func loadHistory(ctx context.Context, logger *zap.Logger, pairs []string, tf types.Timeframe) (map[string][]types.PriceBar, error) {
	store, err := data.NewStore(logger, replayDataDir)
	if err != nil {
		return nil, err
	}

	validator := data.NewValidator(logger)
	history := make(map[string][]types.PriceBar, len(pairs))
	for i, raw := range pairs {
		pair := utils.FormatPair(raw)
		bars, err := store.LoadBars(ctx, pair, tf)
		switch {
		case err == nil:
		case errors.Is(err, data.ErrNoData) && replaySynthetic > 0:
			start := time.Now().UTC().Truncate(tf.Duration()).Add(-time.Duration(replaySynthetic) * tf.Duration())
			bars = data.RandomWalk(start, tf.Duration(), replaySynthetic, 100, 0.01, replaySeed+uint64(i))
			logger.Info("Generated synthetic bars", zap.String("pair", pair), zap.Int("bars", len(bars)))
		default:
			return nil, fmt.Errorf("load %s: %w", pair, err)
		}

		report := validator.Validate(pair, tf.Duration(), bars)
		if len(report.Issues) > 0 {
			logger.Warn("Data quality issues",
				zap.String("pair", pair),
				zap.Int("score", report.Score),
				zap.Bool("usable", report.Usable),
				zap.Any("counts", report.Counts),
			)
		}
		if replayClean {
			bars = validator.Clean(bars)
		}
		history[pair] = bars
	}
	return history, nil
}

func printReport(r orchestrator.ReplayReport) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "Pairs:\t%s\n", strings.Join(r.Pairs, ", "))
	fmt.Fprintf(w, "Bars:\t%d (%d rejected)\n", r.Bars, r.Errors)
	fmt.Fprintf(w, "Intents:\t%d\n", r.Intents)
	fmt.Fprintf(w, "Vetoes:\t%d\n", r.Vetoes)
	fmt.Fprintf(w, "Trades:\t%d (win rate %s)\n", r.Account.Trades, utils.FormatPct(r.Account.WinRate()))
	fmt.Fprintf(w, "Equity:\t%s (return %s%%)\n", r.Account.Equity.StringFixed(2), r.Account.Return.Shift(2).StringFixed(2))
	fmt.Fprintf(w, "Max drawdown:\t%s%%\n", r.Account.Drawdown.Shift(2).StringFixed(2))
	fmt.Fprintf(w, "Duration:\t%s\n\n", r.Duration.Round(time.Millisecond))

	fmt.Fprintln(w, "PAIR\tREGIME\tSELECTED\tINTENTS\tVETOES\tWEIGHTS")
	for _, snap := range r.Engines {
		label := "-"
		if snap.Regime != nil {
			label = fmt.Sprintf("%v/%v", snap.Regime.Trend, snap.Regime.Volatility)
		}
		ids := make([]types.StrategyID, 0, len(snap.Weights))
		for id := range snap.Weights {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		weights := make([]string, 0, len(ids))
		for _, id := range ids {
			weights = append(weights, fmt.Sprintf("%s=%.3f", id, snap.Weights[id]))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			snap.Pair, label, snap.Selected, snap.Intents, snap.Vetoes, strings.Join(weights, " "))
	}
}
