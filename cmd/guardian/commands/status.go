package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cookieguardian/cookieguardian/pkg/budget"
	"github.com/cookieguardian/cookieguardian/pkg/rotation"
	"github.com/cookieguardian/cookieguardian/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var shardID int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest run summary and budget",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if shardID == 0 {
				shardID = cfg.App.ShardID
			}

			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			summary, err := store.LatestRunSummary(ctx, shardID)
			if err != nil && !errors.Is(err, stores.ErrNotFound) {
				return err
			}
			ledger := budget.NewLedger(cfg.Oracle.MonthlyBudgetUSD)
			if err := ledger.Load(ctx, store); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Summary *rotation.RunSummary `json:"summary"`
					Budget  budget.Snapshot      `json:"budget"`
				}{summary, ledger.Snapshot()})
			}
			printStatus(out, shardID, summary, ledger.Snapshot())
			return nil
		},
	}

	cmd.Flags().IntVar(&shardID, "shard-id", 0, "shard to report (default from config)")
	return cmd
}

func printStatus(w io.Writer, shardID int, s *rotation.RunSummary, b budget.Snapshot) {
	if s == nil {
		fmt.Fprintf(w, "No runs recorded for shard %d yet\n", shardID)
	} else {
		fmt.Fprintf(w, "Shard %d/%d\n", s.ShardID, s.ShardTotal)
		fmt.Fprintf(w, "  last run:   %s (%s)\n", humanize.Time(s.LastRun), s.RunID)
		if !s.NextRun.IsZero() {
			fmt.Fprintf(w, "  next run:   %s\n", humanize.Time(s.NextRun))
		}
		fmt.Fprintf(w, "  items:      %s monitored, %d healthy, %d expiring soon, %d failed\n",
			humanize.Comma(int64(s.ItemsMonitored)), s.Healthy, s.ExpiringSoon, s.Failed)
		fmt.Fprintf(w, "  rotations:  %s total\n", humanize.Comma(int64(s.TotalRotations)))
		fmt.Fprintf(w, "  last tasks: %d succeeded, %d failed, %d skipped\n", s.TasksSucceeded, s.TasksFailed, s.TasksSkipped)
	}
	printBudget(w, b)
}

func printBudget(w io.Writer, b budget.Snapshot) {
	pct := 0.0
	if b.CapUSD > 0 {
		pct = b.SpentUSD / b.CapUSD * 100
	}
	fmt.Fprintf(w, "Oracle budget (period from %s)\n", b.PeriodStart.Format("2006-01-02"))
	fmt.Fprintf(w, "  spent:      $%s of $%s (%s%%)\n",
		humanize.FtoaWithDigits(b.SpentUSD, 4), humanize.FtoaWithDigits(b.CapUSD, 2), humanize.FtoaWithDigits(pct, 1))
	fmt.Fprintf(w, "  remaining:  $%s\n", humanize.FtoaWithDigits(b.Remaining(), 4))
	fmt.Fprintf(w, "  calls:      %s oracle, %s fallback\n", humanize.Comma(int64(b.Calls)), humanize.Comma(int64(b.Fallbacks)))
	fmt.Fprintf(w, "  tokens:     %s in, %s out\n", humanize.Comma(b.InputTokens), humanize.Comma(b.OutputTokens))
}
