package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cookieguardian/cookieguardian/pkg/rotation"
)

type runFlags struct {
	shardID       int
	shardTotal    int
	forceRotation bool
	dryRun        bool
	platform      string
	repo          string
	summaryFile   string
}

func (f *runFlags) validate() error {
	if f.shardTotal < 0 || f.shardID < 0 {
		return usagef("--shard-id and --shard-total must not be negative")
	}
	if f.shardID > 0 && f.shardTotal > 0 && f.shardID > f.shardTotal {
		return usagef("--shard-id %d is outside 1..%d", f.shardID, f.shardTotal)
	}
	return nil
}

func newRunCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one rotation pass for a shard",
		Long: `Run one rotation pass: select the due items of this shard, rotate
them with bounded concurrency and write a run summary.

Individual item failures do not fail the command. It exits 1 only when
configuration or authentication prevents the run from starting, and 2 on
invalid flags.`,
		Example: `  # Rotate everything due in shard 2 of 4
  guardian run --shard-id 2 --shard-total 4

  # Show what would be rotated
  guardian run --dry-run

  # Rotate every GitHub item now
  guardian run --force-rotation --platform github`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.validate(); err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if flags.shardID > 0 && flags.shardTotal == 0 && flags.shardID > cfg.App.ShardTotal {
				return usagef("--shard-id %d is outside 1..%d", flags.shardID, cfg.App.ShardTotal)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(ctx); err != nil {
					log.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			if !flags.dryRun {
				if err := a.requireGitHubToken(); err != nil {
					return err
				}
			}

			sched, err := a.newScheduler(cfg, flags.shardID, flags.shardTotal)
			if err != nil {
				return err
			}

			summary, err := sched.Run(ctx, rotation.RunOptions{
				Filter:        rotation.ItemFilter{Platform: flags.platform, Repo: flags.repo},
				ForceRotation: flags.forceRotation,
				DryRun:        flags.dryRun,
			})
			if err != nil {
				return err
			}

			if flags.summaryFile != "" {
				if err := writeSummaryFile(flags.summaryFile, summary); err != nil {
					return err
				}
			}
			return printSummary(cmd.OutOrStdout(), summary)
		},
	}

	cmd.Flags().IntVar(&flags.shardID, "shard-id", 0, "shard to process, 1-based (default from config)")
	cmd.Flags().IntVar(&flags.shardTotal, "shard-total", 0, "total number of shards (default from config)")
	cmd.Flags().BoolVar(&flags.forceRotation, "force-rotation", false, "rotate every shard item regardless of expiry")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "plan the run without contacting any platform")
	cmd.Flags().StringVar(&flags.platform, "platform", "", "only items on this platform")
	cmd.Flags().StringVar(&flags.repo, "repo", "", "only items of this repository (owner/name)")
	cmd.Flags().StringVar(&flags.summaryFile, "summary-file", "", "also write the run summary as JSON to this file")

	return cmd
}

func writeSummaryFile(path string, summary *rotation.RunSummary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write run summary: %w", err)
	}
	return nil
}

func printSummary(w io.Writer, s *rotation.RunSummary) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	if s.DryRun {
		fmt.Fprintf(w, "Dry run for shard %d/%d: %d tasks planned\n", s.ShardID, s.ShardTotal, len(s.Planned))
		for _, t := range s.Planned {
			fmt.Fprintf(w, "  item %-5d %-10s %-30s %s\n", t.ItemID, t.Platform, t.Repo, t.Reason)
		}
		return nil
	}

	fmt.Fprintf(w, "Run %s (shard %d/%d)\n", s.RunID, s.ShardID, s.ShardTotal)
	fmt.Fprintf(w, "  tasks:   %d succeeded, %d failed, %d skipped\n", s.TasksSucceeded, s.TasksFailed, s.TasksSkipped)
	fmt.Fprintf(w, "  items:   %d monitored, %d healthy, %d expiring, %d failed\n", s.ItemsMonitored, s.Healthy, s.ExpiringSoon, s.Failed)
	fmt.Fprintf(w, "  oracle:  %d calls, $%.4f this period\n", s.OracleCallsThisPeriod, s.CostThisPeriod)
	if !s.NextRun.IsZero() {
		fmt.Fprintf(w, "  next:    %s\n", s.NextRun.Format("2006-01-02 15:04 MST"))
	}
	return nil
}
