package commands

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cookieguardian/cookieguardian/pkg/config"
	"github.com/cookieguardian/cookieguardian/pkg/rotation"
)

func newDaemonCommand() *cobra.Command {
	var (
		shardID    int
		shardTotal int
		runAtStart bool
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run rotation passes on the configured schedule",
		Long: `Run rotation passes on the cron schedule from app.schedule until
interrupted. The configuration file is watched; scheduling and rotation
settings from a changed file apply from the next run. Storage, worker and
telemetry settings need a restart.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if shardID < 0 || shardTotal < 0 || (shardTotal > 0 && shardID > shardTotal) {
				return usagef("invalid shard %d/%d", shardID, shardTotal)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
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
			if err := a.requireGitHubToken(); err != nil {
				return err
			}

			d := &daemon{app: a, shardID: shardID, shardTotal: shardTotal}
			d.current.Store(cfg)
			return d.serve(ctx, runAtStart)
		},
	}

	cmd.Flags().IntVar(&shardID, "shard-id", 0, "shard to process, 1-based (default from config)")
	cmd.Flags().IntVar(&shardTotal, "shard-total", 0, "total number of shards (default from config)")
	cmd.Flags().BoolVar(&runAtStart, "run-at-start", false, "run once immediately before following the schedule")

	return cmd
}

type daemon struct {
	app        *app
	shardID    int
	shardTotal int
	current    atomic.Pointer[config.Config]

	// running serializes passes; a tick that finds a pass in progress is skipped.
	running sync.Mutex

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	expr    string
	baseCtx context.Context
}

func (d *daemon) serve(ctx context.Context, runAtStart bool) error {
	d.baseCtx = ctx
	d.cron = cron.New()

	if err := d.reschedule(d.current.Load().App.Schedule); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := d.app.tel.Metrics.Serve(gctx, d.app.logger); err != nil {
		return err
	}

	if path := d.current.Load().Path(); path != "" {
		watcher, err := config.NewWatcher(path, d.current.Load(), d.reload, d.app.logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return watcher.Run(gctx) })
	} else {
		log.Info().Msg("No configuration file, reload disabled")
	}

	if runAtStart {
		g.Go(func() error {
			d.runOnce()
			return nil
		})
	}

	d.cron.Start()
	log.Info().Str("schedule", d.expr).Msg("Daemon started")

	g.Go(func() error {
		<-gctx.Done()
		<-d.cron.Stop().Done()
		return nil
	})

	err := g.Wait()
	log.Info().Msg("Daemon stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// reschedule replaces the cron entry when the expression changed.
func (d *daemon) reschedule(expr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if expr == d.expr {
		return nil
	}
	schedule, err := rotation.ParseSchedule(expr)
	if err != nil {
		return err
	}
	if d.entry != 0 {
		d.cron.Remove(d.entry)
	}
	d.entry = d.cron.Schedule(schedule, cron.FuncJob(d.runOnce))
	d.expr = expr
	return nil
}

func (d *daemon) reload(cfg *config.Config) {
	d.current.Store(cfg)
	if err := d.reschedule(cfg.App.Schedule); err != nil {
		log.Error().Err(err).Msg("Keeping previous schedule")
		return
	}
	log.Info().Str("schedule", cfg.App.Schedule).Msg("Configuration reloaded")
}

func (d *daemon) runOnce() {
	if !d.running.TryLock() {
		log.Warn().Msg("Previous run still in progress, skipping this tick")
		return
	}
	defer d.running.Unlock()

	ctx := d.baseCtx
	if ctx.Err() != nil {
		return
	}

	cfg := d.current.Load()
	sched, err := d.app.newScheduler(cfg, d.shardID, d.shardTotal)
	if err != nil {
		log.Error().Err(err).Msg("Cannot build scheduler, skipping run")
		return
	}
	summary, err := sched.Run(ctx, rotation.RunOptions{})
	if err != nil {
		log.Error().Err(err).Msg("Run failed")
		return
	}
	log.Info().
		Str("run_id", summary.RunID).
		Int("succeeded", summary.TasksSucceeded).
		Int("failed", summary.TasksFailed).
		Int("skipped", summary.TasksSkipped).
		Time("next_run", summary.NextRun).
		Msg("Run finished")
}
