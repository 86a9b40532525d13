package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/cookieguardian/cookieguardian/pkg/audit"
	"github.com/cookieguardian/cookieguardian/pkg/breaker"
	"github.com/cookieguardian/cookieguardian/pkg/budget"
	"github.com/cookieguardian/cookieguardian/pkg/config"
	"github.com/cookieguardian/cookieguardian/pkg/egress"
	"github.com/cookieguardian/cookieguardian/pkg/oracle"
	"github.com/cookieguardian/cookieguardian/pkg/rotation"
	"github.com/cookieguardian/cookieguardian/pkg/secrets"
	"github.com/cookieguardian/cookieguardian/pkg/stores"
	"github.com/cookieguardian/cookieguardian/pkg/telemetry"
	"github.com/cookieguardian/cookieguardian/pkg/worker"
)

// app holds the process-wide collaborators. Breakers and the budget ledger
// live here so state carries over between daemon runs.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	store    *stores.SQLiteStore
	audit    *audit.Log
	ledger   *budget.Ledger
	oracle   oracle.Client
	breakers *breaker.Set
	secrets  *secrets.GitHubStore
	sealer   rotation.Sealer
	egress   rotation.EgressRotator
	worker   *worker.Client
	creds    *config.EnvCredentials
}

// openStore opens and migrates the registry database.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:        config.ExpandPath(cfg.Storage.DatabasePath),
		BusyTimeout: cfg.Storage.BusyTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// newApp wires every collaborator from cfg.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger

	store, err := openStore(ctx, cfg)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: logger,
		store:  store,
		audit:  audit.New(store, logger),
		sealer: secrets.NaClSealer{},
		creds:  config.NewEnvCredentials(cfg.Credentials.Prefix, nil),
	}

	a.ledger = budget.NewLedger(cfg.Oracle.MonthlyBudgetUSD)
	if err := a.loadLedger(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	if cfg.Oracle.Enabled {
		if key := os.Getenv(cfg.Oracle.APIKeyEnv); key != "" {
			a.oracle = oracle.NewHTTPClient(cfg.Oracle.APIURL, key, cfg.Oracle.Model)
		} else {
			logger.Warnf("%s is not set, decisions use deterministic fallbacks", cfg.Oracle.APIKeyEnv)
		}
	}

	a.breakers = breaker.NewSet(cfg.Breaker, breaker.WithObserver(func(platform string, state breaker.State) {
		tel.Metrics.SetBreakerState(platform, breaker.GaugeValue(state))
		logger.WithPlatform(platform).Zerolog().Info().Str("state", string(state)).Msg("Circuit breaker changed state")
	}))

	a.secrets = secrets.NewGitHubStore(cfg.GitHub.APIURL, os.Getenv(cfg.GitHub.TokenEnv), cfg.GitHub.Timeout, secrets.WithLogger(logger))

	if cfg.Warp.Enabled {
		a.egress = egress.NewWarpRotator(cfg.Warp.Binary, cfg.Warp.ConnectTimeout)
	}

	a.worker = newWorkerClient(cfg, logger)

	return a, nil
}

// newWorkerClient starts workers from the configured command. Tokens and
// platform credentials are withheld from the worker's environment; it
// receives credentials per command instead.
func newWorkerClient(cfg *config.Config, logger *telemetry.Logger) *worker.Client {
	return worker.NewClient(&worker.CommandLauncher{
		Command: cfg.Worker.Command,
		Env:     cfg.Worker.Env,
		Exclude: []string{cfg.GitHub.TokenEnv, cfg.Oracle.APIKeyEnv, cfg.Credentials.Prefix + "_*"},
		Stderr:  os.Stderr,
	}, worker.WithStartupTimeout(cfg.Worker.StartupTimeout), worker.WithLogger(logger))
}

// loadLedger restores the persisted budget and starts a new period when the
// calendar month has rolled over.
func (a *app) loadLedger(ctx context.Context) error {
	if err := a.ledger.Load(ctx, a.store); err != nil {
		return err
	}
	current := budget.PeriodStart(time.Now())
	if snap := a.ledger.Snapshot(); snap.PeriodStart.Before(current) {
		a.logger.Zerolog().Info().
			Time("previous_period", snap.PeriodStart).
			Float64("spent_usd", snap.SpentUSD).
			Msg("Budget period rolled over")
		a.ledger.Reset(current)
		return a.ledger.Save(ctx, a.store)
	}
	return nil
}

// newAdvisor returns a fresh oracle adapter. The adapter's disabled flag is
// per run, so every run gets its own.
func (a *app) newAdvisor() *oracle.Adapter {
	return oracle.NewAdapter(a.oracle, a.ledger, a.cfg.OracleAdapterConfig(),
		oracle.WithLogger(a.logger),
		oracle.WithMetrics(a.tel.Metrics),
	)
}

// newScheduler assembles one run's coordinator, dispatcher and scheduler
// from cfg. Zero shard arguments fall back to the file.
func (a *app) newScheduler(cfg *config.Config, shardID, shardTotal int) (*rotation.Scheduler, error) {
	coord := rotation.NewCoordinator(rotation.Dependencies{
		Registry:    a.store,
		Audit:       a.audit,
		Extractor:   a.worker,
		Secrets:     a.secrets,
		Sealer:      a.sealer,
		Egress:      a.egress,
		Advisor:     a.newAdvisor(),
		Breakers:    a.breakers,
		Credentials: a.creds,
	}, cfg.CoordinatorConfig(), rotation.WithTelemetry(a.tel))

	dispatcher := rotation.NewDispatcher(coord, cfg.App.MaxConcurrency, a.logger)

	return rotation.NewScheduler(cfg.SchedulerConfig(shardID, shardTotal), a.store, dispatcher, a.audit,
		rotation.WithSchedulerTelemetry(a.tel),
		rotation.WithLedger(a.ledger, a.store),
	)
}

// requireGitHubToken fails early when secrets cannot be written.
func (a *app) requireGitHubToken() error {
	if os.Getenv(a.cfg.GitHub.TokenEnv) == "" {
		return fmt.Errorf("%s is not set: cannot write repository secrets", a.cfg.GitHub.TokenEnv)
	}
	return nil
}

// Close releases the store and flushes telemetry.
func (a *app) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := a.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close store: %w", err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to flush telemetry: %w", err))
	}
	return result.ErrorOrNil()
}
