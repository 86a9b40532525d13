package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/cookieguardian/cookieguardian/pkg/config"
	"github.com/cookieguardian/cookieguardian/pkg/rotation"
	"github.com/cookieguardian/cookieguardian/pkg/secrets"
	"github.com/cookieguardian/cookieguardian/pkg/telemetry"
)

type check struct {
	name string
	err  error
	warn bool
}

type checklist struct {
	checks []check
}

func (c *checklist) add(name string, err error) {
	c.checks = append(c.checks, check{name: name, err: err})
}

func (c *checklist) warn(name string, err error) {
	c.checks = append(c.checks, check{name: name, err: err, warn: true})
}

func (c *checklist) print(w io.Writer) (failed int) {
	for _, ch := range c.checks {
		switch {
		case ch.err == nil:
			fmt.Fprintf(w, "  ok    %s\n", ch.name)
		case ch.warn:
			fmt.Fprintf(w, "  warn  %s: %v\n", ch.name, ch.err)
		default:
			fmt.Fprintf(w, "  FAIL  %s: %v\n", ch.name, ch.err)
			failed++
		}
	}
	return failed
}

func newValidateCommand() *cobra.Command {
	var (
		probeWorker bool
		checkGitHub bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check configuration, environment and dependencies",
		Long: `Check that guardian can run:
  - the configuration file parses and validates
  - required environment variables are present
  - the database opens and migrates
  - the extraction worker command exists (and answers, with --probe-worker)
  - the GitHub token can read each monitored repository (with --check-github)`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var cl checklist

			cfg, err := loadConfig()
			source := configPath
			if source == "" {
				source = config.DefaultPath
			}
			cl.add("configuration "+source, err)
			if err != nil {
				cl.print(out)
				return fmt.Errorf("configuration is invalid")
			}

			ctx := cmd.Context()
			runValidation(ctx, cfg, &cl, probeWorker, checkGitHub)

			if failed := cl.print(out); failed > 0 {
				return fmt.Errorf("%d checks failed", failed)
			}
			fmt.Fprintln(out, "All checks passed")
			return nil
		},
	}

	cmd.Flags().BoolVar(&probeWorker, "probe-worker", false, "start the worker and wait for it to report ready")
	cmd.Flags().BoolVar(&checkGitHub, "check-github", false, "verify secret access for every monitored repository")
	return cmd
}

func runValidation(ctx context.Context, cfg *config.Config, cl *checklist, probeWorker, checkGitHub bool) {
	token := os.Getenv(cfg.GitHub.TokenEnv)
	cl.add(cfg.GitHub.TokenEnv+" is set", errIfEmpty(token))

	if cfg.Oracle.Enabled {
		cl.warn(cfg.Oracle.APIKeyEnv+" is set", errIfEmpty(os.Getenv(cfg.Oracle.APIKeyEnv)))
	}

	store, err := openStore(ctx, cfg)
	cl.add("database "+config.ExpandPath(cfg.Storage.DatabasePath), err)

	// Credentials are needed for every platform that is configured or monitored.
	platforms := map[string]bool{}
	for p := range cfg.Rotation.Platforms {
		platforms[p] = true
	}
	var items []*rotation.MonitoredItem
	if store != nil {
		defer store.Close()
		cl.add("database health", store.HealthCheck(ctx))
		if items, err = store.ListItems(ctx, rotation.ItemFilter{}); err != nil {
			cl.add("list monitored items", err)
		}
		for _, it := range items {
			platforms[it.Platform] = true
		}
	}
	creds := config.NewEnvCredentials(cfg.Credentials.Prefix, nil)
	names := make([]string, 0, len(platforms))
	for p := range platforms {
		names = append(names, p)
	}
	sort.Strings(names)
	for _, p := range names {
		_, err := creds.Credentials(p)
		cl.add(creds.VarName(p)+" is set", err)
	}

	_, err = exec.LookPath(cfg.Worker.Command[0])
	cl.add("worker command "+cfg.Worker.Command[0], err)
	if err == nil && probeWorker {
		client := newWorkerClient(cfg, telemetry.NopLogger())
		probeCtx, cancel := context.WithTimeout(ctx, cfg.Worker.StartupTimeout+5*time.Second)
		ready, perr := client.Probe(probeCtx)
		cancel()
		if perr == nil {
			cl.add(fmt.Sprintf("worker ready (%s, protocol %s, platforms %v)", ready.Worker, ready.Version, ready.Platforms), nil)
		} else {
			cl.add("worker ready", perr)
		}
	}

	if cfg.Warp.Enabled {
		_, err := exec.LookPath(cfg.Warp.Binary)
		cl.add("egress client "+cfg.Warp.Binary, err)
	}

	if checkGitHub && token != "" {
		gh := secrets.NewGitHubStore(cfg.GitHub.APIURL, token, cfg.GitHub.Timeout)
		seen := map[string]bool{}
		for _, it := range items {
			if seen[it.Repo] {
				continue
			}
			seen[it.Repo] = true
			cl.add("secret access "+it.Repo, gh.CheckAccess(ctx, it.Repo))
		}
	}
}

func errIfEmpty(v string) error {
	if v == "" {
		return fmt.Errorf("not set")
	}
	return nil
}
