// Package main implements the guardian extraction worker. It speaks the
// JSON-lines worker protocol on stdin/stdout and logs to stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cookieguardian/cookieguardian/pkg/worker"
)

var version = "dev"

type sitesFile struct {
	Sites []worker.Site `yaml:"sites" validate:"min=1,dive"`
}

func main() {
	// stdout carries the protocol.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("LOG_LEVEL") == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Worker failed")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		sitesPath string
		ttl       time.Duration
	)

	cmd := &cobra.Command{
		Use:           "guardian-worker",
		Short:         "Cookie extraction worker for guardian",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sites, err := loadSites(sitesPath)
			if err != nil {
				return err
			}
			log.Debug().Int("sites", len(sites)).Msg("Worker starting")
			return worker.Serve(cmd.Context(), os.Stdin, os.Stdout, worker.NewFormLogin(sites, nil), worker.ServeOptions{
				Name: "guardian-worker/" + version,
				TTL:  ttl,
			})
		},
	}

	cmd.Flags().StringVar(&sitesPath, "sites", envOr("GUARDIAN_WORKER_SITES", "worker-sites.yaml"), "Login site definitions")
	cmd.Flags().DurationVar(&ttl, "ttl", 10*time.Minute, "Exit after this long even if stdin stays open")
	return cmd
}

func loadSites(path string) ([]worker.Site, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sites file: %w", err)
	}
	var f sitesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse sites file %s: %w", path, err)
	}
	if err := validator.New().Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid sites file %s: %w", path, err)
	}
	return f.Sites, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
