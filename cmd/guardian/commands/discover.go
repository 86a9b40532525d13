package commands

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cookieguardian/cookieguardian/pkg/audit"
	"github.com/cookieguardian/cookieguardian/pkg/oracle"
	"github.com/cookieguardian/cookieguardian/pkg/rotation"
	"github.com/cookieguardian/cookieguardian/pkg/stores"
)

type discoveryCandidate struct {
	repo     string
	platform string
	analysis oracle.RepoAnalysis
}

func newItemsDiscoverCommand() *cobra.Command {
	var (
		org          string
		platform     string
		dryRun       bool
		includeForks bool
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Scan an organization's repositories and monitor the ones that need cookies",
		Example: `  guardian items discover --org acme --platform github

  # Show what would be added
  guardian items discover --org acme --platform github --dry-run`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if org == "" {
				return usagef("--org is required")
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
			defer a.Close(ctx)

			if err := a.requireGitHubToken(); err != nil {
				return err
			}

			repos, err := a.secrets.ListOrgRepos(ctx, org)
			if err != nil {
				return fmt.Errorf("failed to list repositories of %s: %w", org, err)
			}

			advisor := a.newAdvisor()
			var (
				candidates []discoveryCandidate
				skipped    int
				noPlatform int
			)
			for _, r := range repos {
				if r.Archived || (r.Fork && !includeForks) {
					skipped++
					continue
				}
				analysis := advisor.AnalyzeRepo(ctx, oracle.RepoAnalysisRequest{
					Repo:        r.FullName,
					Description: r.Description,
					CookieHints: r.Topics,
				})
				if !analysis.RequiresCookies {
					skipped++
					continue
				}
				p := analysis.Platform
				if p == "" {
					p = platform
				}
				if p == "" {
					noPlatform++
					log.Warn().Str("repo", r.FullName).Msg("Repository needs cookies but no platform was named; pass --platform")
					continue
				}
				candidates = append(candidates, discoveryCandidate{repo: r.FullName, platform: p, analysis: analysis})
			}
			if err := a.ledger.Save(ctx, a.store); err != nil {
				log.Warn().Err(err).Msg("Failed to persist budget")
			}

			sort.SliceStable(candidates, func(i, j int) bool {
				return candidates[i].analysis.Confidence > candidates[j].analysis.Confidence
			})

			out := cmd.OutOrStdout()
			added, existing := 0, 0
			for _, c := range candidates {
				if dryRun {
					fmt.Fprintf(out, "Would add %s on %s (%s priority, confidence %d%%, %s)\n",
						c.repo, c.platform, c.analysis.MonitoringPriority, c.analysis.Confidence, c.analysis.Source)
					continue
				}
				item, err := a.store.CreateItem(ctx, stores.NewItem{
					Repo:     c.repo,
					Platform: c.platform,
					Priority: rotation.Priority(c.analysis.MonitoringPriority),
				})
				if errors.Is(err, stores.ErrItemExists) {
					existing++
					continue
				}
				if err != nil {
					return err
				}
				added++
				_ = a.audit.Append(ctx, audit.Entry{
					ItemID:  item.ID,
					Action:  audit.ActionItem,
					Status:  "discovered",
					Message: fmt.Sprintf("monitoring %s on %s", item.Repo, item.Platform),
					Detail: map[string]interface{}{
						"org":        org,
						"priority":   string(item.Priority),
						"confidence": c.analysis.Confidence,
						"source":     c.analysis.Source,
					},
				})
				fmt.Fprintf(out, "Added item %d: %s on %s (%s priority)\n", item.ID, item.Repo, item.Platform, item.Priority)
			}

			fmt.Fprintf(out, "Scanned %d repositories in %s: %d candidates, %d added, %d already monitored, %d skipped, %d without platform\n",
				len(repos), org, len(candidates), added, existing, skipped, noPlatform)
			return nil
		},
	}

	cmd.Flags().StringVar(&org, "org", "", "GitHub organization to scan")
	cmd.Flags().StringVar(&platform, "platform", "", "platform for repositories whose analysis names none")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list candidates without adding them")
	cmd.Flags().BoolVar(&includeForks, "include-forks", false, "also scan forked repositories")
	return cmd
}
