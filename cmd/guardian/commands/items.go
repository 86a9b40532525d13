package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cookieguardian/cookieguardian/pkg/audit"
	"github.com/cookieguardian/cookieguardian/pkg/oracle"
	"github.com/cookieguardian/cookieguardian/pkg/rotation"
	"github.com/cookieguardian/cookieguardian/pkg/stores"
)

func newItemsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "items",
		Short: "Manage monitored repository/platform pairs",
	}
	cmd.AddCommand(newItemsAddCommand())
	cmd.AddCommand(newItemsListCommand())
	cmd.AddCommand(newItemsUnblockCommand())
	cmd.AddCommand(newItemsHistoryCommand())
	cmd.AddCommand(newItemsDiscoverCommand())
	return cmd
}

func newItemsAddCommand() *cobra.Command {
	var (
		priority    string
		analyze     bool
		description string
		hints       []string
		force       bool
	)

	cmd := &cobra.Command{
		Use:   "add <owner/repo> [platform]",
		Short: "Start monitoring a repository's cookies for a platform",
		Example: `  guardian items add acme/scraper github --priority high

  # Ask the oracle whether the repo needs cookies and for which platform
  guardian items add acme/scraper --analyze --hint "uses requests with session cookie"`,
		Args: rangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := args[0]
			if !strings.Contains(repo, "/") {
				return usagef("repository must be owner/name, got %q", repo)
			}
			platform := ""
			if len(args) == 2 {
				platform = args[1]
			}
			if platform == "" && !analyze {
				return usagef("platform is required unless --analyze is set")
			}
			switch priority {
			case "", "high", "medium", "low":
			default:
				return usagef("--priority must be high, medium or low")
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

			if analyze {
				analysis := a.newAdvisor().AnalyzeRepo(ctx, oracle.RepoAnalysisRequest{
					Repo:        repo,
					Description: description,
					CookieHints: hints,
				})
				if err := a.ledger.Save(ctx, a.store); err != nil {
					log.Warn().Err(err).Msg("Failed to persist budget")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Analysis (%s): requires cookies=%v confidence=%d%% priority=%s\n  %s\n",
					analysis.Source, analysis.RequiresCookies, analysis.Confidence, analysis.MonitoringPriority, analysis.Reasoning)
				if !analysis.RequiresCookies && !force {
					fmt.Fprintln(cmd.OutOrStdout(), "Not added; pass --force to monitor anyway")
					return nil
				}
				if priority == "" {
					priority = analysis.MonitoringPriority
				}
				if platform == "" {
					platform = analysis.Platform
				}
				if platform == "" {
					return usagef("analysis did not name a platform; pass it explicitly")
				}
			}

			item, err := a.store.CreateItem(ctx, stores.NewItem{
				Repo:     repo,
				Platform: platform,
				Priority: rotation.Priority(priority),
			})
			if err != nil {
				return err
			}
			_ = a.audit.Append(ctx, audit.Entry{
				ItemID:  item.ID,
				Action:  audit.ActionItem,
				Status:  "added",
				Message: fmt.Sprintf("monitoring %s on %s", item.Repo, item.Platform),
				Detail:  map[string]interface{}{"priority": string(item.Priority), "analyzed": analyze},
			})
			if !a.creds.Has(item.Platform) {
				log.Warn().Str("variable", a.creds.VarName(item.Platform)).Msg("Credentials for this platform are not set")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added item %d: %s on %s (%s priority, shard %d of %d)\n",
				item.ID, item.Repo, item.Platform, item.Priority,
				rotation.ShardOf(item.ID, cfg.App.ShardTotal), cfg.App.ShardTotal)
			return nil
		},
	}

	cmd.Flags().StringVar(&priority, "priority", "", "high, medium or low (default medium)")
	cmd.Flags().BoolVar(&analyze, "analyze", false, "ask the decision oracle whether the repo needs cookies")
	cmd.Flags().StringVar(&description, "description", "", "repository description for --analyze")
	cmd.Flags().StringArrayVar(&hints, "hint", nil, "cookie usage hint for --analyze (repeatable)")
	cmd.Flags().BoolVar(&force, "force", false, "add even when analysis says no cookies are needed")
	return cmd
}

func newItemsListCommand() *cobra.Command {
	var platform, repo string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List monitored items",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			items, err := store.ListItems(ctx, rotation.ItemFilter{Platform: platform, Repo: repo})
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(items)
			}
			printItems(cmd.OutOrStdout(), items, cfg.App.ShardTotal)
			return nil
		},
	}

	cmd.Flags().StringVar(&platform, "platform", "", "only items on this platform")
	cmd.Flags().StringVar(&repo, "repo", "", "only items of this repository")
	return cmd
}

func printItems(w io.Writer, items []*rotation.MonitoredItem, shardTotal int) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tREPO\tPLATFORM\tPRIORITY\tHEALTH\tEXPIRES\tROTATIONS\tFAILURES\tSHARD\tFLAGS")
	for _, it := range items {
		expires := "unknown"
		if it.ExpiresAt != nil {
			expires = humanize.Time(*it.ExpiresAt)
		}
		var flags []string
		if it.TwoFactorBlocked {
			flags = append(flags, "2fa-blocked")
		}
		if it.IsEmergency() {
			flags = append(flags, "emergency")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			it.ID, it.Repo, it.Platform, it.Priority, it.Health, expires,
			it.RotationCount, it.ConsecutiveFailures, rotation.ShardOf(it.ID, shardTotal), strings.Join(flags, ","))
	}
	_ = tw.Flush()
}

func parseItemID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, usagef("invalid item id %q", s)
	}
	return id, nil
}

func newItemsUnblockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <item-id>",
		Short: "Clear the two-factor block on an item after manual intervention",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.ClearTwoFactorBlock(ctx, id); err != nil {
				return err
			}
			_ = audit.New(store, nil).Append(ctx, audit.Entry{
				ItemID:  id,
				Action:  audit.ActionItem,
				Status:  "unblocked",
				Message: "two-factor block cleared by operator",
			})
			fmt.Fprintf(cmd.OutOrStdout(), "Item %d will be scheduled again\n", id)
			return nil
		},
	}
}

func newItemsHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <item-id>",
		Short: "Show extraction metadata for an item",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListExtractions(ctx, id, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EXTRACTED\tEXPIRES\tSOURCE\tCOOKIES")
			for _, r := range records {
				expires := "unknown"
				if r.ExpiresAt != nil {
					expires = r.ExpiresAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", humanize.Time(r.ExtractedAt), expires, r.ExpirySource, strings.Join(r.CookieNames, ","))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records to show")
	return cmd
}
