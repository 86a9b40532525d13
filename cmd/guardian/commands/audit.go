package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cookieguardian/cookieguardian/pkg/audit"
)

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}
	cmd.AddCommand(newAuditExportCommand())
	return cmd
}

func newAuditExportCommand() *cobra.Command {
	var (
		itemID int64
		runID  string
		action string
		since  time.Duration
		limit  int
		output string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export audit entries as JSON",
		Example: `  # Everything that happened to item 12 in the last day
  guardian audit export --item 12 --since 24h

  # One run, written to a file
  guardian audit export --run 3f2a... -o run.json`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if since < 0 || limit < 0 {
				return usagef("--since and --limit must not be negative")
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

			q := audit.Query{ItemID: itemID, RunID: runID, Action: action, Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			entries, err := audit.New(store, nil).List(ctx, q)
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []*audit.Entry{}
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		},
	}

	cmd.Flags().Int64Var(&itemID, "item", 0, "only entries for this item")
	cmd.Flags().StringVar(&runID, "run", "", "only entries for this run")
	cmd.Flags().StringVar(&action, "action", "", "only entries with this action (transition, rotation, lease, run, budget, item)")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this age")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries (0 for all)")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "output file")
	return cmd
}
