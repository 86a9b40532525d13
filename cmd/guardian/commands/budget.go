package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cookieguardian/cookieguardian/pkg/audit"
	"github.com/cookieguardian/cookieguardian/pkg/budget"
)

func newBudgetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect or reset the decision oracle budget",
	}
	cmd.AddCommand(newBudgetShowCommand())
	cmd.AddCommand(newBudgetResetCommand())
	return cmd
}

func newBudgetShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show spend against the monthly cap",
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

			ledger := budget.NewLedger(cfg.Oracle.MonthlyBudgetUSD)
			if err := ledger.Load(ctx, store); err != nil {
				return err
			}
			snap := ledger.Snapshot()
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printBudget(cmd.OutOrStdout(), snap)
			if snap.PeriodStart.Before(budget.PeriodStart(time.Now())) {
				fmt.Fprintln(cmd.OutOrStdout(), "  (period has ended; the next run starts a new one)")
			}
			return nil
		},
	}
}

func newBudgetResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Start a new budget period now",
		Long: `Start a new budget period from the first day of the current month.
Runs do this automatically when the month rolls over; use this after
raising the cap or to clear spend recorded against a misconfigured model.`,
		Args: exactArgs(0),
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

			ledger := budget.NewLedger(cfg.Oracle.MonthlyBudgetUSD)
			if err := ledger.Load(ctx, store); err != nil {
				return err
			}
			before := ledger.Snapshot()
			ledger.Reset(budget.PeriodStart(time.Now()))
			if err := ledger.Save(ctx, store); err != nil {
				return err
			}
			_ = audit.New(store, nil).Append(ctx, audit.Entry{
				Action:  audit.ActionBudget,
				Status:  "reset",
				Message: "budget period reset by operator",
				Detail: map[string]interface{}{
					"previous_period": before.PeriodStart.Format(time.RFC3339),
					"previous_spent":  before.SpentUSD,
					"previous_calls":  before.Calls,
				},
			})
			fmt.Fprintf(cmd.OutOrStdout(), "Budget reset: $%.4f spent in the previous period, cap $%.2f\n", before.SpentUSD, before.CapUSD)
			return nil
		},
	}
}
