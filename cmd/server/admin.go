package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/warp/benefits-engine/benefits"
	"github.com/warp/benefits-engine/factory"
	"github.com/warp/benefits-engine/generic"
)

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a built-in scenario into the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, _ := cmd.Flags().GetString("scenario")
			keep, _ := cmd.Flags().GetBool("keep")
			if id == "" {
				return listScenarios(cmd)
			}

			f, err := factory.Scenario(id)
			if err != nil {
				return err
			}
			services, store, err := openServices()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			loader := &factory.Loader{Services: services}
			res, err := loader.Load(cmd.Context(), f, !keep)
			if err != nil {
				return fmt.Errorf("failed to load scenario %s: %w", id, err)
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().String("scenario", "", "scenario id (omit to list scenarios)")
	cmd.Flags().Bool("keep", false, "load on top of existing data instead of resetting")
	return cmd
}

func listScenarios(cmd *cobra.Command) error {
	all, err := factory.Scenarios()
	if err != nil {
		return err
	}
	for _, f := range all {
		fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s\n", f.ID, f.Description)
	}
	return nil
}

func initBalancesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init-balances",
		Short: "Create missing balance rows at the budget amount",
		RunE: func(cmd *cobra.Command, _ []string) error {
			year, _ := cmd.Flags().GetInt("year")
			if year <= 0 {
				return errors.New("--year is required")
			}
			services, store, err := openServices()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			report, err := services.Balances.InitializeBalances(cmd.Context(), year, employeeFlag(cmd))
			if err != nil {
				return fmt.Errorf("failed to initialize balances: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "year %d: %d created, %d already present\n", year, report.Created, report.Existing)
			return nil
		},
	}
	cmd.Flags().Int("year", 0, "budget year")
	cmd.Flags().String("employee", "", "limit to one employee")
	return cmd
}

func recalculateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recalculate",
		Short: "Replay the ledger and correct drifted balances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			year, _ := cmd.Flags().GetInt("year")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			services, store, err := openServices()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			report, err := services.Balances.RecalculateBalances(cmd.Context(), benefits.RecalcScope{
				EmployeeID: employeeFlag(cmd),
				Year:       year,
				DryRun:     dryRun,
			})
			if err != nil {
				return fmt.Errorf("failed to recalculate: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "checked %d balances, %d discrepancies, %d corrected\n",
				report.Checked, len(report.Discrepancies), report.Corrected)
			for _, d := range report.Discrepancies {
				fmt.Fprintf(out, "  %s stored=%s computed=%s diff=%s chain_breaks=%d\n",
					d.Key, d.Stored.StringFixed(generic.AmountPlaces), d.Computed.StringFixed(generic.AmountPlaces),
					d.Difference.StringFixed(generic.AmountPlaces), d.ChainBreaks)
			}
			for _, e := range report.Errors {
				fmt.Fprintf(out, "  error: %s\n", e)
			}
			return nil
		},
	}
	cmd.Flags().Int("year", 0, "limit to one budget year")
	cmd.Flags().String("employee", "", "limit to one employee")
	cmd.Flags().Bool("dry-run", false, "report discrepancies without writing")
	return cmd
}

func employeeFlag(cmd *cobra.Command) *generic.EntityID {
	raw, _ := cmd.Flags().GetString("employee")
	if raw == "" {
		return nil
	}
	id := generic.EntityID(raw)
	return &id
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
