package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/mealsched/internal/api"
)

func newAutoregCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autoreg",
		Short: "Run auto-registration outside the schedule",
	}
	cmd.AddCommand(newAutoregTriggerCmd(opts))
	cmd.AddCommand(newAutoregTriggerAllCmd(opts))
	return cmd
}

func newAutoregTriggerCmd(opts *rootOptions) *cobra.Command {
	var tenant, mealType, date string

	c := &cobra.Command{
		Use:   "trigger",
		Short: "Register every active student of one tenant for a meal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return printResult(cmd, a.api.TriggerAutoRegistration(ctx, tenant, mealType, date))
		},
	}
	c.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	c.Flags().StringVar(&mealType, "meal", "", "lunch or dinner")
	c.Flags().StringVar(&date, "date", "", "meal date YYYY-MM-DD (default: tenant-local today)")
	_ = c.MarkFlagRequired("tenant")
	_ = c.MarkFlagRequired("meal")
	return c
}

func newAutoregTriggerAllCmd(opts *rootOptions) *cobra.Command {
	var mealType string

	c := &cobra.Command{
		Use:   "trigger-all",
		Short: "Run auto-registration for today on every active tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return printResult(cmd, a.api.TriggerAllTenants(ctx, mealType))
		},
	}
	c.Flags().StringVar(&mealType, "meal", "", "lunch or dinner")
	_ = c.MarkFlagRequired("meal")
	return c
}

// printResult writes res as indented JSON and turns a failed outcome into
// a command error.
func printResult(cmd *cobra.Command, res api.Result) error {
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	if !res.OK() {
		return fmt.Errorf("%s: %s", res.Outcome, res.Message)
	}
	return nil
}
