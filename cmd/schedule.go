package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/mealsched/internal/scheduler"
)

func newScheduleCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect the auto-registration schedule",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the triggers derived from current meal window configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			mgr := &scheduler.Manager{Tenants: a.dir, Configs: a.dir, Log: a.log}
			triggers, err := mgr.Plan(ctx)
			if err != nil {
				return err
			}
			now := time.Now()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TRIGGER\tAT\tTIMEZONE\tNEXT")
			for _, t := range triggers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Key(), t.At, t.Location, t.Next(now).Format(time.RFC3339))
			}
			return tw.Flush()
		},
	})
	return cmd
}
