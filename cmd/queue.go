package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/example/mealsched/internal/domain/meal"
)

func newQueueCmd(opts *rootOptions) *cobra.Command {
	var tenant, mealType, date string

	c := &cobra.Command{
		Use:   "queue",
		Short: "Print the serving queue for a meal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if date == "" {
				date = a.today(ctx, tenant)
			}
			res := a.api.GetQueue(ctx, tenant, mealType, date)
			if !res.OK() {
				return fmt.Errorf("%s: %s", res.Outcome, res.Message)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOKEN\tSTUDENT\tNAME\tROOM\tPREFERENCE\tSPECIAL")
			for _, r := range res.Payload.([]meal.Registration) {
				special := ""
				if r.IsSpecial {
					special = "yes"
					if r.SpecialRemarks != "" {
						special += ": " + r.SpecialRemarks
					}
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.TokenNumber, r.StudentID, r.Student.Name, r.Student.RoomNumber, r.Preference, special)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
	c.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	c.Flags().StringVar(&mealType, "meal", "", "lunch or dinner")
	c.Flags().StringVar(&date, "date", "", "meal date YYYY-MM-DD (default: tenant-local today)")
	_ = c.MarkFlagRequired("tenant")
	_ = c.MarkFlagRequired("meal")
	return c
}
