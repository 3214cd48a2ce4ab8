package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/mealsched/internal/extcode"
)

func newCodeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "code",
		Short: "Manage external (QR) student codes",
	}

	var tenant, student string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue the code printed on a student's QR card",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if cfg.ExternalCodeSecret == nil {
				return errors.New("EXTERNAL_CODE_SECRET is not set (see `mealsched keys`)")
			}
			codes, err := extcode.New(cfg.ExternalCodeSecret, cfg.ExternalCodeMaxAge)
			if err != nil {
				return err
			}
			code, err := codes.Issue(tenant, student)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), code)
			return nil
		},
	}
	issue.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	issue.Flags().StringVar(&student, "student", "", "student id")
	_ = issue.MarkFlagRequired("tenant")
	_ = issue.MarkFlagRequired("student")

	cmd.AddCommand(issue)
	return cmd
}
