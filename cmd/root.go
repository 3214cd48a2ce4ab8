package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

type rootOptions struct {
	envFile   string
	migrateUp bool
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "mealsched",
		Short:         "Multi-tenant meal booking, token allocation and automatic registration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "optional dotenv file loaded before reading the environment")
	root.PersistentFlags().BoolVar(&opts.migrateUp, "migrate", true, "run database migrations on startup")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newServerCmd(opts))
	root.AddCommand(newAutoregCmd(opts))
	root.AddCommand(newScheduleCmd(opts))
	root.AddCommand(newQueueCmd(opts))
	root.AddCommand(newCodeCmd(opts))

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
