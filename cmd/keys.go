package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/mealsched/internal/extcode"
)

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Generate an EXTERNAL_CODE_SECRET value (base64)",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := make([]byte, extcode.MinSecretLen)
			if _, err := rand.Read(secret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "export EXTERNAL_CODE_SECRET=%s\n", base64.StdEncoding.EncodeToString(secret))
			return nil
		},
	}
}
