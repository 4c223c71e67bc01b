package cli

import (
	"fmt"

	"github.com/Bshisia/community-hope/internal/ledger/dynamostore"

	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema (and the DynamoDB table)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if ds, ok := a.store.(*dynamostore.Store); ok {
				if err := ds.EnsureTable(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dynamodb table %s ready\n", a.cfg.Ledger.DynamoDB.Table)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema migrated (%s)\n", a.cfg.Database.Path)
			return nil
		},
	}
}
