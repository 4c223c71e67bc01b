package cli

import (
	"errors"
	"fmt"

	"github.com/Bshisia/community-hope/internal/account"

	"github.com/spf13/cobra"
)

// NewAdminCommand creates the admin command group.
func NewAdminCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage admin accounts",
	}
	cmd.AddCommand(newAdminCreateCommand(opts))
	return cmd
}

func newAdminCreateCommand(opts *RootOptions) *cobra.Command {
	var email, password, name string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an admin account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" || password == "" {
				return errors.New("--email and --password are required")
			}

			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			admin, err := account.NewService(a.db, a.cfg.Security.BcryptCost).CreateAdmin(ctx, email, password, name)
			if err != nil {
				if errors.Is(err, account.ErrWeakPassword) {
					return fmt.Errorf("%w: 8-64 characters with upper case, lower case and a digit", err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "admin %d created (%s)\n", admin.ID, admin.Email)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "login email")
	cmd.Flags().StringVar(&password, "password", "", "initial password")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}
