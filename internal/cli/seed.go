package cli

import (
	"fmt"
	"os"

	"github.com/Bshisia/community-hope/internal/seed"

	"github.com/spf13/cobra"
)

// NewSeedCommand creates the seed command.
func NewSeedCommand(opts *RootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load sample projects and donations into an empty ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := loadSeed(file)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := seed.Run(ctx, a.store, a.donations, data, a.logger)
			if err != nil {
				return err
			}
			if sum.Skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "ledger already has projects, nothing seeded")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d projects and %d donations\n", sum.Projects, sum.Donations)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "seed YAML file (default: built-in sample data)")
	return cmd
}

func loadSeed(file string) (*seed.Data, error) {
	if file == "" {
		return seed.Sample()
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return seed.Parse(raw)
}
