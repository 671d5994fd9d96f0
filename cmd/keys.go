package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage project API keys",
	}

	var project string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key for a project and print it once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := connect(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			key, err := a.db.CreateAPIKey(cmd.Context(), project)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}
	create.Flags().StringVar(&project, "project", "", "project id (required)")
	_ = create.MarkFlagRequired("project")

	keys.AddCommand(create)
	return keys
}
