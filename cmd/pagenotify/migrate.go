package main

import (
	"github.com/spf13/cobra"

	"pagenotify/internal/app"
)

func migrateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Migrate(cmd.Context(), flags.config)
		},
	}
}
