package main

import (
	"github.com/spf13/cobra"
)

type globalFlags struct {
	config string
}

func rootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "pagenotify",
		Short:         "Page history notifications and daily digests",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.config, "config", "c", "./config.yaml", "path to config file (yaml or json)")

	root.AddCommand(
		serveCommand(flags),
		digestCommand(flags),
		recordCommand(flags),
		migrateCommand(flags),
		versionCommand(),
	)
	return root
}
