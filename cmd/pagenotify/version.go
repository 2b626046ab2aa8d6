package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pagenotify/internal/app"
)

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pagenotify %s (git %s) built %s\n", app.Version, app.GitCommit, app.BuildTime)
		},
	}
}
