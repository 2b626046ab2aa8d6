package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"pagenotify/internal/app"
	"pagenotify/internal/digest"
)

func digestCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Daily digest operations",
	}

	var timeout time.Duration
	run := &cobra.Command{
		Use:   "run",
		Short: "Send the digest now, outside the schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			a, err := app.New(ctx, flags.config)
			if err != nil {
				return err
			}
			defer func() { _ = a.Stop(context.Background(), app.StopAppStop) }()

			rep, err := a.Digest().Run(ctx)
			printReport(cmd.OutOrStdout(), rep)
			return err
		},
	}
	run.Flags().DurationVar(&timeout, "timeout", 0, "abort the run after this long (0 uses digest.max_run)")
	cmd.AddCommand(run)
	return cmd
}

func printReport(w io.Writer, rep digest.Report) {
	if rep.RunID == "" {
		return
	}
	fmt.Fprintf(w, "run:        %s\n", rep.RunID)
	fmt.Fprintf(w, "window:     %s .. %s\n", rep.From.Format(time.RFC3339), rep.To.Format(time.RFC3339))
	fmt.Fprintf(w, "records:    %d\n", rep.Records)
	fmt.Fprintf(w, "recipients: %d (sent %d, failed %d, empty %d)\n", rep.Recipients, rep.Sent, rep.Failed, rep.Empty)
	fmt.Fprintf(w, "stamped:    %d\n", rep.Stamped)
	if rep.Interrupted {
		fmt.Fprintln(w, "interrupted: remaining records stay pending")
	}
	if len(rep.Failures) > 0 {
		fmt.Fprintf(w, "failed users: %v\n", rep.Failures)
	}
}
