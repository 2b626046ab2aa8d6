package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pagenotify/internal/app"
	"pagenotify/internal/history"
)

func recordCommand(flags *globalFlags) *cobra.Command {
	var (
		file string
		wait time.Duration
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one mutation (JSON) and dispatch its single notifications",
		Long: `Reads a mutation context as JSON from --file or stdin, for example:

  {"kind":"comment","op":"create","actor_id":1,"page_id":7,"comment_id":42}

The derived history record is printed on stdout. Single notifications are
dispatched before the command exits, bounded by --wait.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			mc, err := decodeMutation(in)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := app.New(ctx, flags.config)
			if err != nil {
				return err
			}
			defer func() { _ = a.Stop(context.Background(), app.StopAppStop) }()
			a.StartWorkers(ctx)

			rec, err := a.Store().ApplyMutation(ctx, a.Recorder(), mc)
			if err != nil {
				return err
			}
			if rec == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no record: mutation is not notable")
				return nil
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(rec); err != nil {
				return err
			}

			drainCtx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			if err := a.Drain(drainCtx); err != nil {
				return fmt.Errorf("dispatch still running after %s, the next sweep delivers it: %w", wait, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the mutation from this file instead of stdin")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for dispatch")
	return cmd
}

func decodeMutation(r io.Reader) (history.MutationContext, error) {
	var mc history.MutationContext
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&mc); err != nil {
		return mc, fmt.Errorf("decode mutation: %w", err)
	}
	if err := mc.Validate(); err != nil {
		return mc, err
	}
	return mc, nil
}
