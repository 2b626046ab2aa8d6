package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"pagenotify/internal/app"
	logx "pagenotify/pkg/logx"
)

func serveCommand(flags *globalFlags) *cobra.Command {
	var stopTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run dispatcher, digest scheduler and debug server until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := app.New(ctx, flags.config)
			if err != nil {
				return err
			}
			log := a.Logger()
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}
			if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				log.Warn("sd_notify ready failed", logx.Err(err))
			} else if ok {
				log.Debug("sd_notify ready sent")
			}

			reason := app.StopUnknown
			select {
			case sig := <-sigCh:
				reason = app.StopSIGTERM
				if sig == os.Interrupt {
					reason = app.StopSIGINT
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)

			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}
