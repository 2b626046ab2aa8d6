package app

import (
	"context"
	"fmt"

	"pagenotify/internal/config"
	"pagenotify/internal/storage"
	logx "pagenotify/pkg/logx"
)

// Version is set at build time with -ldflags "-X pagenotify/internal/app.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Migrate opens the configured database, applies pending migrations and
// closes it again. No other service is built.
func Migrate(ctx context.Context, cfgPath string) error {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	logSvc, root := logx.New(mapLogConfig(cfg), nil)
	defer func() { _ = logSvc.Close() }()

	st, err := storage.Open(ctx, sc, root)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	root.Info("schema up to date", logx.Uint64("version", uint64(storage.LatestMigrationVersion)))
	return st.Close()
}
