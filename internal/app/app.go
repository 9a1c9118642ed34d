// Package app wires config into a running engine: logger, store, directory
// seed, metrics, notifiers and the deadline monitor.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"auditflow/internal/config"
	"auditflow/internal/db"
	"auditflow/internal/deadline"
	"auditflow/internal/engine"
	"auditflow/internal/metrics"
	"auditflow/internal/notify"
	"auditflow/internal/store"
	"auditflow/internal/store/memstore"
	"auditflow/internal/store/sqlstore"
)

type App struct {
	Config   *config.Config
	Log      *zap.Logger
	Store    store.Store
	Metrics  *metrics.Metrics
	Notify   *notify.Queue
	Engine   *engine.Engine
	Deadline *deadline.Monitor
}

// NewLogger builds the process logger. Output goes to stderr so command
// output on stdout stays parseable.
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.Development = false
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	zcfg.InitialFields = map[string]any{"service": "auditflow"}
	return zcfg.Build()
}

// OpenStore opens the configured store. The sqlite driver keeps its file in
// the workspace unless database.path is set.
func OpenStore(ctx context.Context, workspace string, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "memory":
		st, err := memstore.New()
		if err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite", "":
		if cfg.Database.Path == "" {
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return nil, err
			}
		}
		st, err := sqlstore.Open(ctx, db.Config{Workspace: workspace, Path: cfg.Database.Path})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// Open builds an App from cfg. A nil cfg loads auditflow.yml from workspace.
func Open(ctx context.Context, workspace string, cfg *config.Config) (*App, error) {
	if cfg == nil {
		var err error
		if cfg, err = config.Load(workspace); err != nil {
			return nil, err
		}
	}
	log, err := NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	st, err := OpenStore(ctx, workspace, cfg)
	if err != nil {
		return nil, err
	}
	if err := seedDirectory(ctx, st, cfg); err != nil {
		st.Close()
		return nil, fmt.Errorf("seed directory: %w", err)
	}

	m := metrics.New()
	d := notify.Dispatcher{Log: log.Named("notify"), Metrics: m}
	if cfg.Notifications.Log {
		d.Notifiers = append(d.Notifiers, notify.LogNotifier{Log: log.Named("notify")})
	}
	if wh := cfg.Notifications.Webhook; wh.URL != "" {
		d.Notifiers = append(d.Notifiers, notify.NewWebhookNotifier(wh.URL, wh.Secret, wh.Timeout, wh.MaxRetries))
	}

	q := notify.NewQueue(d, cfg.Notifications.QueueSize, cfg.Notifications.Workers)

	e := engine.New(st, cfg)
	e.Notify, e.Metrics, e.Log = q, m, log.Named("engine")

	mon := deadline.New(st, cfg)
	mon.Notify, mon.Metrics, mon.Log = q, m, log.Named("deadline")

	return &App{
		Config:   cfg,
		Log:      log,
		Store:    st,
		Metrics:  m,
		Notify:   q,
		Engine:   e,
		Deadline: mon,
	}, nil
}

// seedDirectory upserts the users listed in config. Users added at runtime
// are left alone.
func seedDirectory(ctx context.Context, st store.Store, cfg *config.Config) error {
	if len(cfg.Directory.Users) == 0 {
		return nil
	}
	return st.Update(ctx, func(tx store.Tx) error {
		for _, u := range cfg.Directory.Users {
			if err := tx.Users().Upsert(ctx, u); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close drains pending notifications, bounded by
// notifications.drain_timeout, then closes the store.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Notifications.DrainTimeout)
	defer cancel()
	if err := a.Notify.Close(ctx); err != nil {
		a.Log.Warn("notification queue not drained", zap.Error(err))
	}
	_ = a.Log.Sync()
	return a.Store.Close()
}
