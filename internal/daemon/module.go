package daemon

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatcore/internal/api"
	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/config"
	"github.com/matheus3301/chatcore/internal/conn"
	"github.com/matheus3301/chatcore/internal/dispatch"
	"github.com/matheus3301/chatcore/internal/lock"
	"github.com/matheus3301/chatcore/internal/logging"
	"github.com/matheus3301/chatcore/internal/metrics"
	"github.com/matheus3301/chatcore/internal/outbox"
	"github.com/matheus3301/chatcore/internal/profile"
	"github.com/matheus3301/chatcore/internal/status"
	"github.com/matheus3301/chatcore/internal/store"
	intsync "github.com/matheus3301/chatcore/internal/sync"
	"github.com/matheus3301/chatcore/internal/upload"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile string
	// Dir overrides the profile directory, for tests.
	Dir string
	// SocketPath overrides the control socket path; empty = derived from Dir.
	SocketPath string
	// Config skips loading chatd.toml when set.
	Config *config.Daemon
	// Dialer replaces the websocket dialer, for tests.
	Dialer conn.Dialer
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideRegistry,
			provideMetrics,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideDispatcher,
			provideManager,
			provideQueue,
			provideUploader,
			provideEngine,
			provideMirror,
			provideControl,
			NewServer,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Daemon, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		cfg, err = config.LoadDaemon(profile.DaemonConfigPath(p.Profile), profile.EnvPath(p.Profile))
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Daemon) (*zap.Logger, error) {
	return logging.New(p.logPath(), p.Profile, cfg.Debug)
}

func provideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func provideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := os.MkdirAll(p.thumbDir(), 0700); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(p.dir())
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so two daemons never open one history database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.historyPath()
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("history store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideDispatcher(logger *zap.Logger, m *metrics.Metrics) *dispatch.Dispatcher {
	return dispatch.New(logger.Named("dispatch"), m)
}

func provideManager(p Params, cfg *config.Daemon, disp *dispatch.Dispatcher, machine *status.Machine, logger *zap.Logger, m *metrics.Metrics) *conn.Manager {
	c := cfg.Connection
	return conn.New(conn.Config{
		URL:               cfg.ServerURL,
		ConfirmTimeout:    c.ConfirmTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		BaseDelay:         c.ReconnectBase,
		MaxDelay:          c.ReconnectMax,
		MaxJitter:         c.ReconnectJitter,
		DialTimeout:       c.DialTimeout,
	}, p.Dialer, disp, machine, logger.Named("conn"), m)
}

func provideQueue(cfg *config.Daemon, mgr *conn.Manager, disp *dispatch.Dispatcher, logger *zap.Logger, m *metrics.Metrics) *outbox.Queue {
	q := outbox.New(outbox.Config{
		ReplayInterval: cfg.Queue.ReplayInterval,
		MaxRetries:     cfg.Queue.MaxRetries,
	}, mgr, disp, logger.Named("outbox"), m)
	mgr.UseQueue(q)
	return q
}

func provideUploader(p Params, cfg *config.Daemon, logger *zap.Logger, m *metrics.Metrics) upload.Uploader {
	return &upload.HTTPUploader{
		Endpoint: cfg.UploadURL,
		Token:    cfg.Token,
		ThumbDir: p.thumbDir(),
		Log:      logger.Named("upload"),
		Metrics:  m,
	}
}

func provideEngine(cfg *config.Daemon, mgr *conn.Manager, q *outbox.Queue, up upload.Uploader, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *intsync.Engine {
	return intsync.NewEngine(intsync.Config{
		UserID:      cfg.UserID,
		DedupWindow: cfg.Sync.DedupWindow,
	}, mgr, q, up, b, logger.Named("sync"), m)
}

func provideMirror(db *store.DB, b *bus.Bus, logger *zap.Logger) *store.Mirror {
	return store.NewMirror(db, b, logger.Named("mirror"))
}

func provideControl(p Params, engine *intsync.Engine, q *outbox.Queue, mgr *conn.Manager, machine *status.Machine, db *store.DB, b *bus.Bus, logger *zap.Logger) *api.Control {
	return api.NewControl(p.Profile, engine, q, mgr, machine, db, b, logger.Named("api"))
}

type lifecycleDeps struct {
	fx.In

	Config  *config.Daemon
	Server  *Server
	Metrics *MetricsServer
	Lock    *lock.Lock
	DB      *store.DB
	Mirror  *store.Mirror
	Disp    *dispatch.Dispatcher
	Manager *conn.Manager
	Queue   *outbox.Queue
	Engine  *intsync.Engine
	Logger  *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	var unregister []func()
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Mirror first so no state change is missed.
			d.Mirror.Start(context.Background())

			// The engine reconciles before the queue replays.
			unregister = append(unregister, d.Disp.Register(d.Engine), d.Disp.Register(d.Queue))

			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			if err := d.Metrics.Start(); err != nil {
				return err
			}

			creds := conn.Credentials{UserID: d.Config.UserID, Token: d.Config.Token}
			if err := d.Manager.Connect(creds); err != nil {
				return err
			}
			d.Logger.Info("daemon started", zap.String("server", d.Config.ServerURL))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Manager.Close()
			for _, fn := range unregister {
				fn()
			}
			d.Queue.Stop()
			d.Engine.Stop()
			d.Server.Stop(ctx)
			d.Metrics.Stop(ctx)
			d.Mirror.Stop()
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing history store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			_ = d.Logger.Sync()
			return nil
		},
	})
}
