// Package app is the composition root: it wires the durable store, the
// core services (queue, registry, dispatcher, worker sessions, schedule
// engine, fan-out) and the HTTP/WebSocket surface together, the way
// cmd/orchestratord expects to find them.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/time/rate"

	"github.com/casarerpa/orchestrator/internal/auth"
	"github.com/casarerpa/orchestrator/internal/config"
	"github.com/casarerpa/orchestrator/internal/logging"
	"github.com/casarerpa/orchestrator/internal/services/dispatcher"
	"github.com/casarerpa/orchestrator/internal/services/fanout"
	"github.com/casarerpa/orchestrator/internal/services/queue"
	"github.com/casarerpa/orchestrator/internal/services/registry"
	"github.com/casarerpa/orchestrator/internal/services/schedule"
	"github.com/casarerpa/orchestrator/internal/services/session"
	"github.com/casarerpa/orchestrator/internal/storage"
	"github.com/casarerpa/orchestrator/internal/storage/postgres"
	"github.com/casarerpa/orchestrator/internal/version"
)

// App holds every initialized component. It is the shared core used by
// cmd/orchestratord.
type App struct {
	Config *config.Config
	Logger *logging.Logger

	Storage storage.Store

	Fanout     *fanout.Fanout
	Queue      *queue.Manager
	Registry   *registry.Registry
	Sessions   *session.Hub
	Dispatcher *dispatcher.Dispatcher
	Schedule   *schedule.Engine

	JWTValidator   *auth.JWTValidator
	RobotValidator *auth.RobotValidator
	AdminAuth      *auth.AdminAuthenticator

	SubmitLimiter *rate.Limiter

	StartupTime time.Time
}

func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// New initializes all components. configPath may be empty, in which case
// the default resolution logic is used.
func New(ctx context.Context, configPath string) (*App, error) {
	startupStart := time.Now()

	version.LoadFromFile()

	binDir := getBinaryDir()
	if configPath == "" {
		configPath = os.Getenv("ORCHESTRATOR_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "orchestrator.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/orchestrator.toml"
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.NewLogger(cfg.Logging.Level)

	store, err := postgres.New(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	fan := fanout.New(logger)
	queueMgr := queue.New(store, fan, logger, cfg.Timeouts)
	reg := registry.New(store, queueMgr, fan, logger, cfg.Timeouts)
	sessionHub := session.NewHub(reg, queueMgr, logger)
	disp := dispatcher.New(store, reg, queueMgr, sessionHub, logger, cfg.Timeouts, cfg.ResolvedWorkers(runtime.NumCPU()), cfg.RateLimits, cfg.Server.DispatchPolicy)
	sched := schedule.New(store, queueMgr, logger, cfg.Timeouts.ScheduleSweep())

	jwtValidator := auth.NewJWTValidator(cfg.Auth.JWTSecret)
	robotValidator := auth.NewRobotValidator(store, cfg.Auth.RobotAuthEnabled)
	adminAuth := auth.NewAdminAuthenticator(cfg.Auth.AdminUser, cfg.Auth.AdminPasswordHash)
	submitLimiter := rate.NewLimiter(rate.Limit(cfg.RateLimits.SubmitPerSecond), cfg.RateLimits.SubmitBurst)

	a := &App{
		Config:         cfg,
		Logger:         logger,
		Storage:        store,
		Fanout:         fan,
		Queue:          queueMgr,
		Registry:       reg,
		Sessions:       sessionHub,
		Dispatcher:     disp,
		Schedule:       sched,
		JWTValidator:   jwtValidator,
		RobotValidator: robotValidator,
		AdminAuth:      adminAuth,
		SubmitLimiter:  submitLimiter,
		StartupTime:    startupStart,
	}

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("orchestrator app initialized")
	return a, nil
}

// Start launches every background component (spec §5: dispatcher,
// liveness_sweep, timeout_sweep, schedule_sweep).
func (a *App) Start() {
	a.Queue.Start()
	a.Registry.Start()
	a.Dispatcher.Start()
	a.Schedule.Start()
}

// Close stops every background component and releases the store, in
// reverse dependency order.
func (a *App) Close() {
	if a.Schedule != nil {
		a.Schedule.Stop()
	}
	if a.Dispatcher != nil {
		a.Dispatcher.Stop()
	}
	if a.Registry != nil {
		a.Registry.Stop()
	}
	if a.Queue != nil {
		a.Queue.Stop()
	}
	if a.Fanout != nil {
		a.Fanout.Stop()
	}
	if a.Storage != nil {
		a.Storage.Close()
	}
}
