// Package engine assembles the runtime: logs, store, registry, policy
// layers, scheduler, plugins, and the agent bridge, wired per the loaded
// policy document. The CLI owns process concerns (flags, exit codes); the
// engine owns everything between Open and Close.
package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/synapse/internal/audit"
	"github.com/haasonsaas/synapse/internal/bridge"
	"github.com/haasonsaas/synapse/internal/clock"
	"github.com/haasonsaas/synapse/internal/config"
	"github.com/haasonsaas/synapse/internal/observability"
	"github.com/haasonsaas/synapse/internal/permission"
	"github.com/haasonsaas/synapse/internal/plugin"
	"github.com/haasonsaas/synapse/internal/quota"
	"github.com/haasonsaas/synapse/internal/reflex"
	"github.com/haasonsaas/synapse/internal/scheduler"
	"github.com/haasonsaas/synapse/internal/store"
	"github.com/haasonsaas/synapse/internal/tools"
	"github.com/haasonsaas/synapse/internal/worldmodel"
	"github.com/haasonsaas/synapse/pkg/models"
)

// Version is stamped by the build.
var Version = "dev"

// Sentinels the CLI maps to exit codes.
var (
	// ErrChainVerification marks a hash-chain mismatch found at startup.
	ErrChainVerification = errors.New("chain verification failed")

	// ErrBind marks a failure to bind a listener.
	ErrBind = errors.New("listener bind failed")

	// ErrDurableWrite marks a latched durable-write failure at runtime.
	ErrDurableWrite = errors.New("durable write failed")
)

// Engine is an assembled, ready-to-serve runtime.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clock.Clock

	World       *worldmodel.Log
	Audit       *audit.Logger
	Store       *store.Store
	Registry    *tools.Registry
	Reflexes    *reflex.Engine
	Permissions *permission.Layer
	Quota       *quota.Engine
	Scheduler   *scheduler.Scheduler
	Loader      *plugin.Loader
	Bridge      *bridge.Bridge

	Metrics       *observability.Metrics
	PromRegistry  *prometheus.Registry
	tracer        trace.Tracer
	traceShutdown func(context.Context) error

	fatal chan error
	cron  *cron.Cron
}

// New opens state, verifies both chains, and wires every component. Nothing
// listens yet; call Run.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = observability.NewLogger(cfg.LogConfig())
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger,
		clock:  clock.NewSystem(),
		fatal:  make(chan error, 2),
	}

	e.PromRegistry = prometheus.NewRegistry()
	e.Metrics = observability.NewMetrics(e.PromRegistry)

	if cfg.Tracing.Endpoint != "" {
		tracer, shutdown := observability.NewTracer(observability.TraceConfig{
			ServiceName:    "synapse",
			ServiceVersion: Version,
			Endpoint:       cfg.Tracing.Endpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			Insecure:       cfg.Tracing.Insecure,
		})
		e.tracer = tracer
		e.traceShutdown = shutdown
	}

	world, err := worldmodel.Open(cfg.Storage.EventLogPath, worldmodel.Options{
		Clock:   e.clock,
		Logger:  logger,
		OnFatal: e.onFatal,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: event log: %v", ErrChainVerification, err)
	}
	e.World = world

	st, err := store.Open(cfg.Storage.StorePath)
	if err != nil {
		e.closePartial()
		return nil, fmt.Errorf("open store: %w", err)
	}
	e.Store = st

	auditLog, err := audit.Open(cfg.Storage.AuditLogPath, audit.Options{
		Clock:   e.clock,
		Logger:  logger,
		OnFatal: e.onFatal,
		OnRecord: func(record *audit.Record) {
			e.Metrics.AuditRecords.WithLabelValues(string(record.Type)).Inc()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := st.IndexAuditRecord(ctx, record.Seq, record.Tool, record.AgentID, record.Status, time.Unix(0, record.Timestamp)); err != nil {
				logger.Warn("audit index insert failed", "seq", record.Seq, "error", err)
			}
		},
	})
	if err != nil {
		e.closePartial()
		return nil, fmt.Errorf("%w: audit log: %v", ErrChainVerification, err)
	}
	e.Audit = auditLog

	e.Registry = tools.NewRegistry(logger)
	for name, override := range cfg.ToolOverrides {
		e.Registry.SetOverride(name, tools.Override{
			RateLimitPerMinute: override.RateLimitPerMinute,
			Sensitivity:        models.Sensitivity(override.Sensitivity),
			RequiredScopes:     override.RequiredScopes,
			Timeout:            override.Timeout,
		})
	}

	e.Reflexes, err = reflex.New(reflex.Options{
		Resolve: func(name string) (reflex.ToolInfo, bool) {
			d, engErr := e.Registry.Get(name)
			if engErr != nil {
				return reflex.ToolInfo{}, false
			}
			return reflex.ToolInfo{Resource: d.Resource}, true
		},
		Clock:  e.clock,
		Logger: logger,
	})
	if err != nil {
		e.closePartial()
		return nil, err
	}

	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		// No secret configured: tokens signed this run will not verify after
		// a restart.
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			e.closePartial()
			return nil, fmt.Errorf("generate ephemeral secret: %w", err)
		}
		logger.Warn("no token secret configured, using an ephemeral one")
	}
	e.Permissions, err = permission.New(permission.Options{
		Secret:        secret,
		Grantable:     cfg.Scopes.Grantable,
		DefaultScopes: cfg.Scopes.Default,
		AgentScopes:   cfg.Scopes.Agents,
		Store:         st,
		Audit:         auditLog,
		Clock:         e.clock,
		Logger:        logger,
	})
	if err != nil {
		e.closePartial()
		return nil, err
	}

	e.Quota = quota.New(quota.Limits{
		CPUBudgetMS:  int64(cfg.Quota.CPUMsPerWindow),
		StorageBytes: cfg.Quota.StorageBytes,
		Window:       cfg.Quota.Window,
	}, e.clock, logger)

	e.Scheduler, err = scheduler.New(scheduler.Options{
		Registry:    e.Registry,
		Permissions: e.Permissions,
		Quota:       e.Quota,
		Reflexes:    e.Reflexes,
		World:       world,
		Audit:       auditLog,
		Clock:       e.clock,
		Logger:      logger,
		Metrics:     e.Metrics,
		Tracer:      e.tracer,
	})
	if err != nil {
		e.closePartial()
		return nil, err
	}

	e.Loader, err = plugin.NewLoader(plugin.Options{
		Registry: e.Registry,
		Reflexes: e.Reflexes,
		Audit:    auditLog,
		EmitSensor: func(ctx context.Context, sensor string, payload map[string]any) error {
			_, err := e.Scheduler.EmitSensor(ctx, sensor, payload)
			return err
		},
		OnLifecycle: func(name string, state plugin.State, message string) {
			e.Scheduler.AppendPluginLifecycle(name, string(state), message)
		},
		Simulate: cfg.Simulate,
		Logger:   logger,
	})
	if err != nil {
		e.closePartial()
		return nil, err
	}

	e.Bridge, err = bridge.New(bridge.Options{
		Scheduler: e.Scheduler,
		World:     world,
		Registry:  e.Registry,
		Store:     st,
		Clock:     e.clock,
		Logger:    logger,
		Metrics:   e.Metrics,
	})
	if err != nil {
		e.closePartial()
		return nil, err
	}
	return e, nil
}

func (e *Engine) onFatal(err error) {
	select {
	case e.fatal <- fmt.Errorf("%w: %v", ErrDurableWrite, err):
	default:
	}
}

// LoadPlugins registers the builtin system plugin and discovers manifests
// under the configured plugins directory.
func (e *Engine) LoadPlugins(ctx context.Context) error {
	if err := e.Loader.LoadBuiltin(ctx, plugin.NewSystemPlugin(Version)); err != nil {
		return fmt.Errorf("load system plugin: %w", err)
	}
	if e.cfg.Plugins.Dir != "" {
		if err := e.Loader.DiscoverDir(ctx, e.cfg.Plugins.Dir); err != nil {
			return fmt.Errorf("discover plugins: %w", err)
		}
	}
	return nil
}

// Run serves until ctx is canceled or a fatal integrity error latches.
// Returns nil on clean shutdown.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.LoadPlugins(ctx); err != nil {
		return err
	}

	if e.cfg.Plugins.Watch && e.cfg.Plugins.Dir != "" {
		go func() {
			if err := e.Loader.Watch(ctx, e.cfg.Plugins.Dir); err != nil && ctx.Err() == nil {
				e.logger.Error("plugin watch stopped", "error", err)
			}
		}()
	}

	bridgeListener, err := net.Listen("tcp", e.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBind, e.cfg.Server.Addr(), err)
	}
	bridgeServer := &http.Server{Handler: e.Bridge}
	go func() {
		if err := bridgeServer.Serve(bridgeListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("bridge server stopped", "error", err)
		}
	}()
	e.logger.Info("bridge listening", "addr", bridgeListener.Addr().String())

	var metricsServer *http.Server
	if addr := e.cfg.Server.MetricsAddr(); addr != "" {
		metricsListener, err := net.Listen("tcp", addr)
		if err != nil {
			_ = bridgeServer.Close()
			return fmt.Errorf("%w: %s: %v", ErrBind, addr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(e.PromRegistry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", e.handleHealthz)
		metricsServer = &http.Server{Handler: mux}
		go func() {
			if err := metricsServer.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Error("metrics server stopped", "error", err)
			}
		}()
		e.logger.Info("metrics listening", "addr", metricsListener.Addr().String())
	}

	e.startSweeps()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-e.fatal:
		runErr = err
		e.logger.Error("fatal integrity error, shutting down", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = bridgeServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	e.Scheduler.Wait()
	e.Close()
	return runErr
}

func (e *Engine) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if err := e.World.Failed(); err != nil {
		http.Error(w, "event log failed", http.StatusServiceUnavailable)
		return
	}
	if err := e.Audit.Failed(); err != nil {
		http.Error(w, "audit log failed", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// startSweeps schedules the periodic quota window sweep and idle-agent
// cleanup.
func (e *Engine) startSweeps() {
	e.cron = cron.New()
	idleTTL := e.cfg.Quota.AgentIdleTTL
	_, err := e.cron.AddFunc("@every 1m", func() {
		cutoff := e.clock.Now().Add(-idleTTL)
		removed := e.Quota.Sweep(cutoff)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		deleted, err := e.Store.DeleteAgentsIdleSince(ctx, cutoff)
		if err != nil {
			e.logger.Warn("idle agent sweep failed", "error", err)
		}
		if len(removed) > 0 || deleted > 0 {
			e.logger.Info("sweep", "quota_removed", len(removed), "agents_deleted", deleted)
		}
	})
	if err != nil {
		e.logger.Error("sweep schedule failed", "error", err)
		return
	}
	e.cron.Start()
}

// Close releases every resource. Safe after a partial New failure.
func (e *Engine) Close() {
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	e.closePartial()
}

func (e *Engine) closePartial() {
	if e.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = e.traceShutdown(ctx)
		cancel()
		e.traceShutdown = nil
	}
	if e.Audit != nil {
		_ = e.Audit.Close()
		e.Audit = nil
	}
	if e.Store != nil {
		_ = e.Store.Close()
		e.Store = nil
	}
	if e.World != nil {
		_ = e.World.Close()
		e.World = nil
	}
}
