package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/stepflow/internal/config"
	"github.com/harun/stepflow/internal/logger"
	"github.com/harun/stepflow/internal/observability"
	"github.com/harun/stepflow/internal/tracing"
	"github.com/harun/stepflow/pkg/agent"
	"github.com/harun/stepflow/pkg/bridge"
	"github.com/harun/stepflow/pkg/classifier"
	"github.com/harun/stepflow/pkg/coretools"
	"github.com/harun/stepflow/pkg/gateway"
	"github.com/harun/stepflow/pkg/hooks"
	"github.com/harun/stepflow/pkg/session"
	"github.com/harun/stepflow/pkg/toolexecutor"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Daemon wires the session store, step engine, bridge and gateway into one
// long-running process
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	loader *config.Loader

	audit      *observability.AuditLogger
	store      *session.Store
	tools      *toolexecutor.ToolExecutor
	completion agent.Completion
	engine     *agent.Engine
	bridge     *bridge.Bridge
	gateway    *gateway.Server
	hooks      *hooks.Manager
	scheduler  *cron.Cron
	lifecycle  *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Option customizes a Daemon
type Option func(*Daemon)

// WithCompletion replaces the provider-backed completion. Tests use it to
// script the model.
func WithCompletion(c agent.Completion) Option {
	return func(d *Daemon) { d.completion = c }
}

// WithConfigLoader lets the daemon watch the config file it was loaded from
func WithConfigLoader(l *config.Loader) Option {
	return func(d *Daemon) { d.loader = l }
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	d := &Daemon{
		config: cfg,
		logger: log,
	}
	for _, opt := range opts {
		opt(d)
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize OpenTelemetry")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.closeAudit()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.closeAudit()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config

	if cfg.Logging.AuditFile != "" {
		auditPath := cfg.Logging.AuditFile
		if !filepath.IsAbs(auditPath) {
			auditPath = filepath.Join(cfg.DataDir, auditPath)
		}
		if err := os.MkdirAll(filepath.Dir(auditPath), 0755); err != nil {
			return fmt.Errorf("failed to create audit directory: %w", err)
		}
		audit, err := observability.OpenAuditLog(auditPath)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		d.audit = audit
	}

	d.store = session.NewWithLogger(d.logger.Component("session"))

	policy := &toolexecutor.ToolPolicy{Allow: cfg.Tools.Allow, Deny: cfg.Tools.Deny}
	if err := toolexecutor.ValidatePolicy(policy, d.logger.Component("toolexecutor")); err != nil {
		return fmt.Errorf("invalid tool policy: %w", err)
	}
	d.tools = toolexecutor.NewWithConfig(toolexecutor.Config{
		Timeout: time.Duration(cfg.Tools.TimeoutSeconds) * time.Second,
		Policy:  policy,
		Logger:  d.logger.GetZerolog(),
		Audit:   d.audit,
	})
	if err := coretools.Register(d.tools, coretools.Options{}); err != nil {
		return err
	}

	if d.completion == nil {
		completion, err := d.newProviderCompletion()
		if err != nil {
			return err
		}
		d.completion = completion
	}

	engine, err := agent.NewEngine(agent.Config{
		Store:           d.store,
		Completion:      d.completion,
		Tools:           d.tools,
		Logger:          d.logger.GetZerolog(),
		SpecialTools:    cfg.Agent.SpecialTools,
		HumanInputTools: cfg.Agent.HumanInputTools,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	d.engine = engine

	return nil
}

func (d *Daemon) newProviderCompletion() (agent.Completion, error) {
	cfg := d.config
	if len(cfg.AI.Profiles) == 0 {
		return nil, fmt.Errorf("no AI profiles configured")
	}

	profiles := make([]agent.AuthProfile, 0, len(cfg.AI.Profiles))
	for _, p := range cfg.AI.Profiles {
		profiles = append(profiles, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Priority: p.Priority,
		})
	}

	provider, err := agent.NewFailoverProvider(agent.FailoverConfig{
		Profiles: profiles,
		Logger:   d.logger.Component("failover"),
		Cooldown: time.Duration(cfg.AI.CooldownSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	return agent.NewProviderCompletion(provider, agent.CompletionConfig{
		Model:          cfg.Agent.Model,
		Temperature:    cfg.Agent.Temperature,
		MaxTokens:      cfg.Agent.MaxTokens,
		SystemPrompt:   cfg.Agent.SystemPrompt,
		NextStepPrompt: cfg.Agent.NextStepPrompt,
	}), nil
}

func (d *Daemon) initializeServices() error {
	cfg := d.config

	hookManager, err := hooks.NewManager(hooks.Config{
		Enabled: cfg.Hooks.Enabled,
		Hooks:   hooksFromConfig(cfg.Hooks.Hooks),
		Logger:  d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create hook manager: %w", err)
	}
	d.hooks = hookManager

	clients := gateway.NewClientRegistry()
	broadcaster := gateway.NewEventBroadcaster(clients, d.logger.Component("broadcaster"))

	br, err := bridge.New(bridge.Config{
		Engine:        d.engine,
		Classifier:    classifier.New(MarkersFromConfig(cfg.Markers)),
		Sink:          bridge.MultiSink{broadcaster, bridge.AuditSink{Audit: d.audit}, hookManager},
		Logger:        d.logger.GetZerolog(),
		MaxIdleThinks: cfg.Agent.MaxIdleThinks,
	})
	if err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}
	d.bridge = br

	server, err := gateway.NewServer(gateway.Config{
		Host:              cfg.Gateway.Host,
		Port:              cfg.Gateway.Port,
		DefaultMaxSteps:   cfg.Agent.MaxSteps,
		RequestsPerSecond: cfg.Gateway.RequestsPerSecond,
		Burst:             cfg.Gateway.Burst,
		Bridge:            br,
		Store:             d.store,
		Clients:           clients,
		Broadcaster:       broadcaster,
		Logger:            d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gateway = server

	d.scheduler = cron.New(cron.WithLogger(cronLogger{logger: d.logger.Component("cron")}))
	if expr := cfg.Metrics.SessionStatsSchedule; expr != "" {
		if _, err := d.scheduler.AddFunc(expr, d.reportSessionStats); err != nil {
			return fmt.Errorf("invalid session stats schedule %q: %w", expr, err)
		}
	}

	return nil
}

// MarkersFromConfig converts the configured marker strings for the classifier.
// Empty entries fall back to the classifier defaults.
func MarkersFromConfig(m config.MarkersConfig) classifier.Markers {
	var markers classifier.Markers
	if m.AwaitingInput != "" {
		markers.AwaitingInput = []string{m.AwaitingInput}
	}
	if m.Error != "" {
		markers.Error = []string{m.Error}
	}
	if m.FinalAnswer != "" {
		markers.FinalAnswer = []string{m.FinalAnswer}
	}
	return markers
}

func hooksFromConfig(entries []config.HookConfig) []hooks.Hook {
	result := make([]hooks.Hook, 0, len(entries))
	for _, h := range entries {
		result = append(result, hooks.Hook{
			ID:      h.ID,
			Event:   h.Event,
			Script:  h.Script,
			Timeout: time.Duration(h.TimeoutSeconds) * time.Second,
			Enabled: h.Enabled,
		})
	}
	return result
}

func (d *Daemon) reportSessionStats() {
	count := d.store.Len()
	observability.SetActiveSessions(count)

	inFlight := 0
	for _, view := range d.store.List() {
		if view.InFlight {
			inFlight++
		}
	}

	d.logger.Debug().
		Int("sessions", count).
		Int("in_flight", inFlight).
		Msg("Session stats")
}

// Start starts the daemon
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	log := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	log.Info().Msg("Starting stepflow daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gateway.Start(); err != nil {
		d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	log.Info().Str("addr", d.gateway.Addr()).Msg("Gateway server started")

	d.scheduler.Start()
	log.Info().Int("jobs", len(d.scheduler.Entries())).Msg("Scheduler started")

	if d.loader != nil {
		if err := d.loader.Watch(d.onConfigChange); err != nil {
			log.Warn().Err(err).Msg("Config hot reload disabled")
		}
	}

	if err := d.hooks.Trigger(context.Background(), hooks.EventDaemonStartup, map[string]interface{}{
		"addr": d.gateway.Addr(),
	}); err != nil {
		log.Warn().Err(err).Msg("Startup hooks failed")
	}

	log.Info().Msg("Stepflow daemon started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// onConfigChange applies the settings that can change without a restart.
// Everything else is logged and takes effect on the next start.
func (d *Daemon) onConfigChange(cfg *config.Config, err error) {
	if err != nil {
		d.logger.Warn().Err(err).Msg("Ignoring invalid config change")
		return
	}

	if level, parseErr := zerolog.ParseLevel(cfg.Logging.Level); parseErr == nil && cfg.Logging.Level != "" {
		zerolog.SetGlobalLevel(level)
	}

	d.audit.RecordConfig(context.Background(), "config:reload", "daemon", map[string]interface{}{
		"log_level": cfg.Logging.Level,
	})
	d.logger.Info().Str("log_level", cfg.Logging.Level).Msg("Config reloaded")
}

// Stop stops the daemon. In-flight requests get until ctx is done.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	log := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	log.Info().Msg("Stopping stepflow daemon")

	var firstErr error
	if err := d.gateway.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to stop gateway server")
		firstErr = err
	}

	select {
	case <-d.scheduler.Stop().Done():
	case <-ctx.Done():
		log.Warn().Msg("Scheduler jobs still running at shutdown")
	}
	log.Info().Msg("Scheduler stopped")

	if err := d.hooks.Wait(ctx); err != nil {
		log.Warn().Err(err).Msg("Signal hooks still running at shutdown")
	}
	if err := d.hooks.Trigger(ctx, hooks.EventDaemonShutdown, nil); err != nil {
		log.Warn().Err(err).Msg("Shutdown hooks failed")
	}

	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown OpenTelemetry")
		}
	}

	if err := d.lifecycle.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
		if firstErr == nil {
			firstErr = err
		}
	}

	d.closeAudit()

	log.Info().Msg("Stepflow daemon stopped")
	return firstErr
}

func (d *Daemon) closeAudit() {
	if err := d.audit.Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close audit log")
	}
}

// Run starts the daemon and blocks until ctx is cancelled or the process
// receives SIGINT or SIGTERM, then stops it.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		d.logger.Info().Msg("Shutdown requested")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.Stop(shutdownCtx)
	})

	return g.Wait()
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Addr      string
	Sessions  int
}

// Status returns the current daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Sessions: d.store.Len(),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Addr = d.gateway.Addr()
	}

	return status
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// Store returns the session store
func (d *Daemon) Store() *session.Store {
	return d.store
}

// Bridge returns the streaming bridge
func (d *Daemon) Bridge() *bridge.Bridge {
	return d.bridge
}

// Gateway returns the gateway server
func (d *Daemon) Gateway() *gateway.Server {
	return d.gateway
}

// Tools returns the tool executor so callers can register extra tools
func (d *Daemon) Tools() *toolexecutor.ToolExecutor {
	return d.tools
}

// cronLogger routes scheduler logs through zerolog
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
