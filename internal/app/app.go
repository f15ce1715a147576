// Package app wires configuration, definitions, skills, stores, the
// execution engine, and the HTTP transport into a runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/skillflow/internal/batch"
	"github.com/pitabwire/skillflow/internal/config"
	"github.com/pitabwire/skillflow/internal/definition"
	"github.com/pitabwire/skillflow/internal/observability"
	"github.com/pitabwire/skillflow/internal/openapi"
	"github.com/pitabwire/skillflow/internal/skill"
	"github.com/pitabwire/skillflow/internal/transport"
	"github.com/pitabwire/skillflow/internal/workflow"
	"github.com/pitabwire/skillflow/model"
)

// Option configures New.
type Option func(*options)

type options struct {
	registry   *prometheus.Registry
	getenv     func(string) string
	handlers   []skill.Handler
	httpClient *http.Client
}

// WithRegistry registers metrics on reg and serves them from it instead of
// the Prometheus default registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithGetenv replaces os.Getenv for reading secrets and addresses named in
// the configuration.
func WithGetenv(fn func(string) string) Option {
	return func(o *options) { o.getenv = fn }
}

// WithHandlers registers in-process skills next to the built-in ones.
func WithHandlers(h ...skill.Handler) Option {
	return func(o *options) { o.handlers = append(o.handlers, h...) }
}

// WithHTTPClient sets the client used by the direct provider.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// App is a fully wired service.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Workflows *definition.Registry
	Skills    *skill.Registry
	Engine    *workflow.Engine
	Batches   *batch.Runner
	Handler   http.Handler

	reloadMu sync.Mutex
	closers  []func()
}

// New builds every component described by cfg. On error, anything already
// opened is closed again.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	o := &options{getenv: os.Getenv}
	for _, opt := range opts {
		opt(o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var metricsHandler http.Handler
	if o.registry != nil {
		registerer = o.registry
		metricsHandler = promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.InitMetrics(registerer),
	}

	workflows, err := LoadWorkflows(cfg.Definitions, logger)
	if err != nil {
		return nil, err
	}
	a.Workflows = definition.NewRegistry(workflows)
	a.Metrics.SetDefinitionsLoaded(float64(len(workflows)))

	skills, skillCount, err := a.buildSkills(ctx, o)
	if err != nil {
		return nil, err
	}
	a.Skills = skills
	a.Metrics.SetSkillsLoaded(float64(skillCount))
	if missing := a.missingSkills(); len(missing) > 0 {
		logger.Warn("workflows reference skills with no invoker", zap.Strings("skills", missing))
	}

	store, err := a.buildStore(ctx, o)
	if err != nil {
		a.close()
		return nil, err
	}

	engineOpts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithMetrics(a.Metrics),
		workflow.WithStepTimeout(cfg.Engine.StepTimeout),
		workflow.WithMaxConcurrency(cfg.Engine.MaxConcurrency),
		workflow.WithDefaultRetry(workflow.RetryPolicyFromConfig(cfg.Engine.Retry)),
	}
	idem, err := a.buildIdempotency(ctx, o)
	if err != nil {
		a.close()
		return nil, err
	}
	if idem != nil {
		engineOpts = append(engineOpts, workflow.WithIdempotency(idem, cfg.Idempotency.Store.DefaultTTL))
	}

	a.Engine = workflow.NewEngine(a.Workflows, store, a.Skills, engineOpts...)
	a.Batches = batch.NewRunner(a.Engine, a.Workflows,
		batch.WithLogger(logger),
		batch.WithMetrics(a.Metrics),
		batch.WithDefaults(cfg.Batch.Concurrency, cfg.Batch.Delay),
		batch.WithMaxItems(cfg.Batch.MaxItems),
	)

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return a.Workflows.Len() > 0 },
		SkillsAvailable:   func() bool { return len(a.missingSkills()) == 0 },
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readiness.ExecutionStore = hc
	}
	if hc, ok := idem.(observability.HealthChecker); ok {
		readiness.IdempotencyStore = hc
	}

	a.Handler = transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Metrics:        a.Metrics,
		Engine:         a.Engine,
		Workflows:      a.Workflows,
		Batches:        a.Batches,
		Readiness:      readiness,
		MetricsHandler: metricsHandler,
	})

	logger.Info("application wired",
		zap.Int("workflows", len(workflows)),
		zap.Int("skills", skillCount),
		zap.String("store", cfg.Store.Driver),
	)
	return a, nil
}

// LoadWorkflows loads and validates every definition file under cfg's
// directories. Warnings are logged. Errors are logged and the offending
// workflows left out; in strict mode any error fails the load.
func LoadWorkflows(cfg config.DefinitionsConfig, logger *zap.Logger) ([]model.Workflow, error) {
	files, err := definition.NewLoader().LoadAll(cfg.Directories)
	if err != nil {
		return nil, fmt.Errorf("loading definitions: %w", err)
	}

	workflows, verrs := definition.NewValidator().Accept(files)
	for _, ve := range verrs {
		if ve.IsWarning() {
			logger.Warn("definition warning", zap.String("path", ve.Path), zap.String("code", ve.Code), zap.String("message", ve.Message))
			continue
		}
		logger.Error("definition error", zap.String("path", ve.Path), zap.String("code", ve.Code), zap.String("message", ve.Message))
	}
	if cfg.Strict && definition.HasErrors(verrs) {
		errCount := 0
		for _, ve := range verrs {
			if !ve.IsWarning() {
				errCount++
			}
		}
		return nil, &model.ErrorEnvelope{
			Code:    model.ErrDefinitionInvalid,
			Message: fmt.Sprintf("definition validation failed with %d errors", errCount),
		}
	}
	return workflows, nil
}

// ReloadDefinitions re-reads the definition directories and swaps the
// registry contents. On failure the running definitions stay in place.
// Runs already in flight keep the workflow they started with.
func (a *App) ReloadDefinitions() error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	workflows, err := LoadWorkflows(a.Config.Definitions, a.Logger)
	if err == nil && len(workflows) == 0 {
		err = errors.New("no valid workflows found")
	}
	if err != nil {
		a.Metrics.RecordDefinitionReload("failure")
		a.Logger.Error("definition reload failed", zap.Error(err))
		return err
	}

	a.Workflows.Replace(workflows)
	a.Metrics.RecordDefinitionReload("success")
	a.Metrics.SetDefinitionsLoaded(float64(len(workflows)))
	a.Logger.Info("definitions reloaded",
		zap.Int("workflows", len(workflows)),
		zap.String("checksum", a.Workflows.Checksum()),
	)
	if missing := a.missingSkills(); len(missing) > 0 {
		a.Logger.Warn("workflows reference skills with no invoker", zap.Strings("skills", missing))
	}
	return nil
}

// Shutdown stops batches and live runs, then closes the stores.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.Batches.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("batches: %w", err))
	}
	if err := a.Engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	a.close()
	return errors.Join(errs...)
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// missingSkills lists skill ids referenced by a registered workflow that no
// invoker serves.
func (a *App) missingSkills() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, wf := range a.Workflows.AllWorkflows() {
		for _, step := range wf.Steps {
			if !seen[step.SkillID] {
				seen[step.SkillID] = true
				ids = append(ids, step.SkillID)
			}
		}
	}
	sort.Strings(ids)
	return a.Skills.Missing(ids)
}

// buildSkills registers in-process handlers first, then the prompt catalog,
// then OpenAPI operations. Each is wrapped in per-skill circuit breakers
// when enabled.
func (a *App) buildSkills(ctx context.Context, o *options) (*skill.Registry, int, error) {
	cfg := a.Config.Skills

	handlers := skill.NewHandlerRegistry()
	skill.RegisterBuiltins(handlers)
	for _, h := range o.handlers {
		handlers.Register(h)
	}

	catalog, err := skill.LoadCatalog(cfg.Directories)
	if err != nil {
		return nil, 0, err
	}

	prompts := skill.NewPromptInvoker(catalog, cfg.DefaultKeyMode, a.Logger)
	client := o.httpClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Provider.Timeout}
	}
	prompts.SetProvider(skill.KeyModePersonal, skill.NewOpenAIProvider(
		o.getenv(cfg.Provider.APIKeyEnv), cfg.Provider.DefaultModel, cfg.Provider.BaseURL, client,
	))
	if cfg.Proxy.URL != "" {
		prompts.SetProvider(skill.KeyModePlatform, skill.NewProxyProvider(
			cfg.Proxy.URL, o.getenv(cfg.Proxy.TokenEnv), cfg.Proxy.Timeout,
		))
	}

	resolvers := []skill.Resolver{skill.NewHandlerInvoker(handlers), prompts}
	count := len(handlers.Names()) + catalog.Len()
	if len(cfg.Services) > 0 {
		idx := openapi.NewIndex()
		sources := make([]openapi.SpecSource, 0, len(cfg.Services))
		services := make(map[string]skill.OperationService, len(cfg.Services))
		for _, svc := range cfg.Services {
			sources = append(sources, openapi.SpecSource{ServiceID: svc.ID, BaseURL: svc.BaseURL, SpecPath: svc.SpecPath})
			services[svc.ID] = skill.OperationService{Token: o.getenv(svc.TokenEnv), Timeout: svc.Timeout}
		}
		if err := idx.Load(ctx, sources); err != nil {
			return nil, 0, err
		}
		resolvers = append(resolvers, skill.NewOperationInvoker(idx, services, o.httpClient))
		count += idx.Len()
		a.Logger.Info("openapi services loaded",
			zap.Int("services", len(cfg.Services)),
			zap.Int("operations", idx.Len()),
		)
	}

	reg := skill.NewRegistry()
	for _, res := range resolvers {
		if cfg.CircuitBreaker.Enabled {
			res = skill.NewBreakerResolver(res, breakerConfig(cfg.CircuitBreaker), a.onBreakerChange)
		}
		reg.Register(res)
	}
	return reg, count, nil
}

func breakerConfig(cfg config.CircuitBreakerConfig) skill.BreakerConfig {
	return skill.BreakerConfig{
		FailureThreshold:   cfg.FailureThreshold,
		SuccessThreshold:   cfg.SuccessThreshold,
		Timeout:            cfg.Timeout,
		ErrorRateThreshold: cfg.ErrorRateThreshold,
		ErrorRateWindow:    cfg.ErrorRateWindow,
	}
}

func (a *App) onBreakerChange(skillID string, s skill.BreakerState) {
	a.Metrics.SetSkillCircuitBreakerState(skillID, float64(s))
	if s == skill.BreakerOpen {
		a.Logger.Warn("circuit breaker opened", zap.String("skill_id", skillID))
		return
	}
	a.Logger.Info("circuit breaker state changed",
		zap.String("skill_id", skillID),
		zap.String("state", s.String()),
	)
}

func (a *App) buildStore(ctx context.Context, o *options) (workflow.ExecutionStore, error) {
	cfg := a.Config.Store
	switch cfg.Driver {
	case "memory", "":
		a.Logger.Info("using in-memory execution store")
		return workflow.NewMemoryExecutionStore(), nil
	case "postgres":
		dsn := o.getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("execution store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("execution store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			poolCfg.MinConns = int32(cfg.MaxIdleConns)
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("execution store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("execution store: ping: %w", err)
		}
		if cfg.AutoMigrate {
			if err := workflow.EnsureSchema(ctx, pool); err != nil {
				pool.Close()
				return nil, fmt.Errorf("execution store: migrate: %w", err)
			}
		}
		a.closers = append(a.closers, pool.Close)
		a.Logger.Info("using postgres execution store")
		return workflow.NewPgExecutionStore(pool), nil
	default:
		return nil, fmt.Errorf("unsupported execution store driver: %q", cfg.Driver)
	}
}

func (a *App) buildIdempotency(ctx context.Context, o *options) (workflow.IdempotencyStore, error) {
	cfg := a.Config.Idempotency
	if !cfg.Enabled {
		return nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		a.Logger.Info("using in-memory idempotency store")
		return workflow.NewMemoryIdempotencyStore(), nil
	case "redis":
		addr := o.getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("idempotency store: ping: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.Logger.Info("using redis idempotency store", zap.String("addr", addr))
		return workflow.NewRedisIdempotencyStore(client), nil
	default:
		return nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}
