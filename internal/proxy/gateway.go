package proxy

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ditto-gateway/gateway/config"
	"github.com/ditto-gateway/gateway/internal/auditlog"
	"github.com/ditto-gateway/gateway/internal/authn"
	"github.com/ditto-gateway/gateway/internal/backendclient"
	"github.com/ditto-gateway/gateway/internal/budget"
	"github.com/ditto-gateway/gateway/internal/cache"
	"github.com/ditto-gateway/gateway/internal/circuitbreaker"
	"github.com/ditto-gateway/gateway/internal/guardrails"
	"github.com/ditto-gateway/gateway/internal/mcp"
	"github.com/ditto-gateway/gateway/internal/metrics"
	"github.com/ditto-gateway/gateway/internal/pool"
	"github.com/ditto-gateway/gateway/internal/pricing"
	"github.com/ditto-gateway/gateway/internal/ratelimit"
	"github.com/ditto-gateway/gateway/internal/retry"
	"github.com/ditto-gateway/gateway/internal/router"
	"github.com/ditto-gateway/gateway/internal/store"
	"github.com/ditto-gateway/gateway/internal/tokenizer"
	"github.com/ditto-gateway/gateway/internal/translate"
)

const defaultMaxBodyBytes = 32 << 20

// Options parameterizes Gateway construction. Nil capability fields get
// no-op or in-memory defaults, so a bare Options{Config: cfg} is a
// fully working single-process gateway.
type Options struct {
	Config      *config.Config
	Logger      *zap.Logger
	Store       store.Store
	Limiter     ratelimit.Limiter
	RemoteCache cache.RemoteTier
	Metrics     *metrics.Collector
}

// Gateway owns every proxying subsystem and implements http.Handler via
// handler.go.
type Gateway struct {
	logger    *zap.Logger
	keys      *authn.Registry
	limiter   ratelimit.Limiter
	ledger    *budget.Ledger
	router    *router.Router
	backends  *backendclient.Registry
	breakers  *breakerRegistry
	guard     *guardrails.Checker
	cache     *cache.Cache
	estimator tokenizer.Estimator
	pricing   pricing.Model
	retry     *retry.Policy
	mcp       *mcp.Registry
	finalize  *pool.FinalizerPool
	audit     *auditlog.Writer
	store     store.Store
	metrics   *metrics.Collector

	mu           sync.RWMutex
	translators  map[string]*translate.Dispatcher
	maxBodyBytes int64
	mcpMaxSteps  int
	cacheEnabled bool
}

// New wires a Gateway from configuration.
func New(opts Options) (*Gateway, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewMemoryLimiter()
	}

	var priceModel pricing.Model = pricing.NoopModel{}
	if len(cfg.Pricing.Models) > 0 {
		priceModel = pricing.NewStaticModel(cfg.Pricing)
	}

	maxBody := cfg.Server.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	maxSteps := cfg.MCP.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 8
	}

	g := &Gateway{
		logger:       logger.Named("proxy"),
		keys:         authn.NewRegistry(cfg.VirtualKeys),
		limiter:      limiter,
		ledger:       budget.NewLedger(),
		router:       router.New(cfg.Router, logger),
		backends:     backendclient.NewRegistry(cfg.Backends, logger),
		guard:        guardrails.NewChecker(),
		cache:        cache.New(cfg.Cache, opts.RemoteCache, logger),
		estimator:    tokenizer.NewEstimator(),
		pricing:      priceModel,
		retry:        retry.NewPolicy(cfg.Retry.Enabled, cfg.Retry.MaxAttempts, cfg.Retry.RetryStatusCodes),
		mcp:          mcp.NewRegistry(cfg.MCP.Servers, logger),
		finalize:     pool.NewFinalizerPool(4, 64),
		audit:        auditlog.NewWriter(logger, opts.Store),
		store:        opts.Store,
		metrics:      opts.Metrics,
		maxBodyBytes: maxBody,
		mcpMaxSteps:  maxSteps,
		cacheEnabled: cfg.Cache.Enabled,
	}
	g.breakers = newBreakerRegistry(cfg.Backends, logger, opts.Metrics)
	g.router.OnDegraded(func(model string) { opts.Metrics.RouterDegraded(model) })

	translators := make(map[string]*translate.Dispatcher)
	for _, b := range cfg.Backends {
		if b.Provider == "" {
			continue
		}
		model, err := translate.NewModel(b, logger)
		if err != nil {
			return nil, err
		}
		translators[b.Name] = translate.NewDispatcher(model, logger)
	}
	g.translators = translators

	return g, nil
}

// MCPRegistry exposes the MCP registry for the MCP HTTP surface.
func (g *Gateway) MCPRegistry() *mcp.Registry { return g.mcp }

// Keys exposes the virtual-key registry for sibling handlers.
func (g *Gateway) Keys() *authn.Registry { return g.keys }

// ReplayLedger restores spent amounts from the durable store. Restored
// reservations from interrupted requests are rolled back: their requests
// will never settle.
func (g *Gateway) ReplayLedger(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	ledgers, reservations, err := g.store.LoadLedger(ctx)
	if err != nil {
		return err
	}
	for _, row := range ledgers {
		g.ledger.RestoreScope(row.Scope, budget.Kind(row.Kind), row.Spent)
	}
	for _, r := range reservations {
		if err := g.store.DeleteReservation(ctx, r.RequestID, r.Scope, r.Kind); err != nil {
			g.logger.Warn("failed to clear stale reservation", zap.String("request_id", r.RequestID), zap.Error(err))
		}
	}
	return nil
}

// Close releases background resources.
func (g *Gateway) Close() {
	g.finalize.Close()
}

func (g *Gateway) translatorFor(backend string) (*translate.Dispatcher, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.translators[backend]
	return d, ok
}

// breakerRegistry lazily builds one breaker per backend and adapts the
// set to router.HealthFilter.
type breakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]circuitbreaker.CircuitBreaker
	configs  map[string]config.BreakerConfig
	logger   *zap.Logger
	metrics  *metrics.Collector
}

func newBreakerRegistry(backends []config.BackendConfig, logger *zap.Logger, collector *metrics.Collector) *breakerRegistry {
	configs := make(map[string]config.BreakerConfig, len(backends))
	for _, b := range backends {
		configs[b.Name] = b.Breaker
	}
	return &breakerRegistry{
		breakers: make(map[string]circuitbreaker.CircuitBreaker),
		configs:  configs,
		logger:   logger,
		metrics:  collector,
	}
}

func (r *breakerRegistry) Get(name string) circuitbreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg := circuitbreaker.DefaultConfig()
	if bc, ok := r.configs[name]; ok {
		if bc.FailureThreshold > 0 {
			cfg.Threshold = bc.FailureThreshold
		}
		if bc.CooldownSeconds > 0 {
			cfg.ResetTimeout = bc.Cooldown()
		}
		if bc.HalfOpenMaxCalls > 0 {
			cfg.HalfOpenMaxCalls = bc.HalfOpenMaxCalls
		}
	}
	collector := r.metrics
	backend := name
	cfg.OnStateChange = func(_, to circuitbreaker.State) {
		collector.BreakerTransition(backend, to.String())
	}
	b := circuitbreaker.New(name, cfg, r.logger)
	r.breakers[name] = b
	return b
}

// Available implements router.HealthFilter.
func (r *breakerRegistry) Available(name string) bool {
	return r.Get(name).Available()
}
