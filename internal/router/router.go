// Package router resolves a request's model to an ordered list of backend
// candidates: rule match first, then the rule's weighted list, then the
// default weighted list, then the single default backend. Ordering is a
// deterministic weighted shuffle seeded by the request id, so retries of
// the same request walk the same candidate sequence.
package router

import (
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ditto-gateway/gateway/config"
)

// Candidate is one resolved backend in fallback order. Guardrails carries
// the matched rule's override, nil when the rule has none.
type Candidate struct {
	Backend    string
	Guardrails *config.GuardrailsConfig
}

// HealthFilter reports whether a backend should currently receive traffic.
// The circuit-breaker registry implements it; a nil filter admits all.
type HealthFilter interface {
	Available(backend string) bool
}

// Router holds the routing plan. It is rebuilt wholesale on config
// hot-reload; resolution itself takes no locks beyond the plan swap.
type Router struct {
	mu   sync.RWMutex
	cfg  config.RouterConfig
	logger *zap.Logger

	// onDegraded is invoked when the health filter empties the candidate
	// list and the unfiltered list is restored; the metrics collector
	// hooks in here.
	onDegraded func(model string)
}

func New(cfg config.RouterConfig, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{cfg: cfg, logger: logger.With(zap.String("component", "router"))}
}

// Reload swaps in a new routing plan.
func (r *Router) Reload(cfg config.RouterConfig) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// OnDegraded registers the degraded-mode callback.
func (r *Router) OnDegraded(fn func(model string)) { r.onDegraded = fn }

// Resolve returns the candidate list for (model, requestID), health
// filtered and weighted-shuffled. The caller truncates to its retry
// policy's max attempts.
func (r *Router) Resolve(model, requestID string, health HealthFilter) []Candidate {
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	var weighted []config.WeightedBackend
	var guardrails *config.GuardrailsConfig

	if rule, ok := matchRule(cfg.Rules, model); ok {
		guardrails = rule.Guardrails
		if len(rule.WeightedBackends) > 0 {
			weighted = rule.WeightedBackends
		} else if rule.Backend != "" {
			weighted = []config.WeightedBackend{{Backend: rule.Backend, Weight: 1}}
		}
	}
	if weighted == nil {
		if len(cfg.DefaultBackends) > 0 {
			weighted = cfg.DefaultBackends
		} else if cfg.DefaultBackend != "" {
			weighted = []config.WeightedBackend{{Backend: cfg.DefaultBackend, Weight: 1}}
		}
	}
	if len(weighted) == 0 {
		return nil
	}

	filtered := filterHealthy(weighted, health)
	if len(filtered) == 0 {
		// Degraded mode: every candidate's breaker is open. Routing to a
		// known-bad backend beats routing nowhere.
		r.logger.Warn("all candidates unhealthy, restoring unfiltered list",
			zap.String("model", model))
		if r.onDegraded != nil {
			r.onDegraded(model)
		}
		filtered = weighted
	}

	names := weightedShuffle(filtered, requestID)
	out := make([]Candidate, len(names))
	for i, name := range names {
		out[i] = Candidate{Backend: name, Guardrails: guardrails}
	}
	return out
}

// GuardrailsFor returns the matched rule's guardrails override for
// model, nil when no rule matches or the rule has none.
func (r *Router) GuardrailsFor(model string) *config.GuardrailsConfig {
	r.mu.RLock()
	rules := r.cfg.Rules
	r.mu.RUnlock()
	if rule, ok := matchRule(rules, model); ok {
		return rule.Guardrails
	}
	return nil
}

// matchRule returns the first rule whose model_prefix matches model.
func matchRule(rules []config.RouterRule, model string) (config.RouterRule, bool) {
	for _, rule := range rules {
		if strings.HasPrefix(model, rule.ModelPrefix) {
			return rule, true
		}
	}
	return config.RouterRule{}, false
}

func filterHealthy(in []config.WeightedBackend, health HealthFilter) []config.WeightedBackend {
	if health == nil {
		return in
	}
	out := make([]config.WeightedBackend, 0, len(in))
	for _, wb := range in {
		if health.Available(wb.Backend) {
			out = append(out, wb)
		}
	}
	return out
}

// weightedShuffle orders the list by repeated weighted sampling without
// replacement, seeded by the request id. The first element is the primary;
// the rest define fallback order. Identical (list, requestID) inputs
// always produce the same order.
func weightedShuffle(in []config.WeightedBackend, requestID string) []string {
	remaining := make([]config.WeightedBackend, len(in))
	copy(remaining, in)

	rng := rand.New(rand.NewSource(seed(requestID)))
	out := make([]string, 0, len(remaining))

	for len(remaining) > 0 {
		total := 0
		for _, wb := range remaining {
			w := wb.Weight
			if w <= 0 {
				w = 1
			}
			total += w
		}
		pick := rng.Intn(total)
		idx := 0
		for i, wb := range remaining {
			w := wb.Weight
			if w <= 0 {
				w = 1
			}
			if pick < w {
				idx = i
				break
			}
			pick -= w
		}
		out = append(out, remaining[idx].Backend)
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return out
}

func seed(requestID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(requestID))
	return int64(h.Sum64())
}
