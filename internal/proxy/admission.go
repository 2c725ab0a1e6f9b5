package proxy

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ditto-gateway/gateway/internal/authn"
	"github.com/ditto-gateway/gateway/internal/budget"
	"github.com/ditto-gateway/gateway/internal/guardrails"
	"github.com/ditto-gateway/gateway/internal/gwerr"
	"github.com/ditto-gateway/gateway/internal/pricing"
	"github.com/ditto-gateway/gateway/internal/ratelimit"
	"github.com/ditto-gateway/gateway/internal/store"
)

// costSupportedRoutes are the endpoints whose cost is reliably computable
// from token counts. Any other endpoint fails admission outright when a
// cost budget is active.
var costSupportedRoutes = map[string]bool{
	"/v1/chat/completions": true,
	"/v1/completions":      true,
	"/v1/responses":        true,
	"/v1/embeddings":       true,
}

// admission carries everything the attempt loop needs, captured before
// any upstream call.
type admission struct {
	requestID string
	identity  authn.Identity
	scopes    []authn.Scope

	method string
	path   string
	route  string
	header http.Header
	body   []byte

	bodyJSON        map[string]any
	model           string
	stream          bool
	serviceTier     string
	maxOutputTokens int
	inputTokens     int

	chargeTokens uint64
	chargeCost   uint64
	costActive   bool

	stack *budget.ReservationStack
}

// admit runs the full admission pipeline. On error, every reservation it
// made has already been rolled back.
func (g *Gateway) admit(ctx context.Context, r *http.Request, body []byte) (*admission, error) {
	a := &admission{
		method: r.Method,
		path:   r.URL.Path,
		route:  ratelimit.NormalizeRoute(r.URL.Path),
		header: r.Header,
		body:   body,
		stack:  budget.NewReservationStack(g.ledger),
	}
	a.requestID = r.Header.Get("X-Request-Id")
	if a.requestID == "" {
		a.requestID = uuid.NewString()
	}

	identity, err := g.keys.Authenticate(r.Header)
	if err != nil {
		return a, err
	}
	a.identity = identity
	a.scopes = authn.Scopes(identity)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") && len(body) > 0 {
		parsed, err := guardrails.ParseJSONBody(body)
		if err != nil {
			return a, err
		}
		a.bodyJSON = parsed
		a.model, _ = parsed["model"].(string)
		a.stream, _ = parsed["stream"].(bool)
		a.serviceTier, _ = parsed["service_tier"].(string)
		a.maxOutputTokens = maxOutputTokensFor(a.route, parsed)
	}

	a.inputTokens = g.estimator.EstimateInputTokens(a.model, a.bodyJSON, body)
	a.chargeTokens = uint64(a.inputTokens + a.maxOutputTokens)

	if err := g.checkCost(a); err != nil {
		return a, err
	}
	if err := g.checkGuardrails(a); err != nil {
		return a, err
	}
	if err := g.checkRateLimits(ctx, a); err != nil {
		return a, err
	}
	if err := g.reserveBudgets(a); err != nil {
		return a, err
	}
	return a, nil
}

// maxOutputTokensFor reads the endpoint's output-cap field: max_tokens or
// max_completion_tokens for chat, max_tokens for completions,
// max_output_tokens for responses.
func maxOutputTokensFor(route string, body map[string]any) int {
	read := func(key string) int {
		if v, ok := body[key].(float64); ok && v > 0 {
			return int(v)
		}
		return 0
	}
	switch route {
	case "/v1/chat/completions":
		if v := read("max_completion_tokens"); v > 0 {
			return v
		}
		return read("max_tokens")
	case "/v1/completions":
		return read("max_tokens")
	case "/v1/responses":
		return read("max_output_tokens")
	default:
		return 0
	}
}

func (g *Gateway) checkCost(a *admission) error {
	for _, scope := range a.scopes {
		if scope.Budget.TotalUSDMicros != nil {
			a.costActive = true
			break
		}
	}
	if !a.costActive {
		return nil
	}
	if !costSupportedRoutes[a.route] {
		return gwerr.CostBudgetUnsupportedEndpoint()
	}
	quote, err := g.pricing.Quote(a.model, pricing.Usage{
		InputTokens:  a.inputTokens,
		OutputTokens: a.maxOutputTokens,
		ServiceTier:  a.serviceTier,
	})
	if err != nil {
		return err
	}
	a.chargeCost = quote
	return nil
}

func (g *Gateway) checkGuardrails(a *admission) error {
	ruleOverride := g.router.GuardrailsFor(a.model)

	for _, scope := range a.scopes {
		effective := scope.Guardrails
		if ruleOverride != nil {
			effective = *ruleOverride
		}
		if a.model != "" {
			if err := guardrails.CheckModel(effective, a.model); err != nil {
				return err
			}
		}
		if err := guardrails.CheckInputTokens(effective, a.inputTokens); err != nil {
			return err
		}
		guard := effective
		if err := g.guard.CheckBannedText(&guard, a.body); err != nil {
			return err
		}
		if effective.ValidateSchema {
			if a.bodyJSON != nil {
				if err := guardrails.ValidateSchema(a.route, a.bodyJSON); err != nil {
					return err
				}
			} else if a.method == http.MethodPost {
				if err := guardrails.ValidateMultipart(a.route, a.header.Get("Content-Type"), a.body); err != nil {
					return err
				}
			}
		}
		// guardrails are evaluated once when a rule override pins them
		if ruleOverride != nil {
			break
		}
	}
	return nil
}

func (g *Gateway) checkRateLimits(ctx context.Context, a *admission) error {
	for _, scope := range a.scopes {
		limits := scope.Limits
		requests, tokens := limits.RequestsPerMinute, limits.TokensPerMinute
		if override, ok := limits.RouteOverrides[a.route]; ok {
			if override.RequestsPerMinute > 0 {
				requests = override.RequestsPerMinute
			}
			if override.TokensPerMinute > 0 {
				tokens = override.TokensPerMinute
			}
		}
		if requests <= 0 && tokens <= 0 {
			continue
		}
		ok, err := g.limiter.CheckAndConsume(ctx, scope.Ref, a.route, requests, tokens, int(a.chargeTokens))
		if err != nil {
			return gwerr.Storage(err)
		}
		if !ok {
			return gwerr.RateLimited(fmt.Sprintf("rate limit exceeded for scope %s", scope.Ref))
		}
	}
	return nil
}

// reserveBudgets makes the ordered token then cost reservations. A later
// denial unwinds everything acquired so far, in reverse order.
func (g *Gateway) reserveBudgets(a *admission) error {
	for _, scope := range a.scopes {
		if scope.Budget.TotalTokens == nil {
			continue
		}
		limit := *scope.Budget.TotalTokens
		ok, err := a.stack.Reserve(a.requestID, scope.Ref, budget.KindTokens, limit, a.chargeTokens)
		if err != nil {
			a.stack.Unwind()
			return gwerr.Storage(err)
		}
		if !ok {
			a.stack.Unwind()
			return gwerr.BudgetExceeded(limit, a.chargeTokens)
		}
		g.persistReservation(a.requestID, scope.Ref, budget.KindTokens, a.chargeTokens)
	}
	if a.costActive {
		for _, scope := range a.scopes {
			if scope.Budget.TotalUSDMicros == nil {
				continue
			}
			limit := *scope.Budget.TotalUSDMicros
			ok, err := a.stack.Reserve(a.requestID, scope.Ref, budget.KindCost, limit, a.chargeCost)
			if err != nil {
				a.stack.Unwind()
				return gwerr.Storage(err)
			}
			if !ok {
				a.stack.Unwind()
				return gwerr.CostBudgetExceeded(limit, a.chargeCost)
			}
			g.persistReservation(a.requestID, scope.Ref, budget.KindCost, a.chargeCost)
		}
	}
	return nil
}

// persistReservation mirrors a live reservation into the durable store so
// it survives restart, best-effort.
func (g *Gateway) persistReservation(requestID, scope string, kind budget.Kind, amount uint64) {
	if g.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.store.InsertReservation(ctx, store.ReservationRow{
		RequestID: requestID,
		Scope:     scope,
		Kind:      string(kind),
		Amount:    amount,
		TS:        time.Now(),
	}); err != nil {
		g.logger.Warn("reservation persistence failed", zap.String("request_id", requestID), zap.Error(err))
	}
	g.persistScope(ctx, scope, kind)
}

// scopeKindOf classifies a scope ref for metrics labels.
func scopeKindOf(ref string) string {
	switch {
	case strings.HasPrefix(ref, "tenant:"):
		return "tenant"
	case strings.HasPrefix(ref, "project:"):
		return "project"
	case strings.HasPrefix(ref, "user:"):
		return "user"
	default:
		return "key"
	}
}
