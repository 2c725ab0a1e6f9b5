package proxy

import (
	"context"

	"go.uber.org/zap"

	"github.com/ditto-gateway/gateway/internal/auditlog"
	"github.com/ditto-gateway/gateway/internal/budget"
	"github.com/ditto-gateway/gateway/internal/pricing"
	"github.com/ditto-gateway/gateway/internal/store"
)

// settlement is the immutable capture a finalizer (or the buffered path)
// settles with: which reservations exist, what was charged, and what the
// upstream reported.
type settlement struct {
	requestID    string
	virtualKeyID string
	path         string
	route        string
	model        string
	mappedModel  string
	serviceTier  string
	backend      string
	attempted    []string
	stream       bool

	chargeTokens uint64
	chargeCost   uint64
	costActive   bool

	reservations []budget.ReservationHandle
}

// settle commits or rolls back every reservation in one pass, then writes
// the audit record. observed may be nil when the upstream reported no
// usage.
func (g *Gateway) settle(ctx context.Context, s *settlement, status int, spend bool, observed *ObservedUsage) {
	spentTokens := s.chargeTokens
	if observed != nil && observed.TotalTokens > 0 {
		spentTokens = uint64(observed.TotalTokens)
	}

	var spentCost uint64
	if s.costActive {
		spentCost = s.chargeCost
		if observed != nil {
			quote, err := g.pricing.Quote(s.mappedModel, pricing.Usage{
				InputTokens:    observed.InputTokens,
				OutputTokens:   observed.OutputTokens,
				CacheHitTokens: observed.CacheInputTokens,
				ServiceTier:    s.serviceTier,
			})
			if err == nil {
				spentCost = quote
			}
		}
	}

	for _, res := range s.reservations {
		outcome := "rollback"
		if spend {
			amount := spentTokens
			if res.Kind() == budget.KindCost {
				amount = spentCost
			}
			if err := g.ledger.Commit(res.RequestID(), res.Scope(), res.Kind(), amount); err != nil {
				g.logger.Warn("commit failed", zap.String("request_id", s.requestID), zap.Error(err))
			} else {
				outcome = "commit"
				kind := scopeKindOf(res.Scope())
				if res.Kind() == budget.KindTokens {
					g.metrics.TokensSpent(kind, amount)
				} else {
					g.metrics.CostSpent(kind, amount)
				}
			}
		} else {
			g.ledger.Rollback(res.RequestID(), res.Scope(), res.Kind())
		}
		g.metrics.ReservationSettled(string(res.Kind()), outcome)
		g.persistScope(ctx, res.Scope(), res.Kind())
		if g.store != nil {
			if err := g.store.DeleteReservation(ctx, res.RequestID(), res.Scope(), string(res.Kind())); err != nil {
				g.logger.Warn("reservation cleanup failed", zap.Error(err))
			}
		}
	}

	rec := auditlog.Record{
		RequestID:         s.requestID,
		VirtualKeyID:      s.virtualKeyID,
		Backend:           s.backend,
		Path:              s.path,
		Model:             s.model,
		Status:            status,
		Stream:            s.stream,
		ChargeTokens:      s.chargeTokens,
		AttemptedBackends: s.attempted,
	}
	if s.costActive {
		rec.ChargeCostUSDMicros = s.chargeCost
	}
	if spend {
		rec.SpentTokens = spentTokens
		if s.costActive {
			rec.SpentCostUSDMicros = spentCost
		}
	}
	g.audit.Write(ctx, "proxy", rec)
}

// rollbackAll releases every live reservation without charging, used when
// all attempts fail or admission-adjacent errors occur post-reserve.
func (g *Gateway) rollbackAll(ctx context.Context, s *settlement) {
	for _, res := range s.reservations {
		g.ledger.Rollback(res.RequestID(), res.Scope(), res.Kind())
		g.metrics.ReservationSettled(string(res.Kind()), "rollback")
		g.persistScope(ctx, res.Scope(), res.Kind())
		if g.store != nil {
			_ = g.store.DeleteReservation(ctx, res.RequestID(), res.Scope(), string(res.Kind()))
		}
	}
}

// persistScope mirrors a scope's ledger row into the durable store,
// best-effort.
func (g *Gateway) persistScope(ctx context.Context, scope string, kind budget.Kind) {
	if g.store == nil {
		return
	}
	spent, reserved := g.ledger.Snapshot(scope, kind)
	if err := g.store.SaveLedgerRow(ctx, store.LedgerRow{
		Scope:    scope,
		Kind:     string(kind),
		Spent:    spent,
		Reserved: reserved,
	}); err != nil {
		g.logger.Warn("ledger persistence failed", zap.String("scope", scope), zap.Error(err))
	}
}
