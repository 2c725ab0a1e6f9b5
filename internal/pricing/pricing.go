// Package pricing quotes request cost: a static per-model USD-micros
// table behind a capability interface, with a no-op default for
// deployments that never enable cost budgets.
package pricing

import (
	"github.com/ditto-gateway/gateway/config"
	"github.com/ditto-gateway/gateway/internal/gwerr"
)

// Usage is the token breakdown a cost quote is computed from.
type Usage struct {
	InputTokens     int
	OutputTokens    int
	CacheHitTokens  int
	ServiceTier     string
}

// Model is the capability trait every cost-aware call site depends on.
// Absent configuration resolves to NoopModel, whose Quote always returns
// gwerr.PricingNotConfigured.
type Model interface {
	Quote(model string, usage Usage) (usdMicros uint64, err error)
}

// StaticModel serves quotes from config.PricingConfig.Models.
type StaticModel struct {
	table map[string]config.ModelPricing
}

func NewStaticModel(cfg config.PricingConfig) *StaticModel {
	table := cfg.Models
	if table == nil {
		table = map[string]config.ModelPricing{}
	}
	return &StaticModel{table: table}
}

func (m *StaticModel) Quote(model string, usage Usage) (uint64, error) {
	p, ok := m.table[model]
	if !ok {
		return 0, gwerr.PricingNotConfigured(model)
	}

	cacheHit := usage.CacheHitTokens
	if cacheHit > usage.InputTokens {
		cacheHit = usage.InputTokens
	}
	billableInput := usage.InputTokens - cacheHit

	cost := uint64(billableInput)*p.InputUSDMicrosPerToken +
		uint64(cacheHit)*p.CacheHitUSDMicrosPerToken +
		uint64(usage.OutputTokens)*p.OutputUSDMicrosPerToken
	return cost, nil
}

// NoopModel never has pricing configured for any model; used when no
// scope enables a cost budget, so the admission code need not branch on
// whether pricing is wired at all.
type NoopModel struct{}

func (NoopModel) Quote(model string, _ Usage) (uint64, error) {
	return 0, gwerr.PricingNotConfigured(model)
}
