// Package auditlog writes the per-request settlement record to both
// sinks the gateway carries: the structured process log and, when a
// database is configured, the append-only audit_logs table.
package auditlog

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/ditto-gateway/gateway/internal/store"
)

// Record is one settled (or denied) request.
type Record struct {
	RequestID           string   `json:"request_id"`
	VirtualKeyID        string   `json:"virtual_key_id,omitempty"`
	Backend             string   `json:"backend,omitempty"`
	Path                string   `json:"path"`
	Model               string   `json:"model,omitempty"`
	Status              int      `json:"status"`
	Stream              bool     `json:"stream,omitempty"`
	ChargeTokens        uint64   `json:"charge_tokens"`
	SpentTokens         uint64   `json:"spent_tokens"`
	ChargeCostUSDMicros uint64   `json:"charge_cost_usd_micros,omitempty"`
	SpentCostUSDMicros  uint64   `json:"spent_cost_usd_micros,omitempty"`
	AttemptedBackends   []string `json:"attempted_backends,omitempty"`
	Denied              string   `json:"denied,omitempty"` // admission denial code, empty when dispatched
}

// Writer fans a Record out to its sinks. The store sink is best-effort:
// a failed append is logged, never surfaced to the request path.
type Writer struct {
	logger *zap.Logger
	store  store.Store
}

func NewWriter(logger *zap.Logger, st store.Store) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{logger: logger.Named("audit"), store: st}
}

// Write emits one record. kind is "proxy" for settled attempts and
// "admission_denied" for pre-dispatch rejections.
func (w *Writer) Write(ctx context.Context, kind string, rec Record) {
	w.logger.Info("request settled",
		zap.String("kind", kind),
		zap.String("request_id", rec.RequestID),
		zap.String("virtual_key_id", rec.VirtualKeyID),
		zap.String("backend", rec.Backend),
		zap.String("path", rec.Path),
		zap.String("model", rec.Model),
		zap.Int("status", rec.Status),
		zap.Bool("stream", rec.Stream),
		zap.Uint64("charge_tokens", rec.ChargeTokens),
		zap.Uint64("spent_tokens", rec.SpentTokens),
		zap.Uint64("charge_cost_usd_micros", rec.ChargeCostUSDMicros),
		zap.Uint64("spent_cost_usd_micros", rec.SpentCostUSDMicros),
		zap.Strings("attempted_backends", rec.AttemptedBackends),
		zap.String("denied", rec.Denied),
	)

	if w.store == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		w.logger.Error("encode audit record", zap.Error(err))
		return
	}
	if err := w.store.AppendAuditLog(ctx, kind, payload); err != nil {
		w.logger.Error("append audit record", zap.Error(err))
	}
}
