package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/ditto-gateway/gateway/internal/backendclient"
	"github.com/ditto-gateway/gateway/internal/gwerr"
	"github.com/ditto-gateway/gateway/internal/translate"
)

// translationAttempt dispatches one attempt onto a provider-native
// adapter instead of a raw HTTP proxy.
func (g *Gateway) translationAttempt(ctx context.Context, w http.ResponseWriter, a *admission, s *settlement, client *backendclient.Client, translator *translate.Dispatcher, permit *backendclient.Permit, start time.Time) (bool, *gwerr.Error) {
	result, err := translator.Dispatch(ctx, a.method, a.path, a.header, a.body, client.MapModel)
	if err != nil {
		ge, ok := gwerr.As(err)
		if !ok {
			ge = gwerr.Backend(0, "translation failed", err)
		}
		// client-caused errors terminate immediately rather than walking
		// the fallback list
		if !ge.Retryable {
			g.rollbackAll(ctx, s)
			permit.Release()
			g.writeError(w, a, ge)
			g.metrics.BackendAttempt(client.Name(), "translation_error")
			return true, nil
		}
		g.metrics.BackendAttempt(client.Name(), "translation_error")
		return false, ge
	}

	provider := client.Config().Provider

	if result.Stream != nil {
		h := w.Header()
		copySanitizedHeaders(h, result.Header)
		h.Set("X-Ditto-Request-Id", a.requestID)
		h.Set("X-Ditto-Backend", client.Name())
		h.Set("X-Ditto-Translation", provider)
		w.WriteHeader(result.Status)

		g.metrics.BackendAttempt(client.Name(), "stream")
		g.pumpTranslationStream(w, s, result, permit)
		g.metrics.ObserveRequest(a.route, client.Name(), statusLabel(result.Status), time.Since(start))
		return true, nil
	}

	var observed *ObservedUsage
	if result.Usage != nil {
		observed = usageFromTranslate(result.Usage)
	}
	g.settle(ctx, s, result.Status, result.Status < 400, observed)
	permit.Release()

	h := w.Header()
	copySanitizedHeaders(h, result.Header)
	h.Set("X-Ditto-Request-Id", a.requestID)
	h.Set("X-Ditto-Backend", client.Name())
	h.Set("X-Ditto-Translation", provider)
	w.WriteHeader(result.Status)
	_, _ = w.Write(result.Body)

	g.metrics.BackendAttempt(client.Name(), outcomeLabel(result.Status))
	g.metrics.ObserveRequest(a.route, client.Name(), statusLabel(result.Status), time.Since(start))
	return true, nil
}

// pumpTranslationStream forwards encoded SSE frames, then settles with
// the usage the adapter delivered at stream end.
func (g *Gateway) pumpTranslationStream(w http.ResponseWriter, s *settlement, result *translate.Result, permit *backendclient.Permit) {
	flusher, _ := w.(http.Flusher)

	fin := &streamFinalizer{g: g, s: s, status: result.Status, permit: permit, tracker: NewUsageTracker()}

	aborted := false
	for chunk := range result.Stream {
		if aborted {
			continue // drain so the adapter goroutine can finish
		}
		if _, err := w.Write(chunk); err != nil {
			aborted = true
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	if usage, ok := <-result.StreamUsage; ok {
		fin.tracker.SetObserved(&ObservedUsage{
			InputTokens:              usage.InputTokens,
			OutputTokens:             usage.OutputTokens,
			TotalTokens:              usage.TotalTokens,
			CacheInputTokens:         usage.CacheInputTokens,
			CacheCreationInputTokens: usage.CacheCreationInputTokens,
			ReasoningTokens:          usage.ReasoningTokens,
		})
	}

	trigger := triggerCompleted
	if aborted {
		trigger = triggerAborted
	}
	fin.finalize(trigger)
}

func usageFromTranslate(u *translate.Usage) *ObservedUsage {
	return &ObservedUsage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		TotalTokens:              u.TotalTokens,
		CacheInputTokens:         u.CacheInputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
		ReasoningTokens:          u.ReasoningTokens,
	}
}
