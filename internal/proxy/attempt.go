package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ditto-gateway/gateway/internal/backendclient"
	"github.com/ditto-gateway/gateway/internal/cache"
	"github.com/ditto-gateway/gateway/internal/gwerr"
)

// hop-by-hop headers never forwarded upstream.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// credentialHeaders are stripped when virtual keys are configured; the
// backend injects its own upstream credential.
var credentialHeaders = []string{"Authorization", "X-Api-Key", "X-Ditto-Virtual-Key"}

// buffered is a fully read upstream response.
type buffered struct {
	status  int
	header  http.Header
	body    []byte
	backend string
}

// dispatch runs the attempt loop and writes the final response. The
// admission's reservations are settled exactly once on every path.
func (g *Gateway) dispatch(ctx context.Context, w http.ResponseWriter, a *admission) {
	start := time.Now()
	s := g.settlementFor(a)

	candidates := g.router.Resolve(a.model, a.requestID, g.breakers)
	if len(candidates) == 0 {
		g.rollbackAll(ctx, s)
		g.writeError(w, a, gwerr.BackendNotFound("(no route)"))
		return
	}
	maxAttempts := g.retry.MaxCandidates(len(candidates))

	var lastErr *gwerr.Error
	for i := 0; i < maxAttempts; i++ {
		candidate := candidates[i]
		hasNext := i+1 < maxAttempts

		client, ok := g.backends.Get(candidate.Backend)
		if !ok {
			lastErr = gwerr.BackendNotFound(candidate.Backend)
			g.metrics.BackendAttempt(candidate.Backend, "not_found")
			continue
		}
		breaker := g.breakers.Get(candidate.Backend)
		if err := breaker.Allow(); err != nil {
			lastErr = gwerr.Backend(0, "backend circuit open: "+candidate.Backend, err)
			g.metrics.BackendAttempt(candidate.Backend, "breaker_open")
			continue
		}
		permit, ok := client.TryAcquire()
		if !ok {
			breaker.Record(true) // capacity is not a backend failure
			lastErr = gwerr.BackendRateLimited(candidate.Backend)
			g.metrics.BackendAttempt(candidate.Backend, "at_capacity")
			continue
		}
		s.backend = client.Name()
		s.mappedModel = client.MapModel(a.model)
		s.attempted = append(s.attempted, client.Name())

		if translator, isTranslation := g.translatorFor(client.Name()); isTranslation {
			done, err := g.translationAttempt(ctx, w, a, s, client, translator, permit, start)
			if done {
				return
			}
			breaker.Record(false)
			permit.Release()
			lastErr = err
			continue
		}

		done, err := g.proxyAttempt(ctx, w, a, s, client, breaker, permit, hasNext, start)
		if done {
			return
		}
		permit.Release()
		lastErr = err
	}

	g.rollbackAll(ctx, s)
	if lastErr == nil {
		lastErr = gwerr.Backend(0, "all backends failed", nil)
	}
	g.writeError(w, a, lastErr)
}

func (g *Gateway) settlementFor(a *admission) *settlement {
	return &settlement{
		requestID:    a.requestID,
		virtualKeyID: a.identity.Key.ID,
		path:         a.path,
		route:        a.route,
		model:        a.model,
		mappedModel:  a.model,
		serviceTier:  a.serviceTier,
		stream:       a.stream,
		chargeTokens: a.chargeTokens,
		chargeCost:   a.chargeCost,
		costActive:   a.costActive,
		reservations: a.stack.Reservations(),
	}
}

// proxyAttempt sends one raw-proxy attempt. It returns done == true when
// a response (or stream) was written to the caller; otherwise err is the
// captured failure and the loop advances.
func (g *Gateway) proxyAttempt(ctx context.Context, w http.ResponseWriter, a *admission, s *settlement, client *backendclient.Client, breaker interface{ Record(bool) }, permit *backendclient.Permit, hasNext bool, start time.Time) (bool, *gwerr.Error) {
	header := g.upstreamHeader(a)
	body := g.applyModelMap(a, client)

	resp, err := client.Do(ctx, a.method, upstreamPath(a), header, body)
	if err != nil {
		breaker.Record(false)
		g.metrics.BackendAttempt(client.Name(), "transport_error")
		return false, gwerr.Backend(0, "upstream call failed: "+client.Name(), err)
	}

	contentType := resp.Header.Get("Content-Type")

	// stream branch
	if strings.HasPrefix(contentType, "text/event-stream") {
		breaker.Record(resp.StatusCode < 500)
		g.metrics.BackendAttempt(client.Name(), "stream")
		g.streamResponse(w, a, s, resp, permit, start)
		return true, nil
	}

	raw, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		breaker.Record(false)
		g.metrics.BackendAttempt(client.Name(), "read_error")
		return false, gwerr.Backend(0, "upstream read failed: "+client.Name(), readErr)
	}
	result := &buffered{status: resp.StatusCode, header: resp.Header, body: raw, backend: client.Name()}

	// Responses shim: a backend without /v1/responses gets the request
	// replayed against its /v1/chat/completions.
	if a.route == "/v1/responses" && resp.StatusCode >= 400 && a.bodyJSON != nil &&
		strings.HasPrefix(contentType, "application/json") {
		if shimmed, ok := g.responsesShim(ctx, a, client); ok {
			result = shimmed
		}
	}

	success := result.status < 400
	breaker.Record(result.status < 500)

	if !success && g.retry.Retryable(result.status, hasNext) {
		g.metrics.BackendAttempt(client.Name(), "retryable_status")
		return false, gwerr.Backend(result.status, "retryable upstream status", nil)
	}
	g.metrics.BackendAttempt(client.Name(), outcomeLabel(result.status))

	// cache fill before settlement so a concurrent identical request can
	// hit as early as possible
	cacheStatus := ""
	if success && g.cache.Cacheable(a.method, a.route) && !a.stream {
		key := cache.Fingerprint(a.method, a.path, a.body, g.cacheScope(a))
		g.cache.Store(ctx, key, result.status, result.header, result.body, result.backend)
		cacheStatus = "miss"
	}

	var observed *ObservedUsage
	if u, ok := extractBufferedUsage(result.body); ok {
		observed = u
	}
	g.settle(ctx, s, result.status, success, observed)
	permit.Release()

	g.writeBuffered(w, a, s, result, cacheStatus, "")
	g.metrics.ObserveRequest(a.route, result.backend, statusLabel(result.status), time.Since(start))
	return true, nil
}

// upstreamHeader clones the caller's headers minus hop-by-hop and, when
// virtual keys are enforced, caller credentials; the request id is
// re-inserted.
func (g *Gateway) upstreamHeader(a *admission) http.Header {
	header := a.header.Clone()
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
	if g.keys.Enabled() {
		for _, h := range credentialHeaders {
			header.Del(h)
		}
	}
	header.Set("X-Request-Id", a.requestID)
	return header
}

// applyModelMap rewrites body.model when the backend maps the requested
// model; other fields pass through untouched.
func (g *Gateway) applyModelMap(a *admission, client *backendclient.Client) []byte {
	if a.bodyJSON == nil || a.model == "" {
		return a.body
	}
	mapped := client.MapModel(a.model)
	if mapped == a.model {
		return a.body
	}
	clone := make(map[string]any, len(a.bodyJSON))
	for k, v := range a.bodyJSON {
		clone[k] = v
	}
	clone["model"] = mapped
	body, err := json.Marshal(clone)
	if err != nil {
		return a.body
	}
	return body
}

func upstreamPath(a *admission) string {
	return a.path
}

// writeBuffered relays a buffered upstream response with sanitized
// headers plus the gateway's own.
func (g *Gateway) writeBuffered(w http.ResponseWriter, a *admission, s *settlement, result *buffered, cacheStatus, cacheSource string) {
	h := w.Header()
	copySanitizedHeaders(h, result.header)
	h.Set("X-Ditto-Request-Id", a.requestID)
	h.Set("X-Ditto-Backend", result.backend)
	if cacheStatus != "" {
		h.Set("X-Ditto-Cache", cacheStatus)
		h.Set("X-Ditto-Cache-Key", cache.Fingerprint(a.method, a.path, a.body, g.cacheScope(a)))
	}
	if cacheSource != "" {
		h.Set("X-Ditto-Cache-Source", cacheSource)
	}
	w.WriteHeader(result.status)
	_, _ = w.Write(result.body)
}

func copySanitizedHeaders(dst, src http.Header) {
	for k, vs := range src {
		switch http.CanonicalHeaderKey(k) {
		case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
			"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Content-Length":
			continue
		}
		dst[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
}

// cacheScope keys cached entries by caller identity.
func (g *Gateway) cacheScope(a *admission) string {
	if a.identity.Anonymous {
		return "anonymous"
	}
	return a.identity.Key.ID
}

func outcomeLabel(status int) string {
	if status < 400 {
		return "ok"
	}
	return "error_status"
}

func statusLabel(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// writeError renders a gateway error and records the denial.
func (g *Gateway) writeError(w http.ResponseWriter, a *admission, err error) {
	ge, ok := gwerr.As(err)
	if !ok {
		ge = gwerr.Storage(err)
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	if a != nil {
		h.Set("X-Ditto-Request-Id", a.requestID)
	}
	w.WriteHeader(ge.HTTPStatus())
	_ = json.NewEncoder(w).Encode(ge.ToBody())
	if a != nil {
		g.logger.Debug("request failed",
			zap.String("request_id", a.requestID),
			zap.String("code", string(ge.Code)),
			zap.Int("status", ge.HTTPStatus()))
	}
}
