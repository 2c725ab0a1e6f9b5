package proxy

import (
	"io"
	"net/http"

	"github.com/ditto-gateway/gateway/internal/auditlog"
	"github.com/ditto-gateway/gateway/internal/cache"
	"github.com/ditto-gateway/gateway/internal/gwerr"
)

// ServeHTTP is the proxy surface: everything under /v1/... that is not
// the MCP API. Admission runs first; denials never reach a backend.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, g.maxBodyBytes+1))
	if err != nil {
		g.writeError(w, nil, gwerr.InvalidRequest("unreadable request body"))
		return
	}
	if int64(len(body)) > g.maxBodyBytes {
		g.metrics.AdmissionDenied(string(gwerr.CodeRequestTooLarge))
		g.writeError(w, nil, gwerr.RequestTooLarge(g.maxBodyBytes))
		return
	}

	a, admitErr := g.admit(ctx, r, body)
	if admitErr != nil {
		g.denyAdmission(w, r, a, admitErr)
		return
	}

	// cache lookup before any upstream work; a hit releases the
	// reservations untouched since no provider spend occurs
	if g.cache.Cacheable(a.method, a.route) && !a.stream {
		key := cache.Fingerprint(a.method, a.path, a.body, g.cacheScope(a))
		if entry, source, ok := g.cache.Lookup(ctx, key); ok {
			g.metrics.CacheLookup(true, string(source))
			s := g.settlementFor(a)
			g.rollbackAll(ctx, s)
			g.writeBuffered(w, a, s, &buffered{
				status:  entry.Status,
				header:  entry.Header,
				body:    entry.Body,
				backend: entry.Backend,
			}, "hit", string(source))
			return
		}
		g.metrics.CacheLookup(false, "")
	}

	if spec, found := extractMCPTool(a.bodyJSON); found {
		g.runMCPLoop(ctx, w, a, spec)
		return
	}

	g.dispatch(ctx, w, a)
}

// denyAdmission records and renders a pre-dispatch rejection.
func (g *Gateway) denyAdmission(w http.ResponseWriter, r *http.Request, a *admission, err error) {
	ge, ok := gwerr.As(err)
	if !ok {
		ge = gwerr.Storage(err)
	}
	g.metrics.AdmissionDenied(string(ge.Code))

	rec := auditlog.Record{
		Path:   r.URL.Path,
		Status: ge.HTTPStatus(),
		Denied: string(ge.Code),
	}
	if a != nil {
		rec.RequestID = a.requestID
		rec.VirtualKeyID = a.identity.Key.ID
		rec.Model = a.model
		rec.ChargeTokens = a.chargeTokens
	}
	g.audit.Write(r.Context(), "admission_denied", rec)
	g.writeError(w, a, ge)
}
