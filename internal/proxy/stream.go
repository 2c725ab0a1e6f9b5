package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ditto-gateway/gateway/internal/backendclient"
	"github.com/ditto-gateway/gateway/internal/pool"
)

const (
	triggerCompleted = "completed"
	triggerError     = "error"
	triggerAborted   = "aborted"
)

// streamFinalizer owns all settlement state for one streamed response,
// captured by value at response-header receipt. It runs exactly once, on
// whichever of completion, upstream error, or client abort happens
// first, and always off the request path via the finalizer pool.
type streamFinalizer struct {
	once    sync.Once
	g       *Gateway
	s       *settlement
	status  int
	tracker *UsageTracker
	permit  *backendclient.Permit
}

func (f *streamFinalizer) finalize(trigger string) {
	f.once.Do(func() {
		f.g.finalize.Enqueue(func() {
			// the request context is gone by the time an abort-triggered
			// finalizer runs; settlement gets its own
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			f.permit.Release()
			observed, _ := f.tracker.Observed()
			spend := f.status < 400
			f.g.settle(ctx, f.s, f.status, spend, observed)
			f.g.metrics.StreamFinalized(trigger)
		})
	})
}

// streamResponse forwards an upstream SSE body chunk-by-chunk, feeding
// the usage tracker, and arms the finalizer for every exit path.
func (g *Gateway) streamResponse(w http.ResponseWriter, a *admission, s *settlement, resp *http.Response, permit *backendclient.Permit, start time.Time) {
	s.stream = true
	fin := &streamFinalizer{
		g:       g,
		s:       s,
		status:  resp.StatusCode,
		tracker: NewUsageTracker(),
		permit:  permit,
	}

	h := w.Header()
	copySanitizedHeaders(h, resp.Header)
	h.Set("X-Ditto-Request-Id", a.requestID)
	h.Set("X-Ditto-Backend", s.backend)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := pool.ChunkPool.Get()
	defer pool.ChunkPool.Put(buf)

	defer resp.Body.Close()
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			fin.tracker.Feed(chunk)
			if _, werr := w.Write(chunk); werr != nil {
				fin.finalize(triggerAborted)
				g.metrics.ObserveRequest(a.route, s.backend, statusLabel(resp.StatusCode), time.Since(start))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				fin.finalize(triggerCompleted)
			} else {
				fin.finalize(triggerError)
			}
			g.metrics.ObserveRequest(a.route, s.backend, statusLabel(resp.StatusCode), time.Since(start))
			return
		}
	}
}
