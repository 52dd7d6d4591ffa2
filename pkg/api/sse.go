package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/druso/photoflow/pkg/events"
	"github.com/druso/photoflow/pkg/log"
	"github.com/druso/photoflow/pkg/metrics"
)

// sseHeaders prepares a response for server-sent events: no caching,
// no proxy buffering, stream content type.
func sseHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func (s *Server) keepaliveInterval() time.Duration {
	if s.cfg.SSE.KeepaliveInterval > 0 {
		return s.cfg.SSE.KeepaliveInterval
	}
	return 30 * time.Second
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeKeepalive(w http.ResponseWriter, flusher http.Flusher) error {
	if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleJobStream streams job and item events. Reconnection relies on
// browser-native retry; no resume cursor exists because status
// snapshots are idempotent and the stream converges to the latest
// terminal state.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sseHeaders(w)
	flusher.Flush()

	sub := s.broker.SubscribeJobs()
	defer s.broker.UnsubscribeJobs(sub)
	metrics.SSESubscribers.Inc()
	defer metrics.SSESubscribers.Dec()

	keepalive := time.NewTicker(s.keepaliveInterval())
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-sub.C:
			if err := writeSSE(w, flusher, ev); err != nil {
				log.WithComponent("api").Debug().Err(err).Msg("job stream closed")
				return
			}
		case <-keepalive.C:
			if err := writeKeepalive(w, flusher); err != nil {
				return
			}
		}
	}
}

// handlePendingStream streams pending-changes snapshots: one initial
// full snapshot, then a full snapshot per coalesced delta.
func (s *Server) handlePendingStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sseHeaders(w)

	rows, err := s.store.PendingChangesByProject()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build snapshot")
		return
	}
	if err := writeSSE(w, flusher, events.BuildSnapshot(rows)); err != nil {
		return
	}

	sub := s.broker.SubscribePending()
	defer s.broker.UnsubscribePending(sub)
	metrics.SSESubscribers.Inc()
	defer metrics.SSESubscribers.Dec()

	keepalive := time.NewTicker(s.keepaliveInterval())
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap := <-sub.C:
			if err := writeSSE(w, flusher, snap); err != nil {
				return
			}
		case <-keepalive.C:
			if err := writeKeepalive(w, flusher); err != nil {
				return
			}
		}
	}
}
