package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bretmckee/game-scheduler-sub006/pkg/event"
)

// Routes exposes the client-facing stream.
func (b *Bridge) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/v1/events/stream", b.handleStream)
	r.Get("/v1/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","connections":%d}`, b.ConnectionCount())
	})
	return r
}

// handleStream serves one long-lived SSE stream per authenticated session.
// The stream closes on client disconnect, send-buffer overflow, or write
// failure (half-open socket detected by the keepalive write).
func (b *Bridge) handleStream(w http.ResponseWriter, r *http.Request) {
	token := sessionToken(r)
	if token == "" {
		http.Error(w, "missing session token", http.StatusUnauthorized)
		return
	}

	conn, err := b.Subscribe(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrAuthorizationDenied) {
			http.Error(w, "not authorized", http.StatusForbidden)
			return
		}
		http.Error(w, "subscription failed", http.StatusInternalServerError)
		return
	}
	defer b.Unsubscribe(conn.ID())

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	keepalive := time.NewTicker(b.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.Done():
			return
		case evt := <-conn.Events():
			if err := b.writeDataFrame(w, rc, flusher, evt); err != nil {
				b.log.Debug().Err(err).Str("conn", conn.ID()).Msg("stream write failed")
				return
			}
		case <-keepalive.C:
			if err := b.writeKeepalive(w, rc, flusher); err != nil {
				b.log.Debug().Err(err).Str("conn", conn.ID()).Msg("keepalive write failed, closing half-open stream")
				return
			}
		}
	}
}

func (b *Bridge) writeDataFrame(w http.ResponseWriter, rc *http.ResponseController, flusher http.Flusher, evt *event.OutboundEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := rc.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// writeKeepalive emits a marker frame distinguishable from data frames.
func (b *Bridge) writeKeepalive(w http.ResponseWriter, rc *http.ResponseController, flusher http.Flusher) error {
	if err := rc.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: keepalive\ndata: {\"sent_at\":%q}\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func sessionToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// EventSource cannot set headers; allow the token as a query parameter.
	return r.URL.Query().Get("session")
}
