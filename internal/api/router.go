// Package api serves the agent's read-only HTTP surface: the status
// snapshot, health, Prometheus metrics and a websocket stream of lifecycle
// events.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"futures-agent/internal/lifecycle"

	"github.com/gorilla/websocket"
)

// StatusSource provides the status snapshot.
type StatusSource interface {
	Status() lifecycle.Status
}

// RouterConfig wires the handlers.
type RouterConfig struct {
	Status  StatusSource
	Hub     *Hub
	Health  http.Handler // nil serves a static ok
	Metrics http.Handler // nil omits /metrics
	// TOTPSecret guards /status, /events and /ws when set.
	TOTPSecret string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewRouter sets up HTTP routes for the API server.
func NewRouter(cfg RouterConfig) *http.ServeMux {
	mux := http.NewServeMux()

	health := cfg.Health
	if health == nil {
		health = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok"}`))
		})
	}
	mux.Handle("/healthz", health)
	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics)
	}

	mux.Handle("/status", RequireTOTP(cfg.TOTPSecret, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, cfg.Status.Status())
	})))

	if cfg.Hub == nil {
		return mux
	}

	// GET /events?from=N&to=M replays buffered envelopes for gap backfill.
	mux.Handle("/events", RequireTOTP(cfg.TOTPSecret, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		from, err := parseSeq(r, "from", 1)
		if err != nil {
			http.Error(w, `{"error":"invalid from"}`, http.StatusBadRequest)
			return
		}
		to, err := parseSeq(r, "to", cfg.Hub.Seq())
		if err != nil {
			http.Error(w, `{"error":"invalid to"}`, http.StatusBadRequest)
			return
		}
		envs := cfg.Hub.Missed(from, to)
		out := make([]json.RawMessage, len(envs))
		for i, e := range envs {
			out[i] = e
		}
		writeJSON(w, out)
	})))

	// GET /ws?last_seq=N streams envelopes, backfilling after last_seq.
	mux.Handle("/ws", RequireTOTP(cfg.TOTPSecret, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastSeq, err := parseSeq(r, "last_seq", -1)
		if err != nil {
			http.Error(w, `{"error":"invalid last_seq"}`, http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			cfg.Hub.log.Warn("ws upgrade failed", slog.String("error", err.Error()))
			return
		}
		cfg.Hub.Serve(conn, lastSeq)
	})))

	return mux
}

func parseSeq(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
