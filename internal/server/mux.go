// Package server provides the control-surface HTTP mux for anilist-sync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/anilist-sync/internal/syncer"
)

// Syncer is the read-and-trigger view of the scheduler the handlers
// are allowed to touch.
type Syncer interface {
	LastResult() syncer.CycleResult
	State() string
	Trigger() bool
}

// healthResponse is the GET /health body.
type healthResponse struct {
	State     string             `json:"state"`
	LastCycle syncer.CycleResult `json:"last_cycle"`
	Time      time.Time          `json:"time"`
}

// NewMux builds the HTTP mux with the health and manual-trigger
// endpoints. All real work is delegated to the scheduler.
func NewMux(s Syncer, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth(s))
	mux.HandleFunc("POST /sync", handleSync(s, logger))

	return mux
}

func handleHealth(s Syncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			State:     s.State(),
			LastCycle: s.LastResult(),
			Time:      time.Now().UTC(),
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func handleSync(s Syncer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.Trigger() {
			http.Error(w, "sync already pending", http.StatusConflict)
			return
		}

		logger.Info("manual sync triggered", slog.String("remote_addr", r.RemoteAddr))
		w.WriteHeader(http.StatusAccepted)
	}
}
