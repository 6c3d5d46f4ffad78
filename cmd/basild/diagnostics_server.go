package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/basilsync/engine/capability"
	"github.com/basilsync/engine/config"
	"github.com/basilsync/engine/diagnostics"
	"github.com/basilsync/engine/engine"
	"github.com/basilsync/engine/resolve"
)

// envelope mirrors server/internal/api/response.go's {"data": ...} /
// {"error": {...}} wrapper; reimplemented locally rather than imported
// since server/ is still its own Go module (see DESIGN.md's "Deleted
// teacher modules" pass).
type envelope map[string]any

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeOK(w http.ResponseWriter, payload any) {
	writeJSON(w, http.StatusOK, envelope{"data": payload})
}

func writeErr(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{"error": envelope{"message": message}})
}

// historyReader is the recent-conflict-history lookup store/sqlite.Store
// provides; declared locally so this command doesn't otherwise depend on
// the sqlite adapter's concrete type.
type historyReader interface {
	RecentHistory(ctx context.Context, limit int) ([]resolve.HistoryEntry, error)
}

const stuckItemThreshold = 5
const recentHistoryLimit = 20

// buildSnapshot assembles a diagnostics.Snapshot the way engine.Engine's
// Diagnostics doc comment says the caller must: combine Engine.Diagnostics'
// three sections with the queue/realtime/network/conflicts sections only
// the caller can see across its wired capabilities.
func buildSnapshot(ctx context.Context, eng *engine.Engine, network capability.Network, cfg *config.Config, history historyReader) (diagnostics.Snapshot, error) {
	syncSection, engineSection, errsSection := eng.Diagnostics(ctx)

	counts, pending, err := eng.PendingQueueCounts(ctx)
	if err != nil {
		return diagnostics.Snapshot{}, err
	}
	stuck, err := eng.StuckItems(ctx, stuckItemThreshold)
	if err != nil {
		return diagnostics.Snapshot{}, err
	}

	var conflicts []resolve.HistoryEntry
	if history != nil {
		conflicts, err = history.RecentHistory(ctx, recentHistoryLimit)
		if err != nil {
			return diagnostics.Snapshot{}, err
		}
	}

	return diagnostics.Collect(diagnostics.Inputs{
		Sync:            syncSection,
		Egress:          eng.EgressSnapshot(),
		Queue:           counts,
		PendingN:        pending,
		Stuck:           stuck,
		Realtime:        eng.RealtimeState(),
		LastRealtimeErr: eng.RealtimeLastError(),
		Network:         network,
		Engine:          engineSection,
		Conflicts:       conflicts,
		Errors:          errsSection,
		Config: diagnostics.ConfigSection{
			Prefix:       cfg.Prefix,
			Tables:       cfg.TableNames(),
			SyncInterval: cfg.SyncInterval.String(),
		},
	}), nil
}

// newDiagnosticsServer builds the local introspection HTTP server: GET
// /healthz for a liveness probe, GET /diagnostics for the full
// diagnostics.Snapshot (spec.md §6), and POST /sync to force an
// out-of-band cycle.
func newDiagnosticsServer(addr string, eng *engine.Engine, network capability.Network, cfg *config.Config, history historyReader, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, envelope{"status": "ok"})
	})

	mux.HandleFunc("GET /diagnostics", func(w http.ResponseWriter, r *http.Request) {
		snap, err := buildSnapshot(r.Context(), eng, network, cfg, history)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeOK(w, snap)
	})

	mux.HandleFunc("POST /sync", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		if err := eng.Run(ctx, false, false); err != nil {
			writeErr(w, http.StatusConflict, err.Error())
			return
		}
		writeOK(w, envelope{"status": "synced"})
	})

	mux.HandleFunc("POST /cache/clear", func(w http.ResponseWriter, r *http.Request) {
		userID := eng.CurrentUserID()
		if userID == "" {
			writeErr(w, http.StatusConflict, "no active session to clear the cache for")
			return
		}
		if err := eng.ClearLocalCache(r.Context(), userID); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeOK(w, envelope{"status": "cleared"})
	})

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
