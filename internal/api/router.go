// Package api exposes the aggregator's operator surface over HTTP: health,
// the current block, recently committed blocks, and the audit trail. The
// wallet protocol itself runs over the WebSocket channel, which the daemon
// mounts next to this router.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/stateless-rollup/internal/aggregator"
	"github.com/example/stateless-rollup/internal/archive"
	"github.com/example/stateless-rollup/pkg/audit"
)

// BlockReader serves recently committed blocks from the archive.
type BlockReader interface {
	RecentBlocks(ctx context.Context, limit int) ([]archive.ArchivedBlock, error)
}

// Dependencies wires the router to the running aggregator.
type Dependencies struct {
	Logger *slog.Logger
	Agg    *aggregator.Aggregator
	Events *audit.ChainLogger

	// Archive is optional; without it /v1/blocks/recent answers 404.
	Archive BlockReader
}

type currentBlockResponse struct {
	State string `json:"state"`
	Root  string `json:"root,omitempty"`
}

// NewRouter builds the operator HTTP surface.
func NewRouter(deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(deps.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/block", handleCurrentBlock(deps))
		r.Get("/audit", handleAudit(deps))
		if deps.Archive != nil {
			r.Get("/blocks/recent", handleRecentBlocks(deps))
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r
}

func handleCurrentBlock(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := currentBlockResponse{State: string(deps.Agg.State())}
		if root := deps.Agg.Root(); !root.IsZero() {
			resp.Root = root.Hex()
		}
		writeJSON(w, r, http.StatusOK, resp)
	}
}

func handleAudit(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var events []*audit.Event
		if account := r.URL.Query().Get("account"); account != "" {
			events = deps.Events.EventsForAccount(account)
		} else {
			events = deps.Events.Events()
		}
		if events == nil {
			events = []*audit.Event{}
		}
		writeJSON(w, r, http.StatusOK, events)
	}
}

func handleRecentBlocks(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseLimit(r, 20, 100)
		blocks, err := deps.Archive.RecentBlocks(r.Context(), limit)
		if err != nil {
			deps.Logger.Error("read block archive", "err", err)
			writeError(w, r, http.StatusInternalServerError, "archive_unavailable")
			return
		}
		if blocks == nil {
			blocks = []archive.ArchivedBlock{}
		}
		writeJSON(w, r, http.StatusOK, blocks)
	}
}

func parseLimit(r *http.Request, fallback, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > max {
		return max
	}
	return n
}
