package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/stateless-rollup/internal/aggregator"
	"github.com/example/stateless-rollup/internal/proof"
	"github.com/example/stateless-rollup/internal/rollup"
	"github.com/example/stateless-rollup/pkg/audit"
)

func newTestRouter(t *testing.T) (http.Handler, *aggregator.Aggregator, *audit.ChainLogger) {
	t.Helper()

	agg := aggregator.New(proof.NewMerkleSystem(), rollup.NewMemoryOracle(), time.Hour)
	events := audit.NewChainLogger()
	router := NewRouter(Dependencies{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Agg:    agg,
		Events: events,
	})
	return router, agg, events
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	router, _, _ := newTestRouter(t)
	assert.Equal(t, http.StatusOK, get(t, router, "/healthz").Code)
}

func TestCurrentBlock(t *testing.T) {
	router, agg, _ := newTestRouter(t)

	rec := get(t, router, "/v1/block")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp currentBlockResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(rollup.BlockOpen), resp.State)
	assert.Empty(t, resp.Root)

	require.NoError(t, agg.Append(rollup.Batch{
		ID:     uuid.New().String(),
		Sender: "acct-a",
		Transfers: []rollup.Transfer{{
			ID: uuid.New().String(), Sender: "acct-a", Recipient: "acct-b", Amount: 10,
		}},
	}))
	_, err := agg.CloseBatch()
	require.NoError(t, err)

	rec = get(t, router, "/v1/block")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(rollup.BlockAwaitingSignatures), resp.State)
	assert.NotEmpty(t, resp.Root)
}

func TestAuditEndpoint(t *testing.T) {
	router, _, events := newTestRouter(t)
	events.Append(audit.EventOperationSkipped, "acct-a", "skip")
	events.Append(audit.EventTransferExpired, "acct-b", "expired")

	rec := get(t, router, "/v1/audit")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []audit.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	rec = get(t, router, "/v1/audit?account=acct-a")
	var filtered []audit.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &filtered))
	require.Len(t, filtered, 1)
	assert.Equal(t, audit.EventOperationSkipped, filtered[0].Kind)
}

func TestNotFoundIsJSON(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := get(t, router, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found")
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestRecentBlocks_AbsentWithoutArchive(t *testing.T) {
	router, _, _ := newTestRouter(t)
	assert.Equal(t, http.StatusNotFound, get(t, router, "/v1/blocks/recent").Code)
}
