package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/peercall/internal/adapters/store/memory"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

type fixedSessions int

func (n fixedSessions) Sessions() int { return int(n) }

func newEngine(store core.DocumentStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := &Handlers{Store: store, Sessions: fixedSessions(3), Backend: "memory"}
	h.Register(r.Group("/api"))
	return r
}

func get(t *testing.T, r http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	w := get(t, newEngine(memory.New()), "/api/health")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, HealthResponse{Status: "ok", Backend: "memory", Sessions: 3}, resp)
}

func TestCallInspection(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	ref, err := store.Create(ctx, domain.CallsCollection)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, ref, core.Fields{domain.FieldOffer: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)}))
	_, err = store.Append(ctx, ref.Sub(domain.OfferCandidates), json.RawMessage(`{"candidate":"c1"}`))
	require.NoError(t, err)

	r := newEngine(store)
	w := get(t, r, "/api/calls/"+ref.ID)
	require.Equal(t, http.StatusOK, w.Code)

	var resp CallResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.HasOffer)
	assert.False(t, resp.HasAnswer)
	require.NotNil(t, resp.OfferCandidates)
	assert.Equal(t, 1, *resp.OfferCandidates)
	require.NotNil(t, resp.AnswerCandidates)
	assert.Zero(t, *resp.AnswerCandidates)

	assert.Equal(t, http.StatusNotFound, get(t, r, "/api/calls/unknown-call").Code)
}
