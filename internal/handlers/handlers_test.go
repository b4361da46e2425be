package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paritytech/substrate-analytics/internal/models"
	"github.com/paritytech/substrate-analytics/internal/store"
	"github.com/paritytech/substrate-analytics/pkg/logging"
)

type fakeQueries struct {
	nodes   []models.PeerConnection
	logs    []store.LogRow
	stats   []store.LogStat
	sizes   []store.RelationSize
	gotF    models.Filter
	failAll bool
}

func (f *fakeQueries) Nodes(context.Context) ([]models.PeerConnection, error) {
	if f.failAll {
		return nil, errors.New("boom")
	}
	return f.nodes, nil
}

func (f *fakeQueries) Logs(_ context.Context, filter models.Filter) ([]store.LogRow, error) {
	if f.failAll {
		return nil, errors.New("boom")
	}
	f.gotF = filter
	return f.logs, nil
}

func (f *fakeQueries) LogStats(context.Context, string) ([]store.LogStat, error) {
	if f.failAll {
		return nil, errors.New("boom")
	}
	return f.stats, nil
}

func (f *fakeQueries) DBSize(context.Context) ([]store.RelationSize, error) {
	if f.failAll {
		return nil, errors.New("boom")
	}
	return f.sizes, nil
}

func newRouter(q store.Queries) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	New(q, logging.NewLogger()).Register(router)
	return router
}

func get(router *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestGetNodes(t *testing.T) {
	peerID := "QmPeer1"
	q := &fakeQueries{nodes: []models.PeerConnection{
		{ID: 1, IPAddr: "10.0.0.1:9000", PeerID: &peerID, CreatedAt: time.Now().UTC()},
	}}

	w := get(newRouter(q), "/nodes")
	require.Equal(t, http.StatusOK, w.Code)

	var got []models.PeerConnection
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "QmPeer1", *got[0].PeerID)
}

func TestGetNodesEmptyIsArray(t *testing.T) {
	w := get(newRouter(&fakeQueries{}), "/nodes")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", w.Body.String())
}

func TestGetLogsRequiresPeerID(t *testing.T) {
	w := get(newRouter(&fakeQueries{}), "/nodes/logs")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetLogsParsesFilter(t *testing.T) {
	q := &fakeQueries{}
	w := get(newRouter(q),
		"/nodes/logs?peer_id=P1&start_time=2026-08-01T00:00:00Z&end_time=2026-08-02T00:00:00Z&msg=system.interval&target=sync&limit=100")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "P1", q.gotF.PeerID)
	assert.Equal(t, "system.interval", q.gotF.Msg)
	assert.Equal(t, "sync", q.gotF.Target)
	assert.Equal(t, 100, q.gotF.Limit)
	require.NotNil(t, q.gotF.StartTime)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), *q.gotF.StartTime)
	require.NotNil(t, q.gotF.EndTime)
}

func TestGetLogsRejectsBadTime(t *testing.T) {
	w := get(newRouter(&fakeQueries{}), "/nodes/logs?peer_id=P1&start_time=yesterday")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(newRouter(&fakeQueries{}), "/nodes/logs?peer_id=P1&limit=-5")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetLogStatsRequiresPeerID(t *testing.T) {
	w := get(newRouter(&fakeQueries{}), "/nodes/log_stats")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	q := &fakeQueries{stats: []store.LogStat{{Qty: 12, LogType: "system.interval"}}}
	w = get(newRouter(q), "/nodes/log_stats?peer_id=P1")
	require.Equal(t, http.StatusOK, w.Code)

	var got []store.LogStat
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, int64(12), got[0].Qty)
}

func TestGetDBSize(t *testing.T) {
	q := &fakeQueries{sizes: []store.RelationSize{{Relation: "public.substrate_logs", Size: "12 GB"}}}
	w := get(newRouter(q), "/stats/db")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "substrate_logs")
}

func TestQueryFailuresReturn500(t *testing.T) {
	router := newRouter(&fakeQueries{failAll: true})
	for _, path := range []string{"/nodes", "/nodes/logs?peer_id=P1", "/nodes/log_stats?peer_id=P1", "/stats/db"} {
		w := get(router, path)
		assert.Equal(t, http.StatusInternalServerError, w.Code, path)
		assert.Contains(t, w.Body.String(), "error", path)
	}
}
