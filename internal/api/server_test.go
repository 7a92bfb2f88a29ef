package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/DanielKusyDev/posthog-session-insights/config"
	"github.com/DanielKusyDev/posthog-session-insights/internal/database"
	"github.com/DanielKusyDev/posthog-session-insights/internal/enrich"
	"github.com/DanielKusyDev/posthog-session-insights/internal/patterns"
	"github.com/DanielKusyDev/posthog-session-insights/internal/services"
	"github.com/DanielKusyDev/posthog-session-insights/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	db        *gorm.DB
	server    *Server
	processor *services.Processor
}

func newTestServer(t *testing.T, health HealthCheck) *testServer {
	t.Helper()
	conn, err := database.Connect(config.DatabaseConfig{Driver: database.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, database.AutoMigrate(conn))
	db, err := conn.DB()
	require.NoError(t, err)

	aggregator, err := patterns.NewAggregator(patterns.Config{})
	require.NoError(t, err)

	processor := services.NewProcessor(db, db,
		services.ProcessorConfig{Retry: services.RetryPolicy{MaxAttempts: 3, Backoff: []time.Duration{0}}},
		enrich.NewEnricher(nil, nil),
		session.NewBuilder(30*time.Minute),
		aggregator,
		nil, nil, nil, nil,
	)

	cfg := config.ServerConfig{Address: ":0", Timeout: time.Second, CorsEnabled: true, CorsOrigins: []string{"*"}, MetricsEnabled: true}
	server := NewServer(cfg,
		services.NewIngestService(db, db, nil),
		services.NewContextService(db, nil, nil),
		services.NewEventService(db, db, nil),
		health,
		nil,
	)
	return &testServer{db: db, server: server, processor: processor}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func webhook(id, user, session, name, ts string) map[string]interface{} {
	event := map[string]interface{}{
		"event":       name,
		"distinct_id": user,
		"timestamp":   ts,
		"properties":  map[string]interface{}{"$session_id": session, "$pathname": "/pricing"},
	}
	if id != "" {
		event["uuid"] = id
	}
	return map[string]interface{}{"event": event}
}

func TestIngestAcceptsAndDeduplicates(t *testing.T) {
	s := newTestServer(t, nil)
	id := uuid.NewString()

	rec := s.do(t, http.MethodPost, "/ingest", webhook(id, "u1", "s1", "$pageview", "2024-06-01T10:00:00Z"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]interface{}
	decode(t, rec, &resp)
	assert.Equal(t, id, resp["event_id"])
	assert.Equal(t, false, resp["duplicate"])
	assert.NotEmpty(t, rec.Header().Get(requestIDKey))

	rec = s.do(t, http.MethodPost, "/ingest", webhook(id, "u1", "s1", "$pageview", "2024-06-01T10:00:00Z"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	decode(t, rec, &resp)
	assert.Equal(t, true, resp["duplicate"])
}

func TestIngestRejectsInvalidBodies(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/ingest", "{broken")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/ingest", webhook("", "", "s1", "$pageview", "2024-06-01T10:00:00Z"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp map[string]interface{}
	decode(t, rec, &resp)
	assert.Equal(t, "VALIDATION_ERROR", resp["code"])
}

func TestContextWithoutDataReturnsEmptyResult(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/session/context/ghost", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"ghost","has_data":false,"recent_events":[],"last_session_summary":"","patterns":[]}`, rec.Body.String())
}

func TestContextAfterProcessing(t *testing.T) {
	s := newTestServer(t, nil)

	require.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/ingest", webhook("", "u1", "s1", "$pageview", "2024-06-01T10:00:00Z")).Code)
	require.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/ingest", webhook("", "u1", "s1", "plan_upgrade_started", "2024-06-01T10:01:00Z")).Code)

	n, err := s.processor.ProcessBatch(context.Background(), "test")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for _, path := range []string{"/users/u1/context", "/session/context/u1"} {
		rec := s.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp services.UserContext
		decode(t, rec, &resp)
		assert.True(t, resp.HasData)
		require.Len(t, resp.RecentEvents, 2)
		assert.Equal(t, "s1", resp.RecentEvents[0].SessionID)
		assert.NotEmpty(t, resp.LastSessionSummary)
		assert.NotNil(t, resp.Patterns)
	}
}

func TestEventOperatorEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	id := uuid.NewString()
	require.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/ingest", webhook(id, "u1", "s1", "$pageview", "2024-06-01T10:00:00Z")).Code)

	rec := s.do(t, http.MethodGet, "/events/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var counts map[string]int64
	decode(t, rec, &counts)
	assert.Equal(t, int64(1), counts["PENDING"])
	assert.Equal(t, int64(0), counts["DEAD_LETTER"])

	rec = s.do(t, http.MethodGet, "/events/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view map[string]map[string]interface{}
	decode(t, rec, &view)
	assert.Equal(t, "PENDING", view["event"]["status"])

	rec = s.do(t, http.MethodPost, "/events/"+id+"/replay", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/events?status=pending&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	decode(t, rec, &list)
	assert.Equal(t, 1, list.Count)

	_, err := s.processor.ProcessBatch(context.Background(), "test")
	require.NoError(t, err)

	rec = s.do(t, http.MethodPost, "/events/"+id+"/replay", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var replayed map[string]interface{}
	decode(t, rec, &replayed)
	assert.Equal(t, "PENDING", replayed["status"])
	assert.Equal(t, float64(0), replayed["attempt_count"])
}

func TestEventEndpointErrors(t *testing.T) {
	s := newTestServer(t, nil)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/events/"+uuid.NewString(), nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/events/not-a-uuid", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/events?status=bogus", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/events?limit=-1", nil).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, func(context.Context) error { return nil })
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/metrics", nil).Code)

	down := newTestServer(t, func(context.Context) error { return errors.New("database unreachable") })
	assert.Equal(t, http.StatusServiceUnavailable, down.do(t, http.MethodGet, "/health", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodOptions, "/ingest", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
