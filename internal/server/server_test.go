package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/global-data-controller/wesflow/internal/config"
	"github.com/global-data-controller/wesflow/internal/telemetry"
)

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		Host:            "127.0.0.1",
		Port:            0,
		GRPCPort:        0,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthz(t *testing.T) {
	s := New(testConfig(), nil, zaptest.NewLogger(t))

	rec, body := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "wesflow", body["service"])
}

func TestReadyz(t *testing.T) {
	var dbErr error
	s := New(testConfig(), nil, zaptest.NewLogger(t),
		Check{Name: "database", Check: func(ctx context.Context) error { return dbErr }},
		Check{Name: "eventbus", Check: func(ctx context.Context) error { return nil }},
	)

	rec, body := get(t, s.Handler(), "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])

	dbErr = errors.New("connection refused")
	rec, body = get(t, s.Handler(), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not_ready", body["status"])
	assert.Equal(t, map[string]any{"database": "connection refused"}, body["failures"])
}

func TestMetrics(t *testing.T) {
	tel, err := telemetry.NewTelemetry(telemetry.TelemetryConfig{Enabled: true, ServiceName: "wesflow-test"})
	require.NoError(t, err)
	require.NoError(t, tel.IncrementCounter(context.Background(), "wesflow_jobs_total"))

	s := New(testConfig(), tel, zaptest.NewLogger(t))
	rec, _ := get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wesflow_jobs_total")

	disabled := New(testConfig(), nil, zaptest.NewLogger(t))
	rec, _ = get(t, disabled.Handler(), "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s := New(testConfig(), nil, zaptest.NewLogger(t))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStartStop(t *testing.T) {
	ready := true
	s := New(testConfig(), nil, zaptest.NewLogger(t),
		Check{Name: "database", Check: func(ctx context.Context) error {
			if !ready {
				return errors.New("down")
			}
			return nil
		}},
	)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	resp, err := http.Get("http://" + s.HTTPAddr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, err := grpc.NewClient(s.GRPCAddr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := client.Check(checkCtx, &healthpb.HealthCheckRequest{Service: "wesflow"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, res.Status)

	// a failed readiness probe flips the gRPC status as well
	ready = false
	rec, _ := get(t, s.Handler(), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	res, err = client.Check(checkCtx, &healthpb.HealthCheckRequest{Service: "wesflow"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, res.Status)

	require.NoError(t, s.Stop(ctx))
}
