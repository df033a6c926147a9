package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/example/solargate/internal/events"
	"github.com/example/solargate/internal/frame"
	"github.com/example/solargate/internal/mode"
	"github.com/example/solargate/internal/proxy"
	"github.com/example/solargate/internal/settings"
)

func newTestServer(t *testing.T) (*Server, settings.Store) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	store := settings.NewMemoryStore()

	srv := NewServer(Deps{
		Proxy:    proxy.NewServer(proxy.Config{Bus: bus, Settings: store}),
		Bus:      bus,
		Settings: store,
		Mode:     mode.ModeHybrid,
		Gatherer: prometheus.NewRegistry(),
	})
	return srv, store
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, mode.ModeHybrid, body.Mode)
	require.Equal(t, 0, body.Proxy.ActiveSessions)
}

func TestPushSetting_QueuesWireFrame(t *testing.T) {
	srv, store := newTestServer(t)

	body := `{
		"device_id": "2206237818",
		"table": "tbl_box_prms",
		"payload": [
			{"key": "mode", "value": "HOME 2"},
			{"key": "grid_delivery", "value": "1"}
		]
	}`
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/settings", strings.NewReader(body)))

	require.Equal(t, http.StatusAccepted, rec.Code)

	queued, ok, err := store.Peek(context.Background(), "2206237818")
	require.NoError(t, err)
	require.True(t, ok, "setting must land in the store")
	require.Equal(t, "tbl_box_prms", queued.Table)

	// The queued bytes must be a valid wire frame with reason=Setting.
	f, _, err := frame.Parse(queued.Frame)
	require.NoError(t, err)
	require.True(t, f.CRCOK)
	require.Equal(t, frame.ReasonSetting, f.Reason)
	v, ok := f.PayloadValue("mode")
	require.True(t, ok)
	require.Equal(t, "HOME 2", v)
}

func TestPushSetting_Validation(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"not json", `{{{`, http.StatusBadRequest},
		{"missing device", `{"table":"tbl_box_prms","payload":[{"key":"a","value":"1"}]}`, http.StatusUnprocessableEntity},
		{"missing table", `{"device_id":"x","payload":[{"key":"a","value":"1"}]}`, http.StatusUnprocessableEntity},
		{"empty payload", `{"device_id":"x","table":"tbl_box_prms","payload":[]}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/settings", strings.NewReader(tt.body)))
			require.Equal(t, tt.want, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.NotEmpty(t, resp.Error.Code)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMethodRouting(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/v1/settings", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
