// Package api is the proxy's operational HTTP surface: health, status,
// Prometheus metrics, and the setting-push endpoint that queues a
// configuration frame for delivery to a BOX. It is a LAN-local control
// plane; the wire protocol it manages has no authentication and neither
// does this surface.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/solargate/internal/events"
	"github.com/example/solargate/internal/frame"
	"github.com/example/solargate/internal/mode"
	"github.com/example/solargate/internal/proxy"
	"github.com/example/solargate/internal/settings"
)

// maxSettingPayloadPairs bounds a pushed setting; real settings carry a
// handful of keys.
const maxSettingPayloadPairs = 64

// Deps are the collaborators the API reads from and writes to.
type Deps struct {
	// Proxy supplies the live session snapshot.
	Proxy *proxy.Server

	// Bus supplies fan-out statistics.
	Bus *events.Bus

	// Settings receives pushed settings.
	Settings settings.Store

	// Mode is the configured mode, echoed in status.
	Mode mode.Mode

	// Gatherer backs /metrics; nil hides the endpoint.
	Gatherer prometheus.Gatherer

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the control API.
type Server struct {
	deps    Deps
	started time.Time
}

// NewServer assembles the API.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{deps: deps, started: time.Now()}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/settings", s.handlePushSetting)
	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the /api/v1/status body.
type statusResponse struct {
	Mode          mode.Mode    `json:"mode"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Proxy         proxy.Status `json:"proxy"`
	Bus           events.Stats `json:"bus"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Mode:          s.deps.Mode,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Proxy:         s.deps.Proxy.Status(),
		Bus:           s.deps.Bus.Stats(),
	})
}

// pushSettingRequest queues one setting frame for a device.
type pushSettingRequest struct {
	DeviceID string `json:"device_id"`
	Table    string `json:"table"`
	Payload  []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"payload"`
}

func (r *pushSettingRequest) validate() error {
	var errs []error
	if strings.TrimSpace(r.DeviceID) == "" {
		errs = append(errs, errors.New("device_id is required"))
	}
	if strings.TrimSpace(r.Table) == "" {
		errs = append(errs, errors.New("table is required"))
	}
	if len(r.Payload) == 0 {
		errs = append(errs, errors.New("payload must not be empty"))
	}
	if len(r.Payload) > maxSettingPayloadPairs {
		errs = append(errs, fmt.Errorf("payload exceeds %d pairs", maxSettingPayloadPairs))
	}
	for _, p := range r.Payload {
		if p.Key == "" {
			errs = append(errs, errors.New("payload keys must not be empty"))
			break
		}
	}
	return errors.Join(errs...)
}

func (s *Server) handlePushSetting(w http.ResponseWriter, r *http.Request) {
	var req pushSettingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	pairs := make([]frame.Pair, len(req.Payload))
	for i, p := range req.Payload {
		pairs[i] = frame.Pair{Key: p.Key, Value: p.Value}
	}
	raw := frame.Build(req.Table, req.DeviceID, frame.ReasonSetting, pairs)

	setting := settings.Setting{
		Device:   req.DeviceID,
		Table:    req.Table,
		Frame:    raw,
		QueuedAt: time.Now().UTC(),
	}
	if err := s.deps.Settings.Push(r.Context(), setting); err != nil {
		s.deps.Logger.Error("queueing setting", "device", req.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "store_error", "could not queue setting")
		return
	}

	s.deps.Logger.Info("setting queued", "device", req.DeviceID, "table", req.Table)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"device_id": req.DeviceID,
		"table":     req.Table,
		"queued_at": setting.QueuedAt,
	})
}

// =============================================================================
// Response Helpers
// =============================================================================

// errorDetail standardizes error payloads returned by the API.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{
		Code:    code,
		Message: message,
		Status:  status,
	}})
}
