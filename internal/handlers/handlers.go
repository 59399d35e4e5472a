// Package handlers exposes the monitoring session over HTTP: health and
// metrics probes, the current observable state, session control and a
// websocket stream of state changes.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"fatigue-monitor/go-client/internal/logging"
	"fatigue-monitor/go-client/internal/services"
	"fatigue-monitor/go-client/internal/session"
)

// Session is the part of session.Machine the API drives.
type Session interface {
	SelectDriver(driverID int) error
	Stop()
	Export() session.Export
	Subscribe() (<-chan struct{}, func())
}

type API struct {
	session Session
	metrics *services.Metrics
	log     *zap.SugaredLogger
	started time.Time

	clients   atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
}

func NewAPI(s Session, metrics *services.Metrics, log *zap.SugaredLogger) *API {
	if metrics == nil {
		metrics = services.GetMetrics()
	}
	return &API{
		session: s,
		metrics: metrics,
		log:     logging.Component(log, "http"),
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.handleStream)
	mux.HandleFunc("/api/health", a.handleHealth)
	mux.HandleFunc("/api/metrics", a.handleMetrics)
	mux.HandleFunc("/api/state", a.handleState)
	mux.HandleFunc("/api/session", a.handleSelectDriver)
	mux.HandleFunc("/api/session/stop", a.handleStop)
	return mux
}

// Close ends every open state stream.
func (a *API) Close() {
	a.closeOnce.Do(func() { close(a.done) })
}

func (a *API) StreamClients() int {
	return int(a.clients.Load())
}

func enableCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Content-Type", "application/json")
}

// allowMethod answers preflight and rejects anything but method.
func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	enableCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"session_state":  a.session.Export().SessionState,
		"stream_clients": a.StreamClients(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	snapshot := a.metrics.Snapshot()
	snapshot["stream_clients"] = a.StreamClients()
	snapshot["uptime_sec"] = int(time.Since(a.started).Seconds())
	snapshot["timestamp"] = time.Now().Format(time.RFC3339)
	writeJSON(w, http.StatusOK, snapshot)
}

func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, a.session.Export())
}

// selectDriverRequest accepts driver_id as a JSON number or string, the way
// a form field would submit it.
type selectDriverRequest struct {
	DriverID json.RawMessage `json:"driver_id"`
}

func (a *API) handleSelectDriver(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req selectDriverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	driverID, err := session.ParseDriverID(strings.Trim(string(req.DriverID), `"`))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.session.SelectDriver(driverID); err != nil {
		switch {
		case errors.Is(err, session.ErrSessionInProgress):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, session.ErrInvalidDriverID):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			a.log.Errorf("select driver %d: %v", driverID, err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	a.log.Infof("session requested for driver %d", driverID)
	writeJSON(w, http.StatusAccepted, a.session.Export())
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	a.session.Stop()
	a.log.Infof("session stopped over http")
	writeJSON(w, http.StatusOK, a.session.Export())
}
