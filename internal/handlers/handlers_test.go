package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fatigue-monitor/go-client/internal/services"
	"fatigue-monitor/go-client/internal/session"
)

type fakeSession struct {
	hub *session.Hub

	mu       sync.Mutex
	export   session.Export
	selected []int
	stops    int
	err      error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		hub:    session.NewHub(),
		export: session.Export{Status: "Waiting...", SessionState: "idle"},
	}
}

func (f *fakeSession) SelectDriver(id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.selected = append(f.selected, id)
	f.export.SessionState = "acquiring"
	f.export.DriverID = id
	return nil
}

func (f *fakeSession) Stop() {
	f.mu.Lock()
	f.stops++
	f.export.SessionState = "terminated"
	f.mu.Unlock()
}

func (f *fakeSession) Export() session.Export {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.export
}

func (f *fakeSession) Subscribe() (<-chan struct{}, func()) {
	return f.hub.Subscribe()
}

func (f *fakeSession) setStatus(status string) {
	f.mu.Lock()
	f.export.Status = status
	f.mu.Unlock()
	f.hub.Notify()
}

func newTestAPI(t *testing.T) (*API, *fakeSession, *httptest.Server) {
	t.Helper()
	s := newFakeSession()
	api := NewAPI(s, services.NewMetrics(), nil)
	srv := httptest.NewServer(api.Routes())
	t.Cleanup(func() {
		api.Close()
		srv.Close()
	})
	return api, s, srv
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHealthAndMetrics(t *testing.T) {
	_, _, srv := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "idle", body["session_state"])

	resp, err = http.Get(srv.URL + "/api/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body = decode(t, resp)
	assert.Contains(t, body, "frames_sent_total")
	assert.Contains(t, body, "uptime_sec")

	resp, err = http.Post(srv.URL+"/api/health", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}

func TestStateReturnsExport(t *testing.T) {
	_, s, srv := newTestAPI(t)
	s.setStatus("awake")

	resp, err := http.Get(srv.URL + "/api/state")
	require.NoError(t, err)
	body := decode(t, resp)
	assert.Equal(t, "awake", body["status"])
	assert.Nil(t, body["alertImageDataUri"])
	assert.Equal(t, false, body["alarmActive"])
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestSelectDriver(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		sessionErr error
		wantStatus int
		wantID     int
	}{
		{"number", `{"driver_id": 42}`, nil, http.StatusAccepted, 42},
		{"string", `{"driver_id": "17"}`, nil, http.StatusAccepted, 17},
		{"zero", `{"driver_id": 0}`, nil, http.StatusBadRequest, 0},
		{"negative", `{"driver_id": "-5"}`, nil, http.StatusBadRequest, 0},
		{"text", `{"driver_id": "abc"}`, nil, http.StatusBadRequest, 0},
		{"missing", `{}`, nil, http.StatusBadRequest, 0},
		{"bad json", `{`, nil, http.StatusBadRequest, 0},
		{"in progress", `{"driver_id": 3}`, errors.Wrap(session.ErrSessionInProgress, "driver 1"), http.StatusConflict, 0},
		{"unexpected", `{"driver_id": 3}`, errors.New("boom"), http.StatusInternalServerError, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, s, srv := newTestAPI(t)
			s.err = tt.sessionErr

			resp, err := http.Post(srv.URL+"/api/session", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			body := decode(t, resp)
			assert.Equal(t, tt.wantStatus, resp.StatusCode, body)

			if tt.wantID > 0 {
				assert.Equal(t, []int{tt.wantID}, s.selected)
				assert.Equal(t, "acquiring", body["sessionState"])
			} else {
				assert.Empty(t, s.selected)
				assert.NotEmpty(t, body["error"])
			}
		})
	}
}

func TestStopSession(t *testing.T) {
	_, s, srv := newTestAPI(t)

	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+"/api/session/stop", "application/json", nil)
		require.NoError(t, err)
		body := decode(t, resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "terminated", body["sessionState"])
	}
	assert.Equal(t, 2, s.stops)
}

func TestPreflight(t *testing.T) {
	_, _, srv := newTestAPI(t)
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/session", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestStreamPushesStateChanges(t *testing.T) {
	api, s, srv := newTestAPI(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageTypeState, msg.Type)
	assert.Equal(t, "Waiting...", msg.Payload.Status)
	require.Eventually(t, func() bool { return api.StreamClients() == 1 }, time.Second, 5*time.Millisecond)

	s.setStatus("drowsy")
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "drowsy", msg.Payload.Status)

	conn.Close()
	require.Eventually(t, func() bool { return api.StreamClients() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, s.hub.Len())
}

func TestCloseEndsStreams(t *testing.T) {
	api, _, srv := newTestAPI(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))

	api.Close()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
