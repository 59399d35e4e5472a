// Package results applies analyzer results to the observable monitoring
// state and raises the alarm on alert results.
package results

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fatigue-monitor/go-client/internal/alarm"
	"fatigue-monitor/go-client/internal/logging"
	"fatigue-monitor/go-client/internal/models"
	"fatigue-monitor/go-client/internal/services"
)

const (
	DefaultAlertToken = "drowsy"
	playTimeout       = 30 * time.Second
)

// State is a snapshot of what the presentation side renders.
// LastAlertImage is shared, never mutated; treat it as read-only.
type State struct {
	CurrentStatus  string
	LastAlertImage []byte
	AlarmActive    bool
}

func initialState() State {
	return State{CurrentStatus: models.StatusWaiting}
}

type Handler struct {
	alertToken string
	player     alarm.Player
	log        *zap.SugaredLogger
	metrics    *services.Metrics

	mu       sync.Mutex
	state    State
	onChange func(State)
}

func NewHandler(player alarm.Player, alertToken string, log *zap.SugaredLogger, metrics *services.Metrics) *Handler {
	if player == nil {
		player = alarm.Nop{}
	}
	if alertToken == "" {
		alertToken = DefaultAlertToken
	}
	if log == nil {
		log = logging.Nop()
	}
	if metrics == nil {
		metrics = services.NewMetrics()
	}
	return &Handler{
		alertToken: alertToken,
		player:     player,
		log:        log,
		metrics:    metrics,
		state:      initialState(),
	}
}

// OnChange registers fn to receive every new state. fn runs on the caller's
// goroutine after the handler's lock is released.
func (h *Handler) OnChange(fn func(State)) {
	h.mu.Lock()
	h.onChange = fn
	h.mu.Unlock()
}

func (h *Handler) IsAlert(status string) bool {
	return strings.EqualFold(status, h.alertToken)
}

func (h *Handler) Handle(res models.AnalysisResult) {
	status := res.Status
	if status == "" {
		status = models.StatusUnknown
	}
	alert := h.IsAlert(status)

	h.mu.Lock()
	h.state.CurrentStatus = status
	if res.AlertImage != nil {
		h.state.LastAlertImage = res.AlertImage
	}
	h.state.AlarmActive = alert
	snapshot := h.state
	fn := h.onChange
	h.mu.Unlock()

	if alert {
		h.metrics.IncrementAlerts()
		h.log.Infof("alert status %q, sounding alarm", status)
		go h.play()
	}
	if fn != nil {
		fn(snapshot)
	}
}

func (h *Handler) play() {
	defer func() {
		if r := recover(); r != nil {
			h.metrics.IncrementAlarmErrors()
			h.log.Errorf("alarm playback panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), playTimeout)
	defer cancel()
	if err := h.player.Play(ctx); err != nil {
		h.metrics.IncrementAlarmErrors()
		h.log.Warnf("alarm playback failed: %v", err)
	}
}

// Reset restores the defaults shown at the start of a session.
func (h *Handler) Reset() {
	h.mu.Lock()
	h.state = initialState()
	snapshot := h.state
	fn := h.onChange
	h.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
}

func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}
