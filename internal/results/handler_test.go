package results

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fatigue-monitor/go-client/internal/models"
	"fatigue-monitor/go-client/internal/services"
)

type fakePlayer struct {
	plays atomic.Int32
	err   error
	panic bool
}

func (p *fakePlayer) Play(context.Context) error {
	p.plays.Add(1)
	if p.panic {
		panic("speaker on fire")
	}
	return p.err
}

func TestInitialState(t *testing.T) {
	h := NewHandler(nil, "", nil, nil)
	assert.Equal(t, State{CurrentStatus: models.StatusWaiting}, h.State())
}

func TestDrowsyTriggersAlarmEveryTime(t *testing.T) {
	player := &fakePlayer{}
	h := NewHandler(player, "drowsy", nil, nil)

	h.Handle(models.AnalysisResult{Status: "drowsy"})
	assert.True(t, h.State().AlarmActive)
	assert.Equal(t, "drowsy", h.State().CurrentStatus)

	// already active, still retriggers
	h.Handle(models.AnalysisResult{Status: "drowsy"})
	require.Eventually(t, func() bool { return player.plays.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestNormalAfterDrowsyClearsAlarm(t *testing.T) {
	player := &fakePlayer{}
	h := NewHandler(player, "drowsy", nil, nil)

	h.Handle(models.AnalysisResult{Status: "drowsy"})
	h.Handle(models.AnalysisResult{Status: "normal"})

	st := h.State()
	assert.False(t, st.AlarmActive)
	assert.Equal(t, "normal", st.CurrentStatus)
	require.Eventually(t, func() bool { return player.plays.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return player.plays.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestAlertImageRetained(t *testing.T) {
	h := NewHandler(&fakePlayer{}, "drowsy", nil, nil)

	h.Handle(models.AnalysisResult{Status: "drowsy", AlertImage: []byte("foo")})
	assert.Equal(t, []byte("foo"), h.State().LastAlertImage)

	h.Handle(models.AnalysisResult{Status: "normal"})
	assert.Equal(t, []byte("foo"), h.State().LastAlertImage, "a message without image keeps the last one")

	h.Handle(models.AnalysisResult{Status: "drowsy", AlertImage: []byte("bar")})
	assert.Equal(t, []byte("bar"), h.State().LastAlertImage, "a new image replaces the old one")
}

func TestAlertTokenMatching(t *testing.T) {
	tests := []struct {
		status string
		alert  bool
	}{
		{status: "drowsy", alert: true},
		{status: "Drowsy", alert: true},
		{status: "DROWSY", alert: true},
		{status: "normal", alert: false},
		{status: "Unknown", alert: false},
		{status: "drowsy-ish", alert: false},
	}

	h := NewHandler(&fakePlayer{}, "", nil, nil)
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			h.Handle(models.AnalysisResult{Status: tt.status})
			assert.Equal(t, tt.alert, h.State().AlarmActive)
		})
	}
}

func TestEmptyStatusBecomesUnknown(t *testing.T) {
	h := NewHandler(nil, "", nil, nil)
	h.Handle(models.AnalysisResult{})
	assert.Equal(t, models.StatusUnknown, h.State().CurrentStatus)
}

func TestPlaybackFailureIsAbsorbed(t *testing.T) {
	metrics := services.NewMetrics()

	failing := &fakePlayer{err: errors.New("no audio device")}
	h := NewHandler(failing, "drowsy", nil, metrics)
	h.Handle(models.AnalysisResult{Status: "drowsy"})
	assert.True(t, h.State().AlarmActive)
	require.Eventually(t, func() bool { return metrics.GetAlarmErrors() == 1 }, time.Second, 5*time.Millisecond)

	panicking := &fakePlayer{panic: true}
	h = NewHandler(panicking, "drowsy", nil, metrics)
	h.Handle(models.AnalysisResult{Status: "drowsy"})
	require.Eventually(t, func() bool { return metrics.GetAlarmErrors() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), metrics.GetAlerts())
}

func TestResetAndOnChange(t *testing.T) {
	h := NewHandler(&fakePlayer{}, "drowsy", nil, nil)

	var seen []State
	h.OnChange(func(s State) { seen = append(seen, s) })

	h.Handle(models.AnalysisResult{Status: "drowsy", AlertImage: []byte("foo")})
	h.Reset()

	require.Len(t, seen, 2)
	assert.True(t, seen[0].AlarmActive)
	assert.Equal(t, initialState(), seen[1])
	assert.Equal(t, initialState(), h.State())
}
