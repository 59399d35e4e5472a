package render

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fatigue-monitor/go-client/internal/session"
)

func noColor(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestLine(t *testing.T) {
	noColor(t)
	uri := "data:image/jpeg;base64,Zm9v"

	tests := []struct {
		name string
		in   session.Export
		want string
	}{
		{
			name: "idle",
			in:   session.Export{Status: "Waiting...", SessionState: "idle"},
			want: "[idle] | Status: Waiting...",
		},
		{
			name: "alarm",
			in:   session.Export{Status: "drowsy", SessionState: "active", DriverID: 42, AlarmActive: true, AlertImageDataURI: &uri},
			want: "[active] driver 42 | Status: drowsy | ALARM | alert image captured",
		},
		{
			name: "terminated",
			in:   session.Export{Status: "awake", SessionState: "terminated", DriverID: 7, Error: "connection lost"},
			want: "[terminated] driver 7 | Status: awake | error: connection lost",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewTerminal(nil).Line(tt.in))
		})
	}
}

func TestRenderSkipsRepeats(t *testing.T) {
	noColor(t)
	var buf bytes.Buffer
	term := NewTerminal(&buf)

	e := session.Export{Status: "awake", SessionState: "active", DriverID: 1}
	term.Render(e)
	term.Render(e)
	e.Status = "drowsy"
	term.Render(e)

	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))
}

type fakeSource struct {
	hub *session.Hub
	mu  sync.Mutex
	e   session.Export
}

func (f *fakeSource) Export() session.Export {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.e
}

func (f *fakeSource) Subscribe() (<-chan struct{}, func()) {
	return f.hub.Subscribe()
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestRunFollowsChanges(t *testing.T) {
	noColor(t)
	src := &fakeSource{hub: session.NewHub(), e: session.Export{Status: "Waiting...", SessionState: "idle"}}
	out := &syncBuffer{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewTerminal(out).Run(ctx, src)
		close(done)
	}()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "Waiting...") }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return src.hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	src.mu.Lock()
	src.e.Status = "drowsy"
	src.mu.Unlock()
	src.hub.Notify()
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "Status: drowsy") }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Zero(t, src.hub.Len())
}
