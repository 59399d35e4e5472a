// Package render prints the observable session state to a terminal.
package render

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"fatigue-monitor/go-client/internal/models"
	"fatigue-monitor/go-client/internal/session"
)

type Source interface {
	Export() session.Export
	Subscribe() (<-chan struct{}, func())
}

type Terminal struct {
	out  io.Writer
	last string
}

func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{out: out}
}

// Line formats one state snapshot, e.g.
// "[active] driver 42 | Status: drowsy | ALARM | alert image captured".
func (t *Terminal) Line(e session.Export) string {
	var b strings.Builder

	b.WriteString(color.New(color.Faint).Sprintf("[%s]", e.SessionState))
	if e.DriverID > 0 {
		fmt.Fprintf(&b, " driver %s", color.CyanString("%d", e.DriverID))
	}

	statusColor := color.New(color.FgGreen)
	switch {
	case e.AlarmActive:
		statusColor = color.New(color.FgRed, color.Bold)
	case e.Status == models.StatusUnknown, e.Status == models.StatusWaiting:
		statusColor = color.New(color.FgYellow)
	}
	fmt.Fprintf(&b, " | Status: %s", statusColor.Sprint(e.Status))

	if e.AlarmActive {
		b.WriteString(" | " + color.New(color.FgRed, color.Bold, color.BlinkSlow).Sprint("ALARM"))
	}
	if e.AlertImageDataURI != nil {
		b.WriteString(" | alert image captured")
	}
	if e.Error != "" {
		b.WriteString(" | " + color.RedString("error: %s", e.Error))
	}
	return b.String()
}

// Render writes e unless it would repeat the previous line.
func (t *Terminal) Render(e session.Export) {
	line := t.Line(e)
	if line == t.last {
		return
	}
	t.last = line
	fmt.Fprintln(t.out, line)
}

// Run renders the current state and every change until ctx is done.
func (t *Terminal) Run(ctx context.Context, src Source) {
	updates, unsubscribe := src.Subscribe()
	defer unsubscribe()

	t.Render(src.Export())
	for {
		select {
		case <-ctx.Done():
			return
		case <-updates:
			t.Render(src.Export())
		}
	}
}
