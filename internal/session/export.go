package session

import (
	"encoding/base64"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	"fatigue-monitor/go-client/internal/models"
	"fatigue-monitor/go-client/internal/results"
)

// Export is the observable session state handed to renderers and the HTTP
// surface.
type Export struct {
	Status            string  `json:"status"`
	AlertImageDataURI *string `json:"alertImageDataUri"`
	AlarmActive       bool    `json:"alarmActive"`
	SessionState      string  `json:"sessionState"`
	DriverID          int     `json:"driverId,omitempty"`
	SessionID         string  `json:"sessionId,omitempty"`
	Error             string  `json:"error,omitempty"`
}

func newExport(hs results.State, state State) Export {
	e := Export{
		Status:       hs.CurrentStatus,
		AlarmActive:  hs.AlarmActive,
		SessionState: state.String(),
	}
	if hs.LastAlertImage != nil {
		uri := DataURI(hs.LastAlertImage)
		e.AlertImageDataURI = &uri
	}
	return e
}

// DataURI renders img as a data URI. Unrecognized content is labelled JPEG,
// which is what the analyzer returns.
func DataURI(img []byte) string {
	mime := models.MIMETypeJPEG
	if detected := mimetype.Detect(img); strings.HasPrefix(detected.String(), "image/") {
		mime = detected.String()
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img)
}

// Hub fans out change signals. A slow subscriber only ever holds one
// pending signal and reads the latest state when it catches up.
type Hub struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan struct{}]struct{})}
}

func (h *Hub) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
