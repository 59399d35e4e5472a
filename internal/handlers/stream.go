package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"fatigue-monitor/go-client/internal/session"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

// StreamMessage frames every push on /ws.
type StreamMessage struct {
	Type      string         `json:"type"`
	Payload   session.Export `json:"payload"`
	Timestamp int64          `json:"timestamp"`
}

const MessageTypeState = "STATE"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleStream pushes the current state on connect and again after every
// change. Slow clients skip intermediate states and get the latest one.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	updates, unsubscribe := a.session.Subscribe()
	a.clients.Add(1)
	a.log.Debugf("state stream client connected from %s", r.RemoteAddr)
	defer func() {
		unsubscribe()
		a.clients.Add(-1)
		conn.Close()
		a.log.Debugf("state stream client %s disconnected", r.RemoteAddr)
	}()

	gone := make(chan struct{})
	go readPump(conn, gone)

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	if err := a.push(conn); err != nil {
		return
	}
	for {
		select {
		case <-updates:
			if err := a.push(conn); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-a.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(streamWriteWait))
			return
		}
	}
}

func (a *API) push(conn *websocket.Conn) error {
	msg := StreamMessage{
		Type:      MessageTypeState,
		Payload:   a.session.Export(),
		Timestamp: time.Now().Unix(),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(msg)
}

// readPump only services control frames; clients have nothing to say.
func readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
