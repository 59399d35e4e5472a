package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"fatigue-monitor/go-client/internal/models"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

type WebSocketDialer struct {
	opts   Options
	dialer *websocket.Dialer
}

func NewWebSocketDialer(opts Options) *WebSocketDialer {
	return &WebSocketDialer{
		opts: opts.withDefaults(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  64 * 1024,
		},
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string, driverID int, h Handlers) (Channel, error) {
	log := d.opts.Log.With("driver_id", driverID)
	log.Infof("connecting to analyzer %s", endpoint)

	conn, resp, err := d.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(ErrConnectionFailed, "dial %s: %v (HTTP %d)", endpoint, err, resp.StatusCode)
		}
		return nil, errors.Wrapf(ErrConnectionFailed, "dial %s: %v", endpoint, err)
	}

	c := &wsChannel{
		conn: conn,
		done: make(chan struct{}),
	}
	c.init(driverID, h, d.opts)
	conn.SetReadLimit(d.opts.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.state.Store(int32(StateReady))
	go c.readPump()
	go c.pingLoop()

	log.Infof("connected to analyzer %s", endpoint)
	return c, nil
}

type wsChannel struct {
	base
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
}

func (c *wsChannel) Send(p models.FramePayload) bool {
	if !c.accept(p) {
		return false
	}
	data, err := EncodeFrame(p)
	if err != nil {
		c.metrics.IncrementDropped()
		c.log.Errorf("encode frame message: %v", err)
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.State() != StateReady {
		c.metrics.IncrementDropped()
		return false
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.metrics.IncrementDropped()
		c.log.Warnf("write frame: %v", err)
		// a failed write leaves the conn unusable; closing it makes the
		// read loop notice and report the loss
		_ = c.conn.Close()
		return false
	}
	return true
}

func (c *wsChannel) Close() error {
	if !c.markClosed() {
		return nil
	}
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopped"),
		time.Now().Add(writeWait),
	)
	err := c.conn.Close()
	c.log.Infof("analyzer connection closed")
	return err
}

func (c *wsChannel) readPump() {
	defer close(c.done)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.lost(err)
			_ = c.conn.Close()
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if c.State() != StateReady {
			return
		}
		c.dispatch(ParseResult(data))
	}
}

func (c *wsChannel) pingLoop() {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}
