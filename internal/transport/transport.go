// Package transport connects a monitoring session to the remote analyzer.
//
// A Channel is bound to one driver for its whole life. Outbound frames are
// fire-and-forget: Send never queues and never errors, it reports false when
// the frame was dropped (channel not Ready, foreign driver id, write failure).
// Inbound results are parsed and dispatched from a dedicated read goroutine,
// in arrival order, independently of the capture cadence. A malformed message
// is logged and discarded. An unexpected disconnect is reported once through
// Handlers.OnLost; Close never triggers OnLost.
package transport

import (
	"context"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"fatigue-monitor/go-client/internal/logging"
	"fatigue-monitor/go-client/internal/models"
	"fatigue-monitor/go-client/internal/services"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrConnectionLost   = errors.New("connection lost")
	ErrMalformedMessage = errors.New("malformed message")
)

type State int32

const (
	StateConnecting State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Handlers struct {
	OnResult func(models.AnalysisResult)
	OnLost   func(error)
}

type Channel interface {
	State() State
	Send(payload models.FramePayload) bool
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, endpoint string, driverID int, h Handlers) (Channel, error)
}

type Options struct {
	MaxMessageSize int64
	Log            *zap.SugaredLogger
	Metrics        *services.Metrics
}

func (o Options) withDefaults() Options {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 10 * 1024 * 1024
	}
	if o.Log == nil {
		o.Log = logging.Nop()
	}
	if o.Metrics == nil {
		o.Metrics = services.NewMetrics()
	}
	return o
}

// NewDialer picks the implementation from the endpoint scheme:
// ws/wss for WebSocket, grpc/grpcs for the gRPC stream.
func NewDialer(endpoint string, opts Options) (Dialer, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "parse endpoint %q", endpoint)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		return NewWebSocketDialer(opts), nil
	case "grpc", "grpcs":
		return NewGRPCDialer(opts), nil
	default:
		return nil, errors.Errorf("unsupported analyzer scheme %q", u.Scheme)
	}
}

// base carries the state and dispatch rules shared by both channels.
type base struct {
	driverID int
	state    atomic.Int32
	handlers Handlers
	log      *zap.SugaredLogger
	metrics  *services.Metrics
}

func (b *base) init(driverID int, h Handlers, opts Options) {
	b.driverID = driverID
	b.handlers = h
	b.log = opts.Log.With("driver_id", driverID)
	b.metrics = opts.Metrics
}

func (b *base) State() State {
	return State(b.state.Load())
}

// accept reports whether payload may be written right now.
func (b *base) accept(p models.FramePayload) bool {
	if b.State() != StateReady {
		b.metrics.IncrementDropped()
		b.log.Debugf("drop frame: channel %s", b.State())
		return false
	}
	if p.DriverID != b.driverID {
		b.metrics.IncrementDropped()
		b.log.Warnf("drop frame: driver %d does not own this channel", p.DriverID)
		return false
	}
	return true
}

func (b *base) dispatch(result models.AnalysisResult, err error) {
	if err != nil {
		b.metrics.IncrementMalformed()
		b.log.Warnf("discarding analyzer message: %v", err)
		return
	}
	b.metrics.IncrementResults()
	if b.handlers.OnResult != nil {
		b.handlers.OnResult(result)
	}
}

// markClosed moves the channel to Closed and reports whether this call did it.
func (b *base) markClosed() bool {
	for {
		cur := b.state.Load()
		if State(cur) == StateClosed {
			return false
		}
		if b.state.CompareAndSwap(cur, int32(StateClosed)) {
			return true
		}
	}
}

// lost reports an unexpected disconnect unless Close got there first.
func (b *base) lost(cause error) {
	if !b.markClosed() {
		return
	}
	b.metrics.IncrementConnectionsLost()
	b.log.Warnf("analyzer connection lost: %v", cause)
	if b.handlers.OnLost != nil {
		b.handlers.OnLost(errors.Wrap(ErrConnectionLost, cause.Error()))
	}
}
