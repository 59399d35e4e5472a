// Package session owns the driver-session lifecycle.
//
// A Machine moves through Idle → Acquiring → Active → Terminated. Selecting
// a driver acquires the frame source and connects the analyzer channel
// concurrently; once both are ready the capture scheduler starts. Stop, a
// failed acquisition or a lost connection terminate the session and release
// the scheduler, the channel and the source, in that order. A terminated
// session is never revived; selecting a driver again starts a fresh one.
//
// Inbound results and every state transition are serialized through the
// Machine's mutex. Each session run carries a terminal flag that is set
// before teardown and checked before any send, alarm or state change.
package session

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fatigue-monitor/go-client/internal/encoder"
	"fatigue-monitor/go-client/internal/framesource"
	"fatigue-monitor/go-client/internal/logging"
	"fatigue-monitor/go-client/internal/models"
	"fatigue-monitor/go-client/internal/results"
	"fatigue-monitor/go-client/internal/scheduler"
	"fatigue-monitor/go-client/internal/services"
	"fatigue-monitor/go-client/internal/transport"
)

var (
	ErrInvalidDriverID   = errors.New("invalid driver id")
	ErrSessionInProgress = errors.New("session already in progress")
)

type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ParseDriverID validates textual driver input.
func ParseDriverID(s string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidDriverID, "%q is not an integer", s)
	}
	if id <= 0 {
		return 0, errors.Wrapf(ErrInvalidDriverID, "%d is not positive", id)
	}
	return id, nil
}

type Config struct {
	Endpoint       string
	Interval       time.Duration
	ConnectTimeout time.Duration
}

type Deps struct {
	Source  framesource.Source
	Dialer  transport.Dialer
	Encoder *encoder.Encoder
	Handler *results.Handler
	Log     *zap.SugaredLogger
	Metrics *services.Metrics
	// OnFatal receives the reason of every session that ends on a failure.
	OnFatal func(error)
}

type Machine struct {
	cfg     Config
	source  framesource.Source
	dialer  transport.Dialer
	encoder *encoder.Encoder
	handler *results.Handler
	log     *zap.SugaredLogger
	metrics *services.Metrics
	onFatal func(error)
	hub     *Hub

	mu      sync.Mutex
	state   State
	cur     *run
	lastErr error
}

// run is one driver session from selection to release.
type run struct {
	id       string
	driverID int
	log      *zap.SugaredLogger
	cancel   context.CancelFunc

	channel        transport.Channel
	sched          *scheduler.Scheduler
	sourceAcquired bool

	terminated atomic.Bool
	// pending counts the acquisition goroutine and the teardown;
	// released closes when both are done.
	pending  sync.WaitGroup
	released chan struct{}
}

func NewMachine(cfg Config, deps Deps) *Machine {
	if cfg.Interval <= 0 {
		cfg.Interval = scheduler.DefaultInterval
	}
	if deps.Log == nil {
		deps.Log = logging.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = services.NewMetrics()
	}
	if deps.Encoder == nil {
		deps.Encoder = encoder.New(encoder.DefaultQuality)
	}
	if deps.Handler == nil {
		deps.Handler = results.NewHandler(nil, "", deps.Log, deps.Metrics)
	}

	m := &Machine{
		cfg:     cfg,
		source:  deps.Source,
		dialer:  deps.Dialer,
		encoder: deps.Encoder,
		handler: deps.Handler,
		log:     deps.Log,
		metrics: deps.Metrics,
		onFatal: deps.OnFatal,
		hub:     NewHub(),
		state:   StateIdle,
	}
	m.handler.OnChange(func(results.State) { m.hub.Notify() })
	return m
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SelectDriver starts a session for driverID. It returns once the session is
// Acquiring; readiness and failures are reported through state changes.
func (m *Machine) SelectDriver(driverID int) error {
	if driverID <= 0 {
		return errors.Wrapf(ErrInvalidDriverID, "%d is not positive", driverID)
	}

	m.mu.Lock()
	if m.state == StateAcquiring || m.state == StateActive {
		owner := m.cur.driverID
		m.mu.Unlock()
		return errors.Wrapf(ErrSessionInProgress, "driver %d", owner)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if m.cfg.ConnectTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		parent := cancel
		cancel = func() {
			cancelTimeout()
			parent()
		}
	}

	prev := m.cur
	r := &run{
		id:       uuid.NewString(),
		driverID: driverID,
		cancel:   cancel,
		released: make(chan struct{}),
	}
	r.log = m.log.With("session_id", r.id, "driver_id", driverID)
	r.pending.Add(2)
	go func() {
		r.pending.Wait()
		close(r.released)
	}()

	m.cur = r
	m.state = StateAcquiring
	m.lastErr = nil
	m.mu.Unlock()

	m.metrics.IncrementSessionsStarted()
	r.log.Infof("driver selected, acquiring camera and analyzer connection")
	m.hub.Notify()

	go m.acquire(ctx, prev, r)
	return nil
}

func (m *Machine) acquire(ctx context.Context, prev *run, r *run) {
	defer r.pending.Done()

	// the previous session must have let go of the source first
	if prev != nil {
		<-prev.released
	}

	var (
		ch       transport.Channel
		sourceOK bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := m.source.Acquire(gctx); err != nil {
			return errors.Wrap(err, "acquire frame source")
		}
		sourceOK = true
		return nil
	})
	g.Go(func() error {
		c, err := m.dialer.Dial(gctx, m.cfg.Endpoint, r.driverID, transport.Handlers{
			OnResult: func(res models.AnalysisResult) { m.onResult(r, res) },
			OnLost:   func(err error) { m.onResourceFailure(r, err) },
		})
		if err != nil {
			return err
		}
		ch = c
		return nil
	})

	if err := g.Wait(); err != nil {
		if ch != nil {
			_ = ch.Close()
		}
		if sourceOK {
			_ = m.source.Release()
		}
		m.onResourceFailure(r, err)
		return
	}
	m.onResourcesReady(r, ch)
}

func (m *Machine) onResourcesReady(r *run, ch transport.Channel) {
	m.mu.Lock()
	if r.terminated.Load() || m.cur != r || m.state != StateAcquiring {
		m.mu.Unlock()
		r.log.Infof("session ended while acquiring, releasing resources")
		_ = ch.Close()
		_ = m.source.Release()
		return
	}

	r.channel = ch
	r.sourceAcquired = true
	r.sched = scheduler.New(func(ctx context.Context) { m.tick(ctx, r) })
	m.state = StateActive
	m.handler.Reset()
	if err := r.sched.Start(m.cfg.Interval); err != nil {
		r.log.Errorf("start capture scheduler: %v", err)
	}
	m.mu.Unlock()

	r.cancel()
	r.log.Infof("session active, capturing every %v", m.cfg.Interval)
	m.hub.Notify()
}

// tick captures, encodes and sends one frame. Every failure here is a
// skipped tick; the session stays up.
func (m *Machine) tick(ctx context.Context, r *run) {
	if r.terminated.Load() {
		return
	}
	m.metrics.IncrementTicks()
	start := time.Now()

	if r.channel.State() != transport.StateReady {
		m.metrics.IncrementSkipped()
		r.log.Debugf("tick skipped: channel %s", r.channel.State())
		return
	}

	frame, err := m.source.Capture(ctx)
	if err != nil {
		m.metrics.IncrementSkipped()
		r.log.Debugf("tick skipped: %v", err)
		return
	}

	payload, err := m.encoder.Encode(frame, r.driverID)
	if err != nil {
		m.metrics.IncrementSkipped()
		r.log.Debugf("tick skipped: %v", err)
		return
	}

	if r.terminated.Load() {
		return
	}
	if r.channel.Send(payload) {
		m.metrics.IncrementFramesSent(time.Since(start))
	}
}

func (m *Machine) onResult(r *run, res models.AnalysisResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.terminated.Load() || m.cur != r || m.state != StateActive {
		r.log.Debugf("ignoring result %q outside the active session", res.Status)
		return
	}
	m.handler.Handle(res)
}

func (m *Machine) onResourceFailure(r *run, reason error) {
	if reason == nil {
		reason = errors.New("unknown resource failure")
	}
	m.terminate(r, reason)
}

// Stop ends the current session and waits until its resources are
// released. Stopping an idle or terminated machine does nothing.
func (m *Machine) Stop() {
	m.mu.Lock()
	r := m.cur
	m.mu.Unlock()
	if r == nil {
		return
	}
	m.terminate(r, nil)
	<-r.released
}

func (m *Machine) terminate(r *run, reason error) bool {
	m.mu.Lock()
	if m.cur != r || r.terminated.Load() {
		m.mu.Unlock()
		return false
	}
	r.terminated.Store(true)
	m.state = StateTerminated
	m.lastErr = reason
	sched, ch, acquired := r.sched, r.channel, r.sourceAcquired
	m.mu.Unlock()

	r.cancel()
	if sched != nil {
		sched.Stop()
	}
	if ch != nil {
		_ = ch.Close()
	}
	if sched != nil {
		sched.Wait()
	}
	if acquired {
		if err := m.source.Release(); err != nil {
			r.log.Warnf("release frame source: %v", err)
		}
	}
	r.pending.Done()

	m.metrics.IncrementSessionsTerminated()
	if reason != nil {
		r.log.Errorf("session terminated: %v", reason)
	} else {
		r.log.Infof("session stopped")
	}
	m.hub.Notify()

	if reason != nil && m.onFatal != nil {
		m.onFatal(reason)
	}
	return true
}

// Subscribe returns a channel that receives a signal after every observable
// change; read the new value with Export. cancel unsubscribes.
func (m *Machine) Subscribe() (<-chan struct{}, func()) {
	return m.hub.Subscribe()
}

func (m *Machine) Export() Export {
	m.mu.Lock()
	state, r, lastErr := m.state, m.cur, m.lastErr
	m.mu.Unlock()

	e := newExport(m.handler.State(), state)
	if r != nil {
		e.DriverID = r.driverID
		e.SessionID = r.id
	}
	if lastErr != nil {
		e.Error = lastErr.Error()
	}
	return e
}
