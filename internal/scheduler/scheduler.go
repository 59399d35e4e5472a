// Package scheduler runs a task at a fixed cadence.
//
// Every tick runs in its own goroutine, so a slow tick never delays the next
// one and ticks may overlap. Stop halts the timer; once it returns no tick
// body starts, though ticks already running are allowed to finish.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const DefaultInterval = 2000 * time.Millisecond

var ErrAlreadyStarted = errors.New("scheduler already started")

type Task func(ctx context.Context)

type Scheduler struct {
	task Task

	mu      sync.Mutex
	cancel  context.CancelFunc
	loop    chan struct{}
	started bool
	ticks   sync.WaitGroup
}

func New(task Task) *Scheduler {
	return &Scheduler{task: task}
}

// Start begins firing every interval; the first tick fires one interval
// after Start. A scheduler can be started once.
func (s *Scheduler) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.loop = make(chan struct{})
	go s.run(ctx, interval, s.loop)
	return nil
}

func (s *Scheduler) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ticks.Add(1)
			go func() {
				defer s.ticks.Done()
				if ctx.Err() != nil {
					return
				}
				s.task(ctx)
			}()
		}
	}
}

// Stop is idempotent and safe to call from a running tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, loop := s.cancel, s.loop
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-loop
}

// Wait blocks until every launched tick has returned.
func (s *Scheduler) Wait() {
	s.ticks.Wait()
}
