// Package scheduler drives one periodic poll per configured device,
// admitted onto a single channel bounded by the connection cap, with
// jittered cadences and discovery interleaving.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/battery-hawk/corewatch/internal/bus"
)

// PollFunc performs one poll cycle for a device (typically
// session.RequestVoltageTemp). It should respect ctx's deadline.
type PollFunc func(ctx context.Context) error

// jitterFraction is the maximum fraction of a device's period used to
// jitter its first tick, avoiding convoy effects across devices
// registered at the same moment.
const jitterFraction = 0.10

// Scheduler admits one poll at a time per admission slot across all
// registered devices, bounded by the pool's concurrency cap.
type Scheduler struct {
	admission chan struct{}
	eventBus  *bus.Bus

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	paused  bool
	pauseMu sync.RWMutex
}

// New builds a Scheduler whose admission channel is bounded by cap (the
// pool's concurrency cap).
func New(cap int, eventBus *bus.Bus) *Scheduler {
	if cap <= 0 {
		cap = 1
	}
	return &Scheduler{
		admission: make(chan struct{}, cap),
		eventBus:  eventBus,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Register starts a periodic driver for address with the given period.
// The first tick is jittered by up to 10% of period. poll is invoked
// with a context bounded by perPollTimeout each cycle.
func (s *Scheduler) Register(ctx context.Context, address string, period, perPollTimeout time.Duration, poll PollFunc) {
	s.mu.Lock()
	if cancel, ok := s.cancels[address]; ok {
		cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancels[address] = cancel
	s.mu.Unlock()

	go s.drive(runCtx, address, period, perPollTimeout, poll)
}

// Cancel stops address's driver. In-flight polls are allowed to run to
// their per-poll timeout; they are not forcibly killed.
func (s *Scheduler) Cancel(address string) {
	s.mu.Lock()
	cancel, ok := s.cancels[address]
	delete(s.cancels, address)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// CancelAll stops every registered driver — used on orchestrator
// shutdown.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, c := range s.cancels {
		cancels = append(cancels, c)
	}
	s.cancels = make(map[string]context.CancelFunc)
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// PauseForDiscovery blocks new admissions for the duration of a discovery
// scan, which needs exclusive adapter access. Resume un-blocks them.
func (s *Scheduler) PauseForDiscovery() {
	s.pauseMu.Lock()
	s.paused = true
	s.pauseMu.Unlock()
}

// Resume un-pauses admissions after a discovery scan completes.
func (s *Scheduler) Resume() {
	s.pauseMu.Lock()
	s.paused = false
	s.pauseMu.Unlock()
}

func (s *Scheduler) isPaused() bool {
	s.pauseMu.RLock()
	defer s.pauseMu.RUnlock()
	return s.paused
}

func (s *Scheduler) drive(ctx context.Context, address string, period, perPollTimeout time.Duration, poll PollFunc) {
	jitter := time.Duration(rand.Float64() * jitterFraction * float64(period))
	timer := time.NewTimer(jitter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.eventBus.Publish(bus.Event{Topic: bus.TopicPollCancelled, Payload: address})
			return
		case <-timer.C:
		}

		s.runOneCycle(ctx, address, perPollTimeout, poll)
		timer.Reset(period)
	}
}

func (s *Scheduler) runOneCycle(ctx context.Context, address string, perPollTimeout time.Duration, poll PollFunc) {
	if s.isPaused() {
		s.eventBus.Publish(bus.Event{Topic: bus.TopicPollSkipped, Payload: address})
		return
	}

	admitCtx, cancel := context.WithTimeout(ctx, perPollTimeout)
	defer cancel()

	select {
	case s.admission <- struct{}{}:
	case <-admitCtx.Done():
		s.eventBus.Publish(bus.Event{Topic: bus.TopicPollSkipped, Payload: address})
		return
	}
	defer func() { <-s.admission }()

	pollCtx, pollCancel := context.WithTimeout(context.WithoutCancel(ctx), perPollTimeout)
	defer pollCancel()
	_ = poll(pollCtx)
}
