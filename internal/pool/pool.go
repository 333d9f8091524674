// Package pool maintains the set of active BLE connections, enforces a
// concurrency cap with bounded admission, and guarantees a race-free
// get_or_connect across concurrent callers for the same device.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/battery-hawk/corewatch/internal/bletransport"
	"github.com/battery-hawk/corewatch/internal/connstate"
	"github.com/battery-hawk/corewatch/internal/metrics"
)

const defaultWaitQueueCap = 64

// Handle is the pool's record of one active connection.
type Handle struct {
	Address       string
	Conn          bletransport.Connection
	ConnectedAt   time.Time
	Subscriptions map[string]bool
}

// Stats summarizes the pool's current occupancy.
type Stats struct {
	Active  int
	Pending int
	Cap     int
	Waiting int
}

// Health describes one device's handle for diagnostics.
type Health struct {
	Address       string
	State         connstate.State
	Subscriptions []string
}

// Pool owns connection admission and lifecycle for every device address it
// is asked about. The zero value is not usable; construct with New.
type Pool struct {
	adapter      bletransport.Adapter
	cap          int
	waitQueueCap int
	states       *connstate.Machine
	logger       *slog.Logger

	sem     chan struct{}
	sf      singleflight.Group
	mu      sync.Mutex
	waiting int
	pending map[string]bool
	handles map[string]*Handle
	onDrop  func(address string)
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithWaitQueueCap overrides the default bounded wait-queue depth (64).
func WithWaitQueueCap(n int) Option {
	return func(p *Pool) { p.waitQueueCap = n }
}

// WithDropCallback registers a callback invoked when the transport
// reports a drop through OnDisconnect, and when Sweep finds a handle
// whose transport has silently disconnected. The orchestrator uses this
// to learn a device needs attention.
func WithDropCallback(fn func(address string)) Option {
	return func(p *Pool) { p.onDrop = fn }
}

// WithLogger overrides the default slog.Default() logger used to surface
// state-transition failures that would otherwise pass silently.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// New builds a Pool bounded to cap simultaneous connections (BLE radios
// typically support very few; default to 1 by passing cap <= 0).
func New(adapter bletransport.Adapter, states *connstate.Machine, cap int, opts ...Option) *Pool {
	if cap <= 0 {
		cap = 1
	}
	p := &Pool{
		adapter:      adapter,
		cap:          cap,
		waitQueueCap: defaultWaitQueueCap,
		states:       states,
		logger:       slog.Default(),
		sem:          make(chan struct{}, cap),
		handles:      make(map[string]*Handle),
		pending:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// transition attempts a state move and logs a warning instead of
// discarding the error when the table rejects it.
func (p *Pool) transition(address string, newState connstate.State, reason string) {
	if err := p.states.Transition(address, newState, reason); err != nil {
		p.logger.Warn("pool: state transition rejected", "address", address, "target", newState, "reason", reason, "error", err)
	}
}

// GetOrConnect returns the existing handle for address or creates one.
// Concurrent callers for the same address collapse onto a single
// in-flight Connect via singleflight; none of them opens a duplicate
// link.
func (p *Pool) GetOrConnect(ctx context.Context, address string, timeout time.Duration) (*Handle, error) {
	if h := p.existing(address); h != nil {
		return h, nil
	}

	v, err, _ := p.sf.Do(address, func() (interface{}, error) {
		if h := p.existing(address); h != nil {
			return h, nil
		}
		return p.connect(ctx, address, timeout)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (p *Pool) existing(address string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[address]
}

func (p *Pool) connect(ctx context.Context, address string, timeout time.Duration) (*Handle, error) {
	if err := p.admit(ctx, address); err != nil {
		return nil, err
	}
	release := func() { <-p.sem }

	p.mu.Lock()
	p.pending[address] = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, address)
		p.mu.Unlock()
	}()

	p.transition(address, connstate.Connecting, "get_or_connect")

	conn, err := bletransport.Connect(ctx, p.adapter, address, timeout)
	if err != nil {
		release()
		p.transition(address, connstate.Error, err.Error())
		return nil, err
	}

	h := &Handle{Address: address, Conn: conn, ConnectedAt: time.Now(), Subscriptions: make(map[string]bool)}
	conn.OnDisconnect(func() {
		p.mu.Lock()
		delete(p.handles, address)
		p.mu.Unlock()
		release()
		p.transition(address, connstate.Disconnected, "transport reported disconnect")
		if p.onDrop != nil {
			p.onDrop(address)
		}
	})

	p.mu.Lock()
	p.handles[address] = h
	p.mu.Unlock()
	p.transition(address, connstate.Connected, "connect succeeded")
	return h, nil
}

// admit enforces the cap + bounded wait-queue admission discipline.
func (p *Pool) admit(ctx context.Context, address string) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	default:
	}

	p.mu.Lock()
	if p.waiting >= p.waitQueueCap {
		p.mu.Unlock()
		metrics.PoolCapacityExceededTotal.Inc()
		return &CapacityExceededError{Address: address, WaitQueueCap: p.waitQueueCap}
	}
	p.waiting++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.waiting--
		p.mu.Unlock()
	}()

	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteChar delegates to the transport after verifying a connected handle.
func (p *Pool) WriteChar(ctx context.Context, address, charUUID string, data []byte) error {
	h := p.existing(address)
	if h == nil {
		return &NotConnectedError{Address: address}
	}
	return bletransport.Write(ctx, h.Conn, charUUID, data)
}

// StartNotify subscribes to charUUID on address's connection.
func (p *Pool) StartNotify(address, charUUID string, callback bletransport.NotificationCallback) error {
	h := p.existing(address)
	if h == nil {
		return &NotConnectedError{Address: address}
	}
	if err := bletransport.Subscribe(h.Conn, charUUID, callback); err != nil {
		return err
	}
	p.mu.Lock()
	h.Subscriptions[charUUID] = true
	p.mu.Unlock()
	return nil
}

// StopNotify unsubscribes from charUUID on address's connection.
func (p *Pool) StopNotify(address, charUUID string) error {
	h := p.existing(address)
	if h == nil {
		return &NotConnectedError{Address: address}
	}
	if err := bletransport.Unsubscribe(h.Conn, charUUID); err != nil {
		return err
	}
	p.mu.Lock()
	delete(h.Subscriptions, charUUID)
	p.mu.Unlock()
	return nil
}

// Disconnect cancels notifications, then drops the link for address.
func (p *Pool) Disconnect(address string) error {
	h := p.existing(address)
	if h == nil {
		return nil
	}
	p.transition(address, connstate.Disconnecting, "disconnect requested")
	for charUUID := range h.Subscriptions {
		_ = bletransport.Unsubscribe(h.Conn, charUUID)
	}
	err := h.Conn.Disconnect()
	p.mu.Lock()
	delete(p.handles, address)
	p.mu.Unlock()
	select {
	case <-p.sem:
	default:
	}
	p.transition(address, connstate.Disconnected, "disconnect completed")
	return err
}

// Stats reports current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Active: len(p.handles), Pending: len(p.pending), Cap: p.cap, Waiting: p.waiting}
}

// Health reports address's state and subscription list.
func (p *Pool) Health(address string) Health {
	p.mu.Lock()
	h := p.handles[address]
	var subs []string
	if h != nil {
		for c := range h.Subscriptions {
			subs = append(subs, c)
		}
	}
	p.mu.Unlock()
	return Health{Address: address, State: p.states.Current(address), Subscriptions: subs}
}

// Sweep checks every known handle's transport for a silent disconnect (one
// the adapter never called OnDisconnect for) and transitions it to
// DISCONNECTED. The orchestrator does not run it; a caller with a real
// liveness check can run it periodically.
func (p *Pool) Sweep(isAlive func(*Handle) bool) {
	p.mu.Lock()
	stale := make([]string, 0)
	for addr, h := range p.handles {
		if !isAlive(h) {
			stale = append(stale, addr)
		}
	}
	p.mu.Unlock()

	for _, addr := range stale {
		_ = p.Disconnect(addr)
		if p.onDrop != nil {
			p.onDrop(addr)
		}
	}
}
