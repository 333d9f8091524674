// Package blefake is an exported test double for bletransport.Adapter. It
// emulates connect/disconnect, write, and synthetic notifications so the
// connection pool, session, scheduler, and orchestrator layers are
// exercisable without hardware, in both tests and examples.
package blefake

import (
	"context"
	"sync"
	"time"

	"github.com/battery-hawk/corewatch/internal/bletransport"
)

// Characteristic records writes and lets a test simulate notifications.
type Characteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	callback bletransport.NotificationCallback
}

func newCharacteristic() *Characteristic {
	return &Characteristic{}
}

func (c *Characteristic) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *Characteristic) Subscribe(cb bletransport.NotificationCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

func (c *Characteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = nil
	return nil
}

// Writes returns a copy of every payload written to this characteristic.
func (c *Characteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// SimulateNotification delivers data to the current subscriber, if any.
func (c *Characteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// Connection simulates one established link to a fake peripheral.
type Connection struct {
	mu           sync.Mutex
	chars        map[string]*Characteristic
	disconnectCb func()
	disconnected bool
	failWrites   bool
}

func newConnection() *Connection {
	return &Connection{chars: make(map[string]*Characteristic)}
}

func (c *Connection) Characteristic(uuid string) (bletransport.Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.chars[uuid]; ok {
		return ch, nil
	}
	ch := newCharacteristic()
	c.chars[uuid] = ch
	return ch, nil
}

func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *Connection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect fires the registered disconnect callback, as if the
// peer dropped the link.
func (c *Connection) SimulateDisconnect() {
	c.mu.Lock()
	c.disconnected = true
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Disconnected reports whether Disconnect or SimulateDisconnect has run.
func (c *Connection) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// CharacteristicFor returns the named characteristic, creating it if this
// is the first reference — useful for tests that want to simulate a
// notification before any Subscribe call has happened.
func (c *Connection) CharacteristicFor(uuid string) *Characteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.chars[uuid]; ok {
		return ch
	}
	ch := newCharacteristic()
	c.chars[uuid] = ch
	return ch
}

// Adapter is the fake bletransport.Adapter. ConnectErr and ConnectDelay
// let a test simulate a failing or slow radio.
type Adapter struct {
	mu          sync.Mutex
	connections map[string]*Connection
	scanResults []bletransport.ScanResult

	ConnectErr   error
	ConnectDelay time.Duration
}

// NewAdapter builds a fake adapter with no canned scan results.
func NewAdapter() *Adapter {
	return &Adapter{connections: make(map[string]*Connection)}
}

// SetScanResults sets the advertisements a subsequent Scan call will yield.
func (a *Adapter) SetScanResults(results []bletransport.ScanResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanResults = results
}

func (a *Adapter) Connect(ctx context.Context, address string, _ time.Duration) (bletransport.Connection, error) {
	if address == "" {
		return nil, &bletransport.InvalidArgumentError{Op: "connect", Name: "address"}
	}

	a.mu.Lock()
	delay := a.ConnectDelay
	err := a.ConnectErr
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	conn := newConnection()
	a.mu.Lock()
	a.connections[address] = conn
	a.mu.Unlock()
	return conn, nil
}

func (a *Adapter) Scan(ctx context.Context, duration time.Duration) (<-chan bletransport.ScanResult, error) {
	a.mu.Lock()
	results := append([]bletransport.ScanResult(nil), a.scanResults...)
	a.mu.Unlock()

	out := make(chan bletransport.ScanResult, len(results))
	go func() {
		defer close(out)
		for _, r := range results {
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-time.After(duration):
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// ConnectionFor returns the most recent fake Connection created for
// address, or nil if none exists yet.
func (a *Adapter) ConnectionFor(address string) *Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connections[address]
}

var (
	_ bletransport.Adapter        = (*Adapter)(nil)
	_ bletransport.Connection     = (*Connection)(nil)
	_ bletransport.Characteristic = (*Characteristic)(nil)
)
