// Package session binds one device record to the connection pool for the
// duration of its lifecycle: it opens a connection, subscribes to
// notifications, serializes outbound requests, and publishes readings to
// the bus.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/battery-hawk/corewatch/internal/bletransport"
	"github.com/battery-hawk/corewatch/internal/bus"
	"github.com/battery-hawk/corewatch/internal/model"
	"github.com/battery-hawk/corewatch/internal/pool"
	"github.com/battery-hawk/corewatch/internal/protocol"
)

const defaultCommandTimeout = 5 * time.Second
const defaultFailureThreshold = 3

// ForcedReconnectFunc is invoked when a device's consecutive command
// failures reach the threshold; the session doesn't own reconnection
// itself, it only signals that one is warranted.
type ForcedReconnectFunc func(address string)

// Session owns request/response interaction with one device.
type Session struct {
	address  string
	connectTimeout time.Duration
	cmdTimeout     time.Duration
	failureThreshold int

	pool   *pool.Pool
	family protocol.Family
	bus    *bus.Bus
	status *model.DeviceRuntimeStatus

	onForcedReconnect ForcedReconnectFunc

	mu      sync.Mutex
	pending chan *model.Reading
	cmdSem  chan struct{}
}

// Option configures a Session at construction.
type Option func(*Session)

// WithCommandTimeout overrides the default 5s per-command timeout.
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Session) { s.cmdTimeout = d }
}

// WithFailureThreshold overrides the default forced-reconnect threshold
// of 3 consecutive command failures.
func WithFailureThreshold(n int) Option {
	return func(s *Session) { s.failureThreshold = n }
}

// WithForcedReconnect registers the callback fired when the
// consecutive-failure threshold is reached.
func WithForcedReconnect(fn ForcedReconnectFunc) Option {
	return func(s *Session) { s.onForcedReconnect = fn }
}

// New builds a Session for address, bound to p, speaking family, and
// publishing readings onto eventBus. status is shared with the
// orchestrator/registry and updated in place.
func New(address string, p *pool.Pool, family protocol.Family, eventBus *bus.Bus, status *model.DeviceRuntimeStatus, connectTimeout time.Duration, opts ...Option) *Session {
	s := &Session{
		address:          address,
		connectTimeout:   connectTimeout,
		cmdTimeout:       defaultCommandTimeout,
		failureThreshold: defaultFailureThreshold,
		pool:             p,
		family:           family,
		bus:              eventBus,
		status:           status,
		cmdSem:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects through the pool and subscribes to the notification
// characteristic. Every valid decoded reading publishes a
// TopicDeviceReading event; the handler never lets a decode error escape
// to the transport layer.
func (s *Session) Open(ctx context.Context) error {
	if _, err := s.pool.GetOrConnect(ctx, s.address, s.connectTimeout); err != nil {
		return err
	}
	_, notifyUUID := s.family.CharacteristicUUIDs()
	return s.pool.StartNotify(s.address, notifyUUID, s.handleNotification)
}

// Close unsubscribes then disconnects.
func (s *Session) Close() error {
	_, notifyUUID := s.family.CharacteristicUUIDs()
	_ = s.pool.StopNotify(s.address, notifyUUID)
	return s.pool.Disconnect(s.address)
}

// NotificationCallback exposes the session's own notification handler so
// a reconnection controller can re-install the same subscription after a
// forced reconnect, without the controller needing to know how a
// session decodes notifications.
func (s *Session) NotificationCallback() bletransport.NotificationCallback {
	return s.handleNotification
}

func (s *Session) handleNotification(data []byte) {
	reading, err := s.family.ParseNotification(s.address, data)
	if err != nil {
		s.status.RecordCommandFailure("parse_error", err.Error())
		return
	}
	if reading == nil {
		return
	}

	s.status.RecordReadingSuccess()
	s.bus.Publish(bus.Event{Topic: bus.TopicDeviceReading, Payload: reading})

	s.mu.Lock()
	ch := s.pending
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- reading:
		default:
		}
	}
}

// request serializes one BuildRequest/write/await-response cycle. A
// second call while one is in flight waits for cmdSem rather than
// failing fast: requests on the same device queue behind each other.
func (s *Session) request(ctx context.Context, kind protocol.RequestKind, label string) (*model.Reading, error) {
	select {
	case s.cmdSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.cmdSem }()

	ch := make(chan *model.Reading, 1)
	s.mu.Lock()
	s.pending = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
	}()

	req, err := s.family.BuildRequest(kind)
	if err != nil {
		return nil, err
	}
	writeUUID, _ := s.family.CharacteristicUUIDs()
	for _, payload := range req.Payload {
		if err := s.pool.WriteChar(ctx, s.address, writeUUID, payload); err != nil {
			s.status.RecordCommandFailure("write_error", err.Error())
			s.maybeForceReconnect()
			return nil, err
		}
	}
	s.status.LastCommand = label

	timeoutCtx, cancel := context.WithTimeout(ctx, s.cmdTimeout)
	defer cancel()

	select {
	case reading := <-ch:
		return reading, nil
	case <-timeoutCtx.Done():
		s.status.RecordCommandFailure("command_timeout", "no response within timeout")
		s.maybeForceReconnect()
		return nil, &CommandTimeoutError{Address: s.address, Kind: label}
	}
}

func (s *Session) maybeForceReconnect() {
	if s.status.ConsecutiveCmdFailures >= s.failureThreshold && s.onForcedReconnect != nil {
		s.onForcedReconnect(s.address)
	}
}

// RequestVoltageTemp issues the voltage/temperature/SoC request and waits
// for the matching reading.
func (s *Session) RequestVoltageTemp(ctx context.Context) (*model.Reading, error) {
	return s.request(ctx, protocol.RequestVoltageTemp, "request_voltage_temp")
}

// RequestBasicInfo issues the basic-info request.
func (s *Session) RequestBasicInfo(ctx context.Context) (*model.Reading, error) {
	return s.request(ctx, protocol.RequestBasicInfo, "request_basic_info")
}

// RequestCellVoltages issues the cell-voltages request.
func (s *Session) RequestCellVoltages(ctx context.Context) (*model.Reading, error) {
	return s.request(ctx, protocol.RequestCellVoltages, "request_cell_voltages")
}
