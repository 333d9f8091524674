package mqttclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eclipse/paho.golang/paho"

	"github.com/battery-hawk/corewatch/internal/config"
	"github.com/battery-hawk/corewatch/internal/metrics"
)

// Client is a resilient MQTT publisher: one broker connection, guarded
// by its own state machine, fed by a bounded drop-oldest queue with a
// bounded per-message retry count. Reconnection uses its own
// exponential backoff, independent of the Bluetooth connection pool's
// reconnect.Controller.
type Client struct {
	cfg      config.MQTTConfig
	clientID string
	Topics   *Topics

	state *stateMachine
	queue *fifoQueue

	mu           sync.Mutex
	paho         *paho.Client
	disconnected chan struct{}
	lastTraffic  time.Time

	statsMu             sync.Mutex
	totalConnections    int
	totalReconnections  int
	publishSuccesses    int
	publishFailures     int
	consecutiveFailures int
}

// Stats summarizes the client's resilience counters accumulated since
// construction: connection churn and publish outcomes. The orchestrator
// mirrors only State and QueueDepth onto corewatch_mqtt_* gauges; the
// counters are not mirrored.
type Stats struct {
	State               ConnectionState
	QueueDepth          int
	TotalConnections    int
	TotalReconnections  int
	PublishSuccesses    int
	PublishFailures     int
	ConsecutiveFailures int
}

// New builds a Client for cfg. clientID identifies this daemon instance
// to the broker.
func New(cfg config.MQTTConfig, clientID string) *Client {
	queueSize := cfg.MessageQueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Client{
		cfg:          cfg,
		clientID:     clientID,
		Topics:       NewTopics(cfg.TopicPrefix),
		state:        newStateMachine(),
		queue:        newFIFOQueue(queueSize),
		disconnected: make(chan struct{}),
	}
}

// State returns the client's current connection state.
func (c *Client) State() ConnectionState {
	return c.state.current()
}

// QueueDepth reports how many messages are waiting for a connection or
// a retry slot.
func (c *Client) QueueDepth() int {
	return c.queue.len()
}

// Stats reports the client's accumulated resilience counters alongside
// its current state and queue depth.
func (c *Client) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return Stats{
		State:               c.State(),
		QueueDepth:          c.QueueDepth(),
		TotalConnections:    c.totalConnections,
		TotalReconnections:  c.totalReconnections,
		PublishSuccesses:    c.publishSuccesses,
		PublishFailures:     c.publishFailures,
		ConsecutiveFailures: c.consecutiveFailures,
	}
}

// Start dials the broker and begins the connect/retry/health-check
// loops. It returns immediately; connection happens in the background.
func (c *Client) Start(ctx context.Context) {
	go c.connectLoop(ctx)
	go c.publishLoop(ctx)
	go c.healthLoop(ctx)
}

// Stop disconnects cleanly.
func (c *Client) Stop(ctx context.Context) {
	c.mu.Lock()
	p := c.paho
	c.mu.Unlock()
	if p != nil {
		_ = p.Disconnect(&paho.Disconnect{ReasonCode: 0})
	}
	_ = c.state.fire(evStop)
}

func (c *Client) backoffParams() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.cfg.InitialRetryDelayS > 0 {
		b.InitialInterval = time.Duration(c.cfg.InitialRetryDelayS) * time.Second
	}
	if c.cfg.MaxRetryDelayS > 0 {
		b.MaxInterval = time.Duration(c.cfg.MaxRetryDelayS) * time.Second
	}
	if c.cfg.BackoffMultiplier > 0 {
		b.Multiplier = c.cfg.BackoffMultiplier
	}
	if c.cfg.JitterFactor > 0 {
		b.RandomizationFactor = c.cfg.JitterFactor
	}
	b.MaxElapsedTime = 0
	return b
}

// connectLoop owns the state machine's Connecting/Reconnecting dance: it
// dials, and on disconnect waits on c.disconnected before retrying with
// backoff, up to mqtt.max_retries consecutive failures.
func (c *Client) connectLoop(ctx context.Context) {
	attempts := 0
	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	b := c.backoffParams()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = c.state.fire(evConnect)
		p, err := c.connectOnce(ctx)
		if err != nil {
			attempts++
			_ = c.state.fire(evConnectFail)
			if attempts >= maxRetries {
				_ = c.state.fire(evExhausted)
				return
			}
			select {
			case <-time.After(b.NextBackOff()):
				continue
			case <-ctx.Done():
				return
			}
		}

		attempts = 0
		b.Reset()
		c.mu.Lock()
		c.paho = p
		c.lastTraffic = time.Now()
		c.mu.Unlock()
		if c.state.current() == Connecting {
			_ = c.state.fire(evConnectOK)
			c.statsMu.Lock()
			c.totalConnections++
			c.statsMu.Unlock()
		} else {
			_ = c.state.fire(evReconnectOK)
			c.statsMu.Lock()
			c.totalReconnections++
			c.statsMu.Unlock()
		}

		c.mu.Lock()
		waitCh := c.disconnected
		c.mu.Unlock()
		<-waitCh

		c.mu.Lock()
		c.disconnected = make(chan struct{})
		c.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		_ = c.state.fire(evLost)
	}
}

func (c *Client) connectOnce(ctx context.Context) (*paho.Client, error) {
	timeout := time.Duration(c.cfg.ConnectionTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	addr := fmt.Sprintf("%s:%d", c.cfg.Broker, c.cfg.Port)

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mqttclient: dial %s: %w", addr, err)
	}

	p := paho.NewClient(paho.ClientConfig{
		Conn:               conn,
		OnClientError:      func(error) { c.signalDisconnected() },
		OnServerDisconnect: func(*paho.Disconnect) { c.signalDisconnected() },
	})

	connectPacket := &paho.Connect{
		ClientID:   c.clientID,
		CleanStart: true,
		KeepAlive:  30,
	}
	if c.cfg.Username != "" {
		connectPacket.UsernameFlag = true
		connectPacket.Username = c.cfg.Username
		connectPacket.PasswordFlag = true
		connectPacket.Password = []byte(c.cfg.Password)
	}

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ack, err := p.Connect(connCtx, connectPacket)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("mqttclient: connect: %w", err)
	}
	if ack.ReasonCode != 0 {
		_ = conn.Close()
		return nil, fmt.Errorf("mqttclient: broker rejected connect, reason %d", ack.ReasonCode)
	}
	return p, nil
}

func (c *Client) signalDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.disconnected:
	default:
		close(c.disconnected)
	}
}

// Publish enqueues payload for delivery to topic at the given QoS and
// retain flag. Delivery happens asynchronously via publishLoop.
func (c *Client) Publish(topic string, qos byte, retain bool, payload []byte) {
	c.queue.push(&queuedMessage{topic: topic, qos: qos, retain: retain, payload: payload})
}

// publishLoop drains the outbound queue whenever connected, retrying a
// failed publish up to message_retry_limit times before dropping it.
func (c *Client) publishLoop(ctx context.Context) {
	retryLimit := c.cfg.MessageRetryLimit
	if retryLimit <= 0 {
		retryLimit = defaultRetryLimit
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if c.state.current() != Connected {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}

		msg := c.queue.pop()
		if msg == nil {
			select {
			case <-time.After(20 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}

		c.mu.Lock()
		p := c.paho
		c.mu.Unlock()
		if p == nil {
			c.queue.requeueFront(msg)
			continue
		}

		pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := p.Publish(pubCtx, &paho.Publish{
			Topic:   msg.topic,
			QoS:     msg.qos,
			Retain:  msg.retain,
			Payload: msg.payload,
		})
		cancel()
		if err != nil {
			msg.retries++
			if msg.retries < retryLimit {
				c.queue.requeueFront(msg)
			}
			metrics.MQTTPublishTotal.WithLabelValues("failure").Inc()
			c.statsMu.Lock()
			c.publishFailures++
			c.consecutiveFailures++
			c.statsMu.Unlock()
		} else {
			metrics.MQTTPublishTotal.WithLabelValues("success").Inc()
			c.mu.Lock()
			c.lastTraffic = time.Now()
			c.mu.Unlock()
			c.statsMu.Lock()
			c.publishSuccesses++
			c.consecutiveFailures = 0
			c.statsMu.Unlock()
		}
	}
}

// healthLoop periodically probes the broker with a throwaway QoS-0
// publish and, if the connection has gone quiet for longer than
// staleAfter, treats it as lost. paho's own keepalive already fires
// OnClientError/OnServerDisconnect for a cleanly-reported drop; this
// loop catches the case where the TCP socket stays open but the broker
// has stopped answering.
func (c *Client) healthLoop(ctx context.Context) {
	interval := time.Duration(c.cfg.HealthCheckIntervalS) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	staleAfter := 2 * interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkHealth(ctx, staleAfter)
		}
	}
}

func (c *Client) checkHealth(ctx context.Context, staleAfter time.Duration) {
	if c.state.current() != Connected {
		return
	}
	c.mu.Lock()
	p := c.paho
	lastTraffic := c.lastTraffic
	c.mu.Unlock()
	if p == nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_, err := p.Publish(probeCtx, &paho.Publish{Topic: c.Topics.healthProbe(), QoS: 0, Payload: []byte("1")})
	cancel()
	if err == nil {
		c.mu.Lock()
		c.lastTraffic = time.Now()
		c.mu.Unlock()
		return
	}

	if time.Since(lastTraffic) >= staleAfter {
		c.signalDisconnected()
	}
}

// PublishReading publishes a reading payload to its device topic.
func (c *Client) PublishReading(address string, payload ReadingPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.Publish(c.Topics.DeviceReading(address), qosDeviceReading, retainDeviceReading, data)
	return nil
}

// PublishStatus publishes a status payload to its device topic.
func (c *Client) PublishStatus(address string, payload StatusPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.Publish(c.Topics.DeviceStatus(address), qosDeviceStatus, retainDeviceStatus, data)
	return nil
}

// PublishVehicleSummary publishes a vehicle summary payload.
func (c *Client) PublishVehicleSummary(vehicleID string, payload VehicleSummaryPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.Publish(c.Topics.VehicleSummary(vehicleID), qosVehicleSummary, retainVehicleSummary, data)
	return nil
}

// PublishDiscoveryFound publishes a newly seen device's discovery event.
func (c *Client) PublishDiscoveryFound(payload DiscoveryFoundPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.Publish(c.Topics.DiscoveryFound(), qosDiscoveryFound, retainDiscoveryFound, data)
	return nil
}

// PublishSystemStatus publishes the system status payload.
func (c *Client) PublishSystemStatus(payload SystemStatusPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.Publish(c.Topics.SystemStatus(), qosSystemStatus, retainSystemStatus, data)
	return nil
}
