package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/battery-hawk/corewatch/internal/bletransport"
	"github.com/battery-hawk/corewatch/internal/bus"
	"github.com/battery-hawk/corewatch/internal/config"
	"github.com/battery-hawk/corewatch/internal/connstate"
	"github.com/battery-hawk/corewatch/internal/metrics"
	"github.com/battery-hawk/corewatch/internal/model"
	"github.com/battery-hawk/corewatch/internal/mqttclient"
	"github.com/battery-hawk/corewatch/internal/pool"
	"github.com/battery-hawk/corewatch/internal/protocol"
	"github.com/battery-hawk/corewatch/internal/reconnect"
	"github.com/battery-hawk/corewatch/internal/scheduler"
	"github.com/battery-hawk/corewatch/internal/session"
	"github.com/battery-hawk/corewatch/internal/storage"
)

const connStateHistoryCap = 20

// deviceEntry bundles one device's persistent record with its live
// runtime pieces. Everything but device and status is nil until the
// device is configured and its session has been opened.
type deviceEntry struct {
	device  model.Device
	status  *model.DeviceRuntimeStatus
	family  protocol.Family
	session *session.Session
	latest  *model.Reading
}

// Orchestrator owns the authoritative device/vehicle registry, drives
// discovery and per-device polling, and fans out the event bus topics
// every other component (storage, MQTT, REST) subscribes to.
type Orchestrator struct {
	cfg     *config.Config
	adapter bletransport.Adapter
	store   RegistryStore
	sink    storage.Sink
	mqtt    *mqttclient.Client
	logger  *slog.Logger

	states *connstate.Machine
	pool   *pool.Pool
	sched  *scheduler.Scheduler
	recon  *reconnect.Controller
	bus    *bus.Bus

	mu       sync.RWMutex
	devices  map[string]*deviceEntry
	vehicles map[string]model.Vehicle

	summaryMu   sync.Mutex
	summaryHash map[string]string

	discoveryEnabled atomic.Bool
	startedAt        time.Time
}

// New builds an Orchestrator and hydrates its registry from store.
// mqtt may be nil when mqtt.enabled is false in configuration.
func New(cfg *config.Config, adapter bletransport.Adapter, store RegistryStore, sink storage.Sink, mqttClient *mqttclient.Client, logger *slog.Logger) (*Orchestrator, error) {
	if sink == nil {
		sink = storage.NoopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	states := connstate.NewMachine(connStateHistoryCap)
	eventBus := bus.New(0)
	o := &Orchestrator{
		cfg:         cfg,
		adapter:     adapter,
		store:       store,
		sink:        sink,
		mqtt:        mqttClient,
		logger:      logger,
		states:      states,
		bus:         eventBus,
		devices:     make(map[string]*deviceEntry),
		vehicles:    make(map[string]model.Vehicle),
		summaryHash: make(map[string]string),
	}
	o.pool = pool.New(adapter, states, cfg.Bluetooth.MaxConcurrentConnections, pool.WithDropCallback(o.handleDrop))
	o.sched = scheduler.New(cfg.Bluetooth.MaxConcurrentConnections, eventBus)
	o.recon = reconnect.NewController(o.pool, reconnect.DefaultParams())
	o.discoveryEnabled.Store(true)

	if err := o.hydrate(); err != nil {
		return nil, err
	}
	o.subscribeBus()
	return o, nil
}

func (o *Orchestrator) hydrate() error {
	deviceRecords, err := o.store.LoadDevices()
	if err != nil {
		return err
	}
	vehicleRecords, err := o.store.LoadVehicles()
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for addr, rec := range deviceRecords {
		dev := deviceRecordToModel(addr, rec)
		o.devices[addr] = &deviceEntry{device: dev, status: &model.DeviceRuntimeStatus{Address: addr}}
	}
	for id, rec := range vehicleRecords {
		v, err := vehicleRecordToModel(id, rec)
		if err != nil {
			o.logger.Warn("orchestrator: dropping vehicle record with invalid id", "id", id, "error", err)
			continue
		}
		o.vehicles[id] = v
	}
	return nil
}

// subscribeBus wires the orchestrator's own reactions to the event bus:
// recording readings, updating health metrics, and forwarding to the
// storage sink and MQTT client.
func (o *Orchestrator) subscribeBus() {
	o.bus.Subscribe(bus.TopicDeviceReading, func(ev bus.Event) {
		reading, ok := ev.Payload.(*model.Reading)
		if !ok || reading == nil {
			return
		}
		o.onReading(reading)
	})
}

// Start runs the discovery loop and any already-configured device
// sessions until ctx is cancelled, then executes the shutdown sequence
// and returns. It blocks for the lifetime of the orchestrator, mirroring
// the teacher's Manager.Start pattern of one errgroup per long-running
// activity.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.startedAt = time.Now()

	o.mu.RLock()
	configured := make([]string, 0, len(o.devices))
	for addr, entry := range o.devices {
		if entry.device.Configured() {
			configured = append(configured, addr)
		}
	}
	o.mu.RUnlock()
	for _, addr := range configured {
		if err := o.startSession(ctx, addr); err != nil {
			o.logger.Warn("orchestrator: failed to start session at startup", "address", addr, "error", err)
		}
	}

	if o.mqtt != nil {
		o.mqtt.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.runDiscoveryLoop(gctx) })
	g.Go(func() error { return o.runMetricsLoop(gctx) })

	err := g.Wait()
	o.shutdown()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// shutdown runs the sequence from the concurrency model: stop discovery
// (implicit — runDiscoveryLoop already returned), stop all poll drivers,
// close all sessions, stop the MQTT worker, then publish
// system.shutdown. The event bus and its subscribers are left open.
func (o *Orchestrator) shutdown() {
	o.sched.CancelAll()

	o.mu.RLock()
	sessions := make([]*session.Session, 0, len(o.devices))
	for _, entry := range o.devices {
		if entry.session != nil {
			sessions = append(sessions, entry.session)
		}
	}
	o.mu.RUnlock()
	for _, sess := range sessions {
		_ = sess.Close()
	}

	if o.mqtt != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		o.mqtt.Stop(shutdownCtx)
		cancel()
	}

	o.bus.Publish(bus.Event{Topic: bus.TopicSystemShutdown, Payload: nil})
}

func (o *Orchestrator) runDiscoveryLoop(ctx context.Context) error {
	if o.cfg.Discovery.InitialScan && o.discoveryEnabled.Load() {
		if err := o.runDiscoveryOnce(ctx); err != nil && ctx.Err() == nil {
			o.logger.Warn("orchestrator: initial discovery failed", "error", err)
		}
	}

	interval := time.Duration(o.cfg.Discovery.PeriodicIntervalS) * time.Second
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !o.discoveryEnabled.Load() {
				continue
			}
			if err := o.runDiscoveryOnce(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("orchestrator: periodic discovery failed", "error", err)
			}
		}
	}
}

// runDiscoveryOnce performs one scan, excluding scheduled polling for
// its duration since scan and connect contend for the one BLE adapter.
func (o *Orchestrator) runDiscoveryOnce(ctx context.Context) error {
	o.sched.PauseForDiscovery()
	defer o.sched.Resume()

	duration := time.Duration(o.cfg.Discovery.ScanDurationS) * time.Second
	if duration <= 0 {
		duration = 10 * time.Second
	}
	scanCtx, cancel := context.WithTimeout(ctx, duration+5*time.Second)
	defer cancel()

	results, err := o.adapter.Scan(scanCtx, duration)
	if err != nil {
		return err
	}
	for res := range results {
		o.registerDiscovered(res)
	}
	return nil
}

func (o *Orchestrator) registerDiscovered(res bletransport.ScanResult) {
	addr, err := model.NormalizeAddress(res.Address)
	if err != nil {
		o.logger.Warn("orchestrator: discovery saw invalid address", "address", res.Address, "error", err)
		return
	}

	o.mu.Lock()
	if _, known := o.devices[addr]; known {
		o.mu.Unlock()
		return
	}
	dev := model.Device{
		Address:      addr,
		Protocol:     model.ProtocolGeneric,
		FriendlyName: res.LocalName,
		Status:       model.DeviceDiscovered,
		DiscoveredAt: time.Now(),
		PollInterval: time.Duration(o.cfg.Discovery.PeriodicIntervalS) * time.Second,
		Policy:       model.DefaultConnectionPolicy(),
	}
	o.devices[addr] = &deviceEntry{device: dev, status: &model.DeviceRuntimeStatus{Address: addr}}
	o.mu.Unlock()

	if err := o.persistDevices(); err != nil {
		o.logger.Warn("orchestrator: failed to persist discovered device", "address", addr, "error", err)
	}
	o.bus.Publish(bus.Event{Topic: bus.TopicDeviceDiscovered, Payload: DiscoveredEvent{Address: addr, LocalName: res.LocalName}})
	if o.mqtt != nil {
		_ = o.mqtt.PublishDiscoveryFound(mqttclient.DiscoveryFoundPayload{
			Address:   addr,
			LocalName: res.LocalName,
			Timestamp: time.Now().UTC().UnixMilli(),
		})
	}
}

func newFamily(p model.ProtocolFamily) (protocol.Family, error) {
	switch p {
	case model.ProtocolBM6:
		return protocol.NewBM6()
	case model.ProtocolBM2, model.ProtocolGeneric:
		return protocol.NewLegacy(), nil
	default:
		return nil, &UnsupportedProtocolError{Protocol: string(p)}
	}
}

// startSession opens a device's connection and registers it with the
// scheduler. It is a no-op if the session is already open.
func (o *Orchestrator) startSession(ctx context.Context, addr string) error {
	o.mu.Lock()
	entry, ok := o.devices[addr]
	if !ok {
		o.mu.Unlock()
		return model.ErrUnknownDevice
	}
	if entry.session != nil {
		o.mu.Unlock()
		return nil
	}
	family, err := newFamily(entry.device.Protocol)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	connectTimeout := time.Duration(o.cfg.Bluetooth.ConnectionTimeoutS) * time.Second
	sess := session.New(addr, o.pool, family, o.bus, entry.status, connectTimeout,
		session.WithForcedReconnect(o.triggerReconnect))
	entry.family = family
	entry.session = sess
	period := entry.device.PollInterval
	o.mu.Unlock()

	if err := sess.Open(ctx); err != nil {
		o.mu.Lock()
		entry.session = nil
		entry.family = nil
		o.mu.Unlock()
		return err
	}
	o.sched.Register(ctx, addr, period, period, func(pollCtx context.Context) error {
		_, err := sess.RequestVoltageTemp(pollCtx)
		return err
	})
	return nil
}

// stopSession cancels a device's poll driver and closes its session, if
// open.
func (o *Orchestrator) stopSession(addr string) {
	o.sched.Cancel(addr)
	o.recon.Cancel(addr)

	o.mu.Lock()
	entry, ok := o.devices[addr]
	var sess *session.Session
	if ok {
		sess = entry.session
		entry.session = nil
		entry.family = nil
	}
	o.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
}

// triggerReconnect is invoked either by the session's forced-reconnect
// callback (too many consecutive command failures) or by the pool's
// drop callback (the transport reported a disconnect). It runs the
// reconnection controller in the background so the caller is never
// blocked on a backoff loop.
func (o *Orchestrator) triggerReconnect(addr string) {
	o.mu.RLock()
	entry, ok := o.devices[addr]
	o.mu.RUnlock()
	if !ok || entry.family == nil || entry.session == nil {
		return
	}

	_, notifyUUID := entry.family.CharacteristicUUIDs()
	subs := []reconnect.Subscription{{CharUUID: notifyUUID, Callback: entry.session.NotificationCallback()}}
	connectTimeout := time.Duration(o.cfg.Bluetooth.ConnectionTimeoutS) * time.Second

	go func() {
		// Drop a still-registered (possibly stale) link first so the
		// controller opens a fresh one; a no-op after a reported drop.
		_ = o.pool.Disconnect(addr)
		if err := o.recon.Run(context.Background(), addr, connectTimeout, subs); err != nil {
			o.logger.Warn("orchestrator: reconnection exhausted", "address", addr, "error", err)
		}
	}()
}

func (o *Orchestrator) handleDrop(address string) {
	o.bus.Publish(bus.Event{Topic: bus.TopicDeviceConnection, Payload: ConnectionEvent{
		Address:  address,
		OldState: connstate.Connected,
		NewState: connstate.Disconnected,
	}})
	o.triggerReconnect(address)
}

// runMetricsLoop mirrors pool and bus occupancy onto the registered
// Prometheus gauges on a fixed cadence.
func (o *Orchestrator) runMetricsLoop(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.reportMetrics()
		}
	}
}

func (o *Orchestrator) reportMetrics() {
	stats := o.pool.Stats()
	metrics.PoolActiveConnections.Set(float64(stats.Active))
	metrics.PoolPendingConnections.Set(float64(stats.Pending))
	metrics.PoolWaitQueueDepth.Set(float64(stats.Waiting))

	if o.mqtt != nil {
		mqttStats := o.mqtt.Stats()
		metrics.MQTTQueueDepth.Set(float64(mqttStats.QueueDepth))
		metrics.MQTTConnectionState.Set(mqttStateValue(mqttStats.State))
	}
}

func mqttStateValue(s mqttclient.ConnectionState) float64 {
	switch s {
	case mqttclient.Disconnected:
		return 0
	case mqttclient.Connecting:
		return 1
	case mqttclient.Connected:
		return 2
	case mqttclient.Reconnecting:
		return 3
	case mqttclient.Failed:
		return 4
	default:
		return -1
	}
}

func (o *Orchestrator) persistDevices() error {
	o.mu.RLock()
	records := make(map[string]DeviceRecord, len(o.devices))
	for addr, entry := range o.devices {
		records[addr] = deviceModelToRecord(entry.device)
	}
	o.mu.RUnlock()
	return o.store.SaveDevices(records)
}

func (o *Orchestrator) persistVehicles() error {
	o.mu.RLock()
	records := make(map[string]VehicleRecord, len(o.vehicles))
	for id, v := range o.vehicles {
		records[id] = vehicleModelToRecord(v, o.deviceCountForVehicleLocked(id))
	}
	o.mu.RUnlock()
	return o.store.SaveVehicles(records)
}

// deviceCountForVehicleLocked counts devices assigned to vehicleID. The
// caller must hold at least a read lock on o.mu.
func (o *Orchestrator) deviceCountForVehicleLocked(vehicleID string) int {
	count := 0
	for _, entry := range o.devices {
		if entry.device.VehicleID == vehicleID {
			count++
		}
	}
	return count
}

func (o *Orchestrator) onReading(reading *model.Reading) {
	o.mu.Lock()
	entry, ok := o.devices[reading.Address]
	if ok {
		entry.latest = reading
	}
	var vehicleID string
	if ok {
		vehicleID = entry.device.VehicleID
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	metrics.ReadingsPublishedTotal.WithLabelValues(reading.ProtocolTag).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	result, err := o.sink.Write(ctx, reading.Address, nilIfEmpty(vehicleID), reading.ProtocolTag, *reading, reading.Timestamp)
	cancel()
	if err != nil {
		o.logger.Warn("orchestrator: storage write failed", "address", reading.Address, "error", err)
	} else if result == storage.ResultDropped {
		o.logger.Debug("orchestrator: storage dropped write", "address", reading.Address)
	}

	if o.mqtt != nil {
		o.publishReadingPayload(reading, vehicleID)
		o.publishStatusPayload(reading.Address)
	}

	if vehicleID != "" {
		o.recomputeVehicleSummary(vehicleID)
	}
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
