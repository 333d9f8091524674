package orchestrator

import (
	"context"
	"time"

	"github.com/battery-hawk/corewatch/internal/bus"
	"github.com/battery-hawk/corewatch/internal/model"
	"github.com/battery-hawk/corewatch/internal/mqttclient"
	"github.com/battery-hawk/corewatch/internal/pool"
)

// ListDevices returns a snapshot of every known device record.
func (o *Orchestrator) ListDevices() []model.Device {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]model.Device, 0, len(o.devices))
	for _, entry := range o.devices {
		out = append(out, entry.device)
	}
	return out
}

// GetDevice returns one device's record.
func (o *Orchestrator) GetDevice(address string) (model.Device, error) {
	addr, err := model.NormalizeAddress(address)
	if err != nil {
		return model.Device{}, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	entry, ok := o.devices[addr]
	if !ok {
		return model.Device{}, model.ErrUnknownDevice
	}
	return entry.device, nil
}

// ConfigureDevice promotes a discovered device to configured, assigning
// its protocol family, friendly name, optional vehicle, and poll
// interval, then opens its session and registers it with the scheduler.
// A poll interval <= 0 keeps the device's existing interval.
func (o *Orchestrator) ConfigureDevice(ctx context.Context, address, friendlyName string, proto model.ProtocolFamily, vehicleID string, pollInterval time.Duration) error {
	addr, err := model.NormalizeAddress(address)
	if err != nil {
		return err
	}

	o.mu.Lock()
	entry, ok := o.devices[addr]
	if !ok {
		o.mu.Unlock()
		return model.ErrUnknownDevice
	}
	if vehicleID != "" {
		if _, ok := o.vehicles[vehicleID]; !ok {
			o.mu.Unlock()
			return model.ErrUnknownVehicle
		}
	}
	entry.device.FriendlyName = friendlyName
	entry.device.Protocol = proto
	entry.device.VehicleID = vehicleID
	entry.device.Status = model.DeviceConfigured
	entry.device.ConfiguredAt = time.Now()
	if pollInterval > 0 {
		entry.device.PollInterval = pollInterval
	}
	o.mu.Unlock()

	if err := o.persistDevices(); err != nil {
		return err
	}
	if err := o.startSession(ctx, addr); err != nil {
		return err
	}
	if vehicleID != "" {
		o.bus.Publish(bus.Event{Topic: bus.TopicVehicleAssociated, Payload: AssociationEvent{VehicleID: vehicleID, Address: addr}})
		o.recomputeVehicleSummary(vehicleID)
	}
	return nil
}

// RemoveDevice cancels its poll driver and reconnection controller,
// closes its session, and deletes the record.
func (o *Orchestrator) RemoveDevice(address string) error {
	addr, err := model.NormalizeAddress(address)
	if err != nil {
		return err
	}

	o.mu.Lock()
	entry, ok := o.devices[addr]
	if !ok {
		o.mu.Unlock()
		return model.ErrUnknownDevice
	}
	vehicleID := entry.device.VehicleID
	o.mu.Unlock()

	o.stopSession(addr)
	o.mu.Lock()
	delete(o.devices, addr)
	o.mu.Unlock()
	if err := o.persistDevices(); err != nil {
		return err
	}
	if vehicleID != "" {
		o.recomputeVehicleSummary(vehicleID)
	}
	return nil
}

// ListVehicles returns a snapshot of every known vehicle record.
func (o *Orchestrator) ListVehicles() []model.Vehicle {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]model.Vehicle, 0, len(o.vehicles))
	for _, v := range o.vehicles {
		out = append(out, v)
	}
	return out
}

// GetVehicle returns one vehicle's record.
func (o *Orchestrator) GetVehicle(id string) (model.Vehicle, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.vehicles[id]
	if !ok {
		return model.Vehicle{}, model.ErrUnknownVehicle
	}
	return v, nil
}

// CreateVehicle registers a new vehicle and persists it.
func (o *Orchestrator) CreateVehicle(name string) (model.Vehicle, error) {
	id, err := newVehicleID()
	if err != nil {
		return model.Vehicle{}, err
	}
	v := model.Vehicle{ID: id, Name: name, CreatedAt: time.Now()}

	o.mu.Lock()
	o.vehicles[id.String()] = v
	o.mu.Unlock()

	if err := o.persistVehicles(); err != nil {
		return model.Vehicle{}, err
	}
	return v, nil
}

// DeleteVehicle removes a vehicle record. Member devices are detached
// (their VehicleID cleared) rather than removed.
func (o *Orchestrator) DeleteVehicle(id string) error {
	o.mu.Lock()
	if _, ok := o.vehicles[id]; !ok {
		o.mu.Unlock()
		return model.ErrUnknownVehicle
	}
	for _, entry := range o.devices {
		if entry.device.VehicleID == id {
			entry.device.VehicleID = ""
		}
	}
	delete(o.vehicles, id)
	o.mu.Unlock()

	if err := o.persistDevices(); err != nil {
		return err
	}
	return o.persistVehicles()
}

// AssociateDevice assigns address to vehicleID, or clears the
// association when vehicleID is empty.
func (o *Orchestrator) AssociateDevice(address, vehicleID string) error {
	addr, err := model.NormalizeAddress(address)
	if err != nil {
		return err
	}

	o.mu.Lock()
	entry, ok := o.devices[addr]
	if !ok {
		o.mu.Unlock()
		return model.ErrUnknownDevice
	}
	if vehicleID != "" {
		if _, ok := o.vehicles[vehicleID]; !ok {
			o.mu.Unlock()
			return model.ErrUnknownVehicle
		}
	}
	previous := entry.device.VehicleID
	entry.device.VehicleID = vehicleID
	o.mu.Unlock()

	if err := o.persistDevices(); err != nil {
		return err
	}
	if vehicleID != "" {
		o.bus.Publish(bus.Event{Topic: bus.TopicVehicleAssociated, Payload: AssociationEvent{VehicleID: vehicleID, Address: addr}})
		o.recomputeVehicleSummary(vehicleID)
	}
	if previous != "" && previous != vehicleID {
		o.recomputeVehicleSummary(previous)
	}
	return nil
}

// LatestReading returns the most recent reading seen from address, if
// any.
func (o *Orchestrator) LatestReading(address string) (model.Reading, error) {
	addr, err := model.NormalizeAddress(address)
	if err != nil {
		return model.Reading{}, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	entry, ok := o.devices[addr]
	if !ok {
		return model.Reading{}, model.ErrUnknownDevice
	}
	if entry.latest == nil {
		return model.Reading{}, &NoReadingYetError{Address: addr}
	}
	return *entry.latest, nil
}

// SubscribeReadings registers handler for every reading published onto
// the event bus, the live reading stream the REST/CLI layer exposes.
func (o *Orchestrator) SubscribeReadings(handler func(model.Reading)) bus.Subscription {
	return o.bus.Subscribe(bus.TopicDeviceReading, func(ev bus.Event) {
		if r, ok := ev.Payload.(*model.Reading); ok && r != nil {
			handler(*r)
		}
	})
}

// SubscribeSummaries registers handler for every vehicle summary
// published onto the event bus.
func (o *Orchestrator) SubscribeSummaries(handler func(model.VehicleSummary)) bus.Subscription {
	return o.bus.Subscribe(bus.TopicVehicleSummary, func(ev bus.Event) {
		if s, ok := ev.Payload.(model.VehicleSummary); ok {
			handler(s)
		}
	})
}

// Unsubscribe cancels a subscription returned by SubscribeReadings or
// SubscribeSummaries.
func (o *Orchestrator) Unsubscribe(sub bus.Subscription) {
	o.bus.Unsubscribe(sub)
}

// ForceReconnect re-arms a device's reconnection controller regardless
// of its current state — the operator-triggered escape hatch named in
// the external interface contract.
func (o *Orchestrator) ForceReconnect(address string) error {
	addr, err := model.NormalizeAddress(address)
	if err != nil {
		return err
	}
	o.mu.RLock()
	_, ok := o.devices[addr]
	o.mu.RUnlock()
	if !ok {
		return model.ErrUnknownDevice
	}
	o.triggerReconnect(addr)
	return nil
}

// Reconcile reloads the device and vehicle registries from store and
// merges them into the in-memory state: new records are added, existing
// records have their mutable fields (friendly name, protocol, vehicle
// association, poll interval, status) refreshed, and records no longer present
// in store are removed, tearing down their sessions first. It is the
// externally-triggered reload hook for a hot-reload or admin-reload
// surface layered on top of the orchestrator; the orchestrator itself
// never watches store for changes.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	deviceRecords, err := o.store.LoadDevices()
	if err != nil {
		return err
	}
	vehicleRecords, err := o.store.LoadVehicles()
	if err != nil {
		return err
	}

	o.mu.Lock()
	for id, rec := range vehicleRecords {
		v, err := vehicleRecordToModel(id, rec)
		if err != nil {
			o.logger.Warn("orchestrator: dropping vehicle record with invalid id", "id", id, "error", err)
			continue
		}
		o.vehicles[id] = v
	}
	for id := range o.vehicles {
		if _, ok := vehicleRecords[id]; !ok {
			delete(o.vehicles, id)
		}
	}

	var toStart []string
	var toStop []string
	for addr, rec := range deviceRecords {
		dev := deviceRecordToModel(addr, rec)
		entry, exists := o.devices[addr]
		if !exists {
			o.devices[addr] = &deviceEntry{device: dev, status: &model.DeviceRuntimeStatus{Address: addr}}
			if dev.Configured() {
				toStart = append(toStart, addr)
			}
			continue
		}
		wasConfigured := entry.device.Configured()
		entry.device.FriendlyName = dev.FriendlyName
		entry.device.Protocol = dev.Protocol
		entry.device.VehicleID = dev.VehicleID
		entry.device.PollInterval = dev.PollInterval
		entry.device.Status = dev.Status
		if dev.Configured() && !wasConfigured {
			toStart = append(toStart, addr)
		}
	}
	for addr := range o.devices {
		if _, ok := deviceRecords[addr]; !ok {
			toStop = append(toStop, addr)
		}
	}
	o.mu.Unlock()

	for _, addr := range toStop {
		o.stopSession(addr)
		o.mu.Lock()
		delete(o.devices, addr)
		o.mu.Unlock()
	}
	for _, addr := range toStart {
		if err := o.startSession(ctx, addr); err != nil {
			o.logger.Warn("orchestrator: failed to start session during reconcile", "address", addr, "error", err)
		}
	}
	return nil
}

// StartDiscovery re-enables the periodic discovery loop and runs one
// scan immediately.
func (o *Orchestrator) StartDiscovery(ctx context.Context) error {
	o.discoveryEnabled.Store(true)
	return o.runDiscoveryOnce(ctx)
}

// StopDiscovery disables future periodic and startup scans. In-flight
// scans are not interrupted.
func (o *Orchestrator) StopDiscovery() {
	o.discoveryEnabled.Store(false)
}

// HealthSnapshot is the health/status surface named in the external
// interface contract.
type HealthSnapshot struct {
	Uptime       time.Duration
	DeviceCount  int
	VehicleCount int
	Pool         pool.Stats
	BusOverflow  uint64
	MQTTState    mqttclient.ConnectionState
	MQTTQueue    int
}

// Health reports a point-in-time snapshot of the orchestrator's
// subsystems.
func (o *Orchestrator) Health() HealthSnapshot {
	o.mu.RLock()
	deviceCount := len(o.devices)
	vehicleCount := len(o.vehicles)
	o.mu.RUnlock()

	snap := HealthSnapshot{
		Uptime:       time.Since(o.startedAt),
		DeviceCount:  deviceCount,
		VehicleCount: vehicleCount,
		Pool:         o.pool.Stats(),
		BusOverflow:  o.bus.TotalOverflow(),
	}
	if o.mqtt != nil {
		snap.MQTTState = o.mqtt.State()
		snap.MQTTQueue = o.mqtt.QueueDepth()
	}
	return snap
}
