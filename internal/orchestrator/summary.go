package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/battery-hawk/corewatch/internal/bus"
	"github.com/battery-hawk/corewatch/internal/connstate"
	"github.com/battery-hawk/corewatch/internal/model"
	"github.com/battery-hawk/corewatch/internal/mqttclient"
)

func (o *Orchestrator) publishReadingPayload(reading *model.Reading, vehicleID string) {
	o.mu.RLock()
	entry := o.devices[reading.Address]
	var deviceType string
	if entry != nil {
		deviceType = string(entry.device.Protocol)
	}
	o.mu.RUnlock()

	payload := mqttclient.ReadingPayload{
		DeviceID:      reading.Address,
		Timestamp:     reading.Timestamp.UTC().UnixMilli(),
		Voltage:       reading.Voltage,
		Current:       reading.Current,
		Temperature:   reading.Temperature,
		StateOfCharge: reading.StateOfCharge,
		Capacity:      reading.Capacity,
		DeviceType:    deviceType,
		Extra:         reading.Extra,
	}
	if reading.CycleCount != nil {
		payload.Cycles = reading.CycleCount
	}
	if vehicleID != "" {
		payload.VehicleID = &vehicleID
	}
	if err := o.mqtt.PublishReading(reading.Address, payload); err != nil {
		o.logger.Warn("orchestrator: mqtt reading publish failed", "address", reading.Address, "error", err)
	}
}

func (o *Orchestrator) publishStatusPayload(address string) {
	o.mu.RLock()
	entry, ok := o.devices[address]
	o.mu.RUnlock()
	if !ok {
		return
	}

	health := o.pool.Health(address)
	payload := mqttclient.StatusPayload{
		DeviceID:        address,
		Timestamp:       time.Now().UTC().UnixMilli(),
		Connected:       health.State == connstate.Connected,
		ProtocolVersion: entry.status.ProtocolVersion,
		LastCommand:     entry.status.LastCommand,
		ErrorCode:       entry.status.LastErrorCode,
		ErrorMessage:    entry.status.LastErrorMessage,
	}
	if err := o.mqtt.PublishStatus(address, payload); err != nil {
		o.logger.Warn("orchestrator: mqtt status publish failed", "address", address, "error", err)
	}
	o.bus.Publish(bus.Event{Topic: bus.TopicDeviceStatus, Payload: payload})
}

// recomputeVehicleSummary rebuilds vehicleID's summary from its member
// devices' latest readings and publishes it, unless the computed
// payload is byte-identical to the last one emitted.
func (o *Orchestrator) recomputeVehicleSummary(vehicleID string) {
	o.mu.RLock()
	vehicle, ok := o.vehicles[vehicleID]
	if !ok {
		o.mu.RUnlock()
		return
	}
	var (
		members          []mqttclient.VehicleSummaryDevice
		voltageSum       float64
		voltageCount     int
		capacitySum      float64
		socSum           float64
		socCount         int
		lowestSoC        = 100.0
		anyConnected     bool
		connectedDevices int
	)
	for addr, entry := range o.devices {
		if entry.device.VehicleID != vehicleID {
			continue
		}
		connected := o.pool.Health(addr).State == connstate.Connected
		if connected {
			connectedDevices++
			anyConnected = true
		}
		soc := 0.0
		if entry.latest != nil {
			soc = entry.latest.StateOfCharge
			voltageSum += entry.latest.Voltage
			voltageCount++
			socSum += soc
			socCount++
			if soc < lowestSoC {
				lowestSoC = soc
			}
			if entry.latest.Capacity != nil {
				capacitySum += *entry.latest.Capacity
			}
		}
		members = append(members, mqttclient.VehicleSummaryDevice{
			Address:       addr,
			StateOfCharge: soc,
			Connected:     connected,
		})
	}
	deviceCount := len(members)
	o.mu.RUnlock()

	averageVoltage := 0.0
	if voltageCount > 0 {
		averageVoltage = voltageSum / float64(voltageCount)
	}
	averageSoC := 0.0
	if socCount > 0 {
		averageSoC = socSum / float64(socCount)
	}
	if socCount == 0 {
		lowestSoC = 0
	}

	now := time.Now()
	mqttPayload := mqttclient.VehicleSummaryPayload{
		VehicleID:        vehicleID,
		Timestamp:        now.UTC().UnixMilli(),
		TotalDevices:     deviceCount,
		ConnectedDevices: connectedDevices,
		AverageVoltage:   averageVoltage,
		TotalCapacity:    capacitySum,
		OverallHealth:    classifyHealth(socCount, averageSoC),
		Devices:          members,
	}

	if o.publishSummaryIfChanged(vehicleID, mqttPayload) {
		summary := model.VehicleSummary{
			VehicleID:    vehicle.ID,
			Name:         vehicle.Name,
			DeviceCount:  deviceCount,
			LowestSoC:    lowestSoC,
			AverageSoC:   averageSoC,
			AnyConnected: anyConnected,
			GeneratedAt:  now,
		}
		o.bus.Publish(bus.Event{Topic: bus.TopicVehicleSummary, Payload: summary})
		if o.mqtt != nil {
			if err := o.mqtt.PublishVehicleSummary(vehicleID, mqttPayload); err != nil {
				o.logger.Warn("orchestrator: mqtt vehicle summary publish failed", "vehicle_id", vehicleID, "error", err)
			}
		}
	}
}

func classifyHealth(sampleCount int, averageSoC float64) mqttclient.OverallHealth {
	if sampleCount == 0 {
		return mqttclient.HealthUnknown
	}
	switch {
	case averageSoC >= 50:
		return mqttclient.HealthGood
	case averageSoC >= 20:
		return mqttclient.HealthDegraded
	default:
		return mqttclient.HealthBad
	}
}

// publishSummaryIfChanged compares payload's JSON encoding against the
// last one emitted for vehicleID, ignoring the timestamp field so a
// steady-state fleet doesn't republish every tick. It returns whether
// the caller should actually publish.
func (o *Orchestrator) publishSummaryIfChanged(vehicleID string, payload mqttclient.VehicleSummaryPayload) bool {
	comparable := payload
	comparable.Timestamp = 0
	data, err := json.Marshal(comparable)
	if err != nil {
		return true
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	o.summaryMu.Lock()
	defer o.summaryMu.Unlock()
	if o.summaryHash[vehicleID] == hash {
		return false
	}
	o.summaryHash[vehicleID] = hash
	return true
}
