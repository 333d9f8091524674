package model

import (
	"time"

	"github.com/google/uuid"
)

// Vehicle groups one or more devices under a friendly summary identity.
type Vehicle struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

// VehicleSummary is the aggregate published on the event bus's
// vehicle.summary topic: the latest reading seen from each of the
// vehicle's devices, folded into one payload. The MQTT summary topic
// carries mqttclient.VehicleSummaryPayload instead.
type VehicleSummary struct {
	VehicleID    uuid.UUID
	Name         string
	DeviceCount  int
	LowestSoC    float64
	AverageSoC   float64
	AnyConnected bool
	GeneratedAt  time.Time
}
