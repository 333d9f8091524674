package orchestrator

import "github.com/battery-hawk/corewatch/internal/connstate"

// DiscoveredEvent is the payload of a bus.TopicDeviceDiscovered event.
type DiscoveredEvent struct {
	Address   string
	LocalName string
}

// ConnectionEvent is the payload of a bus.TopicDeviceConnection event.
type ConnectionEvent struct {
	Address  string
	OldState connstate.State
	NewState connstate.State
}

// AssociationEvent is the payload of a bus.TopicVehicleAssociated event.
type AssociationEvent struct {
	VehicleID string
	Address   string
}
