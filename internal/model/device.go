package model

import "time"

// ProtocolFamily identifies which wire protocol a device speaks.
type ProtocolFamily string

const (
	ProtocolBM6     ProtocolFamily = "BM6"
	ProtocolBM2     ProtocolFamily = "BM2"
	ProtocolGeneric ProtocolFamily = "GENERIC"
)

// DeviceLifecycleStatus is the operator-visible status of a device record.
type DeviceLifecycleStatus string

const (
	DeviceDiscovered DeviceLifecycleStatus = "discovered"
	DeviceConfigured DeviceLifecycleStatus = "configured"
	DeviceError      DeviceLifecycleStatus = "error"
)

// ConnectionPolicy controls how a device's reconnection controller behaves.
type ConnectionPolicy struct {
	RetryAttempts          int           `yaml:"retry_attempts"`
	RetryInterval          time.Duration `yaml:"retry_interval"`
	PostDropReconnectDelay time.Duration `yaml:"post_drop_reconnect_delay"`
}

// DefaultConnectionPolicy mirrors the reconnection controller's own
// defaults (spec §4.F) so a freshly discovered device behaves sensibly
// before an operator configures it explicitly.
func DefaultConnectionPolicy() ConnectionPolicy {
	return ConnectionPolicy{
		RetryAttempts:          10,
		RetryInterval:          time.Second,
		PostDropReconnectDelay: 0,
	}
}

// Device is the persistent record for one physical battery monitor.
// Identity (Address) is immutable once registered.
type Device struct {
	Address       string
	Protocol      ProtocolFamily
	FriendlyName  string
	VehicleID     string // empty if unassigned; see Vehicle
	Status        DeviceLifecycleStatus
	DiscoveredAt  time.Time
	ConfiguredAt  time.Time
	PollInterval  time.Duration
	Policy        ConnectionPolicy
}

// Configured reports whether the device is eligible for polling. Only
// configured devices are polled; discovered-but-unconfigured devices sit
// in the registry until an operator acts on them.
func (d *Device) Configured() bool {
	return d.Status == DeviceConfigured
}

// DeviceRuntimeStatus is the live, frequently-updated counterpart to
// Device: it is rebuilt on every transport operation, never persisted.
type DeviceRuntimeStatus struct {
	Address                string
	Connected              bool
	LastErrorCode          string
	LastErrorMessage       string
	ProtocolVersion        string
	LastCommand            string
	ConnectionErrorCount   int
	LastConnectionAttempt  time.Time
	ReadingCount           int
	PollingErrorCount      int
	ConsecutiveCmdFailures int
}

// RecordReadingSuccess resets the failure counters that a healthy reading
// should clear — mirrors the original core's state.update_reading.
func (s *DeviceRuntimeStatus) RecordReadingSuccess() {
	s.ReadingCount++
	s.ConnectionErrorCount = 0
	s.PollingErrorCount = 0
	s.ConsecutiveCmdFailures = 0
	s.LastErrorCode = ""
	s.LastErrorMessage = ""
}

// RecordCommandFailure increments the consecutive-failure counter used to
// trigger a forced reconnect (spec §4.G, default threshold 3).
func (s *DeviceRuntimeStatus) RecordCommandFailure(code, message string) {
	s.ConsecutiveCmdFailures++
	s.PollingErrorCount++
	s.LastErrorCode = code
	s.LastErrorMessage = message
}
