package mqttclient

import "time"

// epochMillis formats t as integer milliseconds since the Unix epoch in
// UTC. Payload timestamps use this integer form; they are not ISO-8601
// strings.
func epochMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// ReadingPayload is the JSON body published to a device's reading topic.
type ReadingPayload struct {
	DeviceID      string         `json:"device_id"`
	Timestamp     int64          `json:"timestamp"`
	Voltage       float64        `json:"voltage"`
	Current       float64        `json:"current"`
	Temperature   float64        `json:"temperature"`
	StateOfCharge float64        `json:"state_of_charge"`
	Capacity      *float64       `json:"capacity,omitempty"`
	Cycles        *int           `json:"cycles,omitempty"`
	Power         *float64       `json:"power,omitempty"`
	VehicleID     *string        `json:"vehicle_id,omitempty"`
	DeviceType    string         `json:"device_type,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// StatusPayload is the JSON body published to a device's status topic.
type StatusPayload struct {
	DeviceID        string `json:"device_id"`
	Timestamp       int64  `json:"timestamp"`
	Connected       bool   `json:"connected"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	LastCommand     string `json:"last_command,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// VehicleSummaryDevice is one device's contribution to a vehicle summary.
type VehicleSummaryDevice struct {
	Address       string  `json:"address"`
	StateOfCharge float64 `json:"state_of_charge"`
	Connected     bool    `json:"connected"`
}

// OverallHealth classifies a vehicle summary's aggregate battery health.
type OverallHealth string

const (
	HealthGood     OverallHealth = "good"
	HealthDegraded OverallHealth = "degraded"
	HealthBad      OverallHealth = "bad"
	HealthUnknown  OverallHealth = "unknown"
)

// VehicleSummaryPayload is the JSON body published to a vehicle's summary
// topic.
type VehicleSummaryPayload struct {
	VehicleID        string                 `json:"vehicle_id"`
	Timestamp        int64                  `json:"timestamp"`
	TotalDevices     int                    `json:"total_devices"`
	ConnectedDevices int                    `json:"connected_devices"`
	AverageVoltage   float64                `json:"average_voltage"`
	TotalCapacity    float64                `json:"total_capacity"`
	OverallHealth    OverallHealth          `json:"overall_health"`
	Devices          []VehicleSummaryDevice `json:"devices"`
}

// DiscoveryFoundPayload is the JSON body published when a new device is
// seen during a scan, before an operator has configured it.
type DiscoveryFoundPayload struct {
	Address   string `json:"address"`
	LocalName string `json:"local_name,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// CoreStatus is the "core" section of a system status payload.
type CoreStatus struct {
	Running  bool   `json:"running"`
	UptimeS  int64  `json:"uptime_s"`
	Version  string `json:"version"`
}

// StorageStatus is the "storage" section of a system status payload.
type StorageStatus struct {
	Connected bool `json:"connected"`
}

// ComponentStatus is the "components" section of a system status
// payload, one health flag per subsystem.
type ComponentStatus struct {
	MQTT      bool `json:"mqtt"`
	Bluetooth bool `json:"bluetooth"`
	API       bool `json:"api"`
}

// SystemStatusPayload is the JSON body published to the system status
// topic.
type SystemStatusPayload struct {
	Timestamp  int64           `json:"timestamp"`
	Core       CoreStatus      `json:"core"`
	Storage    StorageStatus   `json:"storage"`
	Components ComponentStatus `json:"components"`
}
