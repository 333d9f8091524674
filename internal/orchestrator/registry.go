// Package orchestrator owns the authoritative in-memory device and
// vehicle registry, drives discovery and polling, and fans events out
// over the bus. It is the only component that mutates device or
// vehicle records; everything else receives snapshots.
package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/battery-hawk/corewatch/internal/model"
)

// ConnectionConfigRecord is the persisted connection-policy sub-record,
// field names matching the original registry document's
// connection_config block.
type ConnectionConfigRecord struct {
	RetryAttempts      int     `yaml:"retry_attempts"`
	RetryIntervalS     float64 `yaml:"retry_interval"`
	ReconnectionDelayS float64 `yaml:"reconnection_delay"`
}

// DeviceRecord is one persisted device document. Field names mirror the
// original registry's mac_address/device_type/friendly_name/... keys so
// an existing registry file loads unchanged.
type DeviceRecord struct {
	Address          string                 `yaml:"mac_address"`
	DeviceType       string                 `yaml:"device_type"`
	FriendlyName     string                 `yaml:"friendly_name"`
	VehicleID        string                 `yaml:"vehicle_id"`
	Status           string                 `yaml:"status"`
	DiscoveredAt     time.Time              `yaml:"discovered_at"`
	ConfiguredAt     time.Time              `yaml:"configured_at"`
	PollingIntervalS int                    `yaml:"polling_interval"`
	ConnectionConfig ConnectionConfigRecord `yaml:"connection_config"`
}

// VehicleRecord is one persisted vehicle document.
type VehicleRecord struct {
	Name        string    `yaml:"name"`
	CreatedAt   time.Time `yaml:"created_at"`
	DeviceCount int       `yaml:"device_count"`
}

// devicesDocument and vehiclesDocument are the on-disk shapes: a version
// marker plus the keyed map, matching "a versioned document" from the
// persistence contract.
type devicesDocument struct {
	Version int                      `yaml:"version"`
	Devices map[string]DeviceRecord  `yaml:"devices"`
}

type vehiclesDocument struct {
	Version  int                      `yaml:"version"`
	Vehicles map[string]VehicleRecord `yaml:"vehicles"`
}

const registryDocumentVersion = 1

// RegistryStore is the narrow load/save contract the orchestrator
// hydrates from at startup and writes through on every mutation. A
// YAML-file-backed implementation is provided (FileStore); tests use an
// in-memory one.
type RegistryStore interface {
	LoadDevices() (map[string]DeviceRecord, error)
	SaveDevices(map[string]DeviceRecord) error
	LoadVehicles() (map[string]VehicleRecord, error)
	SaveVehicles(map[string]VehicleRecord) error
}

// FileStore persists devices and vehicles as two separate YAML
// documents, grounded on the original registry's one-file-per-kind
// layout.
type FileStore struct {
	DevicesPath  string
	VehiclesPath string
}

// NewFileStore builds a FileStore rooted at the given paths.
func NewFileStore(devicesPath, vehiclesPath string) *FileStore {
	return &FileStore{DevicesPath: devicesPath, VehiclesPath: vehiclesPath}
}

// LoadDevices reads the devices document. A missing file is not an
// error — it means an empty registry, matching the original's
// load-or-start-empty behavior.
func (s *FileStore) LoadDevices() (map[string]DeviceRecord, error) {
	data, err := os.ReadFile(s.DevicesPath)
	if os.IsNotExist(err) {
		return make(map[string]DeviceRecord), nil
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: reading device registry: %w", err)
	}
	var doc devicesDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("orchestrator: parsing device registry: %w", err)
	}
	if doc.Devices == nil {
		doc.Devices = make(map[string]DeviceRecord)
	}
	return doc.Devices, nil
}

// SaveDevices writes the full devices document. The registry is small
// (dozens of peripherals) so a whole-file rewrite on every mutation
// matches the original's save-on-every-change discipline without
// needing an append log.
func (s *FileStore) SaveDevices(devices map[string]DeviceRecord) error {
	doc := devicesDocument{Version: registryDocumentVersion, Devices: devices}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("orchestrator: marshaling device registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.DevicesPath), 0o755); err != nil {
		return fmt.Errorf("orchestrator: creating device registry directory: %w", err)
	}
	if err := os.WriteFile(s.DevicesPath, data, 0o644); err != nil {
		return fmt.Errorf("orchestrator: writing device registry: %w", err)
	}
	return nil
}

// LoadVehicles reads the vehicles document, or returns an empty map if
// none exists yet.
func (s *FileStore) LoadVehicles() (map[string]VehicleRecord, error) {
	data, err := os.ReadFile(s.VehiclesPath)
	if os.IsNotExist(err) {
		return make(map[string]VehicleRecord), nil
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: reading vehicle registry: %w", err)
	}
	var doc vehiclesDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("orchestrator: parsing vehicle registry: %w", err)
	}
	if doc.Vehicles == nil {
		doc.Vehicles = make(map[string]VehicleRecord)
	}
	return doc.Vehicles, nil
}

// SaveVehicles writes the full vehicles document.
func (s *FileStore) SaveVehicles(vehicles map[string]VehicleRecord) error {
	doc := vehiclesDocument{Version: registryDocumentVersion, Vehicles: vehicles}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("orchestrator: marshaling vehicle registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.VehiclesPath), 0o755); err != nil {
		return fmt.Errorf("orchestrator: creating vehicle registry directory: %w", err)
	}
	if err := os.WriteFile(s.VehiclesPath, data, 0o644); err != nil {
		return fmt.Errorf("orchestrator: writing vehicle registry: %w", err)
	}
	return nil
}

func deviceRecordToModel(addr string, r DeviceRecord) model.Device {
	return model.Device{
		Address:      addr,
		Protocol:     model.ProtocolFamily(r.DeviceType),
		FriendlyName: r.FriendlyName,
		VehicleID:    r.VehicleID,
		Status:       model.DeviceLifecycleStatus(r.Status),
		DiscoveredAt: r.DiscoveredAt,
		ConfiguredAt: r.ConfiguredAt,
		PollInterval: time.Duration(r.PollingIntervalS) * time.Second,
		Policy: model.ConnectionPolicy{
			RetryAttempts:          r.ConnectionConfig.RetryAttempts,
			RetryInterval:          time.Duration(r.ConnectionConfig.RetryIntervalS * float64(time.Second)),
			PostDropReconnectDelay: time.Duration(r.ConnectionConfig.ReconnectionDelayS * float64(time.Second)),
		},
	}
}

func deviceModelToRecord(d model.Device) DeviceRecord {
	return DeviceRecord{
		Address:          d.Address,
		DeviceType:       string(d.Protocol),
		FriendlyName:     d.FriendlyName,
		VehicleID:        d.VehicleID,
		Status:           string(d.Status),
		DiscoveredAt:     d.DiscoveredAt,
		ConfiguredAt:     d.ConfiguredAt,
		PollingIntervalS: int(d.PollInterval / time.Second),
		ConnectionConfig: ConnectionConfigRecord{
			RetryAttempts:      d.Policy.RetryAttempts,
			RetryIntervalS:     d.Policy.RetryInterval.Seconds(),
			ReconnectionDelayS: d.Policy.PostDropReconnectDelay.Seconds(),
		},
	}
}

func vehicleRecordToModel(id string, r VehicleRecord) (model.Vehicle, error) {
	vehicleID, err := parseVehicleID(id)
	if err != nil {
		return model.Vehicle{}, err
	}
	return model.Vehicle{ID: vehicleID, Name: r.Name, CreatedAt: r.CreatedAt}, nil
}

func vehicleModelToRecord(v model.Vehicle, deviceCount int) VehicleRecord {
	return VehicleRecord{Name: v.Name, CreatedAt: v.CreatedAt, DeviceCount: deviceCount}
}
