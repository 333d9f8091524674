package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/battery-hawk/corewatch/internal/bletransport"
	"github.com/battery-hawk/corewatch/internal/blefake"
	"github.com/battery-hawk/corewatch/internal/config"
	"github.com/battery-hawk/corewatch/internal/model"
	"github.com/battery-hawk/corewatch/internal/orchestrator"
)

const testAddr = "AA:BB:CC:DD:EE:FF"

// inMemoryStore is a RegistryStore test double, matching the package
// doc's expectation that tests don't need FileStore's disk round trip.
type inMemoryStore struct {
	mu       sync.Mutex
	devices  map[string]orchestrator.DeviceRecord
	vehicles map[string]orchestrator.VehicleRecord
}

func newInMemoryStore() *inMemoryStore {
	return &inMemoryStore{
		devices:  make(map[string]orchestrator.DeviceRecord),
		vehicles: make(map[string]orchestrator.VehicleRecord),
	}
}

func (s *inMemoryStore) LoadDevices() (map[string]orchestrator.DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]orchestrator.DeviceRecord, len(s.devices))
	for k, v := range s.devices {
		out[k] = v
	}
	return out, nil
}

func (s *inMemoryStore) SaveDevices(devices map[string]orchestrator.DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = devices
	return nil
}

func (s *inMemoryStore) LoadVehicles() (map[string]orchestrator.VehicleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]orchestrator.VehicleRecord, len(s.vehicles))
	for k, v := range s.vehicles {
		out[k] = v
	}
	return out, nil
}

func (s *inMemoryStore) SaveVehicles(vehicles map[string]orchestrator.VehicleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vehicles = vehicles
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Discovery.InitialScan = false
	cfg.Discovery.PeriodicIntervalS = 60
	cfg.Discovery.ScanDurationS = 1
	cfg.Bluetooth.MaxConcurrentConnections = 2
	cfg.Bluetooth.ConnectionTimeoutS = 1
	return cfg
}

func newTestOrchestrator(t *testing.T) (*orchestrator.Orchestrator, *blefake.Adapter) {
	t.Helper()
	adapter := blefake.NewAdapter()
	o, err := orchestrator.New(testConfig(), adapter, newInMemoryStore(), nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, adapter
}

// buildLegacyBasicInfoFrame mirrors protocol.Legacy's framing so a fake
// notification can be decoded into a real reading.
func buildLegacyBasicInfoFrame(voltage, current, capacity uint16, cycles uint16, soc byte) []byte {
	payload := make([]byte, 11)
	payload[0], payload[1] = byte(voltage), byte(voltage>>8)
	payload[2], payload[3] = byte(current), byte(current>>8)
	payload[4], payload[5] = byte(capacity), byte(capacity>>8)
	payload[8], payload[9] = byte(cycles), byte(cycles>>8)
	payload[10] = soc

	const cmdBasicInfo = 0x03
	frame := make([]byte, 0, 6+len(payload))
	frame = append(frame, 0xDD, 0xA5, cmdBasicInfo, byte(len(payload)))
	frame = append(frame, payload...)

	sum := int(cmdBasicInfo) + len(payload)
	for _, b := range payload {
		sum += int(b)
	}
	checksum := byte(0xFF - (sum % 0x100))
	frame = append(frame, checksum, 0x77)
	return frame
}

func TestDiscoveryRegistersNewDevice(t *testing.T) {
	o, adapter := newTestOrchestrator(t)
	adapter.SetScanResults([]bletransport.ScanResult{{Address: testAddr, LocalName: "Battery Monitor"}})

	if err := o.StartDiscovery(context.Background()); err != nil {
		t.Fatalf("StartDiscovery: %v", err)
	}

	devices := o.ListDevices()
	if len(devices) != 1 {
		t.Fatalf("expected 1 discovered device, got %d", len(devices))
	}
	dev := devices[0]
	if dev.Address != testAddr {
		t.Fatalf("expected address %s, got %s", testAddr, dev.Address)
	}
	if dev.Status != model.DeviceDiscovered {
		t.Fatalf("expected status discovered, got %s", dev.Status)
	}
	if dev.Protocol != model.ProtocolGeneric {
		t.Fatalf("expected default protocol GENERIC, got %s", dev.Protocol)
	}

	// Re-scanning the same address must not duplicate the record.
	if err := o.StartDiscovery(context.Background()); err != nil {
		t.Fatalf("StartDiscovery (rescan): %v", err)
	}
	if len(o.ListDevices()) != 1 {
		t.Fatalf("rescan duplicated the device record")
	}
}

func TestConfigureDeviceOpensSessionAndPublishesReading(t *testing.T) {
	o, adapter := newTestOrchestrator(t)
	adapter.SetScanResults([]bletransport.ScanResult{{Address: testAddr}})
	if err := o.StartDiscovery(context.Background()); err != nil {
		t.Fatalf("StartDiscovery: %v", err)
	}

	readings := make(chan model.Reading, 1)
	sub := o.SubscribeReadings(func(r model.Reading) {
		select {
		case readings <- r:
		default:
		}
	})
	defer o.Unsubscribe(sub)

	ctx := context.Background()
	if err := o.ConfigureDevice(ctx, testAddr, "Pack A", model.ProtocolBM2, "", time.Hour); err != nil {
		t.Fatalf("ConfigureDevice: %v", err)
	}

	dev, err := o.GetDevice(testAddr)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if dev.Status != model.DeviceConfigured {
		t.Fatalf("expected configured status, got %s", dev.Status)
	}

	conn := adapter.ConnectionFor(testAddr)
	if conn == nil {
		t.Fatal("expected a fake connection to have been opened")
	}
	frame := buildLegacyBasicInfoFrame(1250, 150, 8000, 12, 77)
	conn.CharacteristicFor("0000ff01-0000-1000-8000-00805f9b34fb").SimulateNotification(frame)

	select {
	case r := <-readings:
		if r.Address != testAddr {
			t.Fatalf("expected reading for %s, got %s", testAddr, r.Address)
		}
		if r.StateOfCharge != 77 {
			t.Fatalf("expected SoC 77, got %v", r.StateOfCharge)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reading event")
	}

	latest, err := o.LatestReading(testAddr)
	if err != nil {
		t.Fatalf("LatestReading: %v", err)
	}
	if latest.StateOfCharge != 77 {
		t.Fatalf("expected latest SoC 77, got %v", latest.StateOfCharge)
	}
}

func TestLatestReadingBeforeAnyDataErrors(t *testing.T) {
	o, adapter := newTestOrchestrator(t)
	adapter.SetScanResults([]bletransport.ScanResult{{Address: testAddr}})
	if err := o.StartDiscovery(context.Background()); err != nil {
		t.Fatalf("StartDiscovery: %v", err)
	}

	if _, err := o.LatestReading(testAddr); err == nil {
		t.Fatal("expected an error for a device with no reading yet")
	}
}

func TestAssociateDeviceRecomputesVehicleSummary(t *testing.T) {
	o, adapter := newTestOrchestrator(t)
	adapter.SetScanResults([]bletransport.ScanResult{{Address: testAddr}})
	if err := o.StartDiscovery(context.Background()); err != nil {
		t.Fatalf("StartDiscovery: %v", err)
	}
	if err := o.ConfigureDevice(context.Background(), testAddr, "Pack A", model.ProtocolBM2, "", time.Hour); err != nil {
		t.Fatalf("ConfigureDevice: %v", err)
	}

	vehicle, err := o.CreateVehicle("Forklift 1")
	if err != nil {
		t.Fatalf("CreateVehicle: %v", err)
	}

	summaries := make(chan model.VehicleSummary, 4)
	sub := o.SubscribeSummaries(func(s model.VehicleSummary) {
		select {
		case summaries <- s:
		default:
		}
	})
	defer o.Unsubscribe(sub)

	conn := adapter.ConnectionFor(testAddr)
	frame := buildLegacyBasicInfoFrame(1250, 150, 8000, 12, 60)
	conn.CharacteristicFor("0000ff01-0000-1000-8000-00805f9b34fb").SimulateNotification(frame)
	time.Sleep(50 * time.Millisecond)

	if err := o.AssociateDevice(testAddr, vehicle.ID.String()); err != nil {
		t.Fatalf("AssociateDevice: %v", err)
	}

	select {
	case s := <-summaries:
		if s.VehicleID != vehicle.ID {
			t.Fatalf("expected summary for %s, got %s", vehicle.ID, s.VehicleID)
		}
		if s.DeviceCount != 1 {
			t.Fatalf("expected device count 1, got %d", s.DeviceCount)
		}
		if s.AverageSoC != 60 {
			t.Fatalf("expected average SoC 60, got %v", s.AverageSoC)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for vehicle summary")
	}

	got, err := o.GetVehicle(vehicle.ID.String())
	if err != nil {
		t.Fatalf("GetVehicle: %v", err)
	}
	if got.Name != "Forklift 1" {
		t.Fatalf("expected vehicle name to round-trip, got %q", got.Name)
	}
}

func TestRemoveDeviceCleansUpSessionAndRecord(t *testing.T) {
	o, adapter := newTestOrchestrator(t)
	adapter.SetScanResults([]bletransport.ScanResult{{Address: testAddr}})
	if err := o.StartDiscovery(context.Background()); err != nil {
		t.Fatalf("StartDiscovery: %v", err)
	}
	if err := o.ConfigureDevice(context.Background(), testAddr, "Pack A", model.ProtocolBM2, "", time.Hour); err != nil {
		t.Fatalf("ConfigureDevice: %v", err)
	}

	if err := o.RemoveDevice(testAddr); err != nil {
		t.Fatalf("RemoveDevice: %v", err)
	}

	if _, err := o.GetDevice(testAddr); err != model.ErrUnknownDevice {
		t.Fatalf("expected ErrUnknownDevice after removal, got %v", err)
	}
	if len(o.ListDevices()) != 0 {
		t.Fatal("expected registry to be empty after removal")
	}
	if conn := adapter.ConnectionFor(testAddr); conn == nil || !conn.Disconnected() {
		t.Fatal("expected the device's session link to be closed after removal")
	}
}

func TestForceReconnectUnknownDeviceErrors(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	if err := o.ForceReconnect(testAddr); err != model.ErrUnknownDevice {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestStartDiscoveryStopDiscoveryToggle(t *testing.T) {
	o, adapter := newTestOrchestrator(t)
	o.StopDiscovery()

	adapter.SetScanResults([]bletransport.ScanResult{{Address: testAddr}})

	// StartDiscovery always runs one scan immediately, re-enabling the
	// periodic loop regardless of the prior StopDiscovery call.
	if err := o.StartDiscovery(context.Background()); err != nil {
		t.Fatalf("StartDiscovery: %v", err)
	}
	if len(o.ListDevices()) != 1 {
		t.Fatal("expected StartDiscovery to run an immediate scan")
	}
}

func TestReconcileAddsUpdatesAndRemovesDevices(t *testing.T) {
	store := newInMemoryStore()
	adapter := blefake.NewAdapter()
	o, err := orchestrator.New(testConfig(), adapter, store, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const other = "11:22:33:44:55:66"
	if err := store.SaveDevices(map[string]orchestrator.DeviceRecord{
		testAddr: {Address: testAddr, DeviceType: string(model.ProtocolBM2), FriendlyName: "Pack A", Status: string(model.DeviceConfigured), PollingIntervalS: 3600},
		other:    {Address: other, DeviceType: string(model.ProtocolGeneric), Status: string(model.DeviceDiscovered)},
	}); err != nil {
		t.Fatalf("SaveDevices: %v", err)
	}

	if err := o.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(o.ListDevices()) != 2 {
		t.Fatalf("expected 2 devices after reconcile, got %d", len(o.ListDevices()))
	}
	dev, err := o.GetDevice(testAddr)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if dev.FriendlyName != "Pack A" || dev.Status != model.DeviceConfigured {
		t.Fatalf("expected reconciled device to pick up store fields, got %+v", dev)
	}

	// Remove other from store and rename testAddr's friendly name; reconcile
	// again and expect the removal and rename to take effect.
	if err := store.SaveDevices(map[string]orchestrator.DeviceRecord{
		testAddr: {Address: testAddr, DeviceType: string(model.ProtocolBM2), FriendlyName: "Pack A Renamed", Status: string(model.DeviceConfigured), PollingIntervalS: 3600},
	}); err != nil {
		t.Fatalf("SaveDevices: %v", err)
	}
	if err := o.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile (second pass): %v", err)
	}

	if len(o.ListDevices()) != 1 {
		t.Fatalf("expected 1 device after removal reconcile, got %d", len(o.ListDevices()))
	}
	if _, err := o.GetDevice(other); err != model.ErrUnknownDevice {
		t.Fatalf("expected other device removed, got %v", err)
	}
	dev, err = o.GetDevice(testAddr)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if dev.FriendlyName != "Pack A Renamed" {
		t.Fatalf("expected renamed friendly name to survive reconcile, got %q", dev.FriendlyName)
	}
}

func TestHealthSnapshotReflectsRegistrySize(t *testing.T) {
	o, adapter := newTestOrchestrator(t)
	adapter.SetScanResults([]bletransport.ScanResult{{Address: testAddr}})
	if err := o.StartDiscovery(context.Background()); err != nil {
		t.Fatalf("StartDiscovery: %v", err)
	}
	if _, err := o.CreateVehicle("Forklift 1"); err != nil {
		t.Fatalf("CreateVehicle: %v", err)
	}

	snap := o.Health()
	if snap.DeviceCount != 1 {
		t.Fatalf("expected device count 1, got %d", snap.DeviceCount)
	}
	if snap.VehicleCount != 1 {
		t.Fatalf("expected vehicle count 1, got %d", snap.VehicleCount)
	}
}
