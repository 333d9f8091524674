package bletransport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// BluetoothAdapter is the production Adapter, backed by the host's BLE
// radio through tinygo.org/x/bluetooth.
type BluetoothAdapter struct {
	adapter *bluetooth.Adapter

	mu       sync.Mutex
	scanning bool
}

// NewBluetoothAdapter enables the default local adapter.
func NewBluetoothAdapter() (*BluetoothAdapter, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("bletransport: enabling adapter: %w", err)
	}
	return &BluetoothAdapter{adapter: adapter}, nil
}

func (a *BluetoothAdapter) Connect(ctx context.Context, address string, timeout time.Duration) (Connection, error) {
	if err := validateNonEmpty("connect", "address", address); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return nil, fmt.Errorf("bletransport: cannot connect while a scan is in progress")
	}
	a.mu.Unlock()

	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return nil, fmt.Errorf("bletransport: parsing address %q: %w", address, err)
	}

	connectCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resultCh := make(chan connectResult, 1)
	go func() {
		dev, err := a.adapter.Connect(bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, bluetooth.ConnectionParams{})
		resultCh <- connectResult{dev: dev, err: err}
	}()

	select {
	case <-connectCtx.Done():
		return nil, fmt.Errorf("bletransport: connect to %s: %w", address, connectCtx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("bletransport: connect to %s: %w", address, res.err)
		}
		return newBluetoothConnection(res.dev), nil
	}
}

type connectResult struct {
	dev bluetooth.Device
	err error
}

func (a *BluetoothAdapter) Scan(ctx context.Context, duration time.Duration) (<-chan ScanResult, error) {
	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return nil, fmt.Errorf("bletransport: scan already in progress")
	}
	a.scanning = true
	a.mu.Unlock()

	out := make(chan ScanResult, 16)
	scanCtx, cancel := context.WithTimeout(ctx, duration)

	go func() {
		defer cancel()
		defer close(out)
		defer func() {
			a.mu.Lock()
			a.scanning = false
			a.mu.Unlock()
		}()

		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
				select {
				case out <- ScanResult{
					Address:          strings.ToUpper(result.Address.String()),
					LocalName:        result.LocalName(),
					ManufacturerData: flattenManufacturerData(result.ManufacturerData()),
				}:
				default:
					// Drop the advertisement if the caller isn't keeping up
					// rather than stall the OS scan callback.
				}
			})
		}()

		select {
		case <-scanCtx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
		<-done
	}()

	return out, nil
}

func flattenManufacturerData(m []bluetooth.ManufacturerDataElement) []byte {
	if len(m) == 0 {
		return nil
	}
	return m[0].Data
}

// bluetoothConnection adapts bluetooth.Device to Connection.
type bluetoothConnection struct {
	dev bluetooth.Device

	mu   sync.Mutex
	svcs map[string]bluetooth.DeviceService
}

func newBluetoothConnection(dev bluetooth.Device) *bluetoothConnection {
	return &bluetoothConnection{dev: dev, svcs: make(map[string]bluetooth.DeviceService)}
}

func (c *bluetoothConnection) Characteristic(uuid string) (Characteristic, error) {
	if err := validateNonEmpty("characteristic", "uuid", uuid); err != nil {
		return nil, err
	}
	parsed, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, fmt.Errorf("bletransport: parsing characteristic UUID %q: %w", uuid, err)
	}

	srvcs, err := c.dev.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("bletransport: discovering services: %w", err)
	}
	for _, svc := range srvcs {
		chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{parsed})
		if err != nil {
			continue
		}
		for _, ch := range chars {
			if ch.UUID() == parsed {
				return &bluetoothCharacteristic{char: ch}, nil
			}
		}
	}
	return nil, fmt.Errorf("bletransport: characteristic %q not found", uuid)
}

func (c *bluetoothConnection) Disconnect() error {
	return c.dev.Disconnect()
}

func (c *bluetoothConnection) OnDisconnect(callback func()) {
	c.dev.SetConnectHandler(func(_ bluetooth.Device, connected bool) {
		if !connected {
			callback()
		}
	})
}

type bluetoothCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *bluetoothCharacteristic) Write(ctx context.Context, data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *bluetoothCharacteristic) Subscribe(callback NotificationCallback) error {
	return c.char.EnableNotifications(func(data []byte) {
		callback(data)
	})
}

func (c *bluetoothCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
