// Package bletransport abstracts the BLE hardware adapter behind a small
// interface so the connection pool and everything above it never reaches
// for the OS Bluetooth stack directly. See blefake for a pluggable test
// double.
package bletransport

import (
	"context"
	"fmt"
	"time"
)

// InvalidArgumentError is returned by every operation below when a
// required argument is empty.
type InvalidArgumentError struct {
	Op   string
	Name string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("bletransport: %s: missing required argument %q", e.Op, e.Name)
}

// ScanResult is one advertisement observed during a scan.
type ScanResult struct {
	Address          string
	LocalName        string
	ManufacturerData []byte
}

// NotificationCallback is invoked with the raw bytes of each notification
// received on a subscribed characteristic.
type NotificationCallback func(data []byte)

// Characteristic is a single GATT characteristic reachable for write or
// notify.
type Characteristic interface {
	Write(ctx context.Context, data []byte) error
	Subscribe(callback NotificationCallback) error
	Unsubscribe() error
}

// Connection is an established link to one peripheral.
type Connection interface {
	// Characteristic resolves a characteristic by UUID, discovering its
	// parent service if necessary.
	Characteristic(uuid string) (Characteristic, error)
	// Disconnect tears down the link.
	Disconnect() error
	// OnDisconnect registers a callback fired when the link drops without
	// an explicit Disconnect call (peer-initiated or radio error). An
	// explicit Disconnect does not fire it.
	OnDisconnect(callback func())
}

// Adapter abstracts the local BLE radio. Scanning and connecting may not
// run concurrently on one Adapter — the orchestrator interleaves them
// rather than overlapping.
type Adapter interface {
	// Connect establishes a connection to address, failing if timeout
	// elapses first.
	Connect(ctx context.Context, address string, timeout time.Duration) (Connection, error)
	// Scan yields advertisements for duration. The returned channel is
	// closed when the scan ends; callers must drain it or cancel ctx.
	Scan(ctx context.Context, duration time.Duration) (<-chan ScanResult, error)
}

func validateNonEmpty(op, name, value string) error {
	if value == "" {
		return &InvalidArgumentError{Op: op, Name: name}
	}
	return nil
}

// Connect validates its arguments before delegating to adapter.Connect —
// every transport entry point fails fast on an empty required argument
// rather than surfacing a confusing adapter-level error.
func Connect(ctx context.Context, adapter Adapter, address string, timeout time.Duration) (Connection, error) {
	if err := validateNonEmpty("connect", "address", address); err != nil {
		return nil, err
	}
	return adapter.Connect(ctx, address, timeout)
}

// Write validates arguments and writes data to the named characteristic
// on conn.
func Write(ctx context.Context, conn Connection, charUUID string, data []byte) error {
	if err := validateNonEmpty("write", "char_uuid", charUUID); err != nil {
		return err
	}
	if len(data) == 0 {
		return &InvalidArgumentError{Op: "write", Name: "data"}
	}
	char, err := conn.Characteristic(charUUID)
	if err != nil {
		return err
	}
	return char.Write(ctx, data)
}

// Subscribe validates arguments and registers callback for notifications
// on the named characteristic.
func Subscribe(conn Connection, charUUID string, callback NotificationCallback) error {
	if err := validateNonEmpty("subscribe", "char_uuid", charUUID); err != nil {
		return err
	}
	if callback == nil {
		return &InvalidArgumentError{Op: "subscribe", Name: "callback"}
	}
	char, err := conn.Characteristic(charUUID)
	if err != nil {
		return err
	}
	return char.Subscribe(callback)
}

// Unsubscribe validates arguments and cancels notifications on the named
// characteristic.
func Unsubscribe(conn Connection, charUUID string) error {
	if err := validateNonEmpty("unsubscribe", "char_uuid", charUUID); err != nil {
		return err
	}
	char, err := conn.Characteristic(charUUID)
	if err != nil {
		return err
	}
	return char.Unsubscribe()
}
