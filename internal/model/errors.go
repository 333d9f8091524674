package model

import "errors"

// ErrUnknownDevice is returned by registry lookups for an address that was
// never discovered or registered.
var ErrUnknownDevice = errors.New("model: unknown device")

// ErrUnknownVehicle is returned by registry lookups for a vehicle ID that
// isn't registered.
var ErrUnknownVehicle = errors.New("model: unknown vehicle")

// ErrDeviceNotConfigured is returned when an operation requires a
// configured device (see Device.Configured) but the device is still in the
// discovered or error state.
var ErrDeviceNotConfigured = errors.New("model: device not configured")
