package model

import (
	"errors"
	"math"
	"testing"
)

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress(" aa:bb:cc:dd:ee:ff ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("got %q", got)
	}

	if _, err := NormalizeAddress("not-an-address"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestReadingValidate(t *testing.T) {
	r := Reading{Address: "AA:BB:CC:DD:EE:FF", Voltage: 12.6, Current: 1.2, Temperature: 25, StateOfCharge: 80}
	if err := r.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := r
	bad.Voltage = 200
	var rejected *RejectedReadingError
	if err := bad.Validate(); !errors.As(err, &rejected) || rejected.Field != "voltage" {
		t.Fatalf("expected voltage rejection, got %v", err)
	}

	nanCase := r
	nanCase.Temperature = math.NaN()
	if err := nanCase.Validate(); err == nil {
		t.Fatal("expected NaN temperature to be rejected")
	}
}

func TestDeviceRuntimeStatusCounters(t *testing.T) {
	s := &DeviceRuntimeStatus{}
	s.RecordCommandFailure("timeout", "no response")
	s.RecordCommandFailure("timeout", "no response")
	if s.ConsecutiveCmdFailures != 2 || s.PollingErrorCount != 2 {
		t.Fatalf("unexpected counters: %+v", s)
	}

	s.RecordReadingSuccess()
	if s.ConsecutiveCmdFailures != 0 || s.PollingErrorCount != 0 || s.ReadingCount != 1 {
		t.Fatalf("expected counters reset on success: %+v", s)
	}
	if s.LastErrorCode != "" || s.LastErrorMessage != "" {
		t.Fatalf("expected error fields cleared: %+v", s)
	}
}

func TestDeviceConfigured(t *testing.T) {
	d := &Device{Status: DeviceDiscovered}
	if d.Configured() {
		t.Fatal("discovered device should not be configured")
	}
	d.Status = DeviceConfigured
	if !d.Configured() {
		t.Fatal("expected configured device")
	}
}
