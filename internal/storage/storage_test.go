package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/battery-hawk/corewatch/internal/model"
	"github.com/battery-hawk/corewatch/internal/storage"
)

type recordingSink struct {
	lastAddress string
	lastReading model.Reading
}

func (s *recordingSink) Write(_ context.Context, address string, _ *string, _ string, reading model.Reading, _ time.Time) (storage.Result, error) {
	s.lastAddress = address
	s.lastReading = reading
	return storage.ResultOK, nil
}

func TestNoopSinkDropsWrites(t *testing.T) {
	var sink storage.Sink = storage.NoopSink{}
	result, err := sink.Write(context.Background(), "AA:BB:CC:DD:EE:FF", nil, "bm6", model.Reading{}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != storage.ResultDropped {
		t.Fatalf("expected ResultDropped, got %v", result)
	}
}

func TestSinkInterfaceIsSatisfiedByCustomWriter(t *testing.T) {
	sink := &recordingSink{}
	var _ storage.Sink = sink

	reading := model.Reading{Address: "AA:BB:CC:DD:EE:FF", Voltage: 12.6}
	result, err := sink.Write(context.Background(), "AA:BB:CC:DD:EE:FF", nil, "bm6", reading, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != storage.ResultOK {
		t.Fatalf("expected ResultOK, got %v", result)
	}
	if sink.lastAddress != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("unexpected recorded address %q", sink.lastAddress)
	}
}

func TestResultString(t *testing.T) {
	cases := map[storage.Result]string{
		storage.ResultOK:       "ok",
		storage.ResultDeferred: "deferred",
		storage.ResultDropped:  "dropped",
	}
	for result, want := range cases {
		if got := result.String(); got != want {
			t.Fatalf("Result(%d).String() = %q, want %q", result, got, want)
		}
	}
}
