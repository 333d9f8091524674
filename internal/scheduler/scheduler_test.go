package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/battery-hawk/corewatch/internal/bus"
	"github.com/battery-hawk/corewatch/internal/scheduler"
)

func TestRegisterPollsPeriodically(t *testing.T) {
	b := bus.New(0)
	s := scheduler.New(2, b)

	var count int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Register(ctx, "AA:BB:CC:DD:EE:FF", 30*time.Millisecond, 20*time.Millisecond, func(context.Context) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	time.Sleep(200 * time.Millisecond)
	s.Cancel("AA:BB:CC:DD:EE:FF")

	if atomic.LoadInt32(&count) < 3 {
		t.Fatalf("expected at least 3 polls in 200ms at 30ms period, got %d", count)
	}
}

func TestPauseForDiscoverySkipsPolls(t *testing.T) {
	b := bus.New(0)
	skipped := make(chan string, 10)
	b.Subscribe(bus.TopicPollSkipped, func(ev bus.Event) {
		skipped <- ev.Payload.(string)
	})

	s := scheduler.New(1, b)
	s.PauseForDiscovery()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Register(ctx, "AA:BB:CC:DD:EE:FF", 20*time.Millisecond, 10*time.Millisecond, func(context.Context) error {
		return nil
	})

	select {
	case addr := <-skipped:
		if addr != "AA:BB:CC:DD:EE:FF" {
			t.Fatalf("unexpected address %q", addr)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a PollSkipped event while paused")
	}
}

func TestCancelAllStopsEveryDriver(t *testing.T) {
	b := bus.New(0)
	s := scheduler.New(2, b)

	var count int32
	ctx := context.Background()
	s.Register(ctx, "AA:BB:CC:DD:EE:01", 10*time.Millisecond, 5*time.Millisecond, func(context.Context) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	s.Register(ctx, "AA:BB:CC:DD:EE:02", 10*time.Millisecond, 5*time.Millisecond, func(context.Context) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	time.Sleep(30 * time.Millisecond)
	s.CancelAll()
	after := atomic.LoadInt32(&count)
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&count) != after {
		t.Fatalf("expected no further polls after CancelAll, before=%d after=%d", after, count)
	}
}
