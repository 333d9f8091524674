package mqttclient

import (
	"encoding/json"
	"testing"

	"github.com/battery-hawk/corewatch/internal/config"
)

func TestTopicScheme(t *testing.T) {
	topics := NewTopics("battery_hawk")

	cases := map[string]string{
		topics.DeviceReading("AA:BB:CC:DD:EE:FF"):  "battery_hawk/device/AA:BB:CC:DD:EE:FF/reading",
		topics.DeviceStatus("AA:BB:CC:DD:EE:FF"):   "battery_hawk/device/AA:BB:CC:DD:EE:FF/status",
		topics.VehicleSummary("my_vehicle"):        "battery_hawk/vehicle/my_vehicle/summary",
		topics.SystemStatus():                      "battery_hawk/system/status",
		topics.DiscoveryFound():                    "battery_hawk/discovery/found",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestReadingPayloadMarshalsExpectedShape(t *testing.T) {
	capacity := 50.0
	payload := ReadingPayload{
		DeviceID:      "AA:BB:CC:DD:EE:FF",
		Timestamp:     1700000000000,
		Voltage:       12.6,
		Current:       -0.5,
		Temperature:   25.1,
		StateOfCharge: 85.0,
		Capacity:      &capacity,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["device_id"] != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("device_id = %v", decoded["device_id"])
	}
	if _, present := decoded["cycles"]; present {
		t.Error("cycles should be omitted when nil")
	}
	if decoded["capacity"] != 50.0 {
		t.Errorf("capacity = %v, want 50.0", decoded["capacity"])
	}
}

func TestStateMachineTransitions(t *testing.T) {
	sm := newStateMachine()
	if sm.current() != Disconnected {
		t.Fatalf("initial state = %v, want DISCONNECTED", sm.current())
	}
	if err := sm.fire(evConnect); err != nil {
		t.Fatalf("fire connect: %v", err)
	}
	if sm.current() != Connecting {
		t.Fatalf("state = %v, want CONNECTING", sm.current())
	}
	if err := sm.fire(evConnectOK); err != nil {
		t.Fatalf("fire connect_ok: %v", err)
	}
	if sm.current() != Connected {
		t.Fatalf("state = %v, want CONNECTED", sm.current())
	}
	if err := sm.fire(evLost); err != nil {
		t.Fatalf("fire connection_lost: %v", err)
	}
	if sm.current() != Reconnecting {
		t.Fatalf("state = %v, want RECONNECTING", sm.current())
	}
	if err := sm.fire(evExhausted); err != nil {
		t.Fatalf("fire retries_exhausted: %v", err)
	}
	if sm.current() != Failed {
		t.Fatalf("state = %v, want FAILED", sm.current())
	}
}

func TestStateMachineRejectsInvalidTransition(t *testing.T) {
	sm := newStateMachine()
	if err := sm.fire(evConnectOK); err == nil {
		t.Fatal("expected error firing connect_ok from DISCONNECTED")
	}
}

func TestFIFOQueueDropsOldestOnOverflow(t *testing.T) {
	q := newFIFOQueue(2)
	q.push(&queuedMessage{topic: "a"})
	q.push(&queuedMessage{topic: "b"})
	q.push(&queuedMessage{topic: "c"})

	if q.droppedCount() != 1 {
		t.Fatalf("droppedCount = %d, want 1", q.droppedCount())
	}
	first := q.pop()
	if first == nil || first.topic != "b" {
		t.Fatalf("expected oldest surviving message %q, got %+v", "b", first)
	}
}

func TestStatsInitialValues(t *testing.T) {
	c := New(config.MQTTConfig{}, "test-client")
	stats := c.Stats()
	if stats.State != Disconnected {
		t.Fatalf("initial state = %v, want DISCONNECTED", stats.State)
	}
	if stats.TotalConnections != 0 || stats.TotalReconnections != 0 ||
		stats.PublishSuccesses != 0 || stats.PublishFailures != 0 || stats.ConsecutiveFailures != 0 {
		t.Fatalf("expected zero counters, got %+v", stats)
	}
}

func TestHealthProbeTopicIsInternal(t *testing.T) {
	topics := NewTopics("battery_hawk")
	if got, want := topics.healthProbe(), "battery_hawk/system/_health"; got != want {
		t.Fatalf("healthProbe() = %q, want %q", got, want)
	}
}

func TestFIFOQueueRequeueFrontPreservesOrder(t *testing.T) {
	q := newFIFOQueue(10)
	q.push(&queuedMessage{topic: "a"})
	q.push(&queuedMessage{topic: "b"})

	msg := q.pop()
	msg.retries++
	q.requeueFront(msg)

	next := q.pop()
	if next.topic != "a" || next.retries != 1 {
		t.Fatalf("expected requeued message %q with 1 retry, got %+v", "a", next)
	}
}
