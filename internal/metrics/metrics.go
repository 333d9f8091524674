// Package metrics registers the Prometheus collectors the daemon
// exposes for its connection pool, event bus, and MQTT client. The core
// only registers metrics; starting an HTTP handler for them is the
// caller's concern.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PoolActiveConnections tracks the pool's currently connected
	// device count.
	PoolActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corewatch_pool_active_connections",
		Help: "Number of devices currently connected through the pool.",
	})

	// PoolPendingConnections tracks in-flight connection attempts.
	PoolPendingConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corewatch_pool_pending_connections",
		Help: "Number of connection attempts currently in flight.",
	})

	// PoolWaitQueueDepth tracks callers blocked waiting for a free slot.
	PoolWaitQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corewatch_pool_wait_queue_depth",
		Help: "Number of callers waiting for an available connection slot.",
	})

	// PoolCapacityExceededTotal counts admissions rejected once the
	// wait queue itself is full.
	PoolCapacityExceededTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corewatch_pool_capacity_exceeded_total",
		Help: "Total connection requests rejected with CapacityExceededError.",
	})

	// BusOverflowTotal counts events dropped from subscriber queues.
	BusOverflowTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corewatch_bus_overflow_total",
		Help: "Total events dropped from event bus subscriber queues.",
	})

	// ReadingsPublishedTotal counts readings published per protocol tag.
	ReadingsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corewatch_readings_published_total",
		Help: "Total device readings published onto the event bus.",
	}, []string{"protocol_tag"})

	// MQTTConnectionState reports the MQTT client's FSM state as a
	// gauge (0=disconnected, 1=connecting, 2=connected, 3=reconnecting,
	// 4=failed).
	MQTTConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corewatch_mqtt_connection_state",
		Help: "MQTT client connection state (0=disconnected,1=connecting,2=connected,3=reconnecting,4=failed).",
	})

	// MQTTPublishTotal counts publish attempts by outcome.
	MQTTPublishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corewatch_mqtt_publish_total",
		Help: "Total MQTT publish attempts by outcome.",
	}, []string{"outcome"})

	// MQTTQueueDepth tracks the outbound message queue's depth.
	MQTTQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corewatch_mqtt_queue_depth",
		Help: "Current depth of the MQTT outbound message queue.",
	})
)

// Register adds every collector to reg. Callers typically pass
// prometheus.DefaultRegisterer or a registry of their own.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		PoolActiveConnections,
		PoolPendingConnections,
		PoolWaitQueueDepth,
		PoolCapacityExceededTotal,
		BusOverflowTotal,
		ReadingsPublishedTotal,
		MQTTConnectionState,
		MQTTPublishTotal,
		MQTTQueueDepth,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
