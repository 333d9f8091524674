package mqttclient

import "fmt"

// NotConnectedError describes a publish dropped while the client had no
// live broker connection and a full outbound queue. Client.Publish does
// not return it: Publish always queues, and a full queue drops its
// oldest message.
type NotConnectedError struct {
	Topic string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("mqttclient: not connected and queue full, dropped publish to %s", e.Topic)
}

// RetriesExhaustedError describes a queued message whose per-message
// retry counter reached message_retry_limit without a successful
// publish. The publish loop does not return it: such a message is
// dropped and counted as a publish failure.
type RetriesExhaustedError struct {
	Topic   string
	Retries int
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("mqttclient: %s: exhausted %d retries", e.Topic, e.Retries)
}
