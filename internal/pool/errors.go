package pool

import "fmt"

// CapacityExceededError is returned when a new connection is requested
// but the pool's cap is saturated and its wait queue is already full.
type CapacityExceededError struct {
	Address      string
	WaitQueueCap int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("pool: capacity exceeded, cannot queue connect for %s (wait queue cap %d)", e.Address, e.WaitQueueCap)
}

// NotConnectedError is returned by write/notify operations against a
// device with no active handle.
type NotConnectedError struct {
	Address string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("pool: %s has no active connection", e.Address)
}
