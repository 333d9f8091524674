package session

import "fmt"

// CommandTimeoutError reports a request that didn't receive a matching
// notification within its per-command timeout. The link is left up; this
// only counts toward the device's consecutive-failure counter.
type CommandTimeoutError struct {
	Address string
	Kind    string
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("session: %s: %s timed out", e.Address, e.Kind)
}
