package orchestrator

import "fmt"

// UnsupportedProtocolError is returned when a device record names a
// protocol family no known protocol.Family implementation speaks.
type UnsupportedProtocolError struct {
	Protocol string
}

func (e *UnsupportedProtocolError) Error() string {
	return fmt.Sprintf("orchestrator: unsupported protocol family %q", e.Protocol)
}

// NoReadingYetError is returned by LatestReading for a device that has
// never produced a reading.
type NoReadingYetError struct {
	Address string
}

func (e *NoReadingYetError) Error() string {
	return fmt.Sprintf("orchestrator: %s: no reading seen yet", e.Address)
}
