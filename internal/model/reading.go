package model

import (
	"fmt"
	"math"
	"time"
)

// Reading is one canonical battery sample, decoded from either protocol
// family into a common shape. Extra carries protocol-specific fields (cell
// voltages, raw opcodes) that don't generalize across families.
type Reading struct {
	Address       string
	Voltage       float64
	Current       float64
	Temperature   float64
	StateOfCharge float64
	Capacity      *float64
	CycleCount    *int
	ProtocolTag   string
	Timestamp     time.Time
	Extra         map[string]any
}

// Range limits enforced by Validate, taken from spec §3's invariant that a
// Reading reaching the bus has already been range-checked at decode time.
const (
	minVoltage     = 0.0
	maxVoltage     = 100.0
	maxAbsCurrent  = 1000.0
	minTemperature = -40.0
	maxTemperature = 125.0
	minSoC         = 0.0
	maxSoC         = 100.0
)

// RejectedReadingError reports a Reading that failed range validation.
// Field names the offending value; Value carries it for logging.
type RejectedReadingError struct {
	Address string
	Field   string
	Value   float64
}

func (e *RejectedReadingError) Error() string {
	return fmt.Sprintf("model: reading from %s rejected: %s=%v out of range", e.Address, e.Field, e.Value)
}

// Validate checks the reading's numeric fields are finite and within the
// physically plausible ranges a battery monitor can report. A decoder must
// call this before a Reading is handed to the event bus.
func (r *Reading) Validate() error {
	if err := checkRange(r.Address, "voltage", r.Voltage, minVoltage, maxVoltage); err != nil {
		return err
	}
	if math.IsNaN(r.Current) || math.Abs(r.Current) > maxAbsCurrent {
		return &RejectedReadingError{Address: r.Address, Field: "current", Value: r.Current}
	}
	if err := checkRange(r.Address, "temperature", r.Temperature, minTemperature, maxTemperature); err != nil {
		return err
	}
	if err := checkRange(r.Address, "state_of_charge", r.StateOfCharge, minSoC, maxSoC); err != nil {
		return err
	}
	return nil
}

func checkRange(addr, field string, v, lo, hi float64) error {
	if math.IsNaN(v) || v < lo || v > hi {
		return &RejectedReadingError{Address: addr, Field: field, Value: v}
	}
	return nil
}
