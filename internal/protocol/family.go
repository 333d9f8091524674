package protocol

import "github.com/battery-hawk/corewatch/internal/model"

// RequestKind names one of the three requests a session can issue.
// Not every family implements every kind; unsupported kinds return
// UnknownOpcodeError from BuildRequest.
type RequestKind int

const (
	RequestVoltageTemp RequestKind = iota
	RequestBasicInfo
	RequestCellVoltages
)

// Request is one or more write payloads a session sends to the device's
// write characteristic, in order, to issue one RequestKind.
type Request struct {
	Kind    RequestKind
	Payload [][]byte
}

// Family is the protocol contract a device session programs against. Each
// implementation owns its own framing, checksum/crypto, and opcode
// dispatch; the session and scheduler never branch on protocol family
// directly.
type Family interface {
	// Name identifies the family for logging and DeviceStatus.ProtocolVersion.
	Name() string

	// CharacteristicUUIDs returns the write and notify characteristic
	// UUIDs this family expects on the peripheral.
	CharacteristicUUIDs() (write, notify string)

	// BuildRequest constructs the write payload(s) for one request kind.
	BuildRequest(kind RequestKind) (Request, error)

	// ParseNotification decodes one notification block into a Reading.
	// A nil Reading with a nil error means the block was recognized but
	// carries no reportable reading (e.g. an echo frame).
	ParseNotification(addr string, data []byte) (*model.Reading, error)
}
