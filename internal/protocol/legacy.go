package protocol

import (
	"encoding/binary"
	"time"

	"github.com/battery-hawk/corewatch/internal/model"
)

const (
	legacyStartMarker = 0xDD
	legacyVersionByte = 0xA5
	legacyEndMarker   = 0x77

	legacyCmdBasicInfo     = 0x03
	legacyCmdCellVoltages  = 0x04
	legacyCmdSetParameter  = 0x05

	legacyWriteCharUUID  = "0000ff02-0000-1000-8000-00805f9b34fb"
	legacyNotifyCharUUID = "0000ff01-0000-1000-8000-00805f9b34fb"

	legacyCurrentConversion     = 100.0
	legacyVoltageConversion     = 100.0
	legacyCapacityConversion    = 100.0
	legacyCellVoltageConversion = 1000.0
	legacyTemperatureConversion = 10.0
)

// Legacy implements Family for the BM2/generic framed protocol:
// 0xDD 0xA5 <cmd> <len> <data...> <checksum> 0x77, checksum =
// 0xFF - (sum(cmd,len,data) mod 0x100). CellVoltageOpcode is configurable
// per device since field units disagree on which opcode answers a
// cell-voltage request; anything else decodes to UnknownOpcodeError.
type Legacy struct {
	CellVoltageOpcode byte
}

// NewLegacy builds a Legacy family codec with the default cell-voltage
// opcode (0x04).
func NewLegacy() *Legacy {
	return &Legacy{CellVoltageOpcode: legacyCmdCellVoltages}
}

func (f *Legacy) Name() string { return "LEGACY" }

func (f *Legacy) CharacteristicUUIDs() (write, notify string) {
	return legacyWriteCharUUID, legacyNotifyCharUUID
}

func (f *Legacy) BuildRequest(kind RequestKind) (Request, error) {
	var cmd byte
	switch kind {
	case RequestBasicInfo:
		cmd = legacyCmdBasicInfo
	case RequestCellVoltages:
		cmd = f.CellVoltageOpcode
	case RequestVoltageTemp:
		cmd = legacyCmdBasicInfo // basic info carries voltage/temp too
	default:
		return Request{}, &UnknownOpcodeError{}
	}

	frame := buildLegacyFrame(cmd, nil)
	return Request{Kind: kind, Payload: [][]byte{frame}}, nil
}

func buildLegacyFrame(cmd byte, data []byte) []byte {
	frame := make([]byte, 0, 5+len(data))
	frame = append(frame, legacyStartMarker, legacyVersionByte, cmd, byte(len(data)))
	frame = append(frame, data...)

	sum := int(cmd) + int(byte(len(data)))
	for _, b := range data {
		sum += int(b)
	}
	checksum := byte(0xFF - (sum % 0x100))
	frame = append(frame, checksum, legacyEndMarker)
	return frame
}

// ParseNotification validates start/end markers and checksum, then
// dispatches on the command byte.
func (f *Legacy) ParseNotification(addr string, data []byte) (*model.Reading, error) {
	if len(data) < 6 {
		return nil, &FramingError{Reason: "frame shorter than minimum 6 bytes", Raw: data}
	}
	if data[0] != legacyStartMarker {
		return nil, &FramingError{Reason: "bad start marker", Raw: data}
	}
	if data[len(data)-1] != legacyEndMarker {
		return nil, &FramingError{Reason: "bad end marker", Raw: data}
	}

	cmd := data[2]
	length := int(data[3])
	if len(data) != 4+length+2 {
		return nil, &FramingError{Reason: "length byte doesn't match frame size", Raw: data}
	}
	payload := data[4 : 4+length]
	gotChecksum := data[4+length]

	sum := int(cmd) + int(byte(length))
	for _, b := range payload {
		sum += int(b)
	}
	wantChecksum := byte(0xFF - (sum % 0x100))
	if gotChecksum != wantChecksum {
		return nil, &FramingError{Reason: "checksum mismatch", Raw: data}
	}

	switch cmd {
	case legacyCmdBasicInfo:
		return f.parseBasicInfo(addr, payload)
	case f.CellVoltageOpcode:
		return f.parseCellVoltages(addr, payload)
	default:
		return nil, &UnknownOpcodeError{Opcode: cmd}
	}
}

func (f *Legacy) parseBasicInfo(addr string, payload []byte) (*model.Reading, error) {
	if len(payload) < 10 {
		return nil, &ParseError{Reason: "basic info payload too short"}
	}
	voltage := float64(binary.LittleEndian.Uint16(payload[0:2])) / legacyVoltageConversion
	current := float64(int16(binary.LittleEndian.Uint16(payload[2:4]))) / legacyCurrentConversion
	remainingCapacity := float64(binary.LittleEndian.Uint16(payload[4:6])) / legacyCapacityConversion
	temperature := float64(int16(binary.LittleEndian.Uint16(payload[6:8]))) / legacyTemperatureConversion
	cycles := int(binary.LittleEndian.Uint16(payload[8:10]))

	r := &model.Reading{
		Address:       addr,
		Voltage:       voltage,
		Current:       current,
		Temperature:   temperature,
		StateOfCharge: 0,
		ProtocolTag:   f.Name(),
		Capacity:      &remainingCapacity,
		CycleCount:    &cycles,
		Timestamp:     time.Now(),
	}
	if len(payload) > 10 {
		r.StateOfCharge = float64(payload[len(payload)-1])
	}
	if err := r.Validate(); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	return r, nil
}

func (f *Legacy) parseCellVoltages(addr string, payload []byte) (*model.Reading, error) {
	if len(payload) < 1 {
		return nil, &ParseError{Reason: "cell voltages payload empty"}
	}
	cellCount := int(payload[0])
	cells := make([]float64, 0, cellCount)
	for i := 0; i < cellCount; i++ {
		offset := 1 + i*2
		if offset+2 > len(payload) {
			break
		}
		cells = append(cells, float64(binary.LittleEndian.Uint16(payload[offset:offset+2]))/legacyCellVoltageConversion)
	}

	r := &model.Reading{
		Address:     addr,
		ProtocolTag: f.Name(),
		Timestamp:   time.Now(),
		Extra:       map[string]any{"cells": cells},
	}
	return r, nil
}
