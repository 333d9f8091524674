package protocol

import (
	"encoding/binary"
	"time"

	"github.com/battery-hawk/corewatch/internal/blecrypto"
	"github.com/battery-hawk/corewatch/internal/model"
)

const (
	bm6WriteCharUUID  = "0000fff3-0000-1000-8000-00805f9b34fb"
	bm6NotifyCharUUID = "0000fff4-0000-1000-8000-00805f9b34fb"
)

// bm6RequestVoltageTemp is the three-byte opcode for the combined
// voltage/temperature/SoC request, right-padded with zeros to one AES
// block before encryption.
var bm6RequestVoltageTemp = [3]byte{0xd1, 0x55, 0x07}

// bm6RequestBasicInfo and bm6RequestCellVoltages mirror the same
// three-opcode-byte-plus-padding shape; the reference firmware answers
// basic-info and cell-voltage requests over the same notify
// characteristic as voltage/temp, distinguished by response prefix.
var bm6RequestBasicInfo = [3]byte{0xd1, 0x55, 0x01}
var bm6RequestCellVoltages = [3]byte{0xd1, 0x55, 0x04}

const bm6EchoMarker = 0xff

const (
	bm6TemperatureConversion = 10.0
	bm6VoltageConversion     = 100.0
	bm6CurrentConversion     = 100.0
	bm6CapacityConversion    = 100.0
	bm6CellVoltageConversion = 1000.0
)

// BM6 implements Family for the encrypted BM6-class monitor: single- or
// multi-block 16-byte frames, AES-128-CBC-zero-IV encrypted end to end.
type BM6 struct {
	codec *blecrypto.Codec
}

// NewBM6 builds a BM6 family codec bound to the fixed protocol key.
func NewBM6() (*BM6, error) {
	codec, err := blecrypto.NewCodec()
	if err != nil {
		return nil, err
	}
	return &BM6{codec: codec}, nil
}

func (f *BM6) Name() string { return "BM6" }

func (f *BM6) CharacteristicUUIDs() (write, notify string) {
	return bm6WriteCharUUID, bm6NotifyCharUUID
}

func (f *BM6) BuildRequest(kind RequestKind) (Request, error) {
	var opcode [3]byte
	switch kind {
	case RequestVoltageTemp:
		opcode = bm6RequestVoltageTemp
	case RequestBasicInfo:
		opcode = bm6RequestBasicInfo
	case RequestCellVoltages:
		opcode = bm6RequestCellVoltages
	default:
		return Request{}, &UnknownOpcodeError{}
	}

	block := make([]byte, blecrypto.BlockSize)
	copy(block, opcode[:])

	ct, err := f.codec.Encrypt(block)
	if err != nil {
		return Request{}, err
	}
	return Request{Kind: kind, Payload: [][]byte{ct}}, nil
}

// ParseNotification decrypts one or more 16-byte blocks and dispatches on
// the echoed three-byte request prefix: voltage/temp/SoC, basic info, or
// cell voltages. An unrecognized prefix yields UnknownOpcodeError.
func (f *BM6) ParseNotification(addr string, data []byte) (*model.Reading, error) {
	if len(data) == 0 || len(data)%blecrypto.BlockSize != 0 {
		return nil, &FramingError{Reason: "notification length not a multiple of block size", Raw: data}
	}

	plain, err := f.codec.Decrypt(data)
	if err != nil {
		return nil, &FramingError{Reason: err.Error(), Raw: data}
	}
	if len(plain) < 4 {
		return nil, &FramingError{Reason: "decrypted block too short for an opcode prefix", Raw: data}
	}

	switch {
	case plain[0] == bm6RequestVoltageTemp[0] && plain[1] == bm6RequestVoltageTemp[1] && plain[2] == bm6RequestVoltageTemp[2]:
		return f.parseVoltageTemp(addr, data, plain)
	case plain[0] == bm6RequestBasicInfo[0] && plain[1] == bm6RequestBasicInfo[1] && plain[2] == bm6RequestBasicInfo[2]:
		return f.parseBasicInfo(addr, data, plain)
	case plain[0] == bm6RequestCellVoltages[0] && plain[1] == bm6RequestCellVoltages[1] && plain[2] == bm6RequestCellVoltages[2]:
		return f.parseCellVoltages(addr, data, plain)
	default:
		return nil, &UnknownOpcodeError{Opcode: plain[0]}
	}
}

func (f *BM6) parseVoltageTemp(addr string, raw, plain []byte) (*model.Reading, error) {
	if plain[3] == bm6EchoMarker {
		// Echo of our own request, not a real response.
		return nil, nil
	}
	if len(plain) < 11 {
		return nil, &ParseError{Reason: "voltage/temp response too short"}
	}

	signByte := plain[4]
	tempRaw := binary.BigEndian.Uint16([]byte{plain[5], plain[6]})
	socRaw := binary.BigEndian.Uint16([]byte{plain[7], plain[8]})
	voltageRaw := binary.BigEndian.Uint16([]byte{plain[9], plain[10]})

	temperature := float64(tempRaw) / bm6TemperatureConversion
	if signByte&0x01 == 0x01 {
		temperature = -temperature
	}

	r := &model.Reading{
		Address:       addr,
		Voltage:       float64(voltageRaw) / bm6VoltageConversion,
		Temperature:   temperature,
		StateOfCharge: float64(socRaw),
		ProtocolTag:   f.Name(),
		Timestamp:     time.Now(),
	}
	if err := r.Validate(); err != nil {
		return nil, &ParseError{Reason: err.Error(), Raw: raw}
	}
	return r, nil
}

// parseBasicInfo decodes the basic-info response: voltage, current,
// remaining capacity, cycle count, state of charge, and any trailing
// per-cell voltages, matching the field order of the reference firmware's
// basic-info reply.
func (f *BM6) parseBasicInfo(addr string, raw, plain []byte) (*model.Reading, error) {
	if plain[3] == bm6EchoMarker {
		return nil, nil
	}
	if len(plain) < 14 {
		return nil, &ParseError{Reason: "basic info response too short"}
	}

	voltage := float64(binary.LittleEndian.Uint16(plain[4:6])) / bm6VoltageConversion
	current := float64(int16(binary.LittleEndian.Uint16(plain[6:8]))) / bm6CurrentConversion
	remainingCapacity := float64(binary.LittleEndian.Uint16(plain[8:10])) / bm6CapacityConversion
	cycles := int(binary.LittleEndian.Uint16(plain[10:12]))
	soc := float64(plain[12])
	cellCount := int(plain[13])

	cells := make([]float64, 0, cellCount)
	for i := 0; i < cellCount; i++ {
		offset := 14 + i*2
		if offset+2 > len(plain) {
			break
		}
		cells = append(cells, float64(binary.LittleEndian.Uint16(plain[offset:offset+2]))/bm6CellVoltageConversion)
	}

	r := &model.Reading{
		Address:       addr,
		Voltage:       voltage,
		Current:       current,
		StateOfCharge: soc,
		Capacity:      &remainingCapacity,
		CycleCount:    &cycles,
		ProtocolTag:   f.Name(),
		Timestamp:     time.Now(),
	}
	if len(cells) > 0 {
		r.Extra = map[string]any{"cells": cells}
	}
	if err := r.Validate(); err != nil {
		return nil, &ParseError{Reason: err.Error(), Raw: raw}
	}
	return r, nil
}

// parseCellVoltages decodes the dedicated cell-voltage response into a
// cells-only Reading, mirroring the legacy family's cell-voltage parser.
func (f *BM6) parseCellVoltages(addr string, raw, plain []byte) (*model.Reading, error) {
	if plain[3] == bm6EchoMarker {
		return nil, nil
	}
	if len(plain) < 5 {
		return nil, &ParseError{Reason: "cell voltages response too short"}
	}

	cellCount := int(plain[4])
	cells := make([]float64, 0, cellCount)
	for i := 0; i < cellCount; i++ {
		offset := 5 + i*2
		if offset+2 > len(plain) {
			break
		}
		cells = append(cells, float64(binary.LittleEndian.Uint16(plain[offset:offset+2]))/bm6CellVoltageConversion)
	}

	return &model.Reading{
		Address:     addr,
		ProtocolTag: f.Name(),
		Timestamp:   time.Now(),
		Extra:       map[string]any{"cells": cells},
	}, nil
}
