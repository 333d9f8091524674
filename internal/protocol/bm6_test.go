package protocol

import (
	"errors"
	"testing"

	"github.com/battery-hawk/corewatch/internal/blecrypto"
)

func TestBM6BuildRequestVoltageTemp(t *testing.T) {
	f, err := NewBM6()
	if err != nil {
		t.Fatalf("NewBM6: %v", err)
	}
	req, err := f.BuildRequest(RequestVoltageTemp)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if len(req.Payload) != 1 || len(req.Payload[0]) != blecrypto.BlockSize {
		t.Fatalf("expected one %d-byte payload, got %v", blecrypto.BlockSize, req.Payload)
	}
}

func TestBM6ParseNotificationRoundTrip(t *testing.T) {
	f, err := NewBM6()
	if err != nil {
		t.Fatalf("NewBM6: %v", err)
	}
	codec, err := blecrypto.NewCodec()
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	block := make([]byte, blecrypto.BlockSize)
	copy(block, bm6RequestVoltageTemp[:])
	block[3] = 0x00 // not an echo
	block[4] = 0x00 // positive temperature
	block[5], block[6] = 0x00, 250 // raw 250 -> 25.0C
	block[7], block[8] = 0x00, 80
	block[9], block[10] = 0x04, 0x92 // 0x0492 = 1170 -> 11.70V

	ct, err := codec.Encrypt(block)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	reading, err := f.ParseNotification("AA:BB:CC:DD:EE:FF", ct)
	if err != nil {
		t.Fatalf("ParseNotification: %v", err)
	}
	if reading == nil {
		t.Fatal("expected a reading")
	}
	if reading.Temperature != 25 {
		t.Fatalf("expected temperature 25, got %v", reading.Temperature)
	}
	if reading.StateOfCharge != 80 {
		t.Fatalf("expected SoC 80, got %v", reading.StateOfCharge)
	}
	if reading.Voltage != 11.70 {
		t.Fatalf("expected voltage 11.70, got %v", reading.Voltage)
	}
}

func TestBM6ParseNotificationEcho(t *testing.T) {
	f, err := NewBM6()
	if err != nil {
		t.Fatalf("NewBM6: %v", err)
	}
	codec, _ := blecrypto.NewCodec()
	block := make([]byte, blecrypto.BlockSize)
	copy(block, bm6RequestVoltageTemp[:])
	block[3] = bm6EchoMarker
	ct, _ := codec.Encrypt(block)

	reading, err := f.ParseNotification("AA:BB:CC:DD:EE:FF", ct)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reading != nil {
		t.Fatal("expected nil reading for echo frame")
	}
}

// TestBM6EncryptedReadingRoundTrip exercises the encrypted round trip
// scenario: a plausible voltage/temperature/SoC block, encrypted with the
// family key, decodes to one Reading, and a mutated block whose SoC
// field decodes out of range is rejected with ParseError instead of
// producing a reading.
func TestBM6EncryptedReadingRoundTrip(t *testing.T) {
	f, err := NewBM6()
	if err != nil {
		t.Fatalf("NewBM6: %v", err)
	}
	codec, err := blecrypto.NewCodec()
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	block := make([]byte, blecrypto.BlockSize)
	copy(block, bm6RequestVoltageTemp[:])
	block[3] = 0x00
	block[4] = 0x00        // positive
	block[5], block[6] = 0x00, 251 // temp raw 251 -> 25.1C
	block[7], block[8] = 0x00, 85  // soc 85%
	block[9], block[10] = 0x04, 0x92 // 0x0492 = 1170 -> 11.70V

	ct, err := codec.Encrypt(block)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	reading, err := f.ParseNotification("AA:BB:CC:DD:EE:01", ct)
	if err != nil {
		t.Fatalf("ParseNotification: %v", err)
	}
	if reading.Temperature != 25.1 {
		t.Fatalf("expected temperature 25.1, got %v", reading.Temperature)
	}
	if reading.StateOfCharge != 85.0 {
		t.Fatalf("expected SoC 85.0, got %v", reading.StateOfCharge)
	}

	mutated := make([]byte, blecrypto.BlockSize)
	copy(mutated, block)
	mutated[7], mutated[8] = 0x00, 250 // SoC 250, out of [0,100] range
	mutatedCt, _ := codec.Encrypt(mutated)

	_, err = f.ParseNotification("AA:BB:CC:DD:EE:01", mutatedCt)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError for out-of-range SoC, got %v", err)
	}
}

func TestBM6ParseBasicInfo(t *testing.T) {
	f, err := NewBM6()
	if err != nil {
		t.Fatalf("NewBM6: %v", err)
	}
	codec, _ := blecrypto.NewCodec()

	block := make([]byte, blecrypto.BlockSize*2)
	copy(block, bm6RequestBasicInfo[:])
	block[3] = 0x00               // not an echo
	block[4], block[5] = 0x60, 0x04 // voltage 0x0460 = 1120 -> 11.20V
	block[6], block[7] = 0x0A, 0x00 // current 10 -> 0.10A
	block[8], block[9] = 0x50, 0x00 // remaining capacity 0x0050=80 -> 0.80Ah
	block[10], block[11] = 0x05, 0x00 // cycles = 5
	block[12] = 77                    // SoC
	block[13] = 2                     // cell count
	block[14], block[15] = 0x10, 0x0C // cell 1: 0x0C10=3088 -> 3.088V
	block[16], block[17] = 0x20, 0x0C // cell 2: 0x0C20=3104 -> 3.104V

	ct, err := codec.Encrypt(block)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	reading, err := f.ParseNotification("AA:BB:CC:DD:EE:FF", ct)
	if err != nil {
		t.Fatalf("ParseNotification: %v", err)
	}
	if reading.Voltage != 11.20 {
		t.Fatalf("expected voltage 11.20, got %v", reading.Voltage)
	}
	if reading.CycleCount == nil || *reading.CycleCount != 5 {
		t.Fatalf("expected cycle count 5, got %v", reading.CycleCount)
	}
	if reading.Capacity == nil || *reading.Capacity != 0.80 {
		t.Fatalf("expected capacity 0.80, got %v", reading.Capacity)
	}
	if reading.StateOfCharge != 77 {
		t.Fatalf("expected SoC 77, got %v", reading.StateOfCharge)
	}
	cells, ok := reading.Extra["cells"].([]float64)
	if !ok || len(cells) != 2 {
		t.Fatalf("expected 2 cell voltages, got %v", reading.Extra)
	}
}

func TestBM6ParseBasicInfoEcho(t *testing.T) {
	f, err := NewBM6()
	if err != nil {
		t.Fatalf("NewBM6: %v", err)
	}
	codec, _ := blecrypto.NewCodec()
	block := make([]byte, blecrypto.BlockSize*2)
	copy(block, bm6RequestBasicInfo[:])
	block[3] = bm6EchoMarker
	ct, _ := codec.Encrypt(block)

	reading, err := f.ParseNotification("AA:BB:CC:DD:EE:FF", ct)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reading != nil {
		t.Fatal("expected nil reading for echo frame")
	}
}

func TestBM6ParseCellVoltages(t *testing.T) {
	f, err := NewBM6()
	if err != nil {
		t.Fatalf("NewBM6: %v", err)
	}
	codec, _ := blecrypto.NewCodec()

	block := make([]byte, blecrypto.BlockSize*2)
	copy(block, bm6RequestCellVoltages[:])
	block[3] = 0x00
	block[4] = 2
	block[5], block[6] = 0x10, 0x0C
	block[7], block[8] = 0x20, 0x0C

	ct, err := codec.Encrypt(block)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	reading, err := f.ParseNotification("AA:BB:CC:DD:EE:FF", ct)
	if err != nil {
		t.Fatalf("ParseNotification: %v", err)
	}
	cells, ok := reading.Extra["cells"].([]float64)
	if !ok || len(cells) != 2 {
		t.Fatalf("expected 2 cell voltages, got %v", reading.Extra)
	}
	if cells[0] != 3.088 || cells[1] != 3.104 {
		t.Fatalf("expected [3.088 3.104], got %v", cells)
	}
}

func TestBM6ParseNotificationUnknownPrefix(t *testing.T) {
	f, err := NewBM6()
	if err != nil {
		t.Fatalf("NewBM6: %v", err)
	}
	codec, _ := blecrypto.NewCodec()
	block := make([]byte, blecrypto.BlockSize)
	block[0] = 0x99
	ct, _ := codec.Encrypt(block)

	_, err = f.ParseNotification("AA:BB:CC:DD:EE:FF", ct)
	var unknown *UnknownOpcodeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownOpcodeError, got %v", err)
	}
}
