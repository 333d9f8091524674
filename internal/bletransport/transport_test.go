package bletransport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/battery-hawk/corewatch/internal/blefake"
	"github.com/battery-hawk/corewatch/internal/bletransport"
)

func TestWriteRejectsEmptyCharUUID(t *testing.T) {
	adapter := blefake.NewAdapter()
	conn, err := bletransport.Connect(context.Background(), adapter, "AA:BB:CC:DD:EE:FF", time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	err = bletransport.Write(context.Background(), conn, "", []byte{0x01})
	var invalid *bletransport.InvalidArgumentError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidArgumentError, got %v", err)
	}
}

func TestSubscribeRejectsNilCallback(t *testing.T) {
	adapter := blefake.NewAdapter()
	conn, err := bletransport.Connect(context.Background(), adapter, "AA:BB:CC:DD:EE:FF", time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	err = bletransport.Subscribe(conn, "fff4", nil)
	var invalid *bletransport.InvalidArgumentError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidArgumentError, got %v", err)
	}
}
