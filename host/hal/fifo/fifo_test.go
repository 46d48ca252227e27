package fifo

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softdfu/host/hal"
	"github.com/ardnew/softdfu/pkg"
)

// =============================================================================
// Framing Tests
// =============================================================================

func TestEncodeSetup(t *testing.T) {
	tests := []struct {
		name    string
		setup   hal.SetupPacket
		data    []byte
		wantLen int
	}{
		{
			name:    "IN without payload",
			setup:   hal.SetupPacket{RequestType: 0xA1, Request: 0x03, Length: 6},
			data:    make([]byte, 6),
			wantLen: headerSize + 1 + hal.SetupPacketSize,
		},
		{
			name:    "OUT carries data",
			setup:   hal.SetupPacket{RequestType: 0x21, Request: 0x01, Value: 2, Length: 4},
			data:    []byte{0xDE, 0xAD, 0xBE, 0xEF},
			wantLen: headerSize + 1 + hal.SetupPacketSize + 4,
		},
		{
			name:    "OUT zero length",
			setup:   hal.SetupPacket{RequestType: 0x21, Request: 0x01},
			wantLen: headerSize + 1 + hal.SetupPacketSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf [maxMessageSize]byte
			n := encodeSetup(buf[:], 7, &tt.setup, tt.data)
			if n != tt.wantLen {
				t.Fatalf("len = %d, want %d", n, tt.wantLen)
			}
			if buf[0] != msgSetup {
				t.Errorf("type = 0x%02X, want msgSetup", buf[0])
			}
			if got := int(binary.LittleEndian.Uint16(buf[1:3])); got != n-headerSize {
				t.Errorf("payload length = %d, want %d", got, n-headerSize)
			}
			if buf[3] != 7 {
				t.Errorf("address = %d, want 7", buf[3])
			}

			var got hal.SetupPacket
			if !hal.ParseSetupPacket(buf[4:], &got) || got != tt.setup {
				t.Errorf("setup = %+v, want %+v", got, tt.setup)
			}
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name    string
		typ     byte
		payload []byte
		isIn    bool
		dataLen int
		wantN   int
		wantErr error
	}{
		{"data in", msgData, []byte{1, 2, 3}, true, 6, 3, nil},
		{"data in truncated", msgData, []byte{1, 2, 3}, true, 2, 2, nil},
		{"ack out", msgAck, nil, false, 5, 5, nil},
		{"ack in", msgAck, nil, true, 5, 0, nil},
		{"nak", msgNak, nil, false, 0, 0, pkg.ErrNAK},
		{"stall", msgStall, nil, true, 6, 0, pkg.ErrStall},
		{"unknown", 0x7F, nil, true, 6, 0, pkg.ErrProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, tt.dataLen)
			n, err := decodeResponse(tt.typ, tt.payload, tt.isIn, data)
			if n != tt.wantN {
				t.Errorf("n = %d, want %d", n, tt.wantN)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// =============================================================================
// HAL Tests
// =============================================================================

func TestHostHAL_NoDevice(t *testing.T) {
	h := NewHostHAL(t.TempDir())

	if h.NumPorts() != 1 {
		t.Errorf("NumPorts() = %d, want 1", h.NumPorts())
	}

	status, err := h.GetPortStatus(1)
	if err != nil {
		t.Fatalf("GetPortStatus failed: %v", err)
	}
	if status.Connected {
		t.Error("Connected = true with no device")
	}
	if _, err := h.GetPortStatus(2); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("GetPortStatus(2) = %v, want ErrInvalidParameter", err)
	}
	if h.PortSpeed(1) != hal.SpeedUnknown {
		t.Errorf("PortSpeed(1) = %v, want Unknown", h.PortSpeed(1))
	}

	if _, err := h.ControlTransfer(context.Background(), 1, &hal.SetupPacket{}, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ControlTransfer = %v, want ErrNotConnected", err)
	}
	if _, err := h.ControlTransfer(context.Background(), 1, &hal.SetupPacket{}, make([]byte, MaxPayload+1)); !errors.Is(err, pkg.ErrOverrun) {
		t.Errorf("oversize ControlTransfer = %v, want ErrOverrun", err)
	}
	if err := h.ClaimInterface(1, 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ClaimInterface = %v, want ErrNotConnected", err)
	}
	if err := h.ResetPort(1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ResetPort = %v, want ErrNotConnected", err)
	}
	if err := h.Start(); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("Start before Init = %v, want ErrNotRunning", err)
	}
}

// fakeDevice answers control requests on a device directory's FIFOs.
type fakeDevice struct {
	conn, h2d, d2h *os.File
}

func newFakeDevice(t *testing.T, busDir string) *fakeDevice {
	t.Helper()

	dir := filepath.Join(busDir, "device-test")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	open := func(name string) *os.File {
		path := filepath.Join(dir, name)
		if err := unix.Mkfifo(path, 0o600); err != nil {
			t.Skipf("mkfifo unavailable: %v", err)
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			t.Fatal(err)
		}
		return f
	}

	d := &fakeDevice{
		conn: open(fifoConnection),
		h2d:  open(fifoHostToDevice),
		d2h:  open(fifoDeviceToHost),
	}
	t.Cleanup(func() {
		d.conn.Close()
		d.h2d.Close()
		d.d2h.Close()
	})
	return d
}

func (d *fakeDevice) signal(b byte) error {
	_, err := d.conn.Write([]byte{b})
	return err
}

// serve answers until the FIFOs close. GET_STATUS-class IN requests return
// six bytes, request 0xFF stalls, everything else is acknowledged.
func (d *fakeDevice) serve() {
	var hdr [headerSize]byte
	var buf [maxMessageSize]byte
	for {
		if _, err := io.ReadFull(d.h2d, hdr[:]); err != nil {
			return
		}
		n := int(binary.LittleEndian.Uint16(hdr[1:]))
		if _, err := io.ReadFull(d.h2d, buf[:n]); err != nil {
			return
		}

		var resp [maxMessageSize]byte
		var m int
		switch hdr[0] {
		case msgSetup:
			var setup hal.SetupPacket
			hal.ParseSetupPacket(buf[1:], &setup)
			switch {
			case setup.Request == 0xFF:
				m = encodeMessage(resp[:], msgStall, nil)
			case setup.IsIn():
				m = encodeMessage(resp[:], msgData, []byte{0, 10, 0, 0, 5, 0}[:setup.Length])
			default:
				m = encodeMessage(resp[:], msgAck, nil)
			}
		default:
			m = encodeMessage(resp[:], msgAck, nil)
		}
		if _, err := d.d2h.Write(resp[:m]); err != nil {
			return
		}
	}
}

func TestHostHAL_DeviceSession(t *testing.T) {
	busDir := t.TempDir()
	dev := newFakeDevice(t, busDir)
	go dev.serve()

	h := NewHostHAL(busDir)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := h.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.Stop()

	if err := dev.signal(sigConnect); err != nil {
		t.Fatal(err)
	}

	port, err := h.WaitForConnection(ctx)
	if err != nil {
		t.Fatalf("WaitForConnection failed: %v", err)
	}
	if port != 1 {
		t.Errorf("port = %d, want 1", port)
	}

	status := make([]byte, 6)
	n, err := h.ControlTransfer(ctx, 1, &hal.SetupPacket{RequestType: 0xA1, Request: 0x03, Length: 6}, status)
	if err != nil {
		t.Fatalf("ControlTransfer IN failed: %v", err)
	}
	if n != 6 || status[1] != 10 || status[4] != 5 {
		t.Errorf("status = %v (n=%d)", status, n)
	}

	n, err = h.ControlTransfer(ctx, 1, &hal.SetupPacket{RequestType: 0x21, Request: 0x01, Length: 3}, []byte{1, 2, 3})
	if err != nil || n != 3 {
		t.Errorf("ControlTransfer OUT = (%d, %v), want (3, nil)", n, err)
	}

	if _, err := h.ControlTransfer(ctx, 1, &hal.SetupPacket{RequestType: 0x21, Request: 0xFF}, nil); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("stalled request = %v, want ErrStall", err)
	}

	if err := h.ClaimInterface(1, 0); err != nil {
		t.Fatalf("ClaimInterface failed: %v", err)
	}
	if err := h.ClaimInterface(1, 0); !errors.Is(err, pkg.ErrBusy) {
		t.Errorf("second ClaimInterface = %v, want ErrBusy", err)
	}
	if err := h.ResetPort(1); err != nil {
		t.Fatalf("ResetPort failed: %v", err)
	}
	if err := h.ClaimInterface(1, 0); err != nil {
		t.Errorf("ClaimInterface after reset failed: %v", err)
	}

	if err := dev.signal(sigDisconnect); err != nil {
		t.Fatal(err)
	}
	if port, err := h.WaitForDisconnection(ctx); err != nil || port != 1 {
		t.Fatalf("WaitForDisconnection = (%d, %v), want (1, nil)", port, err)
	}
	if status, _ := h.GetPortStatus(1); status.Connected {
		t.Error("Connected = true after disconnect")
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkEncodeSetup(b *testing.B) {
	var buf [maxMessageSize]byte
	setup := hal.SetupPacket{RequestType: 0x21, Request: 0x01, Length: 1024}
	data := make([]byte, 1024)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = encodeSetup(buf[:], 1, &setup, data)
	}
}
