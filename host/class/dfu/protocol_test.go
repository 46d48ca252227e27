package dfu

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ardnew/softdfu/pkg"
)

// =============================================================================
// Status Tests
// =============================================================================

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		ok   bool
		want Status
	}{
		{
			name: "idle",
			data: []byte{0x00, 0x00, 0x00, 0x00, 0x02, 0x00},
			ok:   true,
			want: Status{Status: StatusOK, State: DeviceStateDfuIdle},
		},
		{
			name: "poll timeout",
			data: []byte{0x00, 0x10, 0x27, 0x00, 0x04, 0x00},
			ok:   true,
			want: Status{Status: StatusOK, PollTimeout: 10 * time.Second, State: DeviceStateDfuDnBusy},
		},
		{
			name: "24-bit timeout",
			data: []byte{0x00, 0x01, 0x00, 0x01, 0x05, 0x00},
			ok:   true,
			want: Status{Status: StatusOK, PollTimeout: 65537 * time.Millisecond, State: DeviceStateDfuDnloadIdle},
		},
		{
			name: "error with string",
			data: []byte{0x03, 0x00, 0x00, 0x00, 0x0A, 0x04},
			ok:   true,
			want: Status{Status: StatusErrWrite, State: DeviceStateDfuError, StringIndex: 4},
		},
		{
			name: "short",
			data: []byte{0x00, 0x00, 0x00, 0x00, 0x02},
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Status
			ok := ParseStatus(tt.data, &got)
			if ok != tt.ok {
				t.Fatalf("ParseStatus() ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("ParseStatus() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestStatus_OK(t *testing.T) {
	if !(Status{Status: StatusOK}).OK() {
		t.Error("StatusOK should be OK")
	}
	if (Status{Status: StatusErrVerify}).OK() {
		t.Error("errVERIFY should not be OK")
	}
}

func TestDeviceStatus_String(t *testing.T) {
	tests := []struct {
		status DeviceStatus
		want   string
	}{
		{StatusOK, "OK"},
		{StatusErrTarget, "errTARGET"},
		{StatusErrCheckErased, "errCHECK_ERASED"},
		{StatusErrStalledPkt, "errSTALLEDPKT"},
		{DeviceStatus(0x42), "status(0x42)"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("DeviceStatus(0x%02X).String() = %q, want %q", uint8(tt.status), got, tt.want)
		}
	}
}

func TestDeviceState_String(t *testing.T) {
	tests := []struct {
		state DeviceState
		want  string
	}{
		{DeviceStateAppIdle, "appIDLE"},
		{DeviceStateDfuDnloadSync, "dfuDNLOAD-SYNC"},
		{DeviceStateDfuManifestWaitReset, "dfuMANIFEST-WAIT-RESET"},
		{DeviceStateDfuError, "dfuERROR"},
		{DeviceState(11), "state(11)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("DeviceState(%d).String() = %q, want %q", uint8(tt.state), got, tt.want)
		}
	}
}

// =============================================================================
// State Tests
// =============================================================================

func TestState_String(t *testing.T) {
	for s := StateUnattached; s < numStates; s++ {
		if name := s.String(); name == "" || strings.HasPrefix(name, "State(") {
			t.Errorf("state %d has no name", uint8(s))
		}
	}
	if got := State(99).String(); got != "State(99)" {
		t.Errorf("State(99).String() = %q", got)
	}
}

func TestState_Terminal(t *testing.T) {
	for s := StateUnattached; s < numStates; s++ {
		want := s == StateUnattached || s == StateError
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), want)
		}
	}
	if State(99).Valid() {
		t.Error("State(99) should not be valid")
	}
}

func TestPhase_String(t *testing.T) {
	if PhaseDownload.String() != "download" || PhaseReadBack.String() != "read-back" {
		t.Errorf("phase names = %q, %q", PhaseDownload, PhaseReadBack)
	}
}

// =============================================================================
// Setup Packet Tests
// =============================================================================

func TestSetupBuilders(t *testing.T) {
	tests := []struct {
		name        string
		got         func() (uint8, uint8, uint16, uint16, uint16)
		requestType uint8
		request     uint8
		value       uint16
		index       uint16
		length      uint16
	}{
		{
			name: "set interface",
			got: func() (uint8, uint8, uint16, uint16, uint16) {
				s := SetInterfaceSetup(2, 1)
				return s.RequestType, s.Request, s.Value, s.Index, s.Length
			},
			requestType: 0x01, request: 0x0B, value: 1, index: 2,
		},
		{
			name: "get status",
			got: func() (uint8, uint8, uint16, uint16, uint16) {
				s := GetStatusSetup(1)
				return s.RequestType, s.Request, s.Value, s.Index, s.Length
			},
			requestType: 0xA1, request: 0x03, index: 1, length: 6,
		},
		{
			name: "download",
			got: func() (uint8, uint8, uint16, uint16, uint16) {
				s := DnloadSetup(0, 7, 256)
				return s.RequestType, s.Request, s.Value, s.Index, s.Length
			},
			requestType: 0x21, request: 0x01, value: 7, length: 256,
		},
		{
			name: "zero length",
			got: func() (uint8, uint8, uint16, uint16, uint16) {
				s := DnloadSetup(0, 4, 0)
				return s.RequestType, s.Request, s.Value, s.Index, s.Length
			},
			requestType: 0x21, request: 0x01, value: 4,
		},
		{
			name: "upload",
			got: func() (uint8, uint8, uint16, uint16, uint16) {
				s := UploadSetup(0, 3, 232)
				return s.RequestType, s.Request, s.Value, s.Index, s.Length
			},
			requestType: 0xA1, request: 0x02, value: 3, length: 232,
		},
		{
			name: "detach",
			got: func() (uint8, uint8, uint16, uint16, uint16) {
				s := DetachSetup(0, 1000)
				return s.RequestType, s.Request, s.Value, s.Index, s.Length
			},
			requestType: 0x21, request: 0x00, value: 1000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, req, value, index, length := tt.got()
			if rt != tt.requestType || req != tt.request || value != tt.value ||
				index != tt.index || length != tt.length {
				t.Errorf("setup = {0x%02X 0x%02X %d %d %d}, want {0x%02X 0x%02X %d %d %d}",
					rt, req, value, index, length,
					tt.requestType, tt.request, tt.value, tt.index, tt.length)
			}
		})
	}
}

// =============================================================================
// Functional Descriptor Tests
// =============================================================================

func TestParseFunctionalDescriptor(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		ok   bool
		want FunctionalDescriptor
	}{
		{
			name: "dfu 1.1",
			data: []byte{0x09, 0x21, 0x0B, 0xE8, 0x03, 0x00, 0x04, 0x1A, 0x01},
			ok:   true,
			want: FunctionalDescriptor{
				Length: 9, DescriptorType: 0x21, Attributes: 0x0B,
				DetachTimeout: 1000, TransferSize: 1024, DFUVersion: 0x011A,
			},
		},
		{
			name: "dfu 1.0",
			data: []byte{0x07, 0x21, 0x01, 0xFF, 0x00, 0x00, 0x08},
			ok:   true,
			want: FunctionalDescriptor{
				Length: 7, DescriptorType: 0x21, Attributes: 0x01,
				DetachTimeout: 255, TransferSize: 2048,
			},
		},
		{
			name: "wrong type",
			data: []byte{0x09, 0x24, 0x0B, 0xE8, 0x03, 0x00, 0x04, 0x1A, 0x01},
		},
		{
			name: "short",
			data: []byte{0x09, 0x21, 0x0B},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got FunctionalDescriptor
			ok := ParseFunctionalDescriptor(tt.data, &got)
			if ok != tt.ok {
				t.Fatalf("ParseFunctionalDescriptor() ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("ParseFunctionalDescriptor() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFunctionalDescriptor_Attributes(t *testing.T) {
	fd := FunctionalDescriptor{Attributes: AttrCanDownload | AttrWillDetach}
	if !fd.CanDownload() || fd.CanUpload() || fd.ManifestationTolerant() || !fd.WillDetach() {
		t.Errorf("attributes 0x%02X decoded incorrectly", fd.Attributes)
	}
}

// =============================================================================
// Verification Tests
// =============================================================================

func TestVerify(t *testing.T) {
	image := []byte{1, 2, 3, 4, 5}

	tests := []struct {
		name     string
		readBack []byte
		offset   int
		match    bool
	}{
		{"equal", []byte{1, 2, 3, 4, 5}, 0, true},
		{"first byte", []byte{9, 2, 3, 4, 5}, 0, false},
		{"last byte", []byte{1, 2, 3, 4, 6}, 4, false},
		{"short", []byte{1, 2, 3}, 3, false},
		{"empty", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verify(image, tt.readBack)
			if tt.match {
				if err != nil {
					t.Errorf("verify() = %v, want nil", err)
				}
				return
			}
			var mismatch *MismatchError
			if !errors.As(err, &mismatch) {
				t.Fatalf("verify() = %v, want *MismatchError", err)
			}
			if mismatch.Offset != tt.offset || mismatch.Want != image[tt.offset] {
				t.Errorf("mismatch = %+v, want offset %d", mismatch, tt.offset)
			}
			if !errors.Is(err, pkg.ErrVerifyMismatch) {
				t.Error("MismatchError should unwrap to ErrVerifyMismatch")
			}
		})
	}
}

// =============================================================================
// Error Tests
// =============================================================================

func TestOpError(t *testing.T) {
	err := &OpError{Op: OpDownload, State: StateTransfer, Block: 3, Err: pkg.ErrStall}
	if !errors.Is(err, pkg.ErrStall) {
		t.Error("OpError should unwrap to its cause")
	}
	msg := err.Error()
	for _, want := range []string{"download", "Transfer", "block 3", "stall"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
	if err.Status() != pkg.TransferStatusStall {
		t.Errorf("Status() = %v, want stall", err.Status())
	}
}

func TestStatusError(t *testing.T) {
	err := &StatusError{Status: Status{Status: StatusErrAddress, State: DeviceStateDfuError}}
	if !errors.Is(err, pkg.ErrDeviceStatus) {
		t.Error("StatusError should unwrap to ErrDeviceStatus")
	}
	if !strings.Contains(err.Error(), "errADDRESS") {
		t.Errorf("Error() = %q", err.Error())
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkVerify(b *testing.B) {
	image := testImage(64 * 1024)
	readBack := append([]byte(nil), image...)
	b.SetBytes(int64(len(image)))
	for i := 0; i < b.N; i++ {
		if err := verify(image, readBack); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkParseStatus(b *testing.B) {
	data := []byte{0x00, 0x10, 0x27, 0x00, 0x04, 0x00}
	var s Status
	for i := 0; i < b.N; i++ {
		ParseStatus(data, &s)
	}
}
