package sim

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/ardnew/softdfu/host/hal"
	"github.com/ardnew/softdfu/pkg"
)

// DFU class requests, for use with FailRequest and RequestCount.
const (
	RequestDetach    = 0x00
	RequestDnload    = 0x01
	RequestUpload    = 0x02
	RequestGetStatus = 0x03
	RequestClrStatus = 0x04
	RequestGetState  = 0x05
	RequestAbort     = 0x06
)

// Standard requests answered by the simulated device.
const (
	reqGetDescriptor    = 0x06
	reqSetAddress       = 0x05
	reqSetConfiguration = 0x09
	reqSetInterface     = 0x0B
)

// DFU device states reported in GETSTATUS and GETSTATE.
const (
	stateAppIdle         = 0
	stateAppDetach       = 1
	stateDfuIdle         = 2
	stateDfuDnloadSync   = 3
	stateDfuDnloadIdle   = 5
	stateDfuManifestSync = 6
	stateDfuUploadIdle   = 9
	stateDfuError        = 10
)

// DFU status codes.
const (
	statusOK            = 0x00
	statusErrAddress    = 0x08
	statusErrStalledPkt = 0x0F
)

// Descriptor layout.
const (
	dfuFunctionalType = 0x21
	dfuAttributes     = 0x0F // download, upload, manifestation tolerant, will detach
	dfuVersion        = 0x011A
	statusLength      = 6
)

// Mode is the firmware the simulated device is running.
type Mode uint8

// Device modes.
const (
	ModeDFU         Mode = iota // Bootloader exposing the DFU-mode interface
	ModeApplication             // Application exposing the runtime DFU interface
)

// String returns the mode name.
func (m Mode) String() string {
	if m == ModeApplication {
		return "application"
	}
	return "dfu"
}

// Options configure a simulated device.
type Options struct {
	VendorID      uint16
	ProductID     uint16 // Reported in DFU mode
	AppProductID  uint16 // Reported after detach and reset
	Serial        string
	Capacity      int    // Flash size in bytes
	TransferSize  uint16 // wTransferSize in the functional descriptor
	DetachTimeout uint16 // wDetachTimeOut in the functional descriptor
	Speed         hal.Speed
	Latency       time.Duration // Added to every control transfer
}

// DefaultOptions returns options for a 64 KiB full-speed device.
func DefaultOptions() Options {
	return Options{
		VendorID:      0x0483,
		ProductID:     0xDF11,
		AppProductID:  0x5740,
		Serial:        "SIM0001",
		Capacity:      64 * 1024,
		TransferSize:  1024,
		DetachTimeout: 1000,
		Speed:         hal.SpeedFull,
	}
}

type fault struct {
	request uint8
	nth     int
	err     error
}

// HostHAL implements hal.HostHAL with one simulated DFU peripheral on
// port 1. It keeps flash contents in memory and follows the DFU 1.1 device
// state machine closely enough to exercise a host-side updater, including
// injected faults.
type HostHAL struct {
	opts Options

	mu        sync.Mutex
	connected bool
	running   bool
	address   uint8
	mode      Mode
	claimed   map[uint8]bool

	// DFU engine
	state       uint8
	status      uint8
	pollTimeout uint32
	flash       []byte
	imageLen    int
	writePtr    int
	readPtr     int
	detached    bool

	// Fault injection
	faults       []fault
	counts       map[uint8]int
	statusFaults map[int]uint8
	corrupt      int

	connectCh    chan int
	disconnectCh chan int
}

// New creates a simulated device that starts disconnected in DFU mode.
func New(opts Options) *HostHAL {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultOptions().Capacity
	}
	if opts.Speed == hal.SpeedUnknown {
		opts.Speed = hal.SpeedFull
	}
	return &HostHAL{
		opts:         opts,
		claimed:      make(map[uint8]bool),
		state:        stateDfuIdle,
		flash:        make([]byte, opts.Capacity),
		counts:       make(map[uint8]int),
		statusFaults: make(map[int]uint8),
		corrupt:      -1,
		connectCh:    make(chan int, 4),
		disconnectCh: make(chan int, 4),
	}
}

// Connect plugs the device into port 1.
func (s *HostHAL) Connect() {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.connectCh <- 1
}

// Disconnect unplugs the device from port 1.
func (s *HostHAL) Disconnect() {
	s.mu.Lock()
	s.connected = false
	s.address = 0
	clear(s.claimed)
	s.mu.Unlock()
	s.disconnectCh <- 1
}

// FailRequest makes the nth occurrence (1-based) of a DFU request fail with
// err, or pkg.ErrStall if err is nil.
func (s *HostHAL) FailRequest(request uint8, nth int, err error) {
	if err == nil {
		err = pkg.ErrStall
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, fault{request: request, nth: nth, err: err})
}

// CorruptReadBack flips the image byte at offset in upload responses.
func (s *HostHAL) CorruptReadBack(offset int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt = offset
}

// ReportStatus makes the nth GETSTATUS (1-based) report bStatus status and
// enter dfuERROR.
func (s *HostHAL) ReportStatus(nth int, status uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusFaults[nth] = status
}

// SetPollTimeout sets the bwPollTimeout reported by GETSTATUS.
func (s *HostHAL) SetPollTimeout(ms uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollTimeout = ms & 0xFFFFFF
}

// Image returns a copy of the last downloaded image.
func (s *HostHAL) Image() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.flash[:s.imageLen]...)
}

// Mode returns the firmware the device is running.
func (s *HostHAL) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// RequestCount returns how many times a DFU request was received.
func (s *HostHAL) RequestCount(request uint8) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[request]
}

// Init initializes the simulated controller.
func (s *HostHAL) Init(ctx context.Context) error {
	return ctx.Err()
}

// Start powers the simulated port.
func (s *HostHAL) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	return nil
}

// Stop removes power from the simulated port.
func (s *HostHAL) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

// Close releases the simulated controller.
func (s *HostHAL) Close() error {
	return s.Stop()
}

// NumPorts returns 1.
func (s *HostHAL) NumPorts() int {
	return 1
}

// GetPortStatus returns the status of port 1.
func (s *HostHAL) GetPortStatus(port int) (hal.PortStatus, error) {
	if port != 1 {
		return hal.PortStatus{}, pkg.ErrInvalidParameter
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	status := hal.PortStatus{
		Connected: s.connected,
		Enabled:   s.connected && s.running,
		PowerOn:   s.running,
	}
	if s.connected {
		status.Speed = s.opts.Speed
	}
	return status, nil
}

// PortSpeed returns the speed of the simulated device.
func (s *HostHAL) PortSpeed(port int) hal.Speed {
	s.mu.Lock()
	defer s.mu.Unlock()
	if port != 1 || !s.connected {
		return hal.SpeedUnknown
	}
	return s.opts.Speed
}

// ResetPort resets the device to address 0. A device that received
// DFU_DETACH boots into its application.
func (s *HostHAL) ResetPort(port int) error {
	if port != 1 {
		return pkg.ErrInvalidParameter
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return pkg.ErrNoDevice
	}

	s.address = 0
	clear(s.claimed)

	if s.detached {
		s.detached = false
		s.mode = ModeApplication
		s.state = stateAppIdle
		pkg.LogDebug(pkg.ComponentHAL, "simulated device booted application",
			"bytes", s.imageLen)
	}
	return nil
}

// ClaimInterface claims an interface on the simulated device.
func (s *HostHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || uint8(addr) != s.address {
		return pkg.ErrNoDevice
	}
	if iface != 0 {
		return pkg.ErrInvalidParameter
	}
	if s.claimed[iface] {
		return pkg.ErrBusy
	}
	s.claimed[iface] = true
	return nil
}

// ReleaseInterface releases a claimed interface.
func (s *HostHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, iface)
	return nil
}

// WaitForConnection blocks until Connect is called.
func (s *HostHAL) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case port := <-s.connectCh:
		return port, nil
	}
}

// WaitForDisconnection blocks until Disconnect is called.
func (s *HostHAL) WaitForDisconnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case port := <-s.disconnectCh:
		return port, nil
	}
}

// ControlTransfer executes a control request against the simulated device.
func (s *HostHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	if s.opts.Latency > 0 {
		timer := time.NewTimer(s.opts.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected || !s.running || uint8(addr) != s.address {
		return 0, pkg.ErrNoDevice
	}

	const typeMask = 0x60
	switch setup.RequestType & typeMask {
	case 0x00:
		return s.standardRequest(setup, data)
	case 0x20:
		if setup.Index != 0 {
			return 0, pkg.ErrStall
		}
		s.counts[setup.Request]++
		if err := s.injectedFault(setup.Request); err != nil {
			return 0, err
		}
		return s.classRequest(setup, data)
	default:
		return 0, pkg.ErrStall
	}
}

func (s *HostHAL) injectedFault(request uint8) error {
	for i, f := range s.faults {
		if f.request == request && f.nth == s.counts[request] {
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
			return f.err
		}
	}
	return nil
}

func (s *HostHAL) standardRequest(setup *hal.SetupPacket, data []byte) (int, error) {
	switch setup.Request {
	case reqGetDescriptor:
		desc := s.descriptor(uint8(setup.Value>>8), uint8(setup.Value))
		if desc == nil {
			return 0, pkg.ErrStall
		}
		return copy(data, desc), nil

	case reqSetAddress:
		s.address = uint8(setup.Value)
		return 0, nil

	case reqSetConfiguration:
		if setup.Value > 1 {
			return 0, pkg.ErrStall
		}
		return 0, nil

	case reqSetInterface:
		if setup.Index != 0 || setup.Value != 0 {
			return 0, pkg.ErrStall
		}
		return 0, nil

	default:
		return 0, pkg.ErrStall
	}
}

func (s *HostHAL) classRequest(setup *hal.SetupPacket, data []byte) (int, error) {
	if s.mode == ModeApplication {
		return s.runtimeRequest(setup, data)
	}

	switch setup.Request {
	case RequestDnload:
		return s.dnload(data[:min(int(setup.Length), len(data))])

	case RequestUpload:
		return s.upload(data[:min(int(setup.Length), len(data))])

	case RequestGetStatus:
		return s.getStatus(data)

	case RequestClrStatus:
		if s.state == stateDfuError {
			s.state = stateDfuIdle
			s.status = statusOK
		}
		return 0, nil

	case RequestGetState:
		if len(data) < 1 {
			return 0, pkg.ErrStall
		}
		data[0] = s.state
		return 1, nil

	case RequestAbort:
		if s.state != stateDfuError {
			s.state = stateDfuIdle
		}
		return 0, nil

	case RequestDetach:
		s.detached = true
		s.state = stateAppDetach
		pkg.LogDebug(pkg.ComponentHAL, "simulated device detach requested",
			"timeout", setup.Value)
		return 0, nil

	default:
		return s.stall()
	}
}

// runtimeRequest answers the runtime DFU interface of the application.
func (s *HostHAL) runtimeRequest(setup *hal.SetupPacket, data []byte) (int, error) {
	switch setup.Request {
	case RequestGetStatus:
		return s.getStatus(data)
	case RequestGetState:
		if len(data) < 1 {
			return 0, pkg.ErrStall
		}
		data[0] = s.state
		return 1, nil
	case RequestDetach:
		s.detached = true
		s.state = stateAppDetach
		return 0, nil
	default:
		return 0, pkg.ErrStall
	}
}

func (s *HostHAL) stall() (int, error) {
	s.state = stateDfuError
	s.status = statusErrStalledPkt
	return 0, pkg.ErrStall
}

func (s *HostHAL) dnload(chunk []byte) (int, error) {
	switch s.state {
	case stateDfuIdle:
		if len(chunk) == 0 {
			return s.stall()
		}
		s.writePtr = 0
	case stateDfuDnloadIdle, stateDfuDnloadSync:
	default:
		return s.stall()
	}

	if len(chunk) == 0 {
		s.imageLen = s.writePtr
		s.state = stateDfuManifestSync
		return 0, nil
	}

	if s.writePtr+len(chunk) > len(s.flash) {
		s.state = stateDfuError
		s.status = statusErrAddress
		return len(chunk), nil
	}

	copy(s.flash[s.writePtr:], chunk)
	s.writePtr += len(chunk)
	s.state = stateDfuDnloadSync
	return len(chunk), nil
}

func (s *HostHAL) upload(buf []byte) (int, error) {
	switch s.state {
	case stateDfuIdle, stateDfuManifestSync:
		s.readPtr = 0
	case stateDfuUploadIdle:
	default:
		return s.stall()
	}

	n := copy(buf, s.flash[s.readPtr:s.imageLen])
	if s.corrupt >= s.readPtr && s.corrupt < s.readPtr+n {
		buf[s.corrupt-s.readPtr] ^= 0xFF
	}
	s.readPtr += n

	if n < len(buf) {
		s.state = stateDfuIdle
	} else {
		s.state = stateDfuUploadIdle
	}
	return n, nil
}

func (s *HostHAL) getStatus(data []byte) (int, error) {
	if len(data) < statusLength {
		return 0, pkg.ErrStall
	}

	if status, ok := s.statusFaults[s.counts[RequestGetStatus]]; ok {
		delete(s.statusFaults, s.counts[RequestGetStatus])
		s.status = status
		s.state = stateDfuError
	}

	// Download and manifestation complete synchronously
	switch s.state {
	case stateDfuDnloadSync:
		s.state = stateDfuDnloadIdle
	case stateDfuManifestSync:
		s.state = stateDfuIdle
	}

	data[0] = s.status
	data[1] = byte(s.pollTimeout)
	data[2] = byte(s.pollTimeout >> 8)
	data[3] = byte(s.pollTimeout >> 16)
	data[4] = s.state
	data[5] = 0
	return statusLength, nil
}

// descriptor builds the requested descriptor for the current mode.
func (s *HostHAL) descriptor(typ, index uint8) []byte {
	switch typ {
	case 0x01:
		pid := s.opts.ProductID
		if s.mode == ModeApplication {
			pid = s.opts.AppProductID
		}
		d := []byte{
			0x12, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00, s.opts.Speed.MaxPacketSize0(),
			0, 0, 0, 0, 0x00, 0x02, 0x01, 0x02, 0x03, 0x01,
		}
		binary.LittleEndian.PutUint16(d[8:], s.opts.VendorID)
		binary.LittleEndian.PutUint16(d[10:], pid)
		return d

	case 0x02:
		protocol := uint8(0x02)
		if s.mode == ModeApplication {
			protocol = 0x01
		}
		d := []byte{
			// Configuration
			0x09, 0x02, 27, 0x00, 0x01, 0x01, 0x00, 0x80, 0x32,
			// Interface 0
			0x09, 0x04, 0x00, 0x00, 0x00, 0xFE, 0x01, protocol, 0x00,
			// DFU functional
			0x09, dfuFunctionalType, dfuAttributes, 0, 0, 0, 0, 0, 0,
		}
		binary.LittleEndian.PutUint16(d[21:], s.opts.DetachTimeout)
		binary.LittleEndian.PutUint16(d[23:], s.opts.TransferSize)
		binary.LittleEndian.PutUint16(d[25:], dfuVersion)
		return d

	case 0x03:
		switch index {
		case 0:
			return []byte{0x04, 0x03, 0x09, 0x04}
		case 1:
			return stringDescriptor("softdfu")
		case 2:
			if s.mode == ModeApplication {
				return stringDescriptor("Application")
			}
			return stringDescriptor("DFU Bootloader")
		case 3:
			return stringDescriptor(s.opts.Serial)
		}
	}
	return nil
}

func stringDescriptor(str string) []byte {
	d := make([]byte, 2, 2+2*len(str))
	for i := 0; i < len(str); i++ {
		d = append(d, str[i], 0)
	}
	d[0] = byte(len(d))
	d[1] = 0x03
	return d
}

// Ensure HostHAL implements hal.HostHAL.
var _ hal.HostHAL = (*HostHAL)(nil)
