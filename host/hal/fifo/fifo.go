package fifo

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softdfu/host/hal"
	"github.com/ardnew/softdfu/pkg"
)

// Message types for FIFO protocol.
const (
	msgSetup = 0x01 // SETUP packet
	msgData  = 0x02 // DATA packet
	msgAck   = 0x03 // ACK response
	msgNak   = 0x04 // NAK response
	msgStall = 0x05 // STALL response
	msgReset = 0x12 // Port reset
)

// Connection signal bytes (one-way signaling from device).
const (
	sigConnect    = 0x01 // Device connected
	sigDisconnect = 0x00 // Device disconnected
)

// Buffer sizes.
const (
	headerSize = 3 // Message header size (type + length)

	// MaxPayload is the largest data stage carried in one message.
	MaxPayload = 4096

	maxMessageSize = headerSize + 1 + hal.SetupPacketSize + MaxPayload
)

// Timing constants.
const (
	pollInterval    = 50 * time.Millisecond  // Directory polling interval
	signalInterval  = 100 * time.Millisecond // Connection FIFO read deadline
	responseTimeout = 5 * time.Second        // Default control response deadline
)

// FIFO file names (inside each device subdirectory).
const (
	fifoHostToDevice = "host_to_device"
	fifoDeviceToHost = "device_to_host"
	fifoConnection   = "connection"
)

// Errors.
var (
	ErrNotConnected = errors.New("device not connected")
	ErrFIFOCreate   = errors.New("failed to create FIFO")
	ErrFIFOOpen     = errors.New("failed to open FIFO")
)

// deviceConn represents a connected device.
type deviceConn struct {
	dir          string   // Device subdirectory path
	hostToDevice *os.File // Host writes SETUP and OUT data
	deviceToHost *os.File // Device writes responses
	speed        hal.Speed
	port         int
}

// HostHAL implements the hal.HostHAL interface using named pipes.
// It monitors a bus directory for device subdirectories and carries
// control transfers to the single active device.
type HostHAL struct {
	busDir string // Root bus directory

	// Active device connection
	device   *deviceConn
	claimed  map[uint8]bool
	deviceMu sync.Mutex

	// Internal buffers
	txBuf [maxMessageSize]byte
	rxBuf [maxMessageSize]byte

	// Channels for connection events
	connectCh    chan *deviceConn
	disconnectCh chan int

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHostHAL creates a new FIFO-based host HAL.
// The busDir parameter specifies the root directory where device subdirectories
// will appear. Devices create their own subdirectories (e.g., device-{uuid}/).
func NewHostHAL(busDir string) *HostHAL {
	return &HostHAL{
		busDir:       busDir,
		claimed:      make(map[uint8]bool),
		connectCh:    make(chan *deviceConn, 8),
		disconnectCh: make(chan int, 8),
	}
}

// Init initializes the host HAL.
func (h *HostHAL) Init(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	if err := os.MkdirAll(h.busDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrFIFOCreate, err)
	}

	pkg.LogInfo(pkg.ComponentHAL, "host FIFO HAL initialized", "busDir", h.busDir)
	return nil
}

// Start starts the host HAL and begins monitoring for devices.
func (h *HostHAL) Start() error {
	if h.ctx == nil {
		return pkg.ErrNotRunning
	}

	h.wg.Add(1)
	go h.pollDeviceDirectories()

	pkg.LogInfo(pkg.ComponentHAL, "host FIFO HAL started")
	return nil
}

// Stop stops the host HAL.
func (h *HostHAL) Stop() error {
	if h.cancel != nil {
		h.cancel()
	}

	h.wg.Wait()

	h.deviceMu.Lock()
	h.dropDeviceLocked()
	h.deviceMu.Unlock()

	pkg.LogInfo(pkg.ComponentHAL, "host FIFO HAL stopped")
	return nil
}

// Close releases all resources associated with the HAL.
func (h *HostHAL) Close() error {
	return h.Stop()
}

// NumPorts returns the number of root hub ports (simulated as 1).
func (h *HostHAL) NumPorts() int {
	return 1
}

// GetPortStatus returns the status of a port.
func (h *HostHAL) GetPortStatus(port int) (hal.PortStatus, error) {
	if port != 1 {
		return hal.PortStatus{}, pkg.ErrInvalidParameter
	}

	h.deviceMu.Lock()
	defer h.deviceMu.Unlock()

	connected := h.device != nil
	speed := hal.SpeedUnknown
	if connected {
		speed = h.device.speed
	}

	return hal.PortStatus{
		Connected: connected,
		Enabled:   connected,
		PowerOn:   true,
		Speed:     speed,
	}, nil
}

// PortSpeed returns the speed of a connected device.
func (h *HostHAL) PortSpeed(port int) hal.Speed {
	h.deviceMu.Lock()
	defer h.deviceMu.Unlock()

	if port != 1 || h.device == nil {
		return hal.SpeedUnknown
	}
	return h.device.speed
}

// ResetPort sends a reset to the device and waits for its acknowledgment.
// Interface claims do not survive a reset.
func (h *HostHAL) ResetPort(port int) error {
	if port != 1 {
		return pkg.ErrInvalidParameter
	}

	h.deviceMu.Lock()
	defer h.deviceMu.Unlock()

	if h.device == nil {
		return ErrNotConnected
	}

	n := encodeMessage(h.txBuf[:], msgReset, nil)
	if _, err := h.device.hostToDevice.Write(h.txBuf[:n]); err != nil {
		return err
	}

	typ, _, err := h.readMessage(h.device.deviceToHost, time.Now().Add(responseTimeout))
	if err != nil {
		return err
	}
	if typ != msgAck {
		return pkg.ErrProtocol
	}

	clear(h.claimed)

	pkg.LogDebug(pkg.ComponentHAL, "port reset complete", "port", port)
	return nil
}

// ControlTransfer performs a control transfer.
func (h *HostHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	if len(data) > MaxPayload {
		return 0, pkg.ErrOverrun
	}

	h.deviceMu.Lock()
	defer h.deviceMu.Unlock()

	if h.device == nil {
		return 0, ErrNotConnected
	}

	n := encodeSetup(h.txBuf[:], addr, setup, data)
	if _, err := h.device.hostToDevice.Write(h.txBuf[:n]); err != nil {
		return 0, err
	}

	deadline := time.Now().Add(responseTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	typ, payload, err := h.readMessage(h.device.deviceToHost, deadline)
	if err != nil {
		if os.IsTimeout(err) {
			return 0, pkg.ErrTimeout
		}
		return 0, err
	}

	return decodeResponse(typ, payload, setup.IsIn(), data)
}

// ClaimInterface claims an interface on the active device.
func (h *HostHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	h.deviceMu.Lock()
	defer h.deviceMu.Unlock()

	if h.device == nil {
		return ErrNotConnected
	}
	if h.claimed[iface] {
		return pkg.ErrBusy
	}
	h.claimed[iface] = true
	return nil
}

// ReleaseInterface releases a claimed interface.
func (h *HostHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	h.deviceMu.Lock()
	defer h.deviceMu.Unlock()

	delete(h.claimed, iface)
	return nil
}

// WaitForConnection waits for a device to connect.
func (h *HostHAL) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.ctx.Done():
		return 0, pkg.ErrCancelled
	case dev := <-h.connectCh:
		h.deviceMu.Lock()
		h.dropDeviceLocked()
		h.device = dev
		h.deviceMu.Unlock()

		pkg.LogInfo(pkg.ComponentHAL, "device connected", "port", dev.port, "speed", dev.speed, "dir", dev.dir)
		return dev.port, nil
	}
}

// WaitForDisconnection waits for a device to disconnect.
func (h *HostHAL) WaitForDisconnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.ctx.Done():
		return 0, pkg.ErrCancelled
	case port := <-h.disconnectCh:
		h.deviceMu.Lock()
		if h.device != nil && h.device.port == port {
			h.dropDeviceLocked()
		}
		h.deviceMu.Unlock()

		pkg.LogInfo(pkg.ComponentHAL, "device disconnected", "port", port)
		return port, nil
	}
}

// dropDeviceLocked closes the active device (caller must hold deviceMu).
func (h *HostHAL) dropDeviceLocked() {
	if h.device != nil {
		closeDevice(h.device)
		h.device = nil
	}
	clear(h.claimed)
}

// readMessage reads one framed message from f.
func (h *HostHAL) readMessage(f *os.File, deadline time.Time) (byte, []byte, error) {
	f.SetReadDeadline(deadline)
	defer f.SetReadDeadline(time.Time{})

	if _, err := io.ReadFull(f, h.rxBuf[:headerSize]); err != nil {
		return 0, nil, err
	}
	length := int(binary.LittleEndian.Uint16(h.rxBuf[1:3]))
	if headerSize+length > len(h.rxBuf) {
		return 0, nil, pkg.ErrOverrun
	}
	if _, err := io.ReadFull(f, h.rxBuf[headerSize:headerSize+length]); err != nil {
		return 0, nil, err
	}
	return h.rxBuf[0], h.rxBuf[headerSize : headerSize+length], nil
}

// encodeMessage frames payload into buf and returns the message length.
func encodeMessage(buf []byte, typ byte, payload []byte) int {
	buf[0] = typ
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(payload)))
	return headerSize + copy(buf[headerSize:], payload)
}

// encodeSetup frames a SETUP message: address, setup packet, and the data
// stage for OUT transfers.
func encodeSetup(buf []byte, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) int {
	buf[0] = msgSetup
	buf[headerSize] = byte(addr)
	setup.MarshalTo(buf[headerSize+1:])

	payloadLen := 1 + hal.SetupPacketSize
	if !setup.IsIn() {
		payloadLen += copy(buf[headerSize+payloadLen:], data)
	}
	binary.LittleEndian.PutUint16(buf[1:3], uint16(payloadLen))
	return headerSize + payloadLen
}

// decodeResponse maps a device response to a transfer result. IN data is
// copied into data.
func decodeResponse(typ byte, payload []byte, isIn bool, data []byte) (int, error) {
	switch typ {
	case msgData:
		if isIn {
			return copy(data, payload), nil
		}
		return len(payload), nil

	case msgAck:
		if isIn {
			return 0, nil
		}
		return len(data), nil

	case msgNak:
		return 0, pkg.ErrNAK

	case msgStall:
		return 0, pkg.ErrStall

	default:
		return 0, pkg.ErrProtocol
	}
}

// pollDeviceDirectories polls the bus directory for new device subdirectories.
func (h *HostHAL) pollDeviceDirectories() {
	defer h.wg.Done()

	knownDirs := make(map[string]bool)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		}

		entries, err := os.ReadDir(h.busDir)
		if err != nil {
			continue
		}

		for _, entry := range entries {
			if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "device-") {
				continue
			}

			dirPath := filepath.Join(h.busDir, entry.Name())
			if knownDirs[dirPath] {
				continue
			}

			if _, err := os.Stat(filepath.Join(dirPath, fifoConnection)); err != nil {
				continue
			}

			knownDirs[dirPath] = true

			h.wg.Add(1)
			go h.handleDeviceDirectory(dirPath)
		}

		for dir := range knownDirs {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				delete(knownDirs, dir)
			}
		}
	}
}

// handleDeviceDirectory monitors a device directory for connection signals.
func (h *HostHAL) handleDeviceDirectory(dirPath string) {
	defer h.wg.Done()

	pkg.LogDebug(pkg.ComponentHAL, "monitoring device directory", "dir", dirPath)

	// O_RDWR keeps the FIFO open without a writer
	connPath := filepath.Join(dirPath, fifoConnection)
	connFile, err := os.OpenFile(connPath, os.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "failed to open connection FIFO", "path", connPath, "error", err)
		return
	}
	defer connFile.Close()

	var connected *deviceConn
	var buf [1]byte
	for {
		select {
		case <-h.ctx.Done():
			return
		default:
		}

		connFile.SetReadDeadline(time.Now().Add(signalInterval))
		n, err := connFile.Read(buf[:])
		if err != nil {
			if os.IsTimeout(err) {
				continue
			}
			if connected != nil {
				h.signalDisconnect(connected.port)
			}
			return
		}
		if n == 0 {
			continue
		}

		switch {
		case buf[0] == sigConnect && connected == nil:
			dev, err := openDeviceFIFOs(dirPath)
			if err != nil {
				pkg.LogWarn(pkg.ComponentHAL, "failed to open device FIFOs", "dir", dirPath, "error", err)
				continue
			}

			select {
			case h.connectCh <- dev:
				connected = dev
			case <-h.ctx.Done():
				closeDevice(dev)
				return
			}

		case buf[0] == sigDisconnect && connected != nil:
			h.signalDisconnect(connected.port)
			connected = nil
		}
	}
}

func (h *HostHAL) signalDisconnect(port int) {
	select {
	case h.disconnectCh <- port:
	case <-h.ctx.Done():
	}
}

// openDeviceFIFOs opens the control FIFOs for a device.
func openDeviceFIFOs(dirPath string) (*deviceConn, error) {
	dev := &deviceConn{
		dir:   dirPath,
		speed: hal.SpeedFull,
		port:  1,
	}

	var err error

	dev.hostToDevice, err = os.OpenFile(
		filepath.Join(dirPath, fifoHostToDevice),
		os.O_WRONLY|unix.O_NONBLOCK,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFIFOOpen, fifoHostToDevice, err)
	}

	dev.deviceToHost, err = os.OpenFile(
		filepath.Join(dirPath, fifoDeviceToHost),
		os.O_RDONLY|unix.O_NONBLOCK,
		0,
	)
	if err != nil {
		dev.hostToDevice.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrFIFOOpen, fifoDeviceToHost, err)
	}

	return dev, nil
}

// closeDevice closes all FIFOs for a device.
func closeDevice(dev *deviceConn) {
	if dev.hostToDevice != nil {
		dev.hostToDevice.Close()
	}
	if dev.deviceToHost != nil {
		dev.deviceToHost.Close()
	}
}

// Ensure HostHAL implements hal.HostHAL.
var _ hal.HostHAL = (*HostHAL)(nil)
