package host

import (
	"context"
	"sync"

	"github.com/ardnew/softdfu/host/hal"
	"github.com/ardnew/softdfu/pkg"
)

// Host manages the USB host controller and connected devices.
type Host struct {
	hal hal.HostHAL

	// Connected devices (indexed by address - 1)
	devices     [MaxDevices]*Device
	deviceCount int

	// Next available address
	nextAddress uint8

	// State
	running bool
	mutex   sync.RWMutex

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	// Event channels
	deviceConnected    chan *Device
	deviceDisconnected chan *Device

	// Callbacks
	onDeviceConnect    func(*Device)
	onDeviceDisconnect func(*Device)
}

// New creates a new USB host.
func New(h hal.HostHAL) *Host {
	return &Host{
		hal:                h,
		nextAddress:        1,
		deviceConnected:    make(chan *Device, MaxDevices),
		deviceDisconnected: make(chan *Device, MaxDevices),
	}
}

// Start starts the host controller.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	if h.running {
		h.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}

	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mutex.Unlock()

	if err := h.hal.Init(h.ctx); err != nil {
		return err
	}

	if err := h.hal.Start(); err != nil {
		return err
	}

	h.mutex.Lock()
	h.running = true
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "host started", "ports", h.hal.NumPorts())

	go h.monitorConnections()
	go h.monitorDisconnections()

	return nil
}

// Stop stops the host controller.
func (h *Host) Stop() error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}

	h.running = false
	if h.cancel != nil {
		h.cancel()
	}

	for i := range h.devices {
		if h.devices[i] != nil {
			h.devices[i].Close()
			h.devices[i] = nil
		}
	}
	h.deviceCount = 0
	h.mutex.Unlock()

	if err := h.hal.Stop(); err != nil {
		return err
	}

	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return nil
}

// IsRunning returns true if the host is running.
func (h *Host) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// Devices returns all connected devices.
func (h *Host) Devices() []*Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	result := make([]*Device, 0, h.deviceCount)
	for i := range h.devices {
		if h.devices[i] != nil {
			result = append(result, h.devices[i])
		}
	}
	return result
}

// GetDevice returns the device at the given address.
func (h *Host) GetDevice(address uint8) *Device {
	if address == 0 || address > MaxDevices {
		return nil
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.devices[address-1]
}

// DeviceOnPort returns the device enumerated on the given root port.
func (h *Host) DeviceOnPort(port int) *Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.deviceOnPortLocked(port)
}

func (h *Host) deviceOnPortLocked(port int) *Device {
	for i := range h.devices {
		if h.devices[i] != nil && h.devices[i].port == port {
			return h.devices[i]
		}
	}
	return nil
}

// WaitDevice blocks until a device connects and is enumerated.
func (h *Host) WaitDevice(ctx context.Context) (*Device, error) {
	done, err := h.done()
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, pkg.ErrCancelled
	case dev := <-h.deviceConnected:
		return dev, nil
	}
}

// WaitDisconnect blocks until an enumerated device disconnects.
func (h *Host) WaitDisconnect(ctx context.Context) (*Device, error) {
	done, err := h.done()
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, pkg.ErrCancelled
	case dev := <-h.deviceDisconnected:
		return dev, nil
	}
}

func (h *Host) done() (<-chan struct{}, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if h.ctx == nil {
		return nil, pkg.ErrNotRunning
	}
	return h.ctx.Done(), nil
}

// SetOnDeviceConnect sets the callback for device connection.
func (h *Host) SetOnDeviceConnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceConnect = cb
}

// SetOnDeviceDisconnect sets the callback for device disconnection.
func (h *Host) SetOnDeviceDisconnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceDisconnect = cb
}

// ClaimInterface claims an interface on the device at address.
func (h *Host) ClaimInterface(address, iface uint8) error {
	if h.GetDevice(address) == nil {
		return pkg.ErrNoDevice
	}
	return h.hal.ClaimInterface(hal.DeviceAddress(address), iface)
}

// ReleaseInterface releases an interface claimed with ClaimInterface.
func (h *Host) ReleaseInterface(address, iface uint8) error {
	return h.hal.ReleaseInterface(hal.DeviceAddress(address), iface)
}

// ResetPort issues a bus reset on a root port.
func (h *Host) ResetPort(port int) error {
	if port < 1 || port > h.hal.NumPorts() {
		return pkg.ErrInvalidParameter
	}
	pkg.LogDebug(pkg.ComponentHost, "port reset", "port", port)
	return h.hal.ResetPort(port)
}

// Reenumerate drops the device on port and enumerates it again in the
// background. Devices that change identity after a reset (a DFU peripheral
// booting into its application) reappear through WaitDevice.
func (h *Host) Reenumerate(port int) error {
	if !h.IsRunning() {
		return pkg.ErrNotRunning
	}
	if port < 1 || port > h.hal.NumPorts() {
		return pkg.ErrInvalidParameter
	}

	h.removeDevice(port, false)

	go func() {
		if err := h.attachPort(port); err != nil {
			pkg.LogWarn(pkg.ComponentHost, "re-enumeration failed",
				"port", port,
				"error", err)
		}
	}()
	return nil
}

// monitorConnections enumerates devices as they connect.
func (h *Host) monitorConnections() {
	for {
		port, err := h.hal.WaitForConnection(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			pkg.LogWarn(pkg.ComponentHost, "error waiting for connection",
				"error", err)
			continue
		}

		pkg.LogInfo(pkg.ComponentHost, "device connected", "port", port)

		if err := h.attachPort(port); err != nil {
			pkg.LogWarn(pkg.ComponentHost, "enumeration failed",
				"port", port,
				"error", err)
		}
	}
}

// monitorDisconnections removes devices as their ports disconnect.
func (h *Host) monitorDisconnections() {
	for {
		port, err := h.hal.WaitForDisconnection(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			pkg.LogWarn(pkg.ComponentHost, "error waiting for disconnection",
				"error", err)
			continue
		}

		pkg.LogInfo(pkg.ComponentHost, "device disconnected", "port", port)
		h.removeDevice(port, true)
	}
}

// attachPort enumerates the device on port and publishes it.
func (h *Host) attachPort(port int) error {
	dev, err := h.enumerateDevice(port)
	if err != nil {
		return err
	}

	h.mutex.Lock()
	if h.devices[dev.address-1] != nil {
		h.mutex.Unlock()
		return ErrNoAddress
	}
	h.devices[dev.address-1] = dev
	h.deviceCount++
	cb := h.onDeviceConnect
	h.mutex.Unlock()

	select {
	case h.deviceConnected <- dev:
	default:
	}

	if cb != nil {
		cb(dev)
	}

	pkg.LogInfo(pkg.ComponentHost, "device enumerated",
		"address", dev.address,
		"vendor", dev.descriptor.VendorID,
		"product", dev.descriptor.ProductID)
	return nil
}

// removeDevice drops the device on port, notifying listeners if requested.
func (h *Host) removeDevice(port int, notify bool) {
	h.mutex.Lock()
	dev := h.deviceOnPortLocked(port)
	if dev == nil {
		h.mutex.Unlock()
		return
	}
	h.devices[dev.address-1] = nil
	h.deviceCount--
	cb := h.onDeviceDisconnect
	h.mutex.Unlock()

	dev.Close()

	if !notify {
		return
	}

	select {
	case h.deviceDisconnected <- dev:
	default:
	}

	if cb != nil {
		cb(dev)
	}
}

// allocateAddress allocates a new device address.
func (h *Host) allocateAddress() uint8 {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for i := 0; i < MaxDevices; i++ {
		addr := h.nextAddress
		h.nextAddress++
		if h.nextAddress > MaxDevices {
			h.nextAddress = 1
		}

		if h.devices[addr-1] == nil {
			return addr
		}
	}
	return 0
}

// NumPorts returns the number of root hub ports.
func (h *Host) NumPorts() int {
	return h.hal.NumPorts()
}

// GetPortStatus returns the status of a port.
func (h *Host) GetPortStatus(port int) (hal.PortStatus, error) {
	return h.hal.GetPortStatus(port)
}
