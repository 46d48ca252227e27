package host

import (
	"errors"

	"github.com/ardnew/softdfu/host/hal"
	"github.com/ardnew/softdfu/pkg"
)

// Enumeration errors.
var (
	ErrEnumerationFailed = errors.New("enumeration failed")
	ErrNoAddress         = errors.New("no address available")
)

// getDescriptor reads a standard descriptor from the device at addr into buf
// and returns the number of bytes received.
func (h *Host) getDescriptor(addr uint8, descType, index uint8, langID uint16, buf []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(index),
		Index:       langID,
		Length:      uint16(len(buf)),
	}
	return h.hal.ControlTransfer(h.ctx, hal.DeviceAddress(addr), &setup, buf)
}

// enumerateDevice performs the USB enumeration sequence for a new device.
func (h *Host) enumerateDevice(port int) (*Device, error) {
	pkg.LogDebug(pkg.ComponentHost, "starting enumeration", "port", port)

	speed := h.hal.PortSpeed(port)

	if err := h.hal.ResetPort(port); err != nil {
		return nil, err
	}

	dev := newDevice(h, port, 0, speed)

	var buf [MaxDescriptorSize]byte

	// First 8 bytes carry bMaxPacketSize0
	n, err := h.getDescriptor(0, DescriptorTypeDevice, 0, 0, buf[:8])
	if err != nil {
		return nil, err
	}
	if n < 8 {
		return nil, ErrEnumerationFailed
	}

	maxPacketSize0 := buf[7]
	if maxPacketSize0 == 0 {
		maxPacketSize0 = speed.MaxPacketSize0()
	}

	pkg.LogDebug(pkg.ComponentHost, "got max packet size", "size", maxPacketSize0)

	address := h.allocateAddress()
	if address == 0 {
		return nil, ErrNoAddress
	}

	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetAddress,
		Value:       uint16(address),
	}
	if _, err := h.hal.ControlTransfer(h.ctx, hal.DeviceAddress(0), &setup, nil); err != nil {
		return nil, err
	}

	pkg.LogDebug(pkg.ComponentHost, "assigned address", "address", address)

	dev.address = address
	dev.state = DeviceStateAddress

	n, err = h.getDescriptor(address, DescriptorTypeDevice, 0, 0, buf[:DeviceDescriptorSize])
	if err != nil {
		return nil, err
	}
	if n < DeviceDescriptorSize || !dev.parseDeviceDescriptor(buf[:n]) {
		return nil, ErrEnumerationFailed
	}

	pkg.LogDebug(pkg.ComponentHost, "device descriptor",
		"vendorID", dev.descriptor.VendorID,
		"productID", dev.descriptor.ProductID,
		"class", dev.descriptor.DeviceClass)

	// Header first for wTotalLength
	n, err = h.getDescriptor(address, DescriptorTypeConfiguration, 0, 0, buf[:ConfigurationDescriptorSize])
	if err != nil {
		return nil, err
	}
	if n < ConfigurationDescriptorSize {
		return nil, ErrEnumerationFailed
	}

	totalLength := int(le16(buf[2:]))
	if totalLength > len(buf) {
		totalLength = len(buf)
	}

	n, err = h.getDescriptor(address, DescriptorTypeConfiguration, 0, 0, buf[:totalLength])
	if err != nil {
		return nil, err
	}

	dev.parseConfigurationTree(buf[:n])

	pkg.LogDebug(pkg.ComponentHost, "configuration descriptor",
		"numInterfaces", dev.config.NumInterfaces,
		"altSettings", len(dev.interfaces),
		"configValue", dev.config.ConfigurationValue)

	h.readStringDescriptors(dev, buf[:])

	if dev.config.ConfigurationValue > 0 {
		if err := dev.SetConfiguration(h.ctx, dev.config.ConfigurationValue); err != nil {
			return nil, err
		}
	}

	return dev, nil
}

// readStringDescriptors reads and caches the manufacturer, product, and
// serial number strings. Failures are logged and otherwise ignored.
func (h *Host) readStringDescriptors(dev *Device, buf []byte) {
	indices := [...]struct {
		name  string
		index uint8
	}{
		{"manufacturer", dev.descriptor.ManufacturerIndex},
		{"product", dev.descriptor.ProductIndex},
		{"serial", dev.descriptor.SerialNumberIndex},
	}

	for _, s := range indices {
		if s.index == 0 || int(s.index) >= len(dev.strings) {
			continue
		}

		n, err := h.getDescriptor(dev.address, DescriptorTypeString, s.index, LangIDUSEnglish, buf)
		if err != nil {
			pkg.LogDebug(pkg.ComponentHost, "string descriptor read failed",
				"index", s.index,
				"error", err)
			continue
		}

		if str := decodeString(buf[:n]); str != "" {
			dev.strings[s.index] = str
			pkg.LogDebug(pkg.ComponentHost, s.name, "value", str)
		}
	}
}

// decodeString converts a UTF-16LE string descriptor to a string, keeping
// printable ASCII only.
func decodeString(desc []byte) string {
	if len(desc) < 2 {
		return ""
	}
	length := int(desc[0])
	if length > len(desc) {
		length = len(desc)
	}

	result := make([]byte, 0, len(desc)/2)
	for i := 2; i+1 < length; i += 2 {
		if desc[i+1] == 0 && desc[i] >= 0x20 && desc[i] < 0x7F {
			result = append(result, desc[i])
		}
	}
	return string(result)
}
