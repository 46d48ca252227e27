package host

import (
	"context"
	"sync"

	"github.com/ardnew/softdfu/host/hal"
)

// Device represents a connected USB device from the host's perspective.
type Device struct {
	host    *Host
	address uint8
	port    int
	speed   hal.Speed

	// Device descriptor
	descriptor DeviceDescriptor

	// Configuration descriptor (current)
	config ConfigurationDescriptor

	// Interface descriptors, one per alternate setting, in descriptor order
	interfaces []InterfaceDescriptor

	// Class-specific descriptors following each entry of interfaces
	classDescriptors [][][]byte

	// Endpoint descriptors (current configuration)
	endpoints []EndpointDescriptor

	// Current configuration value
	configurationValue uint8

	// State
	state DeviceState
	mutex sync.RWMutex

	// String descriptors cache (indexed by string index)
	strings [MaxStringsPerDevice]string
}

// newDevice creates a new device instance.
func newDevice(host *Host, port int, address uint8, speed hal.Speed) *Device {
	return &Device{
		host:    host,
		address: address,
		port:    port,
		speed:   speed,
		state:   DeviceStateDefault,
	}
}

// Address returns the device address.
func (d *Device) Address() uint8 {
	return d.address
}

// Port returns the port number the device is connected to.
func (d *Device) Port() int {
	return d.port
}

// Speed returns the device speed.
func (d *Device) Speed() hal.Speed {
	return d.speed
}

// VendorID returns the device vendor ID.
func (d *Device) VendorID() uint16 {
	return d.descriptor.VendorID
}

// ProductID returns the device product ID.
func (d *Device) ProductID() uint16 {
	return d.descriptor.ProductID
}

// Interfaces returns the interface descriptors for the current configuration,
// one entry per alternate setting.
// The returned slice references internal storage; do not modify.
func (d *Device) Interfaces() []InterfaceDescriptor {
	return d.interfaces
}

// Endpoints returns the endpoint descriptors for the current configuration.
// The returned slice references internal storage; do not modify.
func (d *Device) Endpoints() []EndpointDescriptor {
	return d.endpoints
}

// GetInterface returns the descriptor for alternate setting 0 of the given
// interface number.
func (d *Device) GetInterface(num uint8) *InterfaceDescriptor {
	return d.GetAltSetting(num, 0)
}

// GetAltSetting returns the descriptor for an interface alternate setting.
func (d *Device) GetAltSetting(num, alt uint8) *InterfaceDescriptor {
	for i := range d.interfaces {
		if d.interfaces[i].InterfaceNumber == num && d.interfaces[i].AlternateSetting == alt {
			return &d.interfaces[i]
		}
	}
	return nil
}

// FindInterface returns the first interface descriptor matching the given
// class and subclass, or nil if the device has none.
func (d *Device) FindInterface(class, subclass uint8) *InterfaceDescriptor {
	for i := range d.interfaces {
		if d.interfaces[i].InterfaceClass == class && d.interfaces[i].InterfaceSubClass == subclass {
			return &d.interfaces[i]
		}
	}
	return nil
}

// ClassDescriptors returns the raw class-specific descriptors that follow
// the given interface alternate setting in the configuration descriptor.
// The returned slices reference internal storage; do not modify.
func (d *Device) ClassDescriptors(num, alt uint8) [][]byte {
	for i := range d.interfaces {
		if d.interfaces[i].InterfaceNumber == num && d.interfaces[i].AlternateSetting == alt {
			return d.classDescriptors[i]
		}
	}
	return nil
}

// GetString returns a cached string descriptor.
func (d *Device) GetString(index uint8) string {
	if index == 0 || int(index) >= len(d.strings) {
		return ""
	}
	return d.strings[index]
}

// Manufacturer returns the manufacturer string.
func (d *Device) Manufacturer() string {
	return d.GetString(d.descriptor.ManufacturerIndex)
}

// Product returns the product string.
func (d *Device) Product() string {
	return d.GetString(d.descriptor.ProductIndex)
}

// SerialNumber returns the serial number string.
func (d *Device) SerialNumber() string {
	return d.GetString(d.descriptor.SerialNumberIndex)
}

// State returns the current device state.
func (d *Device) State() DeviceState {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

// SetConfiguration sets the device configuration.
func (d *Device) SetConfiguration(ctx context.Context, value uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}

	if _, err := d.ControlTransfer(ctx, &setup, nil); err != nil {
		return err
	}

	d.mutex.Lock()
	d.configurationValue = value
	if value > 0 {
		d.state = DeviceStateConfigured
	} else {
		d.state = DeviceStateAddress
	}
	d.mutex.Unlock()

	return nil
}

// ControlTransfer performs a synchronous control transfer to the device.
func (d *Device) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	return d.host.hal.ControlTransfer(ctx, hal.DeviceAddress(d.address), setup, data)
}

// Close marks the device detached.
func (d *Device) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.state = DeviceStateDetached
	return nil
}

// parseDeviceDescriptor parses a device descriptor from raw bytes.
// Returns true if successful.
func (d *Device) parseDeviceDescriptor(data []byte) bool {
	return ParseDeviceDescriptor(data, &d.descriptor)
}

// parseConfigurationTree parses the full configuration descriptor tree.
func (d *Device) parseConfigurationTree(data []byte) {
	if !ParseConfigurationDescriptor(data, &d.config) {
		return
	}

	d.interfaces = make([]InterfaceDescriptor, 0, d.config.NumInterfaces)
	d.classDescriptors = make([][][]byte, 0, d.config.NumInterfaces)
	d.endpoints = make([]EndpointDescriptor, 0, MaxEndpointsPerInterface)

	end := len(data)
	if int(d.config.TotalLength) < end {
		end = int(d.config.TotalLength)
	}

	for offset := ConfigurationDescriptorSize; offset+2 <= end; {
		length := int(data[offset])
		if length < 2 || offset+length > end {
			break
		}
		desc := data[offset : offset+length]

		switch desc[1] {
		case DescriptorTypeInterface:
			var iface InterfaceDescriptor
			if ParseInterfaceDescriptor(desc, &iface) {
				d.interfaces = append(d.interfaces, iface)
				d.classDescriptors = append(d.classDescriptors, nil)
			}

		case DescriptorTypeEndpoint:
			var ep EndpointDescriptor
			if ParseEndpointDescriptor(desc, &ep) {
				d.endpoints = append(d.endpoints, ep)
			}

		default:
			// Class-specific or other descriptor, owned by the last interface
			if n := len(d.classDescriptors); n > 0 {
				d.classDescriptors[n-1] = append(d.classDescriptors[n-1], append([]byte(nil), desc...))
			}
		}

		offset += length
	}
}
