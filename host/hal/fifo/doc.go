// Package fifo provides a FIFO-based HAL implementation for the USB host stack.
//
// This package implements the [hal.HostHAL] interface using named pipes (FIFOs)
// for inter-process communication. It lets the updater drive a DFU device
// emulator running in a separate process, such as a bootloader built for the
// host machine.
//
// # Architecture
//
// The host polls a bus directory for device subdirectories matching the pattern
// `device-*/`. Each device creates its own subdirectory with three named pipes:
//
//	/tmp/usb-bus/                    # Bus directory
//	└── device-a1b2c3d4/             # Device subdirectory
//	    ├── connection               # Connection signaling
//	    ├── host_to_device           # Host → device SETUP and OUT data
//	    └── device_to_host           # Device → host responses
//
// Only the default control pipe is carried; DFU needs nothing else.
//
// # Hot-Plugging Support
//
// The host polls the bus directory every 50ms for new device subdirectories.
// When a device connects, it writes 0x01 to its connection FIFO; when it
// disconnects, it writes 0x00. A bootloader that detaches and reboots into its
// application signals a disconnect followed by a new connect.
//
// # Usage
//
//	hal := fifo.NewHostHAL("/tmp/usb-bus")
//	host := host.New(hal)
//
//	if err := host.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer host.Stop()
//
//	dev, err := host.WaitDevice(ctx)
//
// # Protocol
//
// Each FIFO message uses a simple framing protocol:
//
//	[1 byte: message type][2 bytes: length LE][N bytes: payload]
//
// A SETUP message carries the device address, the 8-byte setup packet, and
// for OUT transfers the data stage (at most [MaxPayload] bytes). The device
// answers with one of:
//   - 0x02: DATA (IN data stage)
//   - 0x03: ACK
//   - 0x04: NAK
//   - 0x05: STALL
//
// A 0x12 reset message is answered with ACK.
package fifo
