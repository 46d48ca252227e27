// Package host implements a pure-Go USB 2.0 host stack for firmware updates.
//
// It is platform-agnostic and interacts with hardware via the [hal.HostHAL]
// interface defined in the github.com/ardnew/softdfu/host/hal package.
// The HAL exposes initialization, port management, control transfers,
// interface claiming, and device detection, allowing platform vendors to
// provide concrete implementations without changing the host stack.
//
// # Architecture
//
//   - Host manages the controller, connected devices, and re-enumeration
//   - Device holds a connected device's descriptors and interface lookup
//   - TransferManager runs asynchronous control transfers on a worker pool
//   - Enumeration performs device discovery and configuration
//
// Class drivers such as [github.com/ardnew/softdfu/host/class/dfu] build on
// the control pipe through [TransferManager.Submit] and use Host for bus
// operations.
//
// # Device Management
//
// The host stack handles:
//
//   - Device detection on port connect/disconnect
//   - Bus enumeration and address assignment
//   - Descriptor retrieval and parsing, including class-specific descriptors
//   - Configuration selection
//   - Re-enumeration after a device resets into a new identity
//
// # Example
//
//	h := host.New(hal)
//	h.Start(ctx)
//
//	dev, err := h.WaitDevice(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	iface := dev.FindInterface(0xFE, 0x01)
//
//	tm := host.NewTransferManager(h, 1)
//	tm.Start(ctx)
//	tm.Submit(&host.Transfer{
//	    Address:  dev.Address(),
//	    Setup:    &setup,
//	    Data:     buf,
//	    Callback: func(t *host.Transfer, n int, err error) { ... },
//	})
//
// A FIFO-based HAL is available in [github.com/ardnew/softdfu/host/hal/fifo]
// and a simulated DFU peripheral in [github.com/ardnew/softdfu/host/hal/sim].
package host
