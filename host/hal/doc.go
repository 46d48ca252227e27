// Package hal defines the Hardware Abstraction Layer interface for the host
// stack.
//
// The HAL provides a platform-agnostic interface between the host stack and
// underlying USB controller hardware. Firmware update traffic only ever uses
// the default control pipe, so the interface is limited to:
//   - Controller lifecycle and root-port management (including port reset,
//     which the updater uses to force re-enumeration after detach)
//   - Control transfers
//   - Interface claim and release
//   - Device connection and disconnection events
//
// # Implementations
//
//   - [github.com/ardnew/softdfu/host/hal/fifo]: named pipes shared with a
//     device emulator running in another process
//   - [github.com/ardnew/softdfu/host/hal/sim]: an in-process simulated DFU
//     peripheral with fault injection, used by tests and dry runs
//
// # Example
//
//	type MyHostHAL struct {
//	    // Platform-specific fields
//	}
//
//	func (h *MyHostHAL) Init(ctx context.Context) error {
//	    // Initialize USB host controller hardware
//	    return nil
//	}
//
//	// ... implement remaining HostHAL methods
package hal
