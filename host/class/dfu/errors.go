package dfu

import (
	"fmt"

	"github.com/ardnew/softdfu/pkg"
)

// Op names a session operation in errors and logs.
type Op string

// Session operations.
const (
	OpClaim        Op = "claim-interface"
	OpSetInterface Op = "set-interface"
	OpGetStatus    Op = "get-status"
	OpDownload     Op = "download"
	OpZeroLength   Op = "zero-length"
	OpUpload       Op = "upload"
	OpDetach       Op = "detach"
	OpStep         Op = "step"
)

// OpError records a failed session operation.
type OpError struct {
	Op    Op
	State State  // State that issued the operation
	Block uint16 // Block number at the time of failure
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("dfu: %s in %s (block %d): %v", e.Op, e.State, e.Block, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Status classifies the underlying failure.
func (e *OpError) Status() pkg.TransferStatus {
	return pkg.StatusFromError(e.Err)
}

// StatusError reports a DFU_GETSTATUS response with a non-OK bStatus.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dfu: device status %s in %s", e.Status.Status, e.Status.State)
}

// Unwrap returns pkg.ErrDeviceStatus.
func (e *StatusError) Unwrap() error {
	return pkg.ErrDeviceStatus
}

// MismatchError reports the first byte where read-back differs from the
// image.
type MismatchError struct {
	Offset int
	Want   byte
	Got    byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("dfu: read-back differs at offset %d: want 0x%02X, got 0x%02X", e.Offset, e.Want, e.Got)
}

// Unwrap returns pkg.ErrVerifyMismatch.
func (e *MismatchError) Unwrap() error {
	return pkg.ErrVerifyMismatch
}
