package dfu

import (
	"fmt"

	"github.com/ardnew/softdfu/host"
)

// DFU interface class codes.
const (
	ClassApplicationSpecific = 0xFE // Application Specific class
	SubclassDFU              = 0x01 // Device Firmware Upgrade
)

// DFU protocol codes.
const (
	ProtocolRuntime = 0x01 // Runtime interface, application firmware
	ProtocolDFU     = 0x02 // DFU mode interface, bootloader
)

// DFU class request codes.
const (
	RequestDetach    = 0x00 // DFU_DETACH
	RequestDnload    = 0x01 // DFU_DNLOAD
	RequestUpload    = 0x02 // DFU_UPLOAD
	RequestGetStatus = 0x03 // DFU_GETSTATUS
	RequestClrStatus = 0x04 // DFU_CLRSTATUS
	RequestGetState  = 0x05 // DFU_GETSTATE
	RequestAbort     = 0x06 // DFU_ABORT
)

// Request types (bmRequestType) for DFU class requests.
const (
	RequestTypeOut = host.RequestTypeOut | host.RequestTypeClass | host.RequestTypeInterface // 0x21
	RequestTypeIn  = host.RequestTypeIn | host.RequestTypeClass | host.RequestTypeInterface  // 0xA1
)

// Transfer defaults.
const (
	DefaultBlockSize        = 1024
	DefaultProgressInterval = 32
	DefaultDetachTimeout    = 1000 // milliseconds

	// MaxBlockSize is the largest chunk a single control transfer can carry.
	MaxBlockSize = 0xFFFF
)

// StatusLength is the size of the DFU_GETSTATUS response.
const StatusLength = 6

// DeviceStatus is the bStatus field of a DFU_GETSTATUS response.
type DeviceStatus uint8

// Device status codes (DFU 1.1, section 6.1.2).
const (
	StatusOK             DeviceStatus = 0x00 // No error condition
	StatusErrTarget      DeviceStatus = 0x01 // File is not targeted for this device
	StatusErrFile        DeviceStatus = 0x02 // File fails vendor verification
	StatusErrWrite       DeviceStatus = 0x03 // Unable to write memory
	StatusErrErase       DeviceStatus = 0x04 // Memory erase failed
	StatusErrCheckErased DeviceStatus = 0x05 // Memory erase check failed
	StatusErrProg        DeviceStatus = 0x06 // Program memory failed
	StatusErrVerify      DeviceStatus = 0x07 // Programmed memory failed verification
	StatusErrAddress     DeviceStatus = 0x08 // Address out of range
	StatusErrNotDone     DeviceStatus = 0x09 // Download ended before it was complete
	StatusErrFirmware    DeviceStatus = 0x0A // Device firmware is corrupt
	StatusErrVendor      DeviceStatus = 0x0B // Vendor-specific error
	StatusErrUSBR        DeviceStatus = 0x0C // Unexpected USB reset
	StatusErrPOR         DeviceStatus = 0x0D // Unexpected power-on reset
	StatusErrUnknown     DeviceStatus = 0x0E // Unknown error
	StatusErrStalledPkt  DeviceStatus = 0x0F // Unexpected request
)

// String returns the status name used by the DFU specification.
func (s DeviceStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusErrTarget:
		return "errTARGET"
	case StatusErrFile:
		return "errFILE"
	case StatusErrWrite:
		return "errWRITE"
	case StatusErrErase:
		return "errERASE"
	case StatusErrCheckErased:
		return "errCHECK_ERASED"
	case StatusErrProg:
		return "errPROG"
	case StatusErrVerify:
		return "errVERIFY"
	case StatusErrAddress:
		return "errADDRESS"
	case StatusErrNotDone:
		return "errNOTDONE"
	case StatusErrFirmware:
		return "errFIRMWARE"
	case StatusErrVendor:
		return "errVENDOR"
	case StatusErrUSBR:
		return "errUSBR"
	case StatusErrPOR:
		return "errPOR"
	case StatusErrUnknown:
		return "errUNKNOWN"
	case StatusErrStalledPkt:
		return "errSTALLEDPKT"
	default:
		return fmt.Sprintf("status(0x%02X)", uint8(s))
	}
}

// DeviceState is the bState field of a DFU_GETSTATUS response.
type DeviceState uint8

// Device states (DFU 1.1, section 6.1.2).
const (
	DeviceStateAppIdle              DeviceState = 0
	DeviceStateAppDetach            DeviceState = 1
	DeviceStateDfuIdle              DeviceState = 2
	DeviceStateDfuDnloadSync        DeviceState = 3
	DeviceStateDfuDnBusy            DeviceState = 4
	DeviceStateDfuDnloadIdle        DeviceState = 5
	DeviceStateDfuManifestSync      DeviceState = 6
	DeviceStateDfuManifest          DeviceState = 7
	DeviceStateDfuManifestWaitReset DeviceState = 8
	DeviceStateDfuUploadIdle        DeviceState = 9
	DeviceStateDfuError             DeviceState = 10
)

var deviceStateNames = [...]string{
	DeviceStateAppIdle:              "appIDLE",
	DeviceStateAppDetach:            "appDETACH",
	DeviceStateDfuIdle:              "dfuIDLE",
	DeviceStateDfuDnloadSync:        "dfuDNLOAD-SYNC",
	DeviceStateDfuDnBusy:            "dfuDNBUSY",
	DeviceStateDfuDnloadIdle:        "dfuDNLOAD-IDLE",
	DeviceStateDfuManifestSync:      "dfuMANIFEST-SYNC",
	DeviceStateDfuManifest:          "dfuMANIFEST",
	DeviceStateDfuManifestWaitReset: "dfuMANIFEST-WAIT-RESET",
	DeviceStateDfuUploadIdle:        "dfuUPLOAD-IDLE",
	DeviceStateDfuError:             "dfuERROR",
}

// String returns the state name used by the DFU specification.
func (s DeviceState) String() string {
	if int(s) < len(deviceStateNames) {
		return deviceStateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}
