package dfu

import (
	"github.com/ardnew/softdfu/host"
	"github.com/ardnew/softdfu/host/hal"
)

// SetInterfaceSetup builds a standard SET_INTERFACE request.
func SetInterfaceSetup(iface, alt uint8) *hal.SetupPacket {
	return &hal.SetupPacket{
		RequestType: host.RequestTypeOut | host.RequestTypeStandard | host.RequestTypeInterface,
		Request:     host.RequestSetInterface,
		Value:       uint16(alt),
		Index:       uint16(iface),
	}
}

// GetStatusSetup builds a DFU_GETSTATUS request.
func GetStatusSetup(iface uint8) *hal.SetupPacket {
	return &hal.SetupPacket{
		RequestType: RequestTypeIn,
		Request:     RequestGetStatus,
		Index:       uint16(iface),
		Length:      StatusLength,
	}
}

// DnloadSetup builds a DFU_DNLOAD request for block carrying length bytes.
// A length of zero signals the end of the download.
func DnloadSetup(iface uint8, block uint16, length int) *hal.SetupPacket {
	return &hal.SetupPacket{
		RequestType: RequestTypeOut,
		Request:     RequestDnload,
		Value:       block,
		Index:       uint16(iface),
		Length:      uint16(length),
	}
}

// UploadSetup builds a DFU_UPLOAD request for block of at most length bytes.
func UploadSetup(iface uint8, block uint16, length int) *hal.SetupPacket {
	return &hal.SetupPacket{
		RequestType: RequestTypeIn,
		Request:     RequestUpload,
		Value:       block,
		Index:       uint16(iface),
		Length:      uint16(length),
	}
}

// DetachSetup builds a DFU_DETACH request with the given timeout in
// milliseconds.
func DetachSetup(iface uint8, timeout uint16) *hal.SetupPacket {
	return &hal.SetupPacket{
		RequestType: RequestTypeOut,
		Request:     RequestDetach,
		Value:       timeout,
		Index:       uint16(iface),
	}
}

// request is a single outstanding operation of a session.
type request struct {
	sess  *session
	op    Op
	from  State // State that issued the request
	block uint16
	size  int // Requested data stage length
	done  func(u *Updater, req *request, n int) error
}

// newRequest returns the request the current state issues, or nil if the
// state issues none. Caller must hold u.mu.
func (u *Updater) newRequest() (*request, *host.Transfer) {
	s := u.sess
	iface := s.handles.Interface
	req := &request{sess: s, from: u.state, block: s.block}

	var setup *hal.SetupPacket
	var data []byte

	switch u.state {
	case StateSetInterface:
		req.op = OpSetInterface
		req.done = (*Updater).setInterfaceDone
		setup = SetInterfaceSetup(iface, s.handles.AltSetting)

	case StateGetStatus, StateGetStatusRead, StateCheckStatus:
		req.op = OpGetStatus
		req.size = StatusLength
		req.done = (*Updater).getStatusDone
		setup = GetStatusSetup(iface)
		data = s.statusBuf[:]

	case StateTransfer:
		n := min(u.cfg.BlockSize, len(u.image)-s.transferred)
		req.op = OpDownload
		req.size = n
		req.done = (*Updater).downloadDone
		setup = DnloadSetup(iface, s.block, n)
		data = u.image[s.transferred : s.transferred+n]

	case StateZeroLengthTransfer:
		req.op = OpZeroLength
		req.done = (*Updater).zeroLengthDone
		setup = DnloadSetup(iface, s.block, 0)

	case StateReadBack:
		if s.readBack == nil {
			s.readBack = make([]byte, len(u.image))
		}
		n := min(u.cfg.BlockSize, len(u.image)-s.transferred)
		req.op = OpUpload
		req.size = n
		req.done = (*Updater).uploadDone
		setup = UploadSetup(iface, s.block, n)
		data = s.readBack[s.transferred : s.transferred+n]

	case StateDetach:
		req.op = OpDetach
		req.done = (*Updater).detachDone
		setup = DetachSetup(iface, u.cfg.DetachTimeout)

	default:
		return nil, nil
	}

	t := &host.Transfer{
		Address: s.handles.Address,
		Setup:   setup,
		Data:    data,
		Context: s.ctx,
		Callback: func(_ *host.Transfer, n int, err error) {
			u.complete(req, n, err)
		},
	}
	return req, t
}
