package dfu

import (
	"github.com/ardnew/softdfu/host"
	"github.com/ardnew/softdfu/pkg"
)

// DescriptorTypeFunctional is the DFU functional descriptor type.
const DescriptorTypeFunctional = 0x21

// FunctionalDescriptorSize is the size of a DFU 1.1 functional descriptor.
const FunctionalDescriptorSize = 9

// Functional descriptor bmAttributes bits.
const (
	AttrCanDownload           = 0x01 // bitCanDnload
	AttrCanUpload             = 0x02 // bitCanUpload
	AttrManifestationTolerant = 0x04 // bitManifestationTolerant
	AttrWillDetach            = 0x08 // bitWillDetach
)

// FunctionalDescriptor represents a DFU functional descriptor.
type FunctionalDescriptor struct {
	Length         uint8
	DescriptorType uint8
	Attributes     uint8
	DetachTimeout  uint16 // wDetachTimeOut, milliseconds
	TransferSize   uint16 // wTransferSize, bytes per control transfer
	DFUVersion     uint16 // bcdDFUVersion
}

// ParseFunctionalDescriptor parses a DFU functional descriptor from data.
// DFU 1.0 descriptors without bcdDFUVersion are accepted.
func ParseFunctionalDescriptor(data []byte, out *FunctionalDescriptor) bool {
	if len(data) < FunctionalDescriptorSize-2 || data[1] != DescriptorTypeFunctional {
		return false
	}
	*out = FunctionalDescriptor{
		Length:         data[0],
		DescriptorType: data[1],
		Attributes:     data[2],
		DetachTimeout:  uint16(data[3]) | uint16(data[4])<<8,
		TransferSize:   uint16(data[5]) | uint16(data[6])<<8,
	}
	if len(data) >= FunctionalDescriptorSize {
		out.DFUVersion = uint16(data[7]) | uint16(data[8])<<8
	}
	return true
}

// CanDownload reports whether the device accepts DFU_DNLOAD.
func (f *FunctionalDescriptor) CanDownload() bool {
	return f.Attributes&AttrCanDownload != 0
}

// CanUpload reports whether the device answers DFU_UPLOAD.
func (f *FunctionalDescriptor) CanUpload() bool {
	return f.Attributes&AttrCanUpload != 0
}

// ManifestationTolerant reports whether the device stays on the bus after
// manifestation.
func (f *FunctionalDescriptor) ManifestationTolerant() bool {
	return f.Attributes&AttrManifestationTolerant != 0
}

// WillDetach reports whether the device detaches itself on DFU_DETACH.
func (f *FunctionalDescriptor) WillDetach() bool {
	return f.Attributes&AttrWillDetach != 0
}

// Locate finds the DFU interface of an enumerated device and returns its
// handles and functional descriptor. Returns pkg.ErrNotSupported if the
// device has no DFU interface or the interface lacks a functional
// descriptor.
func Locate(dev *host.Device) (Handles, FunctionalDescriptor, error) {
	iface := dev.FindInterface(ClassApplicationSpecific, SubclassDFU)
	if iface == nil {
		return Handles{}, FunctionalDescriptor{}, pkg.ErrNotSupported
	}
	return locate(dev, iface)
}

// LocateInterface is like Locate for a specific interface alternate
// setting.
func LocateInterface(dev *host.Device, num, alt uint8) (Handles, FunctionalDescriptor, error) {
	iface := dev.GetAltSetting(num, alt)
	if iface == nil ||
		iface.InterfaceClass != ClassApplicationSpecific ||
		iface.InterfaceSubClass != SubclassDFU {
		return Handles{}, FunctionalDescriptor{}, pkg.ErrNotSupported
	}
	return locate(dev, iface)
}

func locate(dev *host.Device, iface *host.InterfaceDescriptor) (Handles, FunctionalDescriptor, error) {
	var fd FunctionalDescriptor

	found := false
	for _, desc := range dev.ClassDescriptors(iface.InterfaceNumber, iface.AlternateSetting) {
		if ParseFunctionalDescriptor(desc, &fd) {
			found = true
			break
		}
	}
	if !found {
		return Handles{}, fd, pkg.ErrNotSupported
	}

	h := Handles{
		Address:    dev.Address(),
		Port:       dev.Port(),
		Interface:  iface.InterfaceNumber,
		AltSetting: iface.AlternateSetting,
	}
	return h, fd, nil
}
