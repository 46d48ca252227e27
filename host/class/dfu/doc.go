// Package dfu implements a host-side USB Device Firmware Upgrade (DFU 1.1)
// updater.
//
// An [Updater] writes a firmware image to a peripheral in DFU mode, reads it
// back, compares the two byte for byte, and detaches the peripheral so it
// boots the new firmware. It is a cooperative state machine: the caller
// invokes [Updater.Step] repeatedly and each call performs at most one
// action. Control transfers are submitted through a [Transport] and complete
// asynchronously; only a completion moves the updater out of [StateWait], so
// at most one transfer is outstanding per session.
//
// # States
//
//	Unattached -> Attached -> SetInterface -> GetStatus -> Transfer
//	    -> GetStatus ... -> ZeroLengthTransfer -> ReadBack ... -> GetStatusRead
//	    -> Detach -> CheckStatus -> Complete -> Unattached
//
// Any failure moves the updater to [StateError], where Step returns the
// session error without touching the device until [Updater.Detach] is called.
//
// # Example
//
//	tm := host.NewTransferManager(h, 1)
//	tm.Start(ctx)
//
//	dev, _ := h.WaitDevice(ctx)
//	handles, fd, err := dfu.Locate(dev)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	u, _ := dfu.New(image, tm, h, dfu.Config{BlockSize: int(fd.TransferSize)})
//	u.Attach(handles)
//	for range time.Tick(time.Millisecond) {
//	    if err := u.Step(); err != nil {
//	        log.Fatal(err)
//	    }
//	}
package dfu
