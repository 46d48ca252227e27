package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/peterh/liner"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softdfu/config"
	"github.com/ardnew/softdfu/host"
	"github.com/ardnew/softdfu/host/class/dfu"
	"github.com/ardnew/softdfu/host/hal"
	"github.com/ardnew/softdfu/host/hal/fifo"
	"github.com/ardnew/softdfu/host/hal/sim"
	"github.com/ardnew/softdfu/journal"
	"github.com/ardnew/softdfu/notify"
	"github.com/ardnew/softdfu/pkg"
	"github.com/ardnew/softdfu/pkg/usbid"
)

// recordTimeout bounds journal and mail work after the session ends.
const recordTimeout = 10 * time.Second

// errDeclined is returned when the operator does not confirm the update.
var errDeclined = errors.New("update declined")

// update is one run of the command against one peripheral.
type update struct {
	cfg      *config.Config
	image    []byte
	detachMs int // Zero selects the device's wDetachTimeOut
	confirm  bool
	journal  journalDB
	names    *usbid.Names
	sim      *sim.HostHAL

	// Reads the confirmation answer, liner when nil
	prompt func(string) (string, error)
}

// target is the peripheral selected for update.
type target struct {
	handles   dfu.Handles
	fd        dfu.FunctionalDescriptor
	vendorID  uint16
	productID uint16
	serial    string
}

func (u *update) run(ctx context.Context) error {
	bus, simDev := u.openBus()

	usbHost := host.New(bus)
	if err := usbHost.Start(ctx); err != nil {
		return fmt.Errorf("failed to start host: %w", err)
	}
	defer usbHost.Stop()

	tm := host.NewTransferManager(usbHost, u.cfg.Transfer.Workers)
	if err := tm.Start(ctx); err != nil {
		return fmt.Errorf("failed to start transfer manager: %w", err)
	}
	defer tm.Stop()

	if simDev != nil {
		simDev.Connect()
	}

	pkg.LogInfo(component, "waiting for DFU device",
		"vid", fmt.Sprintf("0x%04X", u.cfg.Device.VendorID),
		"pid", fmt.Sprintf("0x%04X", u.cfg.Device.ProductID),
		"timeout", u.cfg.Transfer.EnumTimeout)

	tgt, err := u.waitTarget(ctx, usbHost)
	if err != nil {
		return err
	}
	if !tgt.fd.CanDownload() || !tgt.fd.CanUpload() {
		return fmt.Errorf("device 0x%04X:0x%04X cannot download and upload (attributes 0x%02X): %w",
			tgt.vendorID, tgt.productID, tgt.fd.Attributes, pkg.ErrNotSupported)
	}

	u.checkHistory(ctx, tgt)

	if u.confirm {
		if err := u.askConfirm(tgt); err != nil {
			return err
		}
	}

	result, err := u.drive(ctx, usbHost, tm, tgt)
	if err != nil {
		return err
	}

	updateErr := result.Err
	if updateErr == nil {
		pkg.LogInfo(component, "update complete",
			"bytes", result.Bytes,
			"blocks", result.Blocks,
			"duration", result.Duration)
		u.waitApplication(ctx, usbHost)
	}

	recordErr := u.record(result, tgt)
	return errors.Join(updateErr, recordErr)
}

// openBus creates the host controller backend.
func (u *update) openBus() (hal.HostHAL, *sim.HostHAL) {
	if u.sim != nil {
		return u.sim, u.sim
	}
	if u.cfg.Bus.Kind == config.BusFIFO {
		pkg.LogInfo(component, "using FIFO bus", "dir", u.cfg.Bus.Dir)
		return fifo.NewHostHAL(u.cfg.Bus.Dir), nil
	}
	pkg.LogInfo(component, "using simulated bus")
	dev := sim.New(sim.DefaultOptions())
	return dev, dev
}

// waitTarget waits for a device matching the configuration that exposes a
// DFU interface.
func (u *update) waitTarget(ctx context.Context, usbHost *host.Host) (target, error) {
	enumCtx, cancel := context.WithTimeout(ctx, u.cfg.Transfer.EnumTimeout)
	defer cancel()

	for {
		dev, err := usbHost.WaitDevice(enumCtx)
		if err != nil {
			return target{}, fmt.Errorf("no DFU device found: %w", err)
		}

		if !matchDevice(u.cfg.Device, dev.VendorID(), dev.ProductID()) {
			pkg.LogDebug(component, "skipping device",
				"vid", fmt.Sprintf("0x%04X", dev.VendorID()),
				"pid", fmt.Sprintf("0x%04X", dev.ProductID()))
			continue
		}

		var tgt target
		if iface := u.cfg.Device.Interface; iface != nil {
			tgt.handles, tgt.fd, err = dfu.LocateInterface(dev, *iface, u.cfg.Device.AltSetting)
		} else {
			tgt.handles, tgt.fd, err = dfu.Locate(dev)
		}
		if err != nil {
			pkg.LogWarn(component, "device has no usable DFU interface",
				"address", dev.Address(),
				"error", err)
			continue
		}

		tgt.vendorID = dev.VendorID()
		tgt.productID = dev.ProductID()
		tgt.serial = dev.SerialNumber()

		pkg.LogInfo(component, "DFU device found",
			"device", u.names.Describe(tgt.vendorID, tgt.productID),
			"address", dev.Address(),
			"port", dev.Port(),
			"product", dev.Product(),
			"serial", tgt.serial,
			"interface", tgt.handles.Interface,
			"alt", tgt.handles.AltSetting,
			"transferSize", tgt.fd.TransferSize)
		return tgt, nil
	}
}

// matchDevice reports whether vid:pid satisfies the device filter. Zero
// filter fields match anything.
func matchDevice(d config.DeviceConfig, vid, pid uint16) bool {
	return (d.VendorID == 0 || d.VendorID == vid) &&
		(d.ProductID == 0 || d.ProductID == pid)
}

// sessionConfig derives updater settings from the configuration and the
// device's functional descriptor.
func (u *update) sessionConfig(fd dfu.FunctionalDescriptor) dfu.Config {
	blockSize := u.cfg.Transfer.BlockSize
	if fd.TransferSize > 0 && blockSize > int(fd.TransferSize) {
		pkg.LogDebug(component, "block size limited by device",
			"requested", blockSize,
			"transferSize", fd.TransferSize)
		blockSize = int(fd.TransferSize)
	}

	detach := uint16(u.detachMs)
	if u.detachMs == 0 {
		detach = fd.DetachTimeout
	}

	return dfu.Config{
		BlockSize:        blockSize,
		ProgressInterval: u.cfg.Transfer.ProgressInterval,
		DetachTimeout:    detach,
	}
}

// checkHistory logs the device's previous successful update.
func (u *update) checkHistory(ctx context.Context, tgt target) {
	if u.journal == nil || tgt.serial == "" {
		return
	}
	last, err := u.journal.LastSuccess(ctx, tgt.serial)
	if err != nil {
		if !errors.Is(err, journal.ErrNotFound) {
			pkg.LogWarn(component, "journal lookup failed", "error", err)
		}
		return
	}

	pkg.LogInfo(component, "previous update",
		"serial", tgt.serial,
		"started", last.Started.Format(time.RFC3339),
		"sameImage", last.ImageHash == journal.ImageHash(u.image))
}

// askConfirm prompts the operator before touching the device.
func (u *update) askConfirm(tgt target) error {
	prompt := u.prompt
	if prompt == nil {
		line := liner.NewLiner()
		defer line.Close()
		line.SetCtrlCAborts(true)
		prompt = line.Prompt
	}

	answer, err := prompt(fmt.Sprintf("Write %d bytes to %s (serial %s)? [y/N] ",
		len(u.image), u.names.Describe(tgt.vendorID, tgt.productID), tgt.serial))
	if err != nil {
		if errors.Is(err, liner.ErrPromptAborted) {
			return errDeclined
		}
		return fmt.Errorf("confirmation failed: %w", err)
	}
	if !isYes(answer) {
		return errDeclined
	}
	return nil
}

// isYes reports whether answer confirms.
func isYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

// drive runs one updater session to its result. One goroutine steps the
// updater, another detaches it if the device disconnects.
func (u *update) drive(ctx context.Context, usbHost *host.Host, tm *host.TransferManager, tgt target) (dfu.Result, error) {
	done := make(chan dfu.Result, 1)

	cfg := u.sessionConfig(tgt.fd)
	cfg.OnFinish = func(r dfu.Result) {
		select {
		case done <- r:
		default:
		}
	}

	up, err := dfu.New(u.image, tm, usbHost, cfg)
	if err != nil {
		return dfu.Result{}, fmt.Errorf("failed to create updater: %w", err)
	}
	if err := up.Attach(tgt.handles); err != nil {
		return dfu.Result{}, fmt.Errorf("attach failed: %w", err)
	}

	pkg.LogInfo(component, "update started",
		"bytes", len(u.image),
		"blockSize", cfg.BlockSize,
		"detachTimeout", cfg.DetachTimeout)

	g, gctx := errgroup.WithContext(ctx)
	watchCtx, stopWatch := context.WithCancel(gctx)

	var result dfu.Result

	g.Go(func() error {
		defer stopWatch()

		ticker := time.NewTicker(u.cfg.Transfer.StepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				up.Detach()
				select {
				case result = <-done:
				default:
					result = dfu.Result{Handles: tgt.handles, State: up.State(), Err: gctx.Err()}
				}
				return nil
			case result = <-done:
				return nil
			case <-ticker.C:
				// Failures arrive through OnFinish
				up.Step()
			}
		}
	})

	g.Go(func() error {
		for {
			dev, err := usbHost.WaitDisconnect(watchCtx)
			if err != nil {
				return nil
			}
			if dev.Port() == tgt.handles.Port {
				pkg.LogWarn(component, "device disconnected during update",
					"address", dev.Address(),
					"state", up.State().String())
				up.Detach()
			}
		}
	})

	err = g.Wait()
	return result, err
}

// waitApplication logs the identity the device re-enumerates with.
func (u *update) waitApplication(ctx context.Context, usbHost *host.Host) {
	enumCtx, cancel := context.WithTimeout(ctx, u.cfg.Transfer.EnumTimeout)
	defer cancel()

	app, err := usbHost.WaitDevice(enumCtx)
	if err != nil {
		pkg.LogWarn(component, "device did not re-enumerate", "error", err)
		return
	}
	pkg.LogInfo(component, "device running new firmware",
		"device", u.names.Describe(app.VendorID(), app.ProductID()),
		"product", app.Product())
}

// record stores the result in the journal and mails the report.
func (u *update) record(result dfu.Result, tgt target) error {
	entry := journal.NewEntry(result, u.image, tgt.vendorID, tgt.productID, tgt.serial)

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	var journalErr, mailErr error
	if u.journal != nil {
		if journalErr = u.journal.Record(ctx, entry); journalErr == nil {
			pkg.LogDebug(component, "result recorded", "state", entry.State)
		}
	}
	if m := notify.New(u.cfg.Notify); m != nil {
		mailErr = m.Send(entry)
	}
	return errors.Join(journalErr, mailErr)
}
