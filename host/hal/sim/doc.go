// Package sim provides an in-process simulated DFU peripheral behind the
// [hal.HostHAL] interface.
//
// The simulated device enumerates as a DFU-mode bootloader (interface class
// 0xFE, subclass 0x01, protocol 0x02) with a DFU functional descriptor,
// stores downloaded blocks in memory, returns them on upload, and boots into
// an application with a different product ID after DFU_DETACH and a port
// reset.
//
// Faults are injected per request:
//
//	dev := sim.New(sim.DefaultOptions())
//	dev.FailRequest(sim.RequestDnload, 2, pkg.ErrStall) // second download stalls
//	dev.CorruptReadBack(999)                            // read-back differs at 999
//	dev.ReportStatus(3, 0x08)                           // third GETSTATUS reports errADDRESS
//	dev.SetPollTimeout(5)                               // bwPollTimeout of 5 ms
//
//	h := host.New(dev)
//	h.Start(ctx)
//	dev.Connect()
package sim
