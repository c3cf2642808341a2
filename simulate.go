package usb

import (
	"runtime"
	"time"
	"unsafe"

	"github.com/usb2dev/ehcicore/internal/dma"
	"github.com/usb2dev/ehcicore/internal/reg"
	"github.com/usb2dev/ehcicore/internal/simreg"
)

// NewSimulatedController builds a Controller backed entirely by an
// in-process software model of its register block and DMA memory, for hosts
// with no EHCI-like silicon to attach to. dmaSize is the size of the DMA
// arena to reserve; 0 selects a 4MiB default, generous for a handful of
// configured endpoints' queue heads, transfer descriptors and buffers.
//
// The returned stop function stops the background goroutine simulating the
// hardware side of the driver's busy-waits and releases the simulated
// register block; callers should defer it, and must call it at most once.
func NewSimulatedController(index, numEndpoints, dmaSize int) (c *Controller, stop func()) {
	blk := simreg.NewBlock(4096)

	if dmaSize <= 0 {
		dmaSize = 4 << 20
	}

	// dma.Region treats Start as a real, directly dereferenceable address,
	// as it is on hardware pointing at linker-reserved RAM, so it needs
	// backing from an actual heap allocation here. The GC only ever sees
	// Start as a uint32, never as a pointer into backing, so backing is
	// kept alive explicitly rather than by relying on it looking reachable.
	backing := make([]byte, dmaSize)
	region := &dma.Region{Start: uint32(uintptr(unsafe.Pointer(&backing[0]))), Size: len(backing)}
	region.Init()

	c = &Controller{Index: index, Base: blk.Base(), NumEndpoints: numEndpoints, DMA: region}

	done := make(chan struct{})
	go simulateSilicon(c, done)

	stop = func() {
		close(done)
		blk.Close()
		runtime.KeepAlive(backing)
	}

	return c, stop
}

// simulateSilicon plays the hardware side of every busy-wait Controller
// performs while driving USBCMD.RST and the ENDPTPRIME/ENDPTFLUSH
// handshakes: RST self-clears once a reset completes, and a prime or flush
// request settles into ENDPTSTAT, the same behavior real silicon gives the
// driver in response to those writes.
func simulateSilicon(c *Controller, done <-chan struct{}) {
	ticker := time.NewTicker(50 * time.Microsecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		if reg.Get(c.reg(regUSBCMD), cmdRST, 1) == 1 {
			reg.Clear(c.reg(regUSBCMD), cmdRST)
		}

		if v := reg.Read(c.reg(regENDPTPRIME)); v != 0 {
			reg.Write(c.reg(regENDPTPRIME), 0)
			reg.Or(c.reg(regENDPTSTAT), v)
		}

		if v := reg.Read(c.reg(regENDPTFLUSH)); v != 0 {
			reg.Write(c.reg(regENDPTFLUSH), 0)
			cur := reg.Read(c.reg(regENDPTSTAT))
			reg.Write(c.reg(regENDPTSTAT), cur&^v)
		}
	}
}
