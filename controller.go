package usb

import (
	"log"
	"time"

	"github.com/usb2dev/ehcicore/internal/dma"
	"github.com/usb2dev/ehcicore/internal/reg"

	"golang.org/x/time/rate"
)

// Register offsets relative to a controller's capability/operational base,
// the layout shared by both controllers on this chip (ChipIdea-derived
// device-mode USB controller).
const (
	regUSBCMD           = 0x140
	regUSBSTS           = 0x144
	regUSBINTR          = 0x148
	regFRINDEX          = 0x14c
	regDEVICEADDR       = 0x154
	regENDPOINTLISTADDR = 0x158
	regPORTSC1          = 0x184
	regOTGSC            = 0x1a4
	regUSBMODE          = 0x1a8
	regENDPTSETUPSTAT   = 0x1ac
	regENDPTPRIME       = 0x1b0
	regENDPTFLUSH       = 0x1b4
	regENDPTSTAT        = 0x1b8
	regENDPTCOMPLETE    = 0x1bc
	regENDPTCTRL0       = 0x1c0
)

// USBCMD bit positions.
const (
	cmdRS    = 0  // run/stop
	cmdRST   = 1  // controller reset
	cmdATDTW = 14 // add-dTD-tripwire
	cmdITCPos = 16
	cmdITCMask = 0xff
)

// USBSTS / USBINTR shared bit positions.
const (
	staUI   = 0 // transfer complete
	staUEI  = 1 // transfer error
	staPCI  = 2 // port change
	staURI  = 6 // bus reset
	staSRI  = 7 // start of frame
	staSLI  = 8 // suspend
	staNAKI = 16
)

// DEVICEADDR bit positions.
const (
	devAddrPos  = 25
	devAddrMask = 0x7f
	devAddrA    = 24 // USBADRA: apply USBADR on next IN/OUT transaction
)

// PORTSC1 bit positions.
const (
	portCCS  = 0  // current connect status
	portPR   = 8  // port reset
	portSUSP = 7  // suspend
	portPSPD = 26 // port speed, 2-bit field
	portPHCD = 23 // PHY clock disable
)

// USBMODE bit positions.
const (
	modeCMPos  = 0
	modeCMMask = 0x3
	modeDevice = 2
)

// OTGSC bit positions.
const (
	otgVD    = 0  // VBUS discharge
	otgVC    = 1  // VBUS charge
	otgBSV   = 11 // B-session valid
	otgBSVIE = 27
	otgBSEIE = 26 // B-session end interrupt enable
)

// ENDPTCTRLn bit positions (IN fields in the high half, OUT in the low).
const (
	ctrlRXS = 0
	ctrlRXT = 2
	ctrlRXI = 5
	ctrlRXR = 6
	ctrlRXE = 7
	ctrlTXS = 16
	ctrlTXT = 18
	ctrlTXI = 21
	ctrlTXR = 22
	ctrlTXE = 23
)

// Port speed codes read from PORTSC1.
const (
	SpeedFull = 0
	SpeedLow  = 1
	SpeedHigh = 2
)

// Dispatcher callbacks a Controller invokes while handling interrupts. All
// are optional; a nil callback is simply skipped. They run on whatever
// goroutine calls HandleIRQ, which on real hardware is the interrupt
// context's trampoline (see RegisterDevice) and in tests is whatever calls
// it directly.
type Callbacks struct {
	StartOfFrame func()
	PortChange   func()
	Suspend      func()
	BusReset     func()
	Attach       func()
	Detach       func()
	// Error is invoked for USBSTS.UEI (transfer error); the core has no
	// further detail to offer beyond "some endpoint's transfer errored",
	// matching the original handler's comment-only, no-op treatment of
	// this bit.
	Error func()
}

// Controller drives one instance of the chip's two independent USB
// controllers. Nothing in this type branches on which physical controller
// it represents — Base and NumEndpoints fully parameterize that, the
// consolidation spec.md's design notes call for in place of duplicated
// per-controller code paths.
type Controller struct {
	// Index identifies this controller for RegisterDevice/DeviceFor and
	// logging only; it plays no role in register addressing.
	Index int
	// Base is the register block's base address.
	Base uint32
	// NumEndpoints is this controller's endpoint count (6 for controller
	// 0, 4 for controller 1 on this chip).
	NumEndpoints int

	// DMA is the region queue heads, transfer descriptors and transfer
	// buffers are allocated from. Callers provide it so hardware builds
	// can point it at linker-reserved, non-cacheable RAM while tests
	// point it at a plain heap-backed region.
	DMA *dma.Region

	Callbacks Callbacks
	Logger    *log.Logger

	// SOFLimiter, if set, is checked on every start-of-frame interrupt;
	// class code that wants frame-paced notifications (e.g. batching
	// outgoing packets) can use it instead of rolling its own timer.
	SOFLimiter *rate.Limiter

	qhListAddr uint32
	qhEntries  int

	endpoints []*Endpoint

	resetting bool
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

func (c *Controller) reg(offset uint32) uint32 { return c.Base + offset }

// Reset performs a full controller reset: asserts USBCMD.RST, waits for the
// hardware to clear it, re-establishes device mode and the queue head list,
// and flushes every endpoint — equivalent to the original firmware's
// usb_controller_reset followed by usb_bus_reset's endpoint-side cleanup.
func (c *Controller) Reset() {
	c.resetting = true
	defer func() { c.resetting = false }()

	reg.Set(c.reg(regUSBCMD), cmdRST)
	reg.Wait(c.reg(regUSBCMD), cmdRST, 1, 0)

	reg.SetN(c.reg(regUSBMODE), modeCMPos, modeCMMask, modeDevice)

	c.initQueueHeads()

	for _, ep := range c.endpoints {
		if ep != nil {
			c.flushEndpoint(ep.qhIndex)
		}
	}

	c.setAddressImmediate(0)
	c.resetEndpointTypes()

	reg.Write(c.reg(regUSBSTS), 0xffffffff)
}

// Run sets USBCMD.RS, starting the controller executing queue heads and
// accepting bus transactions.
func (c *Controller) Run() { reg.Set(c.reg(regUSBCMD), cmdRS) }

// Stop clears USBCMD.RS.
func (c *Controller) Stop() { reg.Clear(c.reg(regUSBCMD), cmdRS) }

// IsResetting reports whether a Reset call is currently in progress on this
// controller.
func (c *Controller) IsResetting() bool { return c.resetting }

// EnableInterrupts unmasks the interrupt sources this core dispatches:
// transfer complete/error, port change, bus reset, start of frame and
// suspend. NAK and the per-transaction OTGSC bits are left to the caller,
// matching the original's observation that NAKI is left unused (no-op
// handler) and OTGSC's BSVIE/BSEIE are enabled separately by EnableVBUSIRQ.
func (c *Controller) EnableInterrupts() {
	v := uint32(0)
	v |= 1 << staUI
	v |= 1 << staUEI
	v |= 1 << staPCI
	v |= 1 << staURI
	v |= 1 << staSRI
	v |= 1 << staSLI

	reg.Write(c.reg(regUSBINTR), v)
}

// EnableVBUSIRQ unmasks OTGSC's session-valid transition interrupts, used
// to detect host attach/detach on a port without dedicated VBUS sense
// hardware.
func (c *Controller) EnableVBUSIRQ() {
	reg.Set(c.reg(regOTGSC), otgBSVIE)
	reg.Set(c.reg(regOTGSC), otgBSEIE)
}

// SetVBUSCharge and SetVBUSDischarge drive OTGSC's VBUS charge/discharge
// pump bits, mirroring usb_set_vbus_charge/usb_set_vbus_discharge from the
// original firmware. They are a no-op on chips without a charge pump wired
// to OTGSC, which is safe since the bits simply have no external effect.
func (c *Controller) SetVBUSCharge(on bool) {
	if on {
		reg.Set(c.reg(regOTGSC), otgVC)
	} else {
		reg.Clear(c.reg(regOTGSC), otgVC)
	}
}

func (c *Controller) SetVBUSDischarge(on bool) {
	if on {
		reg.Set(c.reg(regOTGSC), otgVD)
	} else {
		reg.Clear(c.reg(regOTGSC), otgVD)
	}
}

// SetPHYClockGate enables or disables the PHY clock via PORTSC1.PHCD, used
// to save power while suspended.
func (c *Controller) SetPHYClockGate(gated bool) {
	if gated {
		reg.Set(c.reg(regPORTSC1), portPHCD)
	} else {
		reg.Clear(c.reg(regPORTSC1), portPHCD)
	}
}

// IsSuspended reports PORTSC1.SUSP.
func (c *Controller) IsSuspended() bool {
	return reg.Get(c.reg(regPORTSC1), portSUSP, 1) == 1
}

// IsAttached reports PORTSC1.CCS (current connect status).
func (c *Controller) IsAttached() bool {
	return reg.Get(c.reg(regPORTSC1), portCCS, 1) == 1
}

// Speed returns the negotiated port speed (SpeedFull/SpeedLow/SpeedHigh)
// read from PORTSC1.PSPD.
func (c *Controller) Speed() int {
	return int(reg.Get(c.reg(regPORTSC1), portPSPD, 0x3))
}

// setAddressImmediate writes USBADR and applies it right away, without the
// deferred-apply bit. It exists because the original firmware exposes it
// (usb_set_address_immediate) and Reset/bus-reset handling needs to force
// address 0 synchronously, but the standard request dispatcher must never
// call it for SET_ADDRESS (USB 2.0 §9.4.6 requires the new address to take
// effect only after the status stage completes).
func (c *Controller) setAddressImmediate(addr uint8) {
	reg.SetN(c.reg(regDEVICEADDR), devAddrPos, devAddrMask, uint32(addr))
}

// SetAddressDeferred arms the controller to adopt addr as its device
// address once the in-flight status-stage transaction on endpoint 0
// completes, by setting USBADR together with USBADRA. This is the only
// address-setting path the standard request dispatcher uses.
func (c *Controller) SetAddressDeferred(addr uint8) {
	v := (uint32(addr) & devAddrMask) << devAddrPos
	v |= 1 << devAddrA

	reg.Write(c.reg(regDEVICEADDR), v)
}

// initQueueHeads (re)allocates the queue head array and writes its base
// address to ENDPOINTLISTADDR. It is idempotent: calling it again from
// Reset simply clears and re-registers the same entries.
func (c *Controller) initQueueHeads() {
	n := c.NumEndpoints * 2

	if c.qhListAddr == 0 {
		addr, _ := c.DMA.Reserve(n*qhSize, qhListAlign)
		c.qhListAddr = addr
		c.qhEntries = n
	}

	blank := make([]byte, n*qhSize)
	c.DMA.Write(c.qhListAddr, 0, blank)

	reg.Write(c.reg(regENDPOINTLISTADDR), c.qhListAddr)
}

func (c *Controller) qhAddr(index int) uint32 {
	return c.qhListAddr + uint32(index*qhSize)
}

func (c *Controller) readQH(index int) queueHead {
	buf := make([]byte, qhSize)
	c.DMA.Read(c.qhAddr(index), 0, buf)
	return parseQueueHead(buf)
}

func (c *Controller) writeQH(index int, qh *queueHead) {
	c.DMA.Write(c.qhAddr(index), 0, qh.bytes())
}

// configureEndpoint wires descriptor into a live Endpoint, writes its queue
// head capabilities, enables the corresponding ENDPTCTRLn bits and
// allocates its transfer queue. It is the Go-idiomatic counterpart of
// usb_endpoint_init, used for every endpoint SET_CONFIGURATION declares;
// endpoint 0, which has no descriptor of its own, is brought up by
// configureControlEndpoint instead.
func (c *Controller) configureEndpoint(d *Device, desc *EndpointDescriptor, poolSize int) *Endpoint {
	number := uint8(desc.Number())
	maxPacket := desc.MaxPacketSize
	transferType := uint8(desc.TransferType())

	var direction uint8
	if desc.In() {
		direction = DirectionIn
	}

	ep := c.newConfiguredEndpoint(d, number, direction, maxPacket, transferType, poolSize)
	ep.Descriptor = desc

	c.armEndpointFunction(ep)

	return ep
}

// armEndpointFunction wires ep.Descriptor.Function, if set, into a
// self-resubmitting completion loop: the endpoint is kept continuously
// primed without class code ever calling Queue.Submit itself, the same
// division of labor the original firmware's per-endpoint Function callback
// gives Gadget Zero's source/sink endpoints.
func (c *Controller) armEndpointFunction(ep *Endpoint) {
	fn := ep.Descriptor.Function
	if fn == nil || ep.queue == nil {
		return
	}

	var rearm func(buf []byte, lastErr error)

	rearm = func(buf []byte, lastErr error) {
		next, err := fn(buf, lastErr)
		if err != nil {
			c.logf("usb: controller %d endpoint %#x function error: %v", c.Index, ep.Address(), err)
		}

		if ep.In() {
			if _, serr := ep.queue.Submit(next, func(t *Transfer, n int, terr error) {
				rearm(nil, terr)
			}); serr != nil {
				c.logf("usb: controller %d endpoint %#x rearm failed: %v", c.Index, ep.Address(), serr)
			}
			return
		}

		recvBuf := make([]byte, ep.queue.maxBytes)
		if _, serr := ep.queue.Submit(recvBuf, func(t *Transfer, n int, terr error) {
			rearm(t.buf[:n], terr)
		}); serr != nil {
			c.logf("usb: controller %d endpoint %#x rearm failed: %v", c.Index, ep.Address(), serr)
		}
	}

	rearm(nil, nil)
}

// configureControlEndpoint brings up one direction of endpoint 0, which
// USB 2.0 §9.6.6 describes only via the device descriptor's
// MaxPacketSize0, not an EndpointDescriptor of its own.
func (c *Controller) configureControlEndpoint(d *Device, direction uint8, poolSize int) *Endpoint {
	return c.newConfiguredEndpoint(d, 0, direction, 64, TransferTypeControl, poolSize)
}

func (c *Controller) newConfiguredEndpoint(d *Device, number, direction uint8, maxPacket uint16, transferType uint8, poolSize int) *Endpoint {
	ep := newEndpoint(c, d, number, direction)

	if cap(c.endpoints) == 0 {
		c.endpoints = make([]*Endpoint, c.NumEndpoints*2)
	}
	c.endpoints[ep.qhIndex] = ep

	qh := queueHead{}
	qh.setCapabilities(maxPacket, transferType != TransferTypeIsochronous, 0)
	qh.epIndex = uint32(ep.qhIndex + 1)
	c.writeQH(ep.qhIndex, &qh)

	c.enableEndpoint(number, direction, transferType)

	maxBytes := int(maxPacket)
	if transferType == TransferTypeBulk || transferType == TransferTypeIsochronous {
		maxBytes = maxTDBytes
	}

	ep.queue = newQueue(ep, c.DMA, poolSize, maxBytes)

	return ep
}

// endpointControlOffset returns the register offset of ENDPTCTRLn.
func endpointControlOffset(n uint8) uint32 {
	return regENDPTCTRL0 + uint32(n)*4
}

// enableEndpoint sets the ENDPTCTRLn bits for one direction of endpoint n.
// Per the controller erratum the original firmware works around in
// usb_endpoint_reset/usb_endpoint_enable, a direction cannot be enabled
// without its sibling direction also carrying a valid (even if unused)
// transfer type — so if the partner direction is not yet configured, its
// type is forced to Bulk here exactly as the original does.
func (c *Controller) enableEndpoint(n, direction, transferType uint8) {
	off := c.reg(endpointControlOffset(n))

	if direction == DirectionIn {
		reg.SetN(off, ctrlTXT, 0x3, uint32(transferType))
		reg.Set(off, ctrlTXE)
		reg.Set(off, ctrlTXR)

		if reg.Get(off, ctrlRXE, 1) == 0 {
			reg.SetN(off, ctrlRXT, 0x3, TransferTypeBulk)
		}
	} else {
		reg.SetN(off, ctrlRXT, 0x3, uint32(transferType))
		reg.Set(off, ctrlRXE)
		reg.Set(off, ctrlRXR)

		if reg.Get(off, ctrlTXE, 1) == 0 {
			reg.SetN(off, ctrlTXT, 0x3, TransferTypeBulk)
		}
	}
}

// stallEndpoint and clearStallEndpoint set/clear the ENDPTCTRLn STALL bit
// for one direction. EP0 always stalls both directions together (USB 2.0
// §8.5.3 — a control transfer failure stalls the pipe, not one phase of
// it), matching usb_endpoint_stall's special case for endpoint 0.
func (c *Controller) stallEndpoint(n, direction uint8) {
	off := c.reg(endpointControlOffset(n))

	if n == 0 {
		reg.Set(off, ctrlTXS)
		reg.Set(off, ctrlRXS)
		return
	}

	if direction == DirectionIn {
		reg.Set(off, ctrlTXS)
	} else {
		reg.Set(off, ctrlRXS)
	}
}

func (c *Controller) clearStallEndpoint(n, direction uint8) {
	off := c.reg(endpointControlOffset(n))

	if direction == DirectionIn {
		reg.Clear(off, ctrlTXS)
		reg.Set(off, ctrlTXR)
	} else {
		reg.Clear(off, ctrlRXS)
		reg.Set(off, ctrlRXR)
	}
}

// setEndpointType writes only the transfer-type field of one direction of
// ENDPTCTRLn, without touching its enable bit. Used by resetEndpointTypes
// to pre-set unconfigured endpoint slots to a valid type (§4.3) without
// enabling them.
func (c *Controller) setEndpointType(n, direction, transferType uint8) {
	off := c.reg(endpointControlOffset(n))

	if direction == DirectionIn {
		reg.SetN(off, ctrlTXT, 0x3, uint32(transferType))
	} else {
		reg.SetN(off, ctrlRXT, 0x3, uint32(transferType))
	}
}

// disableEndpoint clears one direction's ENDPTCTRLn enable bit, used by
// SET_CONFIGURATION(0) to release every non-zero endpoint (§4.5).
func (c *Controller) disableEndpoint(n, direction uint8) {
	off := c.reg(endpointControlOffset(n))

	if direction == DirectionIn {
		reg.Clear(off, ctrlTXE)
	} else {
		reg.Clear(off, ctrlRXE)
	}
}

// resetEndpointTypes applies the endpoint reset policy §4.3 requires after
// every bus reset: endpoint 0 forced to type CONTROL and enabled in both
// directions, every other endpoint slot pre-set to type BULK (but left
// disabled) to work around the erratum where an inactive endpoint paired
// with a CONTROL endpoint in the other direction halts the controller.
func (c *Controller) resetEndpointTypes() {
	c.enableEndpoint(0, DirectionIn, TransferTypeControl)
	c.enableEndpoint(0, DirectionOut, TransferTypeControl)

	for n := uint8(1); n < uint8(c.NumEndpoints); n++ {
		c.setEndpointType(n, DirectionIn, TransferTypeBulk)
		c.disableEndpoint(n, DirectionIn)
		c.setEndpointType(n, DirectionOut, TransferTypeBulk)
		c.disableEndpoint(n, DirectionOut)
	}
}

// flushEndpoint writes ENDPTFLUSH for one queue head index and waits for
// the controller to clear that ENDPTFLUSH bit, equivalent to
// usb_endpoint_flush followed by usb_wait_for_endpoint_flushing_to_finish.
// It does not wait on ENDPTPRIME.
func (c *Controller) flushEndpoint(qhIndex int) {
	bit := uint32(1) << uint(qhIndex%32)
	// this chip's ENDPT* registers are split at 16 endpoints into two
	// words in the original silicon; this core only ever sees up to 6 or
	// 4 endpoints per controller (12/8 queue head slots) and targets the
	// single ENDPTFLUSH/ENDPTPRIME/ENDPTSTAT register its smaller
	// endpoint count fits within.
	reg.Or(c.reg(regENDPTFLUSH), bit)

	for reg.Read(c.reg(regENDPTFLUSH))&bit != 0 {
	}
}

// waitForPriming busy-waits until ENDPTPRIME no longer shows qhIndex as
// still priming.
func (c *Controller) waitForPriming(qhIndex int) {
	bit := uint32(1) << uint(qhIndex%32)
	for reg.Read(c.reg(regENDPTPRIME))&bit != 0 {
	}
}

// isReady reports ENDPTSTAT for qhIndex: whether the queue head is
// currently primed and able to accept a new transfer descriptor.
func (c *Controller) isReady(qhIndex int) bool {
	bit := uint32(1) << uint(qhIndex%32)
	return reg.Read(c.reg(regENDPTSTAT))&bit != 0
}

// prime writes ENDPTPRIME for qhIndex, telling the controller to fetch and
// execute the queue head's current transfer descriptor.
func (c *Controller) prime(qhIndex int) {
	bit := uint32(1) << uint(qhIndex%32)
	reg.Or(c.reg(regENDPTPRIME), bit)
}

// scheduleAppend implements the "add dTD tripwire" sequence the controller
// requires to safely append a new transfer descriptor to a queue head that
// might already be executing one, following the order of the original
// firmware's usb_endpoint_schedule_append but deciding whether to prime
// from a single ENDPTSTAT sample:
//
//  1. build and DMA-allocate the new transfer descriptor;
//  2. if prev (the endpoint's previously queued transfer, or nil if the
//     active list was empty) is non-nil, chain the new descriptor onto it
//     via prev's own next pointer — the same tail_td->next_dtd_pointer
//     write the original performs onto the descriptor the controller may
//     currently be executing, never onto the queue head directly, since the
//     queue head's next-TD field is only safe to touch while nothing is
//     primed;
//  3. with no prev, the queue head was idle: write its next-TD field
//     directly and prime unconditionally, there is nothing to race;
//  4. with a prev, the controller might already be consuming the chain, so
//     set USBCMD.ATDTW, sample ENDPTSTAT, then clear ATDTW; if ENDPTSTAT
//     still showed the queue head unprimed when ATDTW latched, the
//     controller raced ahead and finished before noticing the new link —
//     software must then clear the queue head's active/halted status,
//     rewrite its next-TD field to the new descriptor and prime it itself.
//     If the endpoint was ready, the hardware picks up the chained
//     descriptor on its own once it finishes prev.
func (c *Controller) scheduleAppend(ep *Endpoint, prev, t *Transfer, payload []byte) {
	length := len(payload)

	td := &t.td
	td.next = tdTerminate
	td.setBuffers(t.bufAddr, length)
	td.setToken(length, true)

	if ep.In() {
		copy(t.buf[:length], payload)
	}

	c.DMA.Write(t.tdAddr, 0, td.bytes())

	if prev == nil {
		qh := c.readQH(ep.qhIndex)
		qh.clearStatus()
		qh.nextTD = t.tdAddr
		c.writeQH(ep.qhIndex, &qh)

		c.prime(ep.qhIndex)
		c.waitForPriming(ep.qhIndex)
		return
	}

	prev.td.next = t.tdAddr
	c.DMA.Write(prev.tdAddr, 0, prev.td.bytes())

	reg.Set(c.reg(regUSBCMD), cmdATDTW)
	ready := c.isReady(ep.qhIndex)

	for reg.Get(c.reg(regUSBCMD), cmdATDTW, 1) != 1 {
	}

	reg.Clear(c.reg(regUSBCMD), cmdATDTW)

	if !ready {
		qh := c.readQH(ep.qhIndex)
		qh.clearStatus()
		qh.nextTD = t.tdAddr
		c.writeQH(ep.qhIndex, &qh)

		c.prime(ep.qhIndex)
		c.waitForPriming(ep.qhIndex)
	}
}

// HandleIRQ is the controller's interrupt dispatcher, run from the platform
// interrupt trampoline (see RegisterDevice). It performs the same
// read-and-clear of USBSTS&USBINTR and ordered event handling as the
// original firmware's USBn_IRQHandler, for both controllers equally: unlike
// the original, which left controller 1's handler an unconditional early
// return disabling it outright, this dispatcher treats every registered
// controller identically.
func (c *Controller) HandleIRQ() {
	status := reg.Read(c.reg(regUSBSTS)) & reg.Read(c.reg(regUSBINTR))

	if status == 0 {
		return
	}

	reg.Write(c.reg(regUSBSTS), status)

	if status&(1<<staUI) != 0 {
		c.checkSetupEvents()
		c.checkTransferEvents()
	}

	if status&(1<<staSRI) != 0 {
		if c.SOFLimiter == nil || c.SOFLimiter.Allow() {
			if c.Callbacks.StartOfFrame != nil {
				c.Callbacks.StartOfFrame()
			}
		}
	}

	if status&(1<<staPCI) != 0 && c.Callbacks.PortChange != nil {
		c.Callbacks.PortChange()
	}

	if status&(1<<staSLI) != 0 && c.Callbacks.Suspend != nil {
		c.Callbacks.Suspend()
	}

	if status&(1<<staURI) != 0 {
		c.busReset()

		if c.Callbacks.BusReset != nil {
			c.Callbacks.BusReset()
		}
	}

	if status&(1<<staUEI) != 0 {
		c.logf("usb: controller %d transfer error (USBSTS.UEI)", c.Index)

		if c.Callbacks.Error != nil {
			c.Callbacks.Error()
		}
	}

	// NAKI is intentionally left unhandled: this controller generates it
	// on every NAK'd transaction, far too often to be useful as a
	// dispatch point, matching the original handler's no-op treatment.

	otgsc := reg.Read(c.reg(regOTGSC))

	if otgsc&(1<<otgBSEIE) != 0 {
		reg.Set(c.reg(regOTGSC), otgBSEIE)

		if c.Callbacks.Detach != nil {
			c.Callbacks.Detach()
		}
	}

	if otgsc&(1<<otgBSVIE) != 0 {
		reg.Set(c.reg(regOTGSC), otgBSVIE)

		if c.Callbacks.Attach != nil {
			c.Callbacks.Attach()
		}
	}
}

// busReset re-synchronizes controller state to the bus reset the host just
// signaled: reset the device address to 0, flush every endpoint's hardware
// and software queue, and reapply the endpoint reset policy, matching
// usb_bus_reset's effect (usb_set_address_immediate(0) + endpoint resets).
// The active configuration is not touched here; a started Device clears it
// in its BusReset callback (handleBusReset), which HandleIRQ runs right
// after busReset.
func (c *Controller) busReset() {
	c.setAddressImmediate(0)

	for _, ep := range c.endpoints {
		if ep == nil {
			continue
		}

		c.flushEndpoint(ep.qhIndex)

		if ep.queue != nil {
			ep.queue.flush()
		}

		ep.stalled = false
	}

	c.resetEndpointTypes()
}

func (c *Controller) checkSetupEvents() {
	setupStat := reg.Read(c.reg(regENDPTSETUPSTAT))

	for n := 0; n < c.NumEndpoints; n++ {
		bit := uint32(1) << uint(n)
		if setupStat&bit == 0 {
			continue
		}

		idx := queueHeadIndex(uint8(n)) // OUT index for endpoint n
		qh := c.readQH(idx)

		var sd SetupData
		sd.parse(qh.setup)

		reg.Write(c.reg(regENDPTSETUPSTAT), bit)

		if ep := c.endpoints[idx]; ep != nil {
			ep.setup = sd

			if partner := ep.Partner(); partner != nil {
				partner.setup = sd
			}

			if ep.device != nil {
				ep.device.handleSetup(ep, &sd)
			}
		}
	}
}

func (c *Controller) checkTransferEvents() {
	complete := reg.Read(c.reg(regENDPTCOMPLETE))

	for idx := 0; idx < c.qhEntries; idx++ {
		bit := uint32(1) << uint(idx)
		if complete&bit == 0 {
			continue
		}

		reg.Write(c.reg(regENDPTCOMPLETE), bit)

		ep := c.endpoints[idx]
		if ep == nil || ep.queue == nil {
			c.logf("usb: controller %d completion on unowned queue head %d", c.Index, idx)
			continue
		}

		ep.queue.complete(func(t *Transfer) (bool, int, error) {
			buf := make([]byte, tdWireSize)
			c.DMA.Read(t.tdAddr, 0, buf)
			td := parseTransferDescriptor(buf)

			if td.active() {
				return false, 0, nil
			}

			n := t.length - td.remaining()

			var err error
			if td.halted() {
				err = ErrStall
			} else if td.transactionError() || td.bufferError() {
				err = ErrNotReady
			}

			return true, n, err
		})
	}
}

// registry of controllers' owning Devices, used by the interrupt trampoline
// pattern: a hardware vector routine cannot receive Go context, so it looks
// up the Device for its controller index here and calls back into the
// correct Controller/Device pair.
var devices [2]*Device

// RegisterDevice installs d as the Device driving controller index (0 or
// 1). HandleIRQ itself does not consult this registry; it exists for
// platform glue code that only has a bare controller index to work from.
func RegisterDevice(index int, d *Device) {
	devices[index] = d
}

// DeviceFor returns the Device registered for controller index, or nil.
func DeviceFor(index int) *Device {
	return devices[index]
}

// waitReset blocks, with a timeout, until USBSTS.URI is observed, used by
// callers that drive enumeration from a polling loop rather than
// interrupts.
func (c *Controller) waitReset(timeout time.Duration) bool {
	return reg.WaitFor(timeout, c.reg(regUSBSTS), staURI, 1, 1)
}
