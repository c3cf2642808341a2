package usb

// Endpoint binds an EndpointDescriptor to its controller queue head slot and
// to its direction partner. Control endpoint 0 always exists as a pair (its
// IN and OUT directions share number 0); every other descriptor-backed
// endpoint is unpaired until class code links it to a sibling direction
// with Device.PairEndpoints, purely so software can reach "the other
// direction of endpoint N" without a lookup — the hardware treats the two
// directions as entirely independent queue head slots.
type Endpoint struct {
	controller *Controller
	device     *Device

	// Descriptor is nil for endpoint 0's OUT/IN pair, which exists
	// without a descriptor of its own (USB 2.0 §9.6.6 — endpoint 0 is
	// described only by the device descriptor's MaxPacketSize0).
	Descriptor *EndpointDescriptor

	number    uint8
	direction uint8 // DirectionIn or DirectionOut
	qhIndex   int

	in  *Endpoint
	out *Endpoint

	queue *Queue

	// setup holds the most recently latched SETUP packet, copied out of
	// the OUT queue head's setup buffer into the OUT endpoint and its
	// partner by the controller's setup-event handling.
	setup SetupData

	stalled bool
}

// Address returns the endpoint's bEndpointAddress-style encoding (direction
// in bit 7, number in bits 3:0).
func (e *Endpoint) Address() uint8 {
	return e.number | e.direction
}

// Number returns the endpoint number, 0-15.
func (e *Endpoint) Number() uint8 { return e.number }

// In reports whether this is the IN direction of its endpoint number.
func (e *Endpoint) In() bool { return e.direction == DirectionIn }

// Partner returns the other direction of the same endpoint number, or nil
// if it was never paired (e.g. a unidirectional bulk endpoint with no
// sibling declared).
func (e *Endpoint) Partner() *Endpoint {
	if e.In() {
		return e.out
	}
	return e.in
}

// pairEndpoints cross-links two Endpoints that share a number, the way the
// original firmware's usb_pair_endpoints links an IN/OUT pair allocated from
// the same interface. Each endpoint also self-references its own direction,
// matching the original's convention so that ep.in is always "the IN side"
// regardless of which direction ep itself is.
func pairEndpoints(a, b *Endpoint) {
	var in, out *Endpoint

	if a.In() {
		in, out = a, b
	} else {
		in, out = b, a
	}

	in.in, in.out = in, out
	out.in, out.out = in, out
}

// newEndpoint constructs an Endpoint bound to controller c at the queue
// head index its number and direction select, wired to owner device d.
// Queue allocation is left to Controller.newConfiguredEndpoint, which sizes
// each transfer by the endpoint's transfer type.
func newEndpoint(c *Controller, d *Device, number uint8, direction uint8) *Endpoint {
	addr := number | direction

	return &Endpoint{
		controller: c,
		device:     d,
		number:     number,
		direction:  direction,
		qhIndex:    queueHeadIndex(addr),
	}
}

// Stall marks the endpoint as stalled; the controller will answer every
// subsequent token on it with STALL until ClearStall clears it.
func (e *Endpoint) Stall() {
	e.controller.stallEndpoint(e.number, e.direction)
	e.stalled = true
}

// ClearStall clears a previously set stall condition and resets the
// endpoint's data toggle, as USB 2.0 §9.4.5 requires for CLEAR_FEATURE
// ENDPOINT_HALT.
func (e *Endpoint) ClearStall() {
	e.controller.clearStallEndpoint(e.number, e.direction)
	e.stalled = false
}

// IsStalled reports the locally tracked stall state (the register itself is
// not re-read, matching the original driver's approach of tracking stall
// software-side rather than round-tripping ENDPTCTRL on every query).
func (e *Endpoint) IsStalled() bool { return e.stalled }

// Flush aborts any outstanding transfer descriptors on this endpoint,
// returning its queue head to an idle, unprimed state.
func (e *Endpoint) Flush() {
	e.controller.flushEndpoint(e.qhIndex)

	if e.queue != nil {
		e.queue.flush()
	}
}
