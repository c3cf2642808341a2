package usb

import "errors"

// Sentinel errors returned by the core. Callers should use errors.Is to test
// for them rather than comparing error strings.
var (
	// ErrQueueFull is returned by Queue.Submit when an endpoint's transfer
	// pool has no free Transfer available.
	ErrQueueFull = errors.New("usb: transfer queue full")

	// ErrNoSuchConfiguration is returned when a SET_CONFIGURATION request
	// names a configuration value that no registered configuration carries
	// at the controller's negotiated speed.
	ErrNoSuchConfiguration = errors.New("usb: no such configuration")

	// ErrNoSuchInterface is returned when a SET_INTERFACE request names an
	// alternate setting other than 0; the interface number is not checked.
	ErrNoSuchInterface = errors.New("usb: no such interface")

	// ErrStall is returned by the standard request dispatcher when a
	// request cannot be serviced and the endpoint should be stalled.
	ErrStall = errors.New("usb: request stalled")

	// ErrNotReady is passed to a transfer's completion when the controller
	// reports a transaction error or a buffer error in its descriptor.
	ErrNotReady = errors.New("usb: not ready")

	// ErrUnpaired is returned by Device.PairEndpoints when either of the
	// two endpoint addresses has no configured endpoint.
	ErrUnpaired = errors.New("usb: endpoint has no direction partner")
)
