package usb

import (
	"bytes"
	"encoding/binary"
	"sync"
	"unicode/utf16"
)

// controlPoolSize is the number of pre-allocated Transfers each direction of
// endpoint 0 keeps; enumeration never has more than one control transfer in
// flight per direction, but a spare covers a status-stage ack racing the
// next SETUP.
const controlPoolSize = 2

// defaultEndpointPoolSize is the pool size a newly configured non-control
// endpoint receives. Class code with different throughput needs can submit
// fewer or more concurrent transfers; ErrQueueFull is the backpressure
// signal if this is too small.
const defaultEndpointPoolSize = 4

// Device collects the descriptor tree, enumeration state and control-pipe
// bookkeeping for one logical USB device as seen by the host: a device
// descriptor, an optional device qualifier (answered when operating at
// other than the qualifier's speed), one or more configurations, and the
// indexed string table referenced by their iXxx fields. A Device owns its
// controller's endpoint 0 pair and, once configured, every endpoint its
// active configuration declares (§3).
type Device struct {
	Descriptor     *DeviceDescriptor
	Qualifier      *DeviceQualifierDescriptor
	Configurations []*ConfigurationDescriptor
	Strings        [][]byte

	// ConfigurationValue is the bConfigurationValue selected by the most
	// recent successful SET_CONFIGURATION, or 0 if unconfigured.
	ConfigurationValue uint8

	// ClassRequest, when set, is consulted by the standard request
	// dispatcher for any bRequestType of Class (USB 2.0 §9.3), e.g. CDC's
	// SET_ETHERNET_PACKET_FILTER. It returns the response payload
	// (possibly empty) and whether it recognized the request.
	ClassRequest func(setup *SetupData) (data []byte, handled bool)

	// VendorRequest is consulted the same way ClassRequest is, for
	// bmRequestType's Vendor request type.
	VendorRequest func(setup *SetupData) (data []byte, handled bool)

	// ClassDataOut, when set, receives the payload of a control transfer's
	// OUT data stage once it completes, for Class requests that accepted a
	// non-zero wLength at the SETUP stage (e.g. CDC's SET_LINE_CODING). It
	// runs after ClassRequest already returned handled=true for the same
	// SetupData.
	ClassDataOut func(setup *SetupData, data []byte)

	// ConfigurationChanged is invoked after a successful SET_CONFIGURATION
	// activates a configuration, or with nil after SET_CONFIGURATION(0)
	// deselects one (§4.5).
	ConfigurationChanged func(*ConfigurationDescriptor)

	controller *Controller

	ep0In  *Endpoint
	ep0Out *Endpoint

	controlState   controlState
	pendingOutData []byte
	pendingAddress *uint8

	mu        sync.Mutex
	current   *ConfigurationDescriptor
	endpoints []*Endpoint
}

// NewDevice creates a Device bound to controller c. Descriptor,
// Configurations and Strings still need to be populated before Start.
func NewDevice(c *Controller) *Device {
	return &Device{controller: c}
}

// Start resets the controller, brings up the endpoint 0 pair, registers the
// Device for its controller's interrupt trampoline, enables interrupts and
// starts the controller running. The descriptor tree must already be
// populated.
func (d *Device) Start() {
	c := d.controller

	c.Reset()

	d.ep0In = c.configureControlEndpoint(d, DirectionIn, controlPoolSize)
	d.ep0Out = c.configureControlEndpoint(d, DirectionOut, controlPoolSize)
	pairEndpoints(d.ep0In, d.ep0Out)

	c.Callbacks.BusReset = chainCallback(d.handleBusReset, c.Callbacks.BusReset)

	RegisterDevice(c.Index, d)

	c.EnableInterrupts()
	c.Run()
}

// Stop stops the controller from executing queue heads or accepting bus
// transactions; it does not deregister the Device.
func (d *Device) Stop() {
	d.controller.Stop()
}

// Reset forces a full controller reset and re-establishes endpoint 0,
// equivalent to replaying Start without re-registering the Device.
func (d *Device) Reset() {
	d.controller.Reset()

	d.ep0In = d.controller.configureControlEndpoint(d, DirectionIn, controlPoolSize)
	d.ep0Out = d.controller.configureControlEndpoint(d, DirectionOut, controlPoolSize)
	pairEndpoints(d.ep0In, d.ep0Out)

	d.handleBusReset()
}

func chainCallback(a, b func()) func() {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return func() { a(); b() }
	}
}

// handleBusReset clears enumeration state every URI interrupt invalidates:
// the negotiated configuration, the pending control transfer, and the
// deferred SET_ADDRESS latch (USB 2.0 §9.1.1.5 — a bus reset always returns
// the device to the Default state).
func (d *Device) handleBusReset() {
	d.mu.Lock()
	d.current = nil
	d.ConfigurationValue = 0
	d.endpoints = nil
	d.mu.Unlock()

	d.controlState = ctrlIdle
	d.pendingOutData = nil
	d.pendingAddress = nil
}

// EndpointByAddress looks up the Endpoint configured at addr in O(1), the
// lookup C7 and class code both rely on to resolve GET_STATUS / CLEAR_
// FEATURE / SET_FEATURE's endpoint recipient (§4.1). It returns nil if no
// endpoint is configured at that address.
func (d *Device) EndpointByAddress(addr uint8) *Endpoint {
	c := d.controller
	idx := queueHeadIndex(addr)

	if idx < 0 || idx >= len(c.endpoints) {
		return nil
	}

	return c.endpoints[idx]
}

// PairEndpoints cross-links the endpoints at addrA and addrB as companion
// directions of one logical pipe — an IN/OUT pair declared in the same
// interface, such as a class driver's bulk source and sink — the "paired by
// user code" step of an Endpoint's lifecycle (§3). Both addresses must
// already be configured, normally from a ConfigurationChanged callback
// fired after SET_CONFIGURATION brings them up; ErrUnpaired is returned if
// either is not.
func (d *Device) PairEndpoints(addrA, addrB uint8) error {
	a := d.EndpointByAddress(addrA)
	b := d.EndpointByAddress(addrB)

	if a == nil || b == nil {
		return ErrUnpaired
	}

	pairEndpoints(a, b)

	return nil
}

// AddConfiguration registers a configuration descriptor (with its
// interfaces and endpoints already attached) as one SET_CONFIGURATION may
// select. Set conf.Speed before calling if the device has speed-specific
// configurations; it defaults to SpeedFull.
func (d *Device) AddConfiguration(conf *ConfigurationDescriptor) {
	d.Configurations = append(d.Configurations, conf)
}

// configurationFor returns the registered configuration whose number and
// speed tag both match, or nil (§4.5 — SET_CONFIGURATION "scans the
// device's configurations for a matching number at the current negotiated
// speed").
func (d *Device) configurationFor(value uint8, speed int) *ConfigurationDescriptor {
	for _, c := range d.Configurations {
		if c.ConfigurationValue == value && c.Speed == speed {
			return c
		}
	}

	return nil
}

// ConfigurationByValue returns the configuration descriptor whose
// bConfigurationValue matches value regardless of speed, for class code
// that wants to inspect the descriptor tree without duplicating the
// speed-matching SET_CONFIGURATION itself performs.
func (d *Device) ConfigurationByValue(value uint8) *ConfigurationDescriptor {
	for _, c := range d.Configurations {
		if c.ConfigurationValue == value {
			return c
		}
	}

	return nil
}

// setConfiguration implements SET_CONFIGURATION's side effects on C5 (§4.5):
// selecting 0 releases the current configuration and disables every
// non-zero endpoint; selecting a known number initializes every endpoint
// its descriptor tree declares and fires ConfigurationChanged; an unknown
// number stalls.
func (d *Device) setConfiguration(value uint8) error {
	if value == 0 {
		d.deconfigure()
		return nil
	}

	speed := SpeedFull
	if d.controller != nil {
		speed = d.controller.Speed()
	}

	conf := d.configurationFor(value, speed)
	if conf == nil {
		return ErrNoSuchConfiguration
	}

	d.deconfigure()

	var configured []*Endpoint

	for _, intf := range conf.Interfaces {
		for _, epd := range intf.Endpoints {
			configured = append(configured, d.controller.configureEndpoint(d, epd, defaultEndpointPoolSize))
		}
	}

	d.mu.Lock()
	d.endpoints = configured
	d.current = conf
	d.ConfigurationValue = value
	d.mu.Unlock()

	if d.ConfigurationChanged != nil {
		d.ConfigurationChanged(conf)
	}

	return nil
}

// deconfigure releases the current configuration, disabling and flushing
// every endpoint it had configured; endpoint 0 is untouched.
func (d *Device) deconfigure() {
	d.mu.Lock()
	eps := d.endpoints
	d.endpoints = nil
	d.current = nil
	d.ConfigurationValue = 0
	d.mu.Unlock()

	for _, ep := range eps {
		d.controller.disableEndpoint(ep.number, ep.direction)
		d.controller.flushEndpoint(ep.qhIndex)
		d.controller.endpoints[ep.qhIndex] = nil
	}
}

// SetLanguageCodes installs string descriptor index 0, the list of
// supported language IDs (USB 2.0 §9.6.7), as the first entry of the string
// table.
func (d *Device) SetLanguageCodes(ids ...uint16) {
	buf := new(bytes.Buffer)
	buf.WriteByte(0) // length, fixed up below
	buf.WriteByte(DescriptorTypeString)

	for _, id := range ids {
		binary.Write(buf, binary.LittleEndian, id)
	}

	b := buf.Bytes()
	b[0] = uint8(len(b))

	if len(d.Strings) == 0 {
		d.Strings = append(d.Strings, b)
	} else {
		d.Strings[0] = b
	}
}

// AddString appends s to the string table (encoded UTF-16LE per USB 2.0
// §9.6.7) and returns the index a descriptor's iXxx field should use to
// reference it.
func (d *Device) AddString(s string) (index uint8) {
	if len(d.Strings) == 0 {
		d.Strings = append(d.Strings, nil) // reserve index 0 for language IDs
	}

	u16 := utf16.Encode([]rune(s))

	buf := new(bytes.Buffer)
	buf.WriteByte(0)
	buf.WriteByte(DescriptorTypeString)

	for _, c := range u16 {
		binary.Write(buf, binary.LittleEndian, c)
	}

	b := buf.Bytes()
	b[0] = uint8(len(b))

	d.Strings = append(d.Strings, b)

	return uint8(len(d.Strings) - 1)
}

// ConfigurationDescriptorBytes returns the serialized descriptor tree for
// configuration index idx (0-based, as GET_DESCRIPTOR indexes them),
// truncated to at most wLength bytes.
func (d *Device) ConfigurationDescriptorBytes(idx int, wLength int) ([]byte, bool) {
	if idx < 0 || idx >= len(d.Configurations) {
		return nil, false
	}

	b := d.Configurations[idx].Collect()

	return trim(b, wLength), true
}

// StringDescriptorBytes returns string descriptor index idx truncated to at
// most wLength bytes.
func (d *Device) StringDescriptorBytes(idx int, wLength int) ([]byte, bool) {
	if idx < 0 || idx >= len(d.Strings) {
		return nil, false
	}

	return trim(d.Strings[idx], wLength), true
}
