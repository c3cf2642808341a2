package usb

import (
	"bytes"
	"encoding/binary"
)

// Standard descriptor type codes (USB 2.0 §9.4).
const (
	DescriptorTypeDevice             = 1
	DescriptorTypeConfiguration      = 2
	DescriptorTypeString             = 3
	DescriptorTypeInterface          = 4
	DescriptorTypeEndpoint           = 5
	DescriptorTypeDeviceQualifier    = 6
	DescriptorTypeOtherSpeedConfig   = 7
	DescriptorTypeInterfacePower     = 8
	DescriptorTypeCSInterface        = 0x24
)

// DeviceDescriptor is the standard 18-byte device descriptor (USB 2.0
// Table 9-8).
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USB               uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorId          uint16
	ProductId         uint16
	Device            uint16
	Manufacturer      uint8
	Product           uint8
	SerialNumber      uint8
	NumConfigurations uint8
}

// SetDefaults fills in the fixed fields every device descriptor must carry.
func (d *DeviceDescriptor) SetDefaults() {
	d.Length = 18
	d.DescriptorType = DescriptorTypeDevice
	d.USB = 0x0200
	d.MaxPacketSize0 = 64
	d.NumConfigurations = 1
}

// Bytes returns the descriptor's wire representation.
func (d *DeviceDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// DeviceQualifierDescriptor describes the device's capabilities at the
// speed it is not currently operating at (USB 2.0 Table 9-9).
type DeviceQualifierDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USB               uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	NumConfigurations uint8
	Reserved          uint8
}

func (d *DeviceQualifierDescriptor) SetDefaults() {
	d.Length = 10
	d.DescriptorType = DescriptorTypeDeviceQualifier
	d.USB = 0x0200
	d.MaxPacketSize0 = 64
	d.NumConfigurations = 1
}

func (d *DeviceQualifierDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// ConfigurationAttribute bits (USB 2.0 Table 9-10).
const (
	ConfigAttributeSelfPowered  = 1 << 6
	ConfigAttributeRemoteWakeup = 1 << 5
	// bit 7 is reserved, set to one
	configAttributeReservedOne = 1 << 7
)

// ConfigurationDescriptor describes one configuration and owns the
// interfaces and endpoints nested under it.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	Configuration      uint8
	Attributes         uint8
	MaxPower           uint8

	Interfaces []*InterfaceDescriptor

	// Speed is the negotiated port speed (SpeedFull/SpeedHigh) this
	// configuration applies to, matching the data model's pairing of a
	// configuration record with a speed tag (§3): SET_CONFIGURATION only
	// matches a configuration whose number and speed both agree with the
	// controller's negotiated speed. Not part of the wire descriptor.
	Speed int
}

func (c *ConfigurationDescriptor) SetDefaults() {
	c.Length = 9
	c.DescriptorType = DescriptorTypeConfiguration
	c.ConfigurationValue = 1
	c.Attributes = configAttributeReservedOne
}

// Bytes returns the configuration descriptor header only (9 bytes); use
// Collect for the full configuration + interface + endpoint tree. Written
// field by field, rather than passing the whole struct to binary.Write,
// because Interfaces is a slice of pointers and encoding/binary refuses any
// struct that is not entirely fixed-size.
func (c *ConfigurationDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, struct {
		Length             uint8
		DescriptorType     uint8
		TotalLength        uint16
		NumInterfaces      uint8
		ConfigurationValue uint8
		Configuration      uint8
		Attributes         uint8
		MaxPower           uint8
	}{c.Length, c.DescriptorType, c.TotalLength, c.NumInterfaces, c.ConfigurationValue, c.Configuration, c.Attributes, c.MaxPower})
	return buf.Bytes()
}

// Collect serializes the configuration descriptor followed by every
// interface and endpoint descriptor nested under it, setting TotalLength and
// NumInterfaces to match, as required when answering GET_DESCRIPTOR for
// Configuration (USB 2.0 §9.4.3).
func (c *ConfigurationDescriptor) Collect() []byte {
	var body bytes.Buffer

	for _, intf := range c.Interfaces {
		body.Write(intf.Bytes())

		for _, cs := range intf.ClassDescriptors {
			body.Write(cs)
		}

		for _, ep := range intf.Endpoints {
			body.Write(ep.Bytes())
		}
	}

	c.NumInterfaces = uint8(len(c.Interfaces))
	c.TotalLength = uint16(int(c.Length) + body.Len())

	out := new(bytes.Buffer)
	out.Write(c.Bytes())
	out.Write(body.Bytes())

	return out.Bytes()
}

// InterfaceDescriptor describes one interface and, for a single alternate
// setting, the endpoints it claims.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	Interface         uint8

	Endpoints []*EndpointDescriptor
	// ClassDescriptors holds raw bytes for class-specific descriptors
	// (e.g. CDC functional descriptors) emitted immediately after this
	// interface descriptor and before its endpoints.
	ClassDescriptors [][]byte
}

func (i *InterfaceDescriptor) SetDefaults() {
	i.Length = 9
	i.DescriptorType = DescriptorTypeInterface
}

// Bytes returns the 9-byte wire representation. As with
// ConfigurationDescriptor.Bytes, the struct is flattened field by field
// first since Endpoints and ClassDescriptors are slices binary.Write cannot
// size.
func (i *InterfaceDescriptor) Bytes() []byte {
	i.NumEndpoints = uint8(len(i.Endpoints))

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, struct {
		Length            uint8
		DescriptorType    uint8
		InterfaceNumber   uint8
		AlternateSetting  uint8
		NumEndpoints      uint8
		InterfaceClass    uint8
		InterfaceSubClass uint8
		InterfaceProtocol uint8
		Interface         uint8
	}{i.Length, i.DescriptorType, i.InterfaceNumber, i.AlternateSetting, i.NumEndpoints, i.InterfaceClass, i.InterfaceSubClass, i.InterfaceProtocol, i.Interface})
	return buf.Bytes()
}

// Endpoint transfer types (USB 2.0 Table 9-13, bits 1:0 of bmAttributes).
const (
	TransferTypeControl     = 0
	TransferTypeIsochronous = 1
	TransferTypeBulk        = 2
	TransferTypeInterrupt   = 3
)

// Direction bit of bEndpointAddress.
const (
	DirectionOut = 0
	DirectionIn  = 1 << 7
)

// EndpointDescriptor describes one endpoint's transfer characteristics.
// Function, when set, is never serialized onto the wire: it is the
// completion/rearm callback SET_CONFIGURATION wires up automatically for
// this endpoint (see Controller.armEndpointFunction), in the shape the
// original firmware's Gadget Zero source/sink endpoint functions take. An
// IN endpoint's Function is called with a nil buffer once its previous
// transfer finishes and returns the next payload to arm; an OUT endpoint's
// Function receives each completed receive buffer, after which an empty
// receive is rearmed — its returned data is ignored and only a non-nil
// error is used, to be logged.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8

	Function func(buf []byte, lastErr error) ([]byte, error)
}

func (e *EndpointDescriptor) SetDefaults() {
	e.Length = 7
	e.DescriptorType = DescriptorTypeEndpoint
}

// Bytes returns the 7-byte wire representation (Function is not wire data).
func (e *EndpointDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, struct {
		Length          uint8
		DescriptorType  uint8
		EndpointAddress uint8
		Attributes      uint8
		MaxPacketSize   uint16
		Interval        uint8
	}{e.Length, e.DescriptorType, e.EndpointAddress, e.Attributes, e.MaxPacketSize, e.Interval})
	return buf.Bytes()
}

// Number returns the endpoint number (bits 3:0 of bEndpointAddress).
func (e *EndpointDescriptor) Number() int {
	return int(e.EndpointAddress & 0x0f)
}

// In reports whether bit 7 of bEndpointAddress marks this an IN endpoint.
func (e *EndpointDescriptor) In() bool {
	return e.EndpointAddress&DirectionIn != 0
}

// TransferType returns the lower two bits of bmAttributes.
func (e *EndpointDescriptor) TransferType() int {
	return int(e.Attributes & 0x03)
}

// trim truncates b to at most wLength bytes, or returns it unchanged if it
// is already shorter — the min(wLength, descriptor length) rule every
// GET_DESCRIPTOR response follows (USB 2.0 §9.3.5). The Device type and its
// descriptor-tree accessors live in device.go.
func trim(b []byte, wLength int) []byte {
	if wLength >= 0 && wLength < len(b) {
		return b[:wLength]
	}

	return b
}
