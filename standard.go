package usb

import "fmt"

// Standard request codes (USB 2.0 Table 9-4).
const (
	ReqGetStatus        = 0
	ReqClearFeature     = 1
	ReqSetFeature       = 3
	ReqSetAddress       = 5
	ReqGetDescriptor    = 6
	ReqSetDescriptor    = 7
	ReqGetConfiguration = 8
	ReqSetConfiguration = 9
	ReqGetInterface     = 10
	ReqSetInterface     = 11
	ReqSynchFrame       = 12
)

// Standard feature selectors (USB 2.0 Table 9-6). This core only implements
// ENDPOINT_HALT, the only one Chapter 9 mandates every device support.
const FeatureEndpointHalt = 0

// Recipient field of bmRequestType, bits 4:0 (USB 2.0 Table 9-2).
const (
	recipientDevice    = 0
	recipientInterface = 1
	recipientEndpoint  = 2
)

func (sd *SetupData) recipient() uint8 { return sd.RequestType & 0x1f }

// dispatchRequest decodes and services one SETUP packet, called from
// handleSetup with the control pipe already reset to IDLE. It returns the
// response payload for an IN data stage (nil for a status-only ack) and a
// non-nil error when the control pipe should stall instead of answering
// (§7 — a malformed or unsupported standard request is the only source of
// a STALL this dispatcher raises itself; ClassRequest/VendorRequest report
// their own failures the same way by returning handled=false).
func (d *Device) dispatchRequest(sd *SetupData) ([]byte, error) {
	if sd.RequestTypeType() != RequestTypeStandard {
		return d.dispatchOther(sd)
	}

	switch sd.Request {
	case ReqGetStatus:
		return d.getStatus(sd)

	case ReqClearFeature:
		return nil, d.setFeature(sd, false)

	case ReqSetFeature:
		return nil, d.setFeature(sd, true)

	case ReqSetAddress:
		// USB 2.0 §9.4.6: the new address must not take effect until
		// the status stage of this very request completes. The
		// control state machine applies it from finishControl once
		// the zero-length status ack is done; the immediate path
		// (Controller.setAddressImmediate) is never used here.
		addr := uint8(sd.Value)
		d.pendingAddress = &addr
		return nil, nil

	case ReqGetDescriptor:
		return d.getDescriptor(sd)

	case ReqSetDescriptor:
		// Not supported by this core (§4.5).
		return nil, ErrStall

	case ReqGetConfiguration:
		return []byte{d.ConfigurationValue}, nil

	case ReqSetConfiguration:
		return nil, d.setConfiguration(uint8(sd.Value))

	case ReqGetInterface:
		if sd.recipient() != recipientInterface {
			return nil, ErrStall
		}
		// Only alternate setting 0 is supported (§4.5).
		return []byte{0}, nil

	case ReqSetInterface:
		if sd.recipient() != recipientInterface {
			return nil, ErrStall
		}
		// Only alternate setting 0 is supported (§4.5); any other
		// alternate setting is reported as ErrNoSuchInterface rather
		// than ErrStall, and handleSetup stalls the pipe for either.
		if sd.Value != 0 {
			return nil, ErrNoSuchInterface
		}
		return nil, nil

	case ReqSynchFrame:
		return nil, ErrStall

	default:
		return nil, fmt.Errorf("usb: unsupported standard request %#x", sd.Request)
	}
}

// dispatchOther routes a non-Standard SETUP to the matching class or vendor
// handler by bmRequestType's type field (bits 6:5), stalling if none is
// registered or neither recognizes the request (§4.5's "any unrecognized
// request type routes to the class or vendor handler").
func (d *Device) dispatchOther(sd *SetupData) ([]byte, error) {
	var handler func(*SetupData) ([]byte, bool)

	switch sd.RequestTypeType() {
	case RequestTypeClass:
		handler = d.ClassRequest
	case RequestTypeVendor:
		handler = d.VendorRequest
	}

	if handler != nil {
		if data, handled := handler(sd); handled {
			return data, nil
		}
	}

	return nil, fmt.Errorf("usb: unhandled request type %d request %#x", sd.RequestTypeType(), sd.Request)
}

// getStatus answers GET_STATUS for the device, an interface, or an
// endpoint (USB 2.0 §9.4.5): two bytes, only the endpoint-halt bit ever
// set.
func (d *Device) getStatus(sd *SetupData) ([]byte, error) {
	switch sd.recipient() {
	case recipientDevice:
		// Self-powered and remote-wakeup are both left unset; a
		// bus-powered device with no remote wakeup support answers
		// zero for both (USB 2.0 Table 9-4).
		return []byte{0, 0}, nil

	case recipientInterface:
		return []byte{0, 0}, nil

	case recipientEndpoint:
		ep := d.EndpointByAddress(uint8(sd.Index))
		if ep == nil {
			return nil, ErrStall
		}

		if ep.IsStalled() {
			return []byte{1, 0}, nil
		}

		return []byte{0, 0}, nil

	default:
		return nil, ErrStall
	}
}

// setFeature implements both SET_FEATURE and CLEAR_FEATURE: the only
// feature selector Chapter 9 requires every device support is
// ENDPOINT_HALT, toggling the named endpoint's stall bit (§4.5).
func (d *Device) setFeature(sd *SetupData, set bool) error {
	if sd.Value != FeatureEndpointHalt || sd.recipient() != recipientEndpoint {
		return ErrStall
	}

	ep := d.EndpointByAddress(uint8(sd.Index))
	if ep == nil {
		return ErrStall
	}

	if set {
		ep.Stall()
	} else {
		ep.ClearStall()
	}

	return nil
}

// getDescriptor answers GET_DESCRIPTOR for every descriptor type this core
// serves directly; wValue's high byte selects the type, the low byte the
// index (USB 2.0 §9.4.3).
func (d *Device) getDescriptor(sd *SetupData) ([]byte, error) {
	descType := uint8(sd.Value >> 8)
	index := int(sd.Value & 0xff)

	switch descType {
	case DescriptorTypeDevice:
		if d.Descriptor == nil {
			return nil, ErrStall
		}
		return trim(d.Descriptor.Bytes(), int(sd.Length)), nil

	case DescriptorTypeDeviceQualifier:
		if d.Qualifier == nil {
			return nil, ErrStall
		}
		return trim(d.Qualifier.Bytes(), int(sd.Length)), nil

	case DescriptorTypeConfiguration:
		b, ok := d.ConfigurationDescriptorBytes(index, int(sd.Length))
		if !ok {
			return nil, ErrStall
		}
		return b, nil

	case DescriptorTypeOtherSpeedConfig:
		b, ok := d.ConfigurationDescriptorBytes(index, int(sd.Length))
		if !ok {
			return nil, ErrStall
		}
		// Same tree, relabeled: USB 2.0 §9.6.2 requires byte 1 of the
		// response to carry the OTHER_SPEED_CONFIGURATION type
		// instead of CONFIGURATION.
		if len(b) > 1 {
			b = append([]byte(nil), b...)
			b[1] = DescriptorTypeOtherSpeedConfig
		}
		return b, nil

	case DescriptorTypeString:
		b, ok := d.StringDescriptorBytes(index, int(sd.Length))
		if !ok {
			return nil, ErrStall
		}
		return b, nil

	default:
		return nil, fmt.Errorf("usb: unsupported descriptor type %#x", descType)
	}
}
