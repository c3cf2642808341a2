package usb

import "encoding/binary"

// SetupData is the 8-byte SETUP packet every control transfer begins with
// (USB 2.0 Table 9-2).
type SetupData struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// parse decodes a SetupData from the two raw words a queue head's setup
// buffer holds (little-endian, as the controller DMAs it in).
func (s *SetupData) parse(words [2]uint32) {
	var b [8]byte

	binary.LittleEndian.PutUint32(b[0:4], words[0])
	binary.LittleEndian.PutUint32(b[4:8], words[1])

	s.RequestType = b[0]
	s.Request = b[1]
	s.Value = binary.LittleEndian.Uint16(b[2:4])
	s.Index = binary.LittleEndian.Uint16(b[4:6])
	s.Length = binary.LittleEndian.Uint16(b[6:8])
}

// IsDeviceToHost reports the direction bit of bmRequestType (bit 7).
func (s *SetupData) IsDeviceToHost() bool { return s.RequestType&0x80 != 0 }

// RequestTypeType returns the request type field (bits 6:5): Standard,
// Class or Vendor.
func (s *SetupData) RequestTypeType() uint8 { return (s.RequestType >> 5) & 0x3 }

const (
	RequestTypeStandard = 0
	RequestTypeClass    = 1
	RequestTypeVendor   = 2
)

// controlState names the control-pipe's position within a single control
// transfer's three (or two, for zero-data requests) stages.
type controlState int

const (
	ctrlIdle controlState = iota
	ctrlInData
	ctrlOutData
	ctrlWaitInStatus
	ctrlWaitOutStatus
)

// handleSetup is the control pipe's entry point for every SETUP packet
// latched on endpoint 0, called from Controller.checkSetupEvents. A new
// SETUP always aborts whatever stage the pipe was previously in — there is
// no such thing as a SETUP arriving "out of turn" to reject, it simply
// starts a new transfer over the old one, matching USB 2.0 §8.5.3's
// description of SETUP as always restarting the control pipe.
func (d *Device) handleSetup(ep *Endpoint, sd *SetupData) {
	d.controlState = ctrlIdle
	d.pendingOutData = nil

	data, err := d.dispatchRequest(sd)

	switch {
	case err != nil:
		d.stallControl()

	case sd.Length == 0:
		// no data stage: acknowledge with a zero-length IN status
		// packet.
		d.startStatusIn()

	case sd.IsDeviceToHost():
		d.startDataIn(data, sd.Length)

	default:
		d.startDataOut(sd.Length)
	}
}

func (d *Device) stallControl() {
	if d.ep0In != nil {
		d.ep0In.Stall()
	}
	if d.ep0Out != nil {
		d.ep0Out.Stall()
	}

	d.controlState = ctrlIdle
}

// startDataIn begins the IN data stage of a control transfer, truncating
// data to at most wLength bytes (USB 2.0 §9.3.5) and splitting it across as
// many Submit calls as the queue's per-transfer cap requires.
func (d *Device) startDataIn(data []byte, wLength uint16) {
	if len(data) > int(wLength) {
		data = data[:wLength]
	}

	d.controlState = ctrlInData

	q := d.ep0In.queue

	for {
		chunk := data
		if len(chunk) > q.maxBytes {
			chunk = chunk[:q.maxBytes]
		}
		data = data[len(chunk):]
		last := len(data) == 0

		_, err := q.Submit(chunk, func(t *Transfer, n int, err error) {
			if last {
				d.controlState = ctrlWaitOutStatus
				d.startStatusOut()
			}
		})

		if err != nil {
			d.stallControl()
			return
		}

		if last {
			return
		}
	}
}

// startDataOut begins the OUT data stage, accepting up to length bytes from
// the host before acknowledging with a status IN.
func (d *Device) startDataOut(length uint16) {
	d.controlState = ctrlOutData

	buf := make([]byte, length)

	_, err := d.ep0Out.queue.Submit(buf, func(t *Transfer, n int, err error) {
		d.pendingOutData = append([]byte(nil), t.buf[:n]...)

		if d.ClassDataOut != nil && d.ep0Out.setup.RequestTypeType() == RequestTypeClass {
			d.ClassDataOut(&d.ep0Out.setup, d.pendingOutData)
		}

		d.startStatusIn()
	})

	if err != nil {
		d.stallControl()
	}
}

// startStatusIn sends the zero-length IN packet that completes a control
// transfer with an OUT (or no) data stage.
func (d *Device) startStatusIn() {
	d.controlState = ctrlWaitInStatus

	d.ep0In.queue.SubmitAck(func(t *Transfer, n int, err error) {
		d.finishControl()
	})
}

// startStatusOut waits for the zero-length OUT packet that completes a
// control transfer with an IN data stage.
func (d *Device) startStatusOut() {
	d.ep0Out.queue.SubmitAck(func(t *Transfer, n int, err error) {
		d.finishControl()
	})
}

func (d *Device) finishControl() {
	d.controlState = ctrlIdle

	if d.pendingAddress != nil {
		d.controller.SetAddressDeferred(*d.pendingAddress)
		d.pendingAddress = nil
	}
}
