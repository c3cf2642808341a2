package usb

import (
	"bytes"
	"encoding/binary"

	"github.com/usb2dev/ehcicore/internal/bits"
)

// DMA layout constants for the queue head array and transfer descriptors,
// matching the controller's fixed hardware expectations.
const (
	// qhListAlign is the alignment required for the base address written
	// to ENDPOINTLISTADDR.
	qhListAlign = 2048
	// qhAlign and qhSize are the per-entry alignment and size of a queue
	// head; the list is a flat array of 2*NumEndpoints entries indexed by
	// queueHeadIndex.
	qhAlign = 64
	qhSize  = 64

	// tdAlign and tdWireSize are the alignment and on-the-wire size of a
	// transfer descriptor.
	tdAlign    = 32
	tdWireSize = 28

	// tdPages is the number of 4KiB buffer pointer pages a single
	// transfer descriptor can span, capping one TD's payload at 20KiB.
	tdPages    = 5
	tdPageSize = 4096
	maxTDBytes = tdPages * tdPageSize
)

// queue head capabilities (dQH word 0) bit positions.
const (
	qhInfoMultPos = 30
	qhInfoZLTPos  = 29
	qhInfoMPLPos  = 16
	qhInfoMPLMask = 0x7ff
	qhInfoIOSPos  = 15
)

// token (dQH word 3 / dTD word 1) bit positions, shared by queue heads and
// transfer descriptors since a primed queue head's token mirrors its active
// transfer descriptor's.
const (
	tokenTotalPos       = 16
	tokenTotalMask      = 0x7fff
	tokenIOCPos         = 15
	tokenMultOPos       = 10
	tokenMultOMask      = 0x3
	tokenStatusActive   = 1 << 7
	tokenStatusHalted   = 1 << 6
	tokenStatusBufErr   = 1 << 5
	tokenStatusTransErr = 1 << 3
)

// queueHead is the in-memory, pre-serialization representation of one
// controller queue head entry (EHCI-like device-mode dQH). Two entries exist
// per endpoint number, indexed by queueHeadIndex: one for OUT, one for IN.
type queueHead struct {
	capabilities uint32
	currentTD    uint32
	nextTD       uint32
	token        uint32
	buffer       [tdPages]uint32
	// epIndex holds the owning Endpoint's index in Controller.endpoints
	// plus one; zero means unowned. This repurposes the word the hardware leaves
	// reserved, the same trick the original driver uses to stash a
	// pointer there — except here it is an index into a Go-owned slice,
	// never a raw pointer, since nothing dereferences DMA memory as a Go
	// pointer.
	epIndex uint32
	setup   [2]uint32
}

// queueHeadIndex returns the array index for endpoint address addr, laid
// out as out0, in0, out1, in1, ... so that address bit 7 (direction)
// selects between adjacent entries.
func queueHeadIndex(addr uint8) int {
	return (int(addr&0x0f) << 1) | int(addr>>7)
}

// setCapabilities configures a queue head's maximum packet length, transfer
// direction's zero-length-termination policy, and (for isochronous high-
// bandwidth endpoints) the per-microframe transaction multiplier.
func (qh *queueHead) setCapabilities(maxPacketLen uint16, zlt bool, mult uint8) {
	qh.capabilities = 0

	bits.SetN(&qh.capabilities, qhInfoMPLPos, qhInfoMPLMask, uint32(maxPacketLen))
	bits.SetN(&qh.capabilities, qhInfoMultPos, 0x3, uint32(mult))

	if !zlt {
		bits.Set(&qh.capabilities, qhInfoZLTPos)
	}

	if maxPacketLen == 64 {
		// interrupt-on-setup: only meaningful for control endpoints,
		// harmless to set unconditionally for 64-byte endpoints since
		// only EP0 uses that size in this device.
		bits.Set(&qh.capabilities, qhInfoIOSPos)
	}
}

// clearStatus clears the active and halted bits of a queue head's token,
// the precondition for priming a new transfer descriptor onto it.
func (qh *queueHead) clearStatus() {
	qh.token &^= (tokenStatusActive | tokenStatusHalted)
}

// bytes serializes the queue head to its 64-byte wire form.
func (qh *queueHead) bytes() []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, qh.capabilities)
	binary.Write(buf, binary.LittleEndian, qh.currentTD)
	binary.Write(buf, binary.LittleEndian, qh.nextTD)
	binary.Write(buf, binary.LittleEndian, qh.token)
	binary.Write(buf, binary.LittleEndian, qh.buffer)
	binary.Write(buf, binary.LittleEndian, qh.epIndex)
	binary.Write(buf, binary.LittleEndian, qh.setup)

	out := buf.Bytes()
	if len(out) < qhSize {
		out = append(out, make([]byte, qhSize-len(out))...)
	}

	return out
}

// parseQueueHead reconstructs a queueHead from its wire form, used when
// reading back controller-updated state (current/token) after a transfer.
func parseQueueHead(b []byte) (qh queueHead) {
	r := bytes.NewReader(b)

	binary.Read(r, binary.LittleEndian, &qh.capabilities)
	binary.Read(r, binary.LittleEndian, &qh.currentTD)
	binary.Read(r, binary.LittleEndian, &qh.nextTD)
	binary.Read(r, binary.LittleEndian, &qh.token)
	binary.Read(r, binary.LittleEndian, &qh.buffer)
	binary.Read(r, binary.LittleEndian, &qh.epIndex)
	binary.Read(r, binary.LittleEndian, &qh.setup)

	return
}

// transferDescriptor is the in-memory, pre-serialization representation of
// one transfer descriptor (dTD): a single DMA work item queued onto a queue
// head, chained to the next one via next.
type transferDescriptor struct {
	next    uint32
	token   uint32
	buffer  [tdPages]uint32
	// dmaAddr is the address this descriptor was allocated at, filled in
	// once allocated; not part of the wire form.
	dmaAddr uint32
}

// terminate marks a transfer descriptor pointer field as not valid, the
// convention the controller uses to detect the end of a TD chain.
const tdTerminate = 1

// setBuffers computes the up-to-5 page pointers a buffer spanning up to
// maxTDBytes requires, following the controller's rule that only the first
// pointer may be unaligned; the remaining four are implicitly page-aligned
// continuations of the same transfer.
func (td *transferDescriptor) setBuffers(addr uint32, length int) {
	if length > maxTDBytes {
		panic("usb: transfer descriptor payload exceeds 20KiB")
	}

	firstPage := addr &^ (tdPageSize - 1)

	td.buffer[0] = addr

	for i := 1; i < tdPages; i++ {
		td.buffer[i] = firstPage + uint32(i*tdPageSize)
	}
}

// setToken configures a transfer descriptor's byte count, interrupt-on-
// completion flag, and marks it active (ready for the controller to
// execute).
func (td *transferDescriptor) setToken(totalBytes int, ioc bool) {
	td.token = 0

	bits.SetN(&td.token, tokenTotalPos, tokenTotalMask, uint32(totalBytes))
	td.token |= tokenStatusActive

	if ioc {
		bits.Set(&td.token, tokenIOCPos)
	}
}

// active, halted, bufferError and transactionError read back the status
// byte of a completed (or in-flight) transfer descriptor's token.
func (td *transferDescriptor) active() bool          { return td.token&tokenStatusActive != 0 }
func (td *transferDescriptor) halted() bool          { return td.token&tokenStatusHalted != 0 }
func (td *transferDescriptor) bufferError() bool     { return td.token&tokenStatusBufErr != 0 }
func (td *transferDescriptor) transactionError() bool { return td.token&tokenStatusTransErr != 0 }

// remaining returns the byte count the controller did not consume; the
// transferred length of a completed transfer, in either direction, is
// requestedBytes-remaining.
func (td *transferDescriptor) remaining() int {
	return int(bits.Get(&td.token, tokenTotalPos, tokenTotalMask))
}

// bytes serializes the transfer descriptor to its wire form.
func (td *transferDescriptor) bytes() []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, td.next)
	binary.Write(buf, binary.LittleEndian, td.token)
	binary.Write(buf, binary.LittleEndian, td.buffer)

	out := buf.Bytes()
	if len(out) < tdWireSize {
		out = append(out, make([]byte, tdWireSize-len(out))...)
	}

	return out
}

func parseTransferDescriptor(b []byte) (td transferDescriptor) {
	r := bytes.NewReader(b)

	binary.Read(r, binary.LittleEndian, &td.next)
	binary.Read(r, binary.LittleEndian, &td.token)
	binary.Read(r, binary.LittleEndian, &td.buffer)

	return
}
