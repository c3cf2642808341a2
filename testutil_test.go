package usb

import (
	"encoding/binary"
	"testing"

	"github.com/usb2dev/ehcicore/internal/bits"
	"github.com/usb2dev/ehcicore/internal/reg"
)

// newTestController builds a Controller wired to a simulated register block
// and a heap-backed DMA region, standing in for the two external
// collaborators §1 places out of this core's scope (silicon registers,
// linker-reserved DMA memory): see NewSimulatedController for the details
// of the background goroutine that plays the hardware side of every
// busy-wait the driver performs, so production register-access code runs
// unmodified against it.
func newTestController(t testing.TB, numEndpoints int) *Controller {
	t.Helper()

	c, stop := NewSimulatedController(0, numEndpoints, 4<<20)
	t.Cleanup(stop)

	return c
}

// simulateSetup latches sd into the OUT queue head of endpoint epNumber and
// runs the controller's setup dispatch, exactly as checkSetupEvents would
// after observing ENDPTSETUPSTAT from real hardware.
func simulateSetup(c *Controller, epNumber uint8, sd SetupData) {
	var b [8]byte
	b[0] = sd.RequestType
	b[1] = sd.Request
	binary.LittleEndian.PutUint16(b[2:4], sd.Value)
	binary.LittleEndian.PutUint16(b[4:6], sd.Index)
	binary.LittleEndian.PutUint16(b[6:8], sd.Length)

	idx := queueHeadIndex(epNumber)

	qh := c.readQH(idx)
	qh.setup[0] = binary.LittleEndian.Uint32(b[0:4])
	qh.setup[1] = binary.LittleEndian.Uint32(b[4:8])
	c.writeQH(idx, &qh)

	bit := uint32(1) << uint(epNumber)
	reg.Or(c.reg(regENDPTSETUPSTAT), bit)

	c.checkSetupEvents()
}

// completeOldestTransfer simulates the controller finishing the oldest
// active transfer descriptor queued on ep: it marks the descriptor inactive
// with the given transferred byte count (or halted, if halted is true) and
// runs the same ENDPTCOMPLETE dispatch HandleIRQ would.
func completeOldestTransfer(t testing.TB, c *Controller, ep *Endpoint, transferred int, halted bool) {
	t.Helper()

	ep.queue.mu.Lock()
	if len(ep.queue.active) == 0 {
		ep.queue.mu.Unlock()
		t.Fatal("completeOldestTransfer: no active transfer on endpoint")
	}
	tr := ep.queue.active[0]
	ep.queue.mu.Unlock()

	buf := make([]byte, tdWireSize)
	c.DMA.Read(tr.tdAddr, 0, buf)
	td := parseTransferDescriptor(buf)

	td.token &^= tokenStatusActive

	if halted {
		td.token |= tokenStatusHalted
	} else {
		remaining := tr.length - transferred
		bits.SetN(&td.token, tokenTotalPos, tokenTotalMask, uint32(remaining))
	}

	c.DMA.Write(tr.tdAddr, 0, td.bytes())

	bit := uint32(1) << uint(ep.qhIndex%32)
	reg.Or(c.reg(regENDPTCOMPLETE), bit)

	c.checkTransferEvents()
}
