package usb

import (
	"testing"

	"github.com/usb2dev/ehcicore/internal/reg"
)

func TestResetReinitializesQueueHeadsAndEndpointTypes(t *testing.T) {
	c := newTestController(t, 6)

	c.Reset()

	if c.qhListAddr == 0 {
		t.Fatal("Reset should allocate the queue head array")
	}

	if c.qhListAddr%qhListAlign != 0 {
		t.Fatalf("queue head list address %#x is not %d-byte aligned", c.qhListAddr, qhListAlign)
	}

	if got := reg.Get(c.reg(regENDPTCTRL0), ctrlTXE, 1); got != 1 {
		t.Fatal("endpoint 0 IN should be enabled after Reset")
	}
}

func TestBackPointerInvariantAfterConfigureEndpoint(t *testing.T) {
	c := newTestController(t, 6)
	c.Reset()

	d := NewDevice(c)

	desc := &EndpointDescriptor{EndpointAddress: 0x81, Attributes: TransferTypeBulk, MaxPacketSize: 512}
	desc.SetDefaults()

	ep := c.configureEndpoint(d, desc, 4)

	qh := c.readQH(ep.qhIndex)

	if qh.epIndex != uint32(ep.qhIndex+1) {
		t.Fatalf("QH[%d].epIndex = %d, want %d (back-pointer invariant)", ep.qhIndex, qh.epIndex, ep.qhIndex+1)
	}

	if c.endpoints[ep.qhIndex] != ep {
		t.Fatal("Controller.endpoints lookup disagrees with the QH back-pointer")
	}
}

func TestResetEndpointTypePolicy(t *testing.T) {
	c := newTestController(t, 6)
	c.Reset()

	// Endpoint 0 must be CONTROL, enabled, both directions.
	if got := reg.Get(c.reg(endpointControlOffset(0)), ctrlTXT, 0x3); got != TransferTypeControl {
		t.Fatalf("EP0 IN type = %d, want TransferTypeControl", got)
	}

	if got := reg.Get(c.reg(endpointControlOffset(0)), ctrlRXT, 0x3); got != TransferTypeControl {
		t.Fatalf("EP0 OUT type = %d, want TransferTypeControl", got)
	}

	// Every other endpoint slot: pre-set to BULK, left disabled.
	for n := uint8(1); n < 6; n++ {
		off := c.reg(endpointControlOffset(n))

		if got := reg.Get(off, ctrlTXT, 0x3); got != TransferTypeBulk {
			t.Fatalf("EP%d IN type = %d, want TransferTypeBulk", n, got)
		}

		if got := reg.Get(off, ctrlTXE, 1); got != 0 {
			t.Fatalf("EP%d IN should remain disabled after Reset", n)
		}
	}
}

func TestFlushEndpointSettlesENDPTFLUSH(t *testing.T) {
	c := newTestController(t, 2)
	c.Reset()

	// must return promptly thanks to the fake-silicon goroutine clearing
	// ENDPTFLUSH; a real hang here would time the test out.
	c.flushEndpoint(queueHeadIndex(0x81))
}
