package usb

import (
	"testing"

	"github.com/usb2dev/ehcicore/internal/reg"
)

// newEnumeratingDevice brings up a Device with a minimal device descriptor,
// ready to answer the standard requests exercised below.
func newEnumeratingDevice(t *testing.T, numEndpoints int) *Device {
	t.Helper()

	c := newTestController(t, numEndpoints)

	d := NewDevice(c)
	d.Descriptor = &DeviceDescriptor{}
	d.Descriptor.SetDefaults()
	d.Descriptor.VendorId = 0x1d50
	d.Descriptor.ProductId = 0x60c6

	d.Start()

	return d
}

// TestScenarioS1Enumeration exercises §8 S1: GET_DESCRIPTOR(DEVICE) with
// wLength larger than the descriptor, walking IDLE -> IN_DATA ->
// WAIT_OUT_STATUS -> IDLE.
func TestScenarioS1Enumeration(t *testing.T) {
	d := newEnumeratingDevice(t, 6)
	c := d.controller

	simulateSetup(c, 0, SetupData{RequestType: 0x80, Request: ReqGetDescriptor, Value: 0x0100, Length: 0x40})

	if d.controlState != ctrlInData {
		t.Fatalf("controlState after SETUP = %v, want ctrlInData", d.controlState)
	}

	completeOldestTransfer(t, c, d.ep0In, 18, false)

	if d.controlState != ctrlWaitOutStatus {
		t.Fatalf("controlState after IN data completes = %v, want ctrlWaitOutStatus", d.controlState)
	}

	completeOldestTransfer(t, c, d.ep0Out, 0, false)

	if d.controlState != ctrlIdle {
		t.Fatalf("controlState after status ack = %v, want ctrlIdle", d.controlState)
	}
}

// TestScenarioS2SetAddress exercises §8 S2: SET_ADDRESS latches the address
// only once the status stage completes (deferred application, USB 2.0
// §9.4.6), walking IDLE -> WAIT_IN_STATUS -> IDLE.
func TestScenarioS2SetAddress(t *testing.T) {
	d := newEnumeratingDevice(t, 6)
	c := d.controller

	simulateSetup(c, 0, SetupData{RequestType: 0x00, Request: ReqSetAddress, Value: 5})

	if d.controlState != ctrlWaitInStatus {
		t.Fatalf("controlState after SET_ADDRESS SETUP = %v, want ctrlWaitInStatus", d.controlState)
	}

	if got := reg.Get(c.reg(regDEVICEADDR), devAddrPos, devAddrMask); got != 0 {
		t.Fatalf("DEVICEADDR should not change before the status stage completes, got %d", got)
	}

	completeOldestTransfer(t, c, d.ep0In, 0, false)

	if d.controlState != ctrlIdle {
		t.Fatalf("controlState after status ack = %v, want ctrlIdle", d.controlState)
	}

	if got := reg.Get(c.reg(regDEVICEADDR), devAddrPos, devAddrMask); got != 5 {
		t.Fatalf("DEVICEADDR.USBADR = %d, want 5 after the deferred apply", got)
	}
}

func bulkConfiguration() *ConfigurationDescriptor {
	conf := &ConfigurationDescriptor{}
	conf.SetDefaults()
	conf.ConfigurationValue = 1
	conf.Speed = SpeedFull

	iface := &InterfaceDescriptor{}
	iface.SetDefaults()
	iface.InterfaceClass = 0xff

	epIn := &EndpointDescriptor{EndpointAddress: 0x81, Attributes: TransferTypeBulk, MaxPacketSize: 512}
	epIn.SetDefaults()

	epOut := &EndpointDescriptor{EndpointAddress: 0x02, Attributes: TransferTypeBulk, MaxPacketSize: 512}
	epOut.SetDefaults()

	iface.Endpoints = append(iface.Endpoints, epIn, epOut)
	conf.Interfaces = append(conf.Interfaces, iface)

	return conf
}

// TestScenarioS3ConfigurationSelection exercises §8 S3.
func TestScenarioS3ConfigurationSelection(t *testing.T) {
	d := newEnumeratingDevice(t, 6)
	c := d.controller

	d.AddConfiguration(bulkConfiguration())

	simulateSetup(c, 0, SetupData{RequestType: 0x00, Request: ReqSetConfiguration, Value: 1})

	if d.current == nil {
		t.Fatal("device.configuration should be set after SET_CONFIGURATION(1)")
	}

	epIn := d.EndpointByAddress(0x81)
	if epIn == nil {
		t.Fatal("EndpointByAddress(0x81) returned nil after configuration")
	}

	qh := c.readQH(epIn.qhIndex)
	if mpl := bitsGetForTest(qh.capabilities, qhInfoMPLPos, qhInfoMPLMask); mpl != 512 {
		t.Fatalf("QH[EP1 IN].capabilities.MPL = %d, want 512", mpl)
	}

	off := c.reg(endpointControlOffset(1))

	if got := reg.Get(off, ctrlTXE, 1); got != 1 {
		t.Fatal("ENDPTCTRL1.TXE should be set")
	}

	if got := reg.Get(off, ctrlRXE, 1); got != 1 {
		t.Fatal("ENDPTCTRL1.RXE should be set")
	}

	if got := reg.Get(off, ctrlTXT, 0x3); got != TransferTypeBulk {
		t.Fatalf("ENDPTCTRL1 TX type = %d, want TransferTypeBulk", got)
	}
}

// TestScenarioS4StallOnUnknownConfiguration exercises §8 S4.
func TestScenarioS4StallOnUnknownConfiguration(t *testing.T) {
	d := newEnumeratingDevice(t, 6)
	c := d.controller

	d.AddConfiguration(bulkConfiguration())

	simulateSetup(c, 0, SetupData{RequestType: 0x00, Request: ReqSetConfiguration, Value: 0x99})

	if !d.ep0In.IsStalled() || !d.ep0Out.IsStalled() {
		t.Fatal("endpoint 0 should be stalled in both directions after an unknown configuration value")
	}

	if d.current != nil {
		t.Fatal("device.configuration should remain unset after a stalled SET_CONFIGURATION")
	}

	simulateSetup(c, 0, SetupData{RequestType: 0x00, Request: ReqSetConfiguration, Value: 1})

	if d.current == nil {
		t.Fatal("a subsequent valid SET_CONFIGURATION should succeed after the host re-issues SETUP")
	}
}

// TestScenarioS5FlushDuringTransfer exercises §8 S5.
func TestScenarioS5FlushDuringTransfer(t *testing.T) {
	d := newEnumeratingDevice(t, 6)
	c := d.controller

	d.AddConfiguration(bulkConfiguration())

	simulateSetup(c, 0, SetupData{RequestType: 0x00, Request: ReqSetConfiguration, Value: 1})

	ep := d.EndpointByAddress(0x81)
	if ep == nil {
		t.Fatal("expected EP1 IN to be configured")
	}

	var completions int
	var lengths []int

	for i := 0; i < 3; i++ {
		payload := make([]byte, 512)
		_, err := ep.queue.Submit(payload, func(tr *Transfer, n int, err error) {
			completions++
			lengths = append(lengths, n)
		})
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	if got := ep.queue.Pending(); got != 3 {
		t.Fatalf("Pending() = %d, want 3 before flush", got)
	}

	ep.Flush()

	if completions != 3 {
		t.Fatalf("completions = %d, want 3 after flush", completions)
	}

	for i, n := range lengths {
		if n != 0 {
			t.Fatalf("completion %d length = %d, want 0 (flush aborts with length=0)", i, n)
		}
	}

	if got := ep.queue.Pending(); got != 0 {
		t.Fatalf("Pending() after flush = %d, want 0", got)
	}

	if got := len(ep.queue.free); got != defaultEndpointPoolSize {
		t.Fatalf("free list size after flush = %d, want %d (full pool)", got, defaultEndpointPoolSize)
	}
}

// TestScenarioS6BusResetMidTransfer exercises §8 S6.
func TestScenarioS6BusResetMidTransfer(t *testing.T) {
	d := newEnumeratingDevice(t, 6)
	c := d.controller

	d.AddConfiguration(bulkConfiguration())
	simulateSetup(c, 0, SetupData{RequestType: 0x00, Request: ReqSetConfiguration, Value: 1})

	ep := d.EndpointByAddress(0x81)

	var completed bool
	var length int

	_, err := ep.queue.Submit(make([]byte, 512), func(tr *Transfer, n int, err error) {
		completed = true
		length = n
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Simulate USBSTS.URI: enable interrupts already done by Start(), set
	// the bus-reset status bit and let HandleIRQ dispatch it exactly as
	// the hardware IRQ path would.
	reg.Set(c.reg(regUSBSTS), staURI)
	c.HandleIRQ()

	if got := reg.Get(c.reg(regDEVICEADDR), devAddrPos, devAddrMask); got != 0 {
		t.Fatalf("DEVICEADDR.USBADR = %d, want 0 after bus reset", got)
	}

	if d.ConfigurationValue != 0 {
		t.Fatalf("device.configuration = %d, want 0 after bus reset", d.ConfigurationValue)
	}

	if !completed {
		t.Fatal("the pending IN transfer should complete (length=0) on bus reset")
	}

	if length != 0 {
		t.Fatalf("completion length = %d, want 0", length)
	}
}
