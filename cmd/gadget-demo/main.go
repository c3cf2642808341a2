// Command gadget-demo assembles a composite USB device — a Linux Gadget
// Zero bulk source/sink configuration and a CDC-ECM Ethernet-over-USB
// configuration — on a simulated controller, the role the original
// firmware's example/ directory plays for real hardware.
package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	usb "github.com/usb2dev/ehcicore"

	"golang.org/x/time/rate"
)

func main() {
	logger := log.New(os.Stdout, "gadget-demo: ", log.LstdFlags)

	controller, stop := usb.NewSimulatedController(0, 6, 0)
	defer stop()

	controller.Logger = logger
	// Let at most 4 start-of-frame interrupts per second through to the
	// StartOfFrame callback; this demo registers no such callback itself.
	controller.SOFLimiter = rate.NewLimiter(rate.Limit(4), 1)

	device := usb.NewDevice(controller)
	configureDevice(device)
	device.ConfigurationChanged = func(conf *usb.ConfigurationDescriptor) {
		pairConfiguredEndpoints(device, logger, conf)
	}

	nic := &NIC{
		Host:   net.HardwareAddr{0x1a, 0x55, 0x89, 0xa6, 0x42, 0x01},
		Device: net.HardwareAddr{0x1a, 0x55, 0x89, 0xa6, 0x42, 0x02},
		Link:   newLinkEndpoint(),
	}
	configureEthernet(device, nic)
	configureSourceSink(device)

	device.Start()

	logger.Printf("gadget started: vendor=%#04x product=%#04x configurations=%d",
		device.Descriptor.VendorId, device.Descriptor.ProductId, len(device.Configurations))

	waitForSignal()

	device.Stop()
}

func configureDevice(d *usb.Device) {
	d.SetLanguageCodes(0x0409) // English (United States)

	d.Descriptor = &usb.DeviceDescriptor{}
	d.Descriptor.SetDefaults()
	d.Descriptor.DeviceClass = 0xff
	d.Descriptor.VendorId = 0x1d50
	d.Descriptor.ProductId = 0x60c6
	d.Descriptor.Device = 0x0001
	d.Descriptor.NumConfigurations = 2

	iManufacturer := d.AddString("usb2dev")
	d.Descriptor.Manufacturer = iManufacturer

	iProduct := d.AddString("ehcicore gadget demo")
	d.Descriptor.Product = iProduct

	iSerial := d.AddString("0.1")
	d.Descriptor.SerialNumber = iSerial

	d.Qualifier = &usb.DeviceQualifierDescriptor{}
	d.Qualifier.SetDefaults()
	d.Qualifier.DeviceClass = 0xff
	d.Qualifier.NumConfigurations = 2
}

// configureSourceSink registers a bulk loopback configuration equivalent to
// Linux's Gadget Zero, exercised with `modprobe usbtest pattern=1`: EP3 IN
// sources a fixed ramp pattern, EP3 OUT checks it was echoed back unchanged.
func configureSourceSink(d *usb.Device) {
	conf := &usb.ConfigurationDescriptor{}
	conf.SetDefaults()
	conf.ConfigurationValue = 1
	conf.Speed = usb.SpeedFull

	iConfiguration := d.AddString("source and sink data")
	conf.Configuration = iConfiguration

	iface := &usb.InterfaceDescriptor{}
	iface.SetDefaults()
	iface.InterfaceClass = 0xff

	epIn := &usb.EndpointDescriptor{EndpointAddress: 0x83, Attributes: usb.TransferTypeBulk, MaxPacketSize: 512}
	epIn.SetDefaults()
	epIn.Function = source
	iface.Endpoints = append(iface.Endpoints, epIn)

	epOut := &usb.EndpointDescriptor{EndpointAddress: 0x03, Attributes: usb.TransferTypeBulk, MaxPacketSize: 512}
	epOut.SetDefaults()
	epOut.Function = sink
	iface.Endpoints = append(iface.Endpoints, epOut)

	conf.Interfaces = append(conf.Interfaces, iface)

	d.AddConfiguration(conf)
}

// configureEthernet registers the CDC-ECM configuration built by ethernet.go.
func configureEthernet(d *usb.Device, nic *NIC) {
	conf := &usb.ConfigurationDescriptor{}
	conf.SetDefaults()
	conf.ConfigurationValue = 2
	conf.Speed = usb.SpeedFull

	iConfiguration := d.AddString("CDC Ethernet")
	conf.Configuration = iConfiguration

	nic.addToConfiguration(d, conf)

	d.AddConfiguration(conf)
}

// source implements the source/sink EP3 IN Function: a fixed ramp pattern,
// matching tools/usb/testusb.c's expected `pattern=1` payload.
func source(_ []byte, _ error) ([]byte, error) {
	out := make([]byte, 512*10)
	for i := range out {
		out[i] = byte((i % 512) % 63)
	}
	return out, nil
}

// sink implements the source/sink EP3 OUT Function, validating the ramp
// pattern source produced was echoed back unchanged.
func sink(out []byte, _ error) ([]byte, error) {
	if len(out) == 0 {
		return nil, nil
	}
	for i, b := range out {
		if b != byte((i%512)%63) {
			return nil, fmt.Errorf("gadget-demo: sink buffer mismatch at offset %d (got %#x)", i, b)
		}
	}
	return nil, nil
}

// pairConfiguredEndpoints cross-links each interface's same-numbered IN/OUT
// endpoint pair once SET_CONFIGURATION has brought them up — the "paired by
// user code" lifecycle step (§3) that SET_CONFIGURATION's own endpoint
// bring-up deliberately leaves to the caller.
func pairConfiguredEndpoints(d *usb.Device, logger *log.Logger, conf *usb.ConfigurationDescriptor) {
	if conf == nil {
		return
	}

	for _, intf := range conf.Interfaces {
		seen := map[uint8]uint8{}

		for _, epd := range intf.Endpoints {
			number := epd.EndpointAddress & 0x0f

			sibling, ok := seen[number]
			if !ok {
				seen[number] = epd.EndpointAddress
				continue
			}

			if err := d.PairEndpoints(epd.EndpointAddress, sibling); err != nil {
				logger.Printf("usb: could not pair endpoints %#x/%#x: %v", epd.EndpointAddress, sibling, err)
			}
		}
	}
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
	case <-time.After(0):
		// The zero-duration timer fires at once, and this branch then
		// waits on sig as well, so both branches block until a signal.
		<-sig
	}
}
