package main

import (
	"bytes"
	"encoding/binary"
	"net"

	usb "github.com/usb2dev/ehcicore"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// CDC class-specific descriptor subtypes (USB Class Definitions for
// Communication Devices 1.1, Table 24/26/33/41).
const (
	subtypeHeader   = 0
	subtypeUnion    = 6
	subtypeEthernet = 15

	maxSegmentSize = 1500 + 14
)

// cdcHeaderDescriptor returns the 5-byte CDC Header functional descriptor.
func cdcHeaderDescriptor() []byte {
	return []byte{5, usb.DescriptorTypeCSInterface, subtypeHeader, 0x10, 0x01}
}

// cdcUnionDescriptor returns the 5-byte CDC Union functional descriptor
// binding control interface master to data interface slave.
func cdcUnionDescriptor(master, slave uint8) []byte {
	return []byte{5, usb.DescriptorTypeCSInterface, subtypeUnion, master, slave}
}

// cdcEthernetDescriptor returns the 13-byte CDC Ethernet Networking
// functional descriptor.
func cdcEthernetDescriptor(macStringIndex uint8) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(13)
	buf.WriteByte(usb.DescriptorTypeCSInterface)
	buf.WriteByte(subtypeEthernet)
	buf.WriteByte(macStringIndex)
	binary.Write(buf, binary.LittleEndian, uint32(0)) // EthernetStatistics
	binary.Write(buf, binary.LittleEndian, uint16(maxSegmentSize))
	binary.Write(buf, binary.LittleEndian, uint16(0)) // NumberMCFilters
	buf.WriteByte(0)                                  // NumberPowerFilters
	return buf.Bytes()
}

// NIC bridges a CDC-ECM USB function to a gVisor network stack: every
// Ethernet frame the host sends arrives through the endpoint 1 OUT Function
// and is injected into Link; every frame gVisor queues for transmission is
// drained by the endpoint 1 IN Function on its next poll.
type NIC struct {
	Host   net.HardwareAddr
	Device net.HardwareAddr
	Link   *channel.Endpoint

	maxPacketSize int
	rxBuf         []byte
}

// addToConfiguration attaches the CDC-ECM control and data interfaces to
// conf, wiring endpoint Functions to this NIC's Rx/Tx/Control methods and
// recording the bulk OUT max packet size ECMRx needs for its completion
// check.
func (n *NIC) addToConfiguration(d *usb.Device, conf *usb.ConfigurationDescriptor) {
	control := &usb.InterfaceDescriptor{}
	control.SetDefaults()
	control.InterfaceNumber = 0
	control.InterfaceClass = 2 // CDC Communications
	control.InterfaceSubClass = 6

	iInterface := d.AddString("CDC Ethernet Control Model (ECM)")
	control.Interface = iInterface

	control.ClassDescriptors = append(control.ClassDescriptors, cdcHeaderDescriptor())
	control.ClassDescriptors = append(control.ClassDescriptors, cdcUnionDescriptor(0, 1))

	iMac := d.AddString(macString(n.Host))
	control.ClassDescriptors = append(control.ClassDescriptors, cdcEthernetDescriptor(iMac))

	notify := &usb.EndpointDescriptor{EndpointAddress: 0x82, Attributes: usb.TransferTypeInterrupt, MaxPacketSize: 16, Interval: 9}
	notify.SetDefaults()
	notify.Function = n.ECMControl
	control.Endpoints = append(control.Endpoints, notify)

	data := &usb.InterfaceDescriptor{}
	data.SetDefaults()
	data.InterfaceNumber = 1
	data.InterfaceClass = 10 // CDC Data

	iData := d.AddString("CDC Data")
	data.Interface = iData

	bulkIn := &usb.EndpointDescriptor{EndpointAddress: 0x81, Attributes: usb.TransferTypeBulk, MaxPacketSize: 512}
	bulkIn.SetDefaults()
	bulkIn.Function = n.ECMTx
	data.Endpoints = append(data.Endpoints, bulkIn)

	bulkOut := &usb.EndpointDescriptor{EndpointAddress: 0x01, Attributes: usb.TransferTypeBulk, MaxPacketSize: 512}
	bulkOut.SetDefaults()
	bulkOut.Function = n.ECMRx
	data.Endpoints = append(data.Endpoints, bulkOut)

	n.maxPacketSize = int(bulkOut.MaxPacketSize)

	conf.Interfaces = append(conf.Interfaces, control, data)
}

func macString(mac net.HardwareAddr) string {
	s := mac.String()
	out := make([]byte, 0, len(s))
	for _, c := range s {
		if c != ':' {
			out = append(out, byte(c))
		}
	}
	return string(out)
}

// ECMControl implements the interrupt IN notification endpoint; this
// demo gadget never raises NETWORK_CONNECTION or CONNECTION_SPEED_CHANGE
// notifications on its own, so it has nothing to send.
func (n *NIC) ECMControl(_ []byte, _ error) ([]byte, error) { return nil, nil }

// ECMRx implements the bulk OUT endpoint Function: host-to-device Ethernet
// frames accumulate until a short (or zero-length) packet marks the end of
// the frame, then are handed to the network stack exactly as
// channel.Endpoint expects — link header followed by payload.
func (n *NIC) ECMRx(out []byte, _ error) ([]byte, error) {
	if len(n.rxBuf) == 0 && len(out) < 14 {
		return nil, nil
	}

	n.rxBuf = append(n.rxBuf, out...)

	if len(out) == n.maxPacketSize {
		// more data expected
		return nil, nil
	}

	frame := n.rxBuf
	n.rxBuf = nil

	hdr := buffer.NewViewFromBytes(frame[0:14])
	proto := tcpip.NetworkProtocolNumber(binary.BigEndian.Uint16(frame[12:14]))
	payload := buffer.NewViewFromBytes(frame[14:])

	pkt := &stack.PacketBuffer{
		LinkHeader: hdr,
		Data:       payload.ToVectorisedView(),
	}

	n.Link.InjectInbound(proto, pkt)

	return nil, nil
}

// ECMTx implements the bulk IN endpoint Function: drains one queued
// outbound packet from the network stack's channel endpoint and prepends
// the Ethernet frame header the host expects.
func (n *NIC) ECMTx(_ []byte, _ error) (frame []byte, err error) {
	info, valid := n.Link.Read()
	if !valid {
		return nil, nil
	}

	hdr := info.Pkt.Header.View()
	payload := info.Pkt.Data.ToView()

	proto := make([]byte, 2)
	binary.BigEndian.PutUint16(proto, uint16(info.Proto))

	frame = append(frame, n.Device...)
	frame = append(frame, n.Host...)
	frame = append(frame, proto...)
	frame = append(frame, hdr...)
	frame = append(frame, payload...)

	return frame, nil
}
