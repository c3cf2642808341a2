// Package usb implements a device-side (peripheral-mode) USB 2.0 core for an
// EHCI-like dual-controller chip: two independent controllers, each with its
// own register block, queue head array and endpoint set, share no state
// except the package-level device registry used by their interrupt
// trampolines.
//
// The core is organized around the controller's own data model rather than a
// generic USB stack abstraction: queue heads and transfer descriptors are
// laid out exactly as the silicon expects them in DMA memory (queuehead.go),
// each endpoint direction has its own queue head slot and may be linked to
// its opposite direction as a partner (endpoint.go), a fixed-size pool of
// pre-allocated Transfers is recycled per endpoint instead of allocating on
// every request (queue.go), and the standard Chapter 9 request dispatcher
// sits on top of a small control-pipe state machine that restarts on every
// SETUP packet (control.go, standard.go).
package usb
