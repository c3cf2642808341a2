// Package simreg simulates a controller's memory-mapped register block for
// tests, so the production register-access code path in internal/reg can be
// exercised without real hardware.
//
// A Block is an ordinary page-aligned byte slice; its backing array's address
// is used as the register base exactly as a real MMIO window's physical
// address would be. This works because the Go garbage collector never moves
// or compacts heap allocations, so the address stays valid for the slice's
// lifetime — the same property internal/reg's unsafe.Pointer(uintptr(addr))
// pattern relies on for real registers.
package simreg

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Block is a simulated register window.
type Block struct {
	mem  []byte
	mmap bool
}

// NewBlock allocates a simulated register window of size bytes, page-aligned
// via an anonymous mmap when available (grounded on the host tooling's use
// of golang.org/x/sys for raw syscall access), falling back to a plain make
// on platforms where Mmap is unavailable.
func NewBlock(size int) *Block {
	if size <= 0 {
		size = 4096
	}

	if mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE); err == nil {
		return &Block{mem: mem, mmap: true}
	}

	return &Block{mem: make([]byte, size)}
}

// Close releases the simulated window.
func (b *Block) Close() error {
	if b.mmap {
		return unix.Munmap(b.mem)
	}

	return nil
}

// Base returns the address that internal/reg functions should use as the
// register base for offsets into this block.
func (b *Block) Base() uint32 {
	return uint32(uintptr(unsafe.Pointer(&b.mem[0])))
}

// Size returns the block's length in bytes.
func (b *Block) Size() int {
	return len(b.mem)
}
