// Package dma provides a first-fit memory allocator for DMA-visible buffers.
//
// Queue heads and transfer descriptors must live at fixed, aligned addresses
// that the controller's DMA engine can read and write directly, so they
// cannot be ordinary Go heap values (the runtime may be built without a
// moving collector on the target, but more importantly the memory backing
// them must come from a region the linker has marked non-cacheable /
// reserved for the peripheral, which Go's allocator knows nothing about).
// This package models that region as an explicit, injectable Region so the
// same controller code runs against a real reserved RAM window on hardware
// and against a plain heap-backed Region in tests.
package dma

import (
	"container/list"
	"fmt"
	"reflect"
	"sync"
	"unsafe"
)

type block struct {
	addr uint32
	size int
	// reserved blocks are allocated via Reserve and freed via Release;
	// regular blocks via Alloc and Free. The two are not interchangeable.
	reserved bool
}

// Region represents a memory range allocated for DMA purposes.
type Region struct {
	mu sync.Mutex

	Start uint32
	Size  int

	free *list.List
	used map[uint32]*block
}

// Init prepares the region as a single free block spanning its whole range.
// The caller must guarantee the range is never used for anything else.
func (r *Region) Init() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.free = list.New()
	r.free.PushFront(&block{addr: r.Start, size: r.Size})
	r.used = make(map[uint32]*block)
}

func align(addr uint32, a int) uint32 {
	if a <= 0 {
		a = 4
	}

	mod := addr % uint32(a)
	if mod == 0 {
		return addr
	}

	return addr + uint32(a) - mod
}

// alloc finds and carves the first free block that fits size at the required
// alignment, splitting off any leftover space at the front and back.
func (r *Region) alloc(size int, al int) *block {
	for e := r.free.Front(); e != nil; e = e.Next() {
		fb := e.Value.(*block)

		start := align(fb.addr, al)
		pad := int(start - fb.addr)
		need := pad + size

		if need > fb.size {
			continue
		}

		r.free.Remove(e)

		if pad > 0 {
			r.free.PushBack(&block{addr: fb.addr, size: pad})
		}

		if rem := fb.size - need; rem > 0 {
			r.free.PushBack(&block{addr: start + uint32(size), size: rem})
		}

		return &block{addr: start, size: size}
	}

	panic(fmt.Sprintf("dma: out of memory allocating %d bytes", size))
}

func (r *Region) free_(b *block) {
	// naive: return the block to the free list without coalescing
	// neighbours. Fragmentation is bounded by the small, fixed set of
	// QH/TD sizes this package is used for.
	r.free.PushBack(&block{addr: b.addr, size: b.size})
}

func sliceAt(addr uint32, size int) []byte {
	var buf []byte

	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&buf))
	hdr.Data = uintptr(addr)
	hdr.Len = size
	hdr.Cap = size

	return buf
}

// Reserve allocates size bytes at the given alignment and returns both the
// address and a byte slice mapped onto it. Unlike Alloc, the returned buffer
// is uninitialized and is not copied from a caller-owned slice; it is meant
// for buffers the caller will fill in place (e.g. a QH/TD array). Free the
// buffer with Release.
func (r *Region) Reserve(size int, al int) (addr uint32, buf []byte) {
	if size == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.alloc(size, al)
	b.reserved = true
	r.used[b.addr] = b

	return b.addr, sliceAt(b.addr, size)
}

// Reserved reports whether buf's backing memory lies within this region.
func (r *Region) Reserved(buf []byte) (yes bool, addr uint32) {
	if len(buf) == 0 {
		return false, 0
	}

	addr = uint32(uintptr(unsafe.Pointer(&buf[0])))
	yes = addr >= r.Start && addr+uint32(len(buf)) <= r.Start+uint32(r.Size)

	return
}

// Alloc copies buf into a newly allocated block of the region and returns
// its address. If buf was itself produced by Reserve, its existing address
// is returned without copying.
func (r *Region) Alloc(buf []byte, al int) (addr uint32) {
	if len(buf) == 0 {
		return 0
	}

	if yes, a := r.Reserved(buf); yes {
		return a
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.alloc(len(buf), al)
	r.used[b.addr] = b

	copy(sliceAt(b.addr, b.size), buf)

	return b.addr
}

// Read copies len(buf) bytes from addr+off into buf. addr must have been
// returned by Alloc or Reserve.
func (r *Region) Read(addr uint32, off int, buf []byte) {
	if addr == 0 || len(buf) == 0 {
		return
	}

	r.mu.Lock()
	b, ok := r.used[addr]
	r.mu.Unlock()

	if !ok {
		panic("dma: read of unallocated address")
	}

	if off+len(buf) > b.size {
		panic("dma: read out of bounds")
	}

	copy(buf, sliceAt(addr, b.size)[off:off+len(buf)])
}

// Write copies buf into the region at addr+off. addr must have been returned
// by Alloc or Reserve.
func (r *Region) Write(addr uint32, off int, buf []byte) {
	if addr == 0 || len(buf) == 0 {
		return
	}

	r.mu.Lock()
	b, ok := r.used[addr]
	r.mu.Unlock()

	if !ok {
		return
	}

	if off+len(buf) > b.size {
		panic("dma: write out of bounds")
	}

	copy(sliceAt(addr, b.size)[off:off+len(buf)], buf)
}

// Free releases a block allocated with Alloc.
func (r *Region) Free(addr uint32) {
	r.release(addr, false)
}

// Release releases a block allocated with Reserve.
func (r *Region) Release(addr uint32) {
	r.release(addr, true)
}

func (r *Region) release(addr uint32, reserved bool) {
	if addr == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.used[addr]
	if !ok || b.reserved != reserved {
		return
	}

	r.free_(b)
	delete(r.used, addr)
}

var global *Region

// Init initializes the package-level default region. Applications that need
// more than one DMA-visible range (e.g. one per controller) should use
// Region directly instead.
func Init(start uint32, size int) {
	global = &Region{Start: start, Size: size}
	global.Init()
}

// Default returns the package-level default region, or nil if Init was never
// called.
func Default() *Region { return global }

func Reserve(size int, al int) (uint32, []byte) { return global.Reserve(size, al) }
func Reserved(buf []byte) (bool, uint32)        { return global.Reserved(buf) }
func Alloc(buf []byte, al int) uint32           { return global.Alloc(buf, al) }
func Read(addr uint32, off int, buf []byte)     { global.Read(addr, off, buf) }
func Write(addr uint32, off int, buf []byte)    { global.Write(addr, off, buf) }
func Free(addr uint32)                          { global.Free(addr) }
func Release(addr uint32)                       { global.Release(addr) }
