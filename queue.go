package usb

import (
	"sync"

	"github.com/usb2dev/ehcicore/internal/dma"
)

// Completion is invoked when a Transfer finishes, successfully or not. n is
// the number of bytes actually transferred; for an IN transfer that is what
// the host read, for OUT what the device received.
type Completion func(t *Transfer, n int, err error)

// Transfer is one pre-allocated DMA work item belonging to a Queue. Callers
// never construct a Transfer directly; Queue.Submit hands one out of its
// free list and Queue.complete returns it once the controller reports it
// finished.
type Transfer struct {
	queue *Queue

	td      transferDescriptor
	tdAddr  uint32
	buf     []byte
	bufAddr uint32
	cap     int

	length     int
	completion Completion
}

// Queue is a fixed-size pool of Transfers recycled between an endpoint's
// free list (available for Submit) and active list (outstanding, awaiting
// the controller). This avoids allocating a transfer descriptor per
// request: the pool size is chosen up front and Submit returns
// ErrQueueFull once it is exhausted, the same backpressure the original
// firmware's usb_transfer_schedule applies when its free list is empty.
type Queue struct {
	mu sync.Mutex

	ep       *Endpoint
	maxBytes int

	free   []*Transfer
	active []*Transfer
}

// newQueue allocates poolSize Transfers, each able to carry up to maxBytes
// of payload (capped at the controller's 20KiB-per-descriptor limit), and
// reserves their DMA-visible buffers and descriptors up front.
func newQueue(ep *Endpoint, region *dma.Region, poolSize, maxBytes int) *Queue {
	if maxBytes > maxTDBytes {
		maxBytes = maxTDBytes
	}

	q := &Queue{ep: ep, maxBytes: maxBytes}

	for i := 0; i < poolSize; i++ {
		t := &Transfer{queue: q, cap: maxBytes}

		addr, buf := region.Reserve(maxBytes, tdPageSize)
		t.bufAddr = addr
		t.buf = buf

		tdAddr, _ := region.Reserve(tdWireSize, tdAlign)
		t.tdAddr = tdAddr
		t.td.dmaAddr = tdAddr

		q.free = append(q.free, t)
	}

	return q
}

// Submit enqueues buf for transfer, invoking completion once it finishes.
// For an IN-direction endpoint buf's contents are copied into the
// transfer's DMA buffer and sent; for OUT, len(buf) is the number of bytes
// the transfer can receive, the received data lands in the transfer's own
// DMA buffer, and completion's n counts the bytes received. Enqueueing a
// transfer descriptor races with the controller's own IRQ-driven dequeue of
// completed ones, so Submit holds the queue's mutex while it moves the
// Transfer between the free and active lists.
func (q *Queue) Submit(buf []byte, completion Completion) (*Transfer, error) {
	if len(buf) > q.maxBytes {
		return nil, ErrStall
	}

	q.mu.Lock()

	if len(q.free) == 0 {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}

	t := q.free[len(q.free)-1]
	q.free = q.free[:len(q.free)-1]

	t.length = len(buf)
	t.completion = completion

	if !q.ep.In() {
		copy(t.buf, buf)
	}

	var prev *Transfer
	if n := len(q.active); n > 0 {
		prev = q.active[n-1]
	}

	q.active = append(q.active, t)

	q.mu.Unlock()

	q.ep.controller.scheduleAppend(q.ep, prev, t, buf)

	return t, nil
}

// SubmitAck submits a zero-length transfer, the shape every control
// transfer's status stage acknowledgment takes (§4.2 submit_ack).
func (q *Queue) SubmitAck(completion Completion) (*Transfer, error) {
	return q.Submit(nil, completion)
}

// SubmitBlock submits buf and blocks the calling goroutine until the
// transfer completes, returning the bytes transferred and any error.
// Equivalent to the original firmware's usb_transfer_schedule_block.
func (q *Queue) SubmitBlock(buf []byte) (int, error) {
	done := make(chan struct{})

	var n int
	var rerr error

	_, err := q.Submit(buf, func(t *Transfer, transferred int, terr error) {
		n, rerr = transferred, terr
		close(done)
	})

	if err != nil {
		return 0, err
	}

	<-done

	return n, rerr
}

// flush aborts every active transfer, invoking each completion with
// length=0 before returning it to the free list, matching
// usb_flush_endpoint's contract (§4.2, §7 — a flush is not an error, but
// every outstanding Transfer still owes its caller exactly one completion
// call).
func (q *Queue) flush() {
	q.mu.Lock()
	aborted := q.active
	q.active = nil
	q.mu.Unlock()

	for _, t := range aborted {
		if cb := t.completion; cb != nil {
			cb(t, 0, nil)
		}
	}

	q.mu.Lock()
	q.free = append(q.free, aborted...)
	q.mu.Unlock()
}

// complete is called from the controller's IRQ dispatch when it observes
// ENDPTCOMPLETE set for this endpoint's direction. It walks the active list
// from the head, in FIFO order, draining every transfer descriptor the
// controller has actually finished and invoking its completion before
// returning it to the free list; it stops at the first descriptor isDone
// reports as still active (§4.2 transfer_complete), since one IRQ can
// observe more than one descriptor finished back to back.
func (q *Queue) complete(isDone func(t *Transfer) (done bool, n int, err error)) {
	for {
		q.mu.Lock()

		if len(q.active) == 0 {
			q.mu.Unlock()
			return
		}

		t := q.active[0]

		q.mu.Unlock()

		done, n, err := isDone(t)
		if !done {
			return
		}

		q.mu.Lock()
		q.active = q.active[1:]
		q.mu.Unlock()

		if cb := t.completion; cb != nil {
			cb(t, n, err)
		}

		q.mu.Lock()
		q.free = append(q.free, t)
		q.mu.Unlock()
	}
}

// Pending reports how many transfers are currently outstanding on this
// queue.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.active)
}
