package usb

import "testing"

func newTestQueueEndpoint(t *testing.T, poolSize int) *Endpoint {
	t.Helper()

	c := newTestController(t, 4)
	c.Reset()

	d := NewDevice(c)
	desc := &EndpointDescriptor{EndpointAddress: 0x83, Attributes: TransferTypeBulk, MaxPacketSize: 512}
	desc.SetDefaults()

	return c.configureEndpoint(d, desc, poolSize)
}

func TestQueueSubmitMovesTransferFromFreeToActive(t *testing.T) {
	ep := newTestQueueEndpoint(t, 4)

	free0 := len(ep.queue.free)

	if _, err := ep.queue.Submit(make([]byte, 64), nil); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if got := len(ep.queue.free); got != free0-1 {
		t.Fatalf("free list length = %d, want %d", got, free0-1)
	}

	if got := ep.queue.Pending(); got != 1 {
		t.Fatalf("Pending() = %d, want 1", got)
	}
}

func TestQueueFreeAndActiveSizeInvariant(t *testing.T) {
	const poolSize = 4

	ep := newTestQueueEndpoint(t, poolSize)

	for i := 0; i < poolSize; i++ {
		if _, err := ep.queue.Submit(make([]byte, 8), nil); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}

		if got := len(ep.queue.free) + len(ep.queue.active); got != poolSize {
			t.Fatalf("free+active = %d, want %d (pool size invariant)", got, poolSize)
		}
	}
}

func TestQueueSubmitReturnsErrQueueFullWhenExhausted(t *testing.T) {
	const poolSize = 2

	ep := newTestQueueEndpoint(t, poolSize)

	for i := 0; i < poolSize; i++ {
		if _, err := ep.queue.Submit(make([]byte, 8), nil); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	if _, err := ep.queue.Submit(make([]byte, 8), nil); err != ErrQueueFull {
		t.Fatalf("Submit on an exhausted pool returned %v, want ErrQueueFull", err)
	}
}

func TestQueueSubmitRejectsOversizePayload(t *testing.T) {
	ep := newTestQueueEndpoint(t, 4)

	oversize := make([]byte, ep.queue.maxBytes+1)

	if _, err := ep.queue.Submit(oversize, nil); err != ErrStall {
		t.Fatalf("Submit of an oversize payload returned %v, want ErrStall", err)
	}
}

func TestQueueCompletionsFireInSubmissionOrder(t *testing.T) {
	c := newTestController(t, 4)
	c.Reset()

	d := NewDevice(c)
	desc := &EndpointDescriptor{EndpointAddress: 0x83, Attributes: TransferTypeBulk, MaxPacketSize: 512}
	desc.SetDefaults()
	ep := c.configureEndpoint(d, desc, 4)

	var order []int

	for i := 0; i < 3; i++ {
		i := i
		if _, err := ep.queue.Submit(make([]byte, 8), func(tr *Transfer, n int, err error) {
			order = append(order, i)
		}); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	// Each simulated hardware completion finishes the oldest outstanding
	// descriptor; the queue drains from the active list's head, so the
	// completions must fire in submission order.
	completeOldestTransfer(t, c, ep, 8, false)
	completeOldestTransfer(t, c, ep, 8, false)
	completeOldestTransfer(t, c, ep, 8, false)

	if got := len(order); got != 3 {
		t.Fatalf("got %d completions, want 3", got)
	}

	for i, v := range order {
		if v != i {
			t.Fatalf("completion order = %v, want [0 1 2]", order)
		}
	}
}

func TestQueueCompleteStopsAtFirstStillActiveDescriptor(t *testing.T) {
	c := newTestController(t, 4)
	c.Reset()

	d := NewDevice(c)
	desc := &EndpointDescriptor{EndpointAddress: 0x83, Attributes: TransferTypeBulk, MaxPacketSize: 512}
	desc.SetDefaults()
	ep := c.configureEndpoint(d, desc, 4)

	var completed int

	for i := 0; i < 2; i++ {
		if _, err := ep.queue.Submit(make([]byte, 8), func(tr *Transfer, n int, err error) {
			completed++
		}); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	// Only the oldest transfer's descriptor is marked done; checkTransferEvents
	// must stop walking the active list once it reaches the still-active one.
	completeOldestTransfer(t, c, ep, 8, false)

	if completed != 1 {
		t.Fatalf("completed = %d, want 1 (must not look past a still-active descriptor)", completed)
	}

	if got := ep.queue.Pending(); got != 1 {
		t.Fatalf("Pending() = %d, want 1 remaining active transfer", got)
	}
}

func TestQueueHaltedTransferCompletesWithErrStall(t *testing.T) {
	c := newTestController(t, 4)
	c.Reset()

	d := NewDevice(c)
	desc := &EndpointDescriptor{EndpointAddress: 0x83, Attributes: TransferTypeBulk, MaxPacketSize: 512}
	desc.SetDefaults()
	ep := c.configureEndpoint(d, desc, 4)

	var gotErr error

	if _, err := ep.queue.Submit(make([]byte, 8), func(tr *Transfer, n int, err error) {
		gotErr = err
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	completeOldestTransfer(t, c, ep, 0, true)

	if gotErr != ErrStall {
		t.Fatalf("completion error = %v, want ErrStall", gotErr)
	}
}

func TestQueueSubmitBlockReturnsTransferredByteCount(t *testing.T) {
	c := newTestController(t, 4)
	c.Reset()

	d := NewDevice(c)
	desc := &EndpointDescriptor{EndpointAddress: 0x83, Attributes: TransferTypeBulk, MaxPacketSize: 512}
	desc.SetDefaults()
	ep := c.configureEndpoint(d, desc, 4)

	done := make(chan struct{})

	go func() {
		defer close(done)

		n, err := ep.queue.SubmitBlock(make([]byte, 64))
		if err != nil {
			t.Errorf("SubmitBlock failed: %v", err)
		}
		if n != 32 {
			t.Errorf("SubmitBlock returned n = %d, want 32", n)
		}
	}()

	// Give the blocking goroutine a chance to enqueue before completing it.
	for ep.queue.Pending() == 0 {
	}

	completeOldestTransfer(t, c, ep, 32, false)
	<-done
}

func TestQueueFlushAbortsActiveTransfersWithZeroLength(t *testing.T) {
	ep := newTestQueueEndpoint(t, 4)

	var n1, n2 int
	if _, err := ep.queue.Submit(make([]byte, 16), func(tr *Transfer, n int, err error) { n1 = n }); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := ep.queue.Submit(make([]byte, 16), func(tr *Transfer, n int, err error) { n2 = n }); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	n1, n2 = -1, -1

	ep.queue.flush()

	if n1 != 0 || n2 != 0 {
		t.Fatalf("flush completions = (%d, %d), want (0, 0)", n1, n2)
	}

	if got := ep.queue.Pending(); got != 0 {
		t.Fatalf("Pending() after flush = %d, want 0", got)
	}

	if got := len(ep.queue.free); got != 4 {
		t.Fatalf("free list after flush = %d, want full pool of 4", got)
	}
}

func TestQueueSubmitAckSendsZeroLengthTransfer(t *testing.T) {
	ep := newTestQueueEndpoint(t, 4)

	if _, err := ep.queue.SubmitAck(nil); err != nil {
		t.Fatalf("SubmitAck failed: %v", err)
	}

	ep.queue.mu.Lock()
	tr := ep.queue.active[0]
	ep.queue.mu.Unlock()

	if tr.length != 0 {
		t.Fatalf("SubmitAck transfer length = %d, want 0", tr.length)
	}
}
