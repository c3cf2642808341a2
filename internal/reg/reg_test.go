package reg_test

import (
	"testing"
	"time"

	"github.com/usb2dev/ehcicore/internal/reg"
	"github.com/usb2dev/ehcicore/internal/simreg"
)

func TestSetClearGet(t *testing.T) {
	blk := simreg.NewBlock(4096)
	defer blk.Close()

	addr := blk.Base()

	reg.Set(addr, 5)

	if got := reg.Get(addr, 5, 1); got != 1 {
		t.Fatalf("Get(5) = %d, want 1", got)
	}

	reg.Clear(addr, 5)

	if got := reg.Get(addr, 5, 1); got != 0 {
		t.Fatalf("Get(5) after Clear = %d, want 0", got)
	}
}

func TestSetNClearN(t *testing.T) {
	blk := simreg.NewBlock(4096)
	defer blk.Close()

	addr := blk.Base()

	reg.SetN(addr, 16, 0x3, 2)

	if got := reg.Get(addr, 16, 0x3); got != 2 {
		t.Fatalf("Get(16,0x3) = %d, want 2", got)
	}

	reg.ClearN(addr, 16, 0x3)

	if got := reg.Get(addr, 16, 0x3); got != 0 {
		t.Fatalf("Get(16,0x3) after ClearN = %d, want 0", got)
	}
}

func TestWriteReadOr(t *testing.T) {
	blk := simreg.NewBlock(4096)
	defer blk.Close()

	addr := blk.Base()

	reg.Write(addr, 0xdeadbeef)

	if got := reg.Read(addr); got != 0xdeadbeef {
		t.Fatalf("Read = %#x, want 0xdeadbeef", got)
	}

	reg.Write(addr, 0)
	reg.Or(addr, 0x0f)
	reg.Or(addr, 0xf0)

	if got := reg.Read(addr); got != 0xff {
		t.Fatalf("Read after Or = %#x, want 0xff", got)
	}
}

func TestWaitForTimesOut(t *testing.T) {
	blk := simreg.NewBlock(4096)
	defer blk.Close()

	addr := blk.Base()

	ok := reg.WaitFor(10*time.Millisecond, addr, 0, 1, 1)

	if ok {
		t.Fatal("WaitFor reported success on a register that never changed")
	}
}

func TestWaitForObservesChange(t *testing.T) {
	blk := simreg.NewBlock(4096)
	defer blk.Close()

	addr := blk.Base()

	go func() {
		time.Sleep(2 * time.Millisecond)
		reg.Set(addr, 0)
	}()

	if !reg.WaitFor(time.Second, addr, 0, 1, 1) {
		t.Fatal("WaitFor did not observe the bit being set")
	}
}
