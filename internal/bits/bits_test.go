package bits

import "testing"

func TestSetGet(t *testing.T) {
	var w uint32

	Set(&w, 3)

	if got := Get(&w, 3, 1); got != 1 {
		t.Fatalf("Get(3) = %d, want 1", got)
	}

	Clear(&w, 3)

	if got := Get(&w, 3, 1); got != 0 {
		t.Fatalf("Get(3) after Clear = %d, want 0", got)
	}
}

func TestSetN(t *testing.T) {
	var w uint32

	SetN(&w, 16, 0x7ff, 512)

	if got := Get(&w, 16, 0x7ff); got != 512 {
		t.Fatalf("Get(16, 0x7ff) = %d, want 512", got)
	}

	// setting a field must not disturb unrelated bits.
	Set(&w, 30)
	SetN(&w, 16, 0x7ff, 64)

	if got := Get(&w, 30, 1); got != 1 {
		t.Fatalf("unrelated bit 30 clobbered by SetN")
	}

	if got := Get(&w, 16, 0x7ff); got != 64 {
		t.Fatalf("Get(16, 0x7ff) after re-set = %d, want 64", got)
	}
}

func TestSetNOverwritesPreviousValue(t *testing.T) {
	var w uint32 = 0xffffffff

	SetN(&w, 10, 0x3, 0)

	if got := Get(&w, 10, 0x3); got != 0 {
		t.Fatalf("Get(10, 0x3) = %d, want 0 (field not cleared before OR)", got)
	}
}
