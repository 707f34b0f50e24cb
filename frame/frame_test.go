package frame

import "testing"

func TestNullFrame(t *testing.T) {
	if !Null.IsNull() {
		t.Fatal("Null.IsNull() = false")
	}
	if Frame(0).IsNull() {
		t.Fatal("Frame(0).IsNull() = true")
	}
}

func TestAdd(t *testing.T) {
	cases := []struct {
		f     Frame
		delta int
		want  Frame
	}{
		{0, 5, 5},
		{10, -3, 7},
		{Null, 5, Null},
	}
	for _, c := range cases {
		if got := c.f.Add(c.delta); got != c.want {
			t.Errorf("%v.Add(%d) = %v, want %v", c.f, c.delta, got, c.want)
		}
	}
}

func TestSub(t *testing.T) {
	if got := Frame(10).Sub(Frame(4)); got != 6 {
		t.Errorf("Sub = %d, want 6", got)
	}
	if got := Null.Sub(Frame(4)); got != 0 {
		t.Errorf("Sub with Null = %d, want 0", got)
	}
}

func TestMod(t *testing.T) {
	cases := []struct {
		f    Frame
		n    int
		want int
	}{
		{5, 3, 2},
		{-1, 3, 0}, // Null (-1) is treated specially, returns 0
		{3, 3, 0},
	}
	for _, c := range cases {
		if got := c.f.Mod(c.n); got != c.want {
			t.Errorf("%v.Mod(%d) = %d, want %d", c.f, c.n, got, c.want)
		}
	}

	// A real negative frame (not the Null sentinel) must still wrap positive.
	if got := Frame(-4).Mod(3); got != 2 {
		t.Errorf("Frame(-4).Mod(3) = %d, want 2", got)
	}
}

func TestModPanicsOnNonPositive(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non-positive modulus")
		}
	}()
	Frame(0).Mod(0)
}

func TestBefore(t *testing.T) {
	if !Null.Before(Frame(0)) {
		t.Error("Null should be before any real frame")
	}
	if Frame(0).Before(Null) {
		t.Error("no real frame should be before Null")
	}
	if Null.Before(Null) {
		t.Error("Null should not be before itself")
	}
	if !Frame(1).Before(Frame(2)) {
		t.Error("1 should be before 2")
	}
}

func TestPlayerHandleNull(t *testing.T) {
	if !NullPlayer.IsNull() {
		t.Fatal("NullPlayer.IsNull() = false")
	}
	if PlayerHandle(0).IsNull() {
		t.Fatal("PlayerHandle(0).IsNull() = true")
	}
}
