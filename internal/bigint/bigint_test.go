package bigint

import "testing"

func TestFromInt64RoundTrip(t *testing.T) {
	cases := []int64{0, 1, -1, 42, -42, 1 << 40, -(1 << 40), 1<<62 - 1, -(1 << 62)}
	for _, v := range cases {
		n := FromInt64(v)
		got, ok := n.FitsInt64()
		if !ok {
			t.Fatalf("FromInt64(%d): FitsInt64 = false", v)
		}
		if got != v {
			t.Fatalf("FromInt64(%d) round trip: got %d", v, got)
		}
	}
}

func TestAddSub(t *testing.T) {
	cases := []struct{ a, b int64 }{
		{1, 2}, {-1, 2}, {1, -2}, {-1, -2},
		{1 << 40, 1 << 40}, {-(1 << 40), 1 << 40}, {0, 5}, {5, 0}, {3, 3}, {-3, -3},
	}
	for _, c := range cases {
		sum := Add(FromInt64(c.a), FromInt64(c.b))
		if v, ok := sum.FitsInt64(); !ok || v != c.a+c.b {
			t.Fatalf("Add(%d,%d): got %v ok=%v, want %d", c.a, c.b, v, ok, c.a+c.b)
		}
		diff := Sub(FromInt64(c.a), FromInt64(c.b))
		if v, ok := diff.FitsInt64(); !ok || v != c.a-c.b {
			t.Fatalf("Sub(%d,%d): got %v ok=%v, want %d", c.a, c.b, v, ok, c.a-c.b)
		}
	}
}

func TestMulMatchesClassicalAndKaratsuba(t *testing.T) {
	cases := []struct{ a, b int64 }{
		{0, 5}, {7, 6}, {-7, 6}, {7, -6}, {-7, -6}, {1 << 30, 1 << 30}, {-(1 << 30), 1 << 30},
	}
	for _, c := range cases {
		want := c.a * c.b
		got := Mul(FromInt64(c.a), FromInt64(c.b))
		if v, ok := got.FitsInt64(); !ok || v != want {
			t.Fatalf("Mul(%d,%d): got %v ok=%v, want %d", c.a, c.b, v, ok, want)
		}
		fast := MulFast(FromInt64(c.a), FromInt64(c.b))
		if v, ok := fast.FitsInt64(); !ok || v != want {
			t.Fatalf("MulFast(%d,%d): got %v ok=%v, want %d", c.a, c.b, v, ok, want)
		}
	}
}

func TestMulFastLargeOperandsAgreeWithClassical(t *testing.T) {
	// Force the Karatsuba path (>= karatsubaThreshold 32-bit components)
	// on both operands and check it agrees with the classical product.
	a := Int{Components: make([]uint32, 40)}
	b := Int{Components: make([]uint32, 40)}
	for i := range a.Components {
		a.Components[i] = uint32(i*2654435761 + 1)
		b.Components[i] = uint32(i*40503 + 7)
	}
	classical := Mul(a, b)
	fast := MulFast(a, b)
	if Cmp(classical, fast) != 0 {
		t.Fatalf("classical and Karatsuba products disagree")
	}
}

func TestDivModTruncatingToEuclidean(t *testing.T) {
	cases := []struct{ a, b, q, r int64 }{
		{7, 2, 3, 1},
		{-7, 2, -4, 1},
		{7, -2, -3, 1},
		{-7, -2, 4, 1},
		{6, 2, 3, 0},
		{-6, 2, -3, 0},
		{0, 5, 0, 0},
		{1, 1000, 0, 1},
		{-1, 1000, -1, 999},
	}
	for _, c := range cases {
		q, r, err := DivMod(FromInt64(c.a), FromInt64(c.b))
		if err != nil {
			t.Fatalf("DivMod(%d,%d): unexpected error %v", c.a, c.b, err)
		}
		qv, _ := q.FitsInt64()
		rv, _ := r.FitsInt64()
		if qv != c.q || rv != c.r {
			t.Fatalf("DivMod(%d,%d): got q=%d r=%d, want q=%d r=%d", c.a, c.b, qv, rv, c.q, c.r)
		}
		// invariant: a == q*b + r, and 0 <= r < |b|
		recombined := Add(Mul(q, FromInt64(c.b)), r)
		if v, _ := recombined.FitsInt64(); v != c.a {
			t.Fatalf("DivMod(%d,%d): q*b+r = %d, want %d", c.a, c.b, v, c.a)
		}
		if rv < 0 || rv >= abs(c.b) {
			t.Fatalf("DivMod(%d,%d): remainder %d out of [0,%d)", c.a, c.b, rv, abs(c.b))
		}
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestDivModMultiComponentDivisorNotNormalized(t *testing.T) {
	// b = 0x100000001 has two 32-bit components ([1,1]) whose top word's
	// high bit is unset, forcing Knuth normalization to shift by a
	// nonzero amount. Regression test for a divide-by-zero panic this
	// case used to trigger (see bigint.go's divModMagKnuth).
	b := FromInt64(0x100000001)
	if len(b.Components) != 2 {
		t.Fatalf("test setup: want a 2-component divisor, got %d components", len(b.Components))
	}
	a := FromInt64(0x100000001*7 + 12345)
	q, r, err := DivMod(a, b)
	if err != nil {
		t.Fatalf("DivMod: unexpected error %v", err)
	}
	qv, _ := q.FitsInt64()
	rv, _ := r.FitsInt64()
	if qv != 7 || rv != 12345 {
		t.Fatalf("DivMod: got q=%d r=%d, want q=7 r=12345", qv, rv)
	}
}

func TestDivModByZero(t *testing.T) {
	_, _, err := DivMod(FromInt64(1), FromInt64(0))
	if err == nil {
		t.Fatal("DivMod by zero should return an error")
	}
}

func TestCmp(t *testing.T) {
	cases := []struct {
		a, b int64
		want int
	}{
		{1, 2, -1}, {2, 1, 1}, {1, 1, 0}, {-1, 1, -1}, {1, -1, 1}, {-5, -3, -1}, {0, 0, 0},
	}
	for _, c := range cases {
		if got := Cmp(FromInt64(c.a), FromInt64(c.b)); got != c.want {
			t.Fatalf("Cmp(%d,%d): got %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestFitsSmallInteger(t *testing.T) {
	n := FromInt64(1 << 60 - 1)
	if _, ok := n.FitsSmallInteger(); !ok {
		t.Fatal("1<<60-1 should fit as SmallInteger")
	}
	n2 := FromInt64(1 << 60)
	if _, ok := n2.FitsSmallInteger(); ok {
		t.Fatal("1<<60 should not fit as SmallInteger")
	}
}

func TestBytesRoundTrip(t *testing.T) {
	n := FromInt64(0x0102030405)
	b := n.Bytes()
	got := FromBytes(b, n.Negative)
	if Cmp(got, n) != 0 {
		t.Fatalf("Bytes round trip: got %+v, want %+v", got, n)
	}

	neg := FromInt64(-0x0102030405)
	b2 := neg.Bytes()
	got2 := FromBytes(b2, true)
	if Cmp(got2, neg) != 0 {
		t.Fatalf("negative Bytes round trip: got %+v, want %+v", got2, neg)
	}
}

func TestAsFloat(t *testing.T) {
	n := FromInt64(1000000)
	if got := n.AsFloat(); got != 1000000.0 {
		t.Fatalf("AsFloat: got %v, want 1000000", got)
	}
	neg := FromInt64(-1000000)
	if got := neg.AsFloat(); got != -1000000.0 {
		t.Fatalf("AsFloat negative: got %v, want -1000000", got)
	}
}

func TestIsZero(t *testing.T) {
	if !Zero.IsZero() {
		t.Fatal("Zero.IsZero() should be true")
	}
	if !FromInt64(0).IsZero() {
		t.Fatal("FromInt64(0).IsZero() should be true")
	}
	if FromInt64(1).IsZero() {
		t.Fatal("FromInt64(1).IsZero() should be false")
	}
}
