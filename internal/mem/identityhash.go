package mem

import "math/rand"

// randomIdentityHash returns a fresh random 60-bit value, the width
// an identityHash can occupy while still fitting an immediate
// SmallInteger (spec.md §3: "an immutable random 60-bit value
// assigned at allocation").
func randomIdentityHash() int64 {
	return int64(rand.Uint64() & ((1 << 60) - 1))
}
