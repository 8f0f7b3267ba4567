package vm

import (
	"math"

	"github.com/simberon/beaglest/internal/bigint"
	"github.com/simberon/beaglest/internal/mem"
	"github.com/simberon/beaglest/internal/oop"
)

// PrimitiveTableSize is the fixed size of the primitive function table
// (spec.md §4.6: "The table has 2048 entries").
const PrimitiveTableSize = 2048

// primitiveFn implements one primitive. nArgs excludes the receiver.
// It returns the ABI's (rcode, value) pair directly; the 0xDB/0xDF
// bytecode pair is responsible for pushing and later consuming them.
type primitiveFn func(v *VM, nArgs int) (rcode int64, value oop.OOP, err error)

// Primitive numbers actually wired in this core. Everything else in
// the 2048-entry table falls through to primNotFound, matching
// spec.md §4.6: "unused slots point to a 'not found' handler that
// records an event and resumes the scheduler."
const (
	PrimObjectClass = iota
	PrimObjectIdentityHash
	PrimObjectIdentical
	PrimObjectBasicSize
	PrimObjectBasicAt
	PrimObjectBasicAtPut
	PrimObjectBasicNew
	PrimObjectBasicNewColon
	PrimObjectInstVarAt

	PrimSmallIntAdd
	PrimSmallIntSub
	PrimSmallIntMul
	PrimSmallIntDiv
	PrimSmallIntMod
	PrimSmallIntLess
	PrimSmallIntGreater
	PrimSmallIntLessEq
	PrimSmallIntGreaterEq
	PrimSmallIntEqual
	PrimSmallIntBitAnd
	PrimSmallIntBitOr
	PrimSmallIntBitXor
	PrimSmallIntBitShift

	PrimLargeIntAdd
	PrimLargeIntSub
	PrimLargeIntMul
	PrimLargeIntDivMod
	PrimLargeIntCompare
	PrimLargeIntAsFloat

	PrimFloatAdd
	PrimFloatSub
	PrimFloatMul
	PrimFloatDiv
	PrimFloatLess
	PrimFloatGreater
	PrimFloatEqual
	PrimFloatSqrt
	PrimFloatTruncated

	PrimMemoryAudit
	PrimMemoryGlobalGC
	PrimMemoryScavenge
	PrimMemoryBecome

	primCoreCount
)

// installPrimitives fills v.prim: the wired entries above, everything
// else primNotFound.
func (v *VM) installPrimitives() {
	for i := range v.prim {
		v.prim[i] = primNotFound
	}

	v.prim[PrimObjectClass] = primObjectClass
	v.prim[PrimObjectIdentityHash] = primObjectIdentityHash
	v.prim[PrimObjectIdentical] = primObjectIdentical
	v.prim[PrimObjectBasicSize] = primObjectBasicSize
	v.prim[PrimObjectBasicAt] = primObjectBasicAt
	v.prim[PrimObjectBasicAtPut] = primObjectBasicAtPut
	v.prim[PrimObjectBasicNew] = primObjectBasicNew
	v.prim[PrimObjectBasicNewColon] = primObjectBasicNewColon
	v.prim[PrimObjectInstVarAt] = primObjectInstVarAt

	v.prim[PrimSmallIntAdd] = primSmallIntAdd
	v.prim[PrimSmallIntSub] = primSmallIntSub
	v.prim[PrimSmallIntMul] = primSmallIntMul
	v.prim[PrimSmallIntDiv] = primSmallIntDiv
	v.prim[PrimSmallIntMod] = primSmallIntMod
	v.prim[PrimSmallIntLess] = primSmallIntCompare(func(a, b int64) bool { return a < b })
	v.prim[PrimSmallIntGreater] = primSmallIntCompare(func(a, b int64) bool { return a > b })
	v.prim[PrimSmallIntLessEq] = primSmallIntCompare(func(a, b int64) bool { return a <= b })
	v.prim[PrimSmallIntGreaterEq] = primSmallIntCompare(func(a, b int64) bool { return a >= b })
	v.prim[PrimSmallIntEqual] = primSmallIntCompare(func(a, b int64) bool { return a == b })
	v.prim[PrimSmallIntBitAnd] = primSmallIntBit(func(a, b int64) int64 { return a & b })
	v.prim[PrimSmallIntBitOr] = primSmallIntBit(func(a, b int64) int64 { return a | b })
	v.prim[PrimSmallIntBitXor] = primSmallIntBit(func(a, b int64) int64 { return a ^ b })
	v.prim[PrimSmallIntBitShift] = primSmallIntShift

	v.prim[PrimLargeIntAdd] = primLargeIntBinOp(bigint.Add)
	v.prim[PrimLargeIntSub] = primLargeIntBinOp(bigint.Sub)
	v.prim[PrimLargeIntMul] = primLargeIntBinOp(bigint.Mul)
	v.prim[PrimLargeIntDivMod] = primLargeIntDivMod
	v.prim[PrimLargeIntCompare] = primLargeIntCompare
	v.prim[PrimLargeIntAsFloat] = primLargeIntAsFloat

	v.prim[PrimFloatAdd] = primFloatBinOp(func(a, b float64) float64 { return a + b })
	v.prim[PrimFloatSub] = primFloatBinOp(func(a, b float64) float64 { return a - b })
	v.prim[PrimFloatMul] = primFloatBinOp(func(a, b float64) float64 { return a * b })
	v.prim[PrimFloatDiv] = primFloatDiv
	v.prim[PrimFloatLess] = primFloatCompare(func(a, b float64) bool { return a < b })
	v.prim[PrimFloatGreater] = primFloatCompare(func(a, b float64) bool { return a > b })
	v.prim[PrimFloatEqual] = primFloatCompare(func(a, b float64) bool { return a == b })
	v.prim[PrimFloatSqrt] = primFloatSqrt
	v.prim[PrimFloatTruncated] = primFloatTruncated

	v.prim[PrimMemoryAudit] = primMemoryAudit
	v.prim[PrimMemoryGlobalGC] = primMemoryGlobalGC
	v.prim[PrimMemoryScavenge] = primMemoryScavenge
	v.prim[PrimMemoryBecome] = primMemoryBecome
}

// primNotFound is spec.md §4.6's fallback for every unassigned
// primitive slot: record the event and let the scheduler resume
// (here: report a nonzero rcode and let the image's fallback bytecode
// run).
func primNotFound(v *VM, nArgs int) (int64, oop.OOP, error) {
	v.eventWaiting = true
	return 1, v.heap.Nil(), nil
}

func recv(v *VM, nArgs int) oop.OOP    { return v.fc.peek(int64(nArgs)) }
func arg(v *VM, nArgs, i int) oop.OOP  { return v.fc.peek(int64(nArgs - 1 - i)) }

// --- object primitives ---------------------------------------------

func primObjectClass(v *VM, nArgs int) (int64, oop.OOP, error) {
	return 0, v.classOf(recv(v, nArgs)), nil
}

func primObjectIdentityHash(v *VM, nArgs int) (int64, oop.OOP, error) {
	r := recv(v, nArgs)
	if r.IsImmediate() {
		return 0, oop.NewSmallInteger(int64(r) >> 3), nil
	}
	return 0, mem.HeaderForOOP(r).IdentityHash(), nil
}

func primObjectIdentical(v *VM, nArgs int) (int64, oop.OOP, error) {
	if recv(v, nArgs) == arg(v, nArgs, 0) {
		return 0, v.heap.True(), nil
	}
	return 0, v.heap.False(), nil
}

func primObjectBasicSize(v *VM, nArgs int) (int64, oop.OOP, error) {
	r := recv(v, nArgs)
	if r.IsImmediate() {
		return 0, oop.NewSmallInteger(0), nil
	}
	return 0, oop.NewSmallInteger(int64(mem.HeaderForOOP(r).IndexedCount())), nil
}

func primObjectBasicAt(v *VM, nArgs int) (int64, oop.OOP, error) {
	r := recv(v, nArgs)
	idx := arg(v, nArgs, 0)
	if r.IsImmediate() || !idx.IsSmallInteger() {
		return 1, v.heap.Nil(), nil
	}
	hdr := mem.HeaderForOOP(r)
	i := idx.SmallIntegerValue() - 1
	if i < 0 || uint64(i) >= hdr.IndexedCount() {
		return 1, v.heap.Nil(), nil
	}
	if hdr.IsBytes() {
		return 0, oop.NewSmallInteger(int64(hdr.Body()[i])), nil
	}
	return 0, hdr.IndexedSlot(uint64(i)), nil
}

func primObjectBasicAtPut(v *VM, nArgs int) (int64, oop.OOP, error) {
	r := recv(v, nArgs)
	idx := arg(v, nArgs, 0)
	val := arg(v, nArgs, 1)
	if r.IsImmediate() || !idx.IsSmallInteger() {
		return 1, v.heap.Nil(), nil
	}
	hdr := mem.HeaderForOOP(r)
	i := idx.SmallIntegerValue() - 1
	if i < 0 || uint64(i) >= hdr.IndexedCount() {
		return 1, v.heap.Nil(), nil
	}
	if hdr.IsBytes() {
		hdr.Body()[i] = byte(val.SmallIntegerValue())
	} else {
		hdr.SetIndexedSlot(uint64(i), val)
		v.rememberIfCrossGenerational(r, val)
	}
	return 0, val, nil
}

func primObjectBasicNew(v *VM, nArgs int) (int64, oop.OOP, error) {
	class := recv(v, nArgs)
	o, err := v.instantiate(class, 0)
	if err != nil {
		return 1, v.heap.Nil(), err
	}
	return 0, o, nil
}

func primObjectBasicNewColon(v *VM, nArgs int) (int64, oop.OOP, error) {
	class := recv(v, nArgs)
	size := arg(v, nArgs, 0)
	if !size.IsSmallInteger() {
		return 1, v.heap.Nil(), nil
	}
	o, err := v.instantiate(class, uint64(size.SmallIntegerValue()))
	if err != nil {
		return 1, v.heap.Nil(), err
	}
	return 0, o, nil
}

func primObjectInstVarAt(v *VM, nArgs int) (int64, oop.OOP, error) {
	r := recv(v, nArgs)
	idx := arg(v, nArgs, 0)
	if r.IsImmediate() || !idx.IsSmallInteger() {
		return 1, v.heap.Nil(), nil
	}
	hdr := mem.HeaderForOOP(r)
	i := uint32(idx.SmallIntegerValue() - 1)
	if i >= hdr.NamedInstVars() {
		return 1, v.heap.Nil(), nil
	}
	return 0, hdr.NamedSlot(i), nil
}

// instantiate figures out byte-vs-pointer shape from the class's
// packed flags word (spec.md §3 "flags (packed: low byte = object
// layout flags; high bits = number of named inst-vars)").
func (v *VM) instantiate(class oop.OOP, indexed uint64) (oop.OOP, error) {
	classHdr := mem.HeaderForOOP(class)
	flags := classHdr.NamedSlot(BehaviorFlags).SmallIntegerValue()
	isBytes := flags&0xFF&int64(mem.FlagBytes) != 0
	namedInstVars := uint32(flags >> 8)
	return v.heap.NewInstanceOfClass(class, namedInstVars, indexed, isBytes, v.heap.Eden)
}

// rememberIfCrossGenerational registers holder in the remembered set
// when it is an old-space pointer object and val points into a
// scavenged space (spec.md §3 invariant, §4.2).
func (v *VM) rememberIfCrossGenerational(holder, val oop.OOP) {
	if holder.IsImmediate() || val.IsImmediate() || val == 0 {
		return
	}
	sp := v.heap.SpaceContaining(holder.Address())
	if sp != v.heap.Old {
		return
	}
	valSp := v.heap.SpaceContaining(val.Address())
	if valSp != nil && valSp.Flags&mem.SpaceIsScavenged == mem.SpaceIsScavenged {
		v.heap.RememberedSetAdd(holder)
	}
}

// --- small integer arithmetic ----------------------------------------

// smallIntOverflows reports whether a SmallInteger result's high 4 bits
// are neither all zero nor all one, i.e. the result does not fit the
// immediate range (spec.md §4.7).
func smallIntOverflows(result int64) bool {
	top := result >> 60
	return top != 0 && top != -1
}

func primSmallIntAdd(v *VM, nArgs int) (int64, oop.OOP, error) {
	a := recv(v, nArgs).SmallIntegerValue()
	bv := arg(v, nArgs, 0)
	if !bv.IsSmallInteger() {
		return 1, v.heap.Nil(), nil
	}
	b := bv.SmallIntegerValue()
	sum := a + b
	if smallIntOverflows(sum) {
		return 0, v.reduceLargeInt(bigint.Add(bigint.FromInt64(a), bigint.FromInt64(b))), nil
	}
	return 0, oop.NewSmallInteger(sum), nil
}

func primSmallIntSub(v *VM, nArgs int) (int64, oop.OOP, error) {
	a := recv(v, nArgs).SmallIntegerValue()
	bv := arg(v, nArgs, 0)
	if !bv.IsSmallInteger() {
		return 1, v.heap.Nil(), nil
	}
	b := bv.SmallIntegerValue()
	diff := a - b
	if smallIntOverflows(diff) {
		return 0, v.reduceLargeInt(bigint.Sub(bigint.FromInt64(a), bigint.FromInt64(b))), nil
	}
	return 0, oop.NewSmallInteger(diff), nil
}

// fitsThirtyBits reports whether v needs no more than 30 magnitude
// bits, the native-multiply fast path threshold of spec.md §4.7.
func fitsThirtyBits(v int64) bool {
	return v > -(1<<30) && v < (1<<30)
}

func primSmallIntMul(v *VM, nArgs int) (int64, oop.OOP, error) {
	a := recv(v, nArgs).SmallIntegerValue()
	bv := arg(v, nArgs, 0)
	if !bv.IsSmallInteger() {
		return 1, v.heap.Nil(), nil
	}
	b := bv.SmallIntegerValue()
	if fitsThirtyBits(a) && fitsThirtyBits(b) {
		return 0, oop.NewSmallInteger(a * b), nil
	}
	return 0, v.reduceLargeInt(bigint.Mul(bigint.FromInt64(a), bigint.FromInt64(b))), nil
}

func primSmallIntDiv(v *VM, nArgs int) (int64, oop.OOP, error) {
	a := recv(v, nArgs).SmallIntegerValue()
	bv := arg(v, nArgs, 0)
	if !bv.IsSmallInteger() || bv.SmallIntegerValue() == 0 {
		return 1, v.heap.Nil(), nil
	}
	b := bv.SmallIntegerValue()
	q, _, err := bigint.DivMod(bigint.FromInt64(a), bigint.FromInt64(b))
	if err != nil {
		return 1, v.heap.Nil(), nil
	}
	return 0, v.reduceLargeInt(q), nil
}

func primSmallIntMod(v *VM, nArgs int) (int64, oop.OOP, error) {
	a := recv(v, nArgs).SmallIntegerValue()
	bv := arg(v, nArgs, 0)
	if !bv.IsSmallInteger() || bv.SmallIntegerValue() == 0 {
		return 1, v.heap.Nil(), nil
	}
	b := bv.SmallIntegerValue()
	_, r, err := bigint.DivMod(bigint.FromInt64(a), bigint.FromInt64(b))
	if err != nil {
		return 1, v.heap.Nil(), nil
	}
	return 0, v.reduceLargeInt(r), nil
}

func primSmallIntCompare(cmp func(a, b int64) bool) primitiveFn {
	return func(v *VM, nArgs int) (int64, oop.OOP, error) {
		bv := arg(v, nArgs, 0)
		if !bv.IsSmallInteger() {
			return 1, v.heap.Nil(), nil
		}
		if cmp(recv(v, nArgs).SmallIntegerValue(), bv.SmallIntegerValue()) {
			return 0, v.heap.True(), nil
		}
		return 0, v.heap.False(), nil
	}
}

func primSmallIntBit(op func(a, b int64) int64) primitiveFn {
	return func(v *VM, nArgs int) (int64, oop.OOP, error) {
		bv := arg(v, nArgs, 0)
		if !bv.IsSmallInteger() {
			return 1, v.heap.Nil(), nil
		}
		return 0, oop.NewSmallInteger(op(recv(v, nArgs).SmallIntegerValue(), bv.SmallIntegerValue())), nil
	}
}

func primSmallIntShift(v *VM, nArgs int) (int64, oop.OOP, error) {
	a := recv(v, nArgs).SmallIntegerValue()
	bv := arg(v, nArgs, 0)
	if !bv.IsSmallInteger() {
		return 1, v.heap.Nil(), nil
	}
	n := bv.SmallIntegerValue()
	var result int64
	if n >= 0 {
		result = a << uint(n)
	} else {
		result = a >> uint(-n)
	}
	if smallIntOverflows(result) {
		return 1, v.heap.Nil(), nil
	}
	return 0, oop.NewSmallInteger(result), nil
}

// --- large integer primitives -----------------------------------------

// reduceLargeInt implements largeIntegerReduce (spec.md §4.7):
// shrinks to SmallInteger when the value fits the 60-bit immediate
// range, otherwise allocates a LargePositiveInteger/LargeNegativeInteger.
func (v *VM) reduceLargeInt(n bigint.Int) oop.OOP {
	if sv, ok := n.FitsSmallInteger(); ok {
		return oop.NewSmallInteger(sv)
	}
	class := v.wellKnown(mem.WKLargePositiveIntegerClass)
	if n.Negative {
		class = v.wellKnown(mem.WKLargeNegativeIntegerClass)
	}
	data := n.Bytes()
	o, err := v.heap.NewInstanceOfClass(class, 0, uint64(len(data)), true, v.heap.Eden)
	if err != nil {
		return v.heap.Nil()
	}
	hdr := mem.HeaderForOOP(o)
	copy(hdr.Body(), data)
	return o
}

func (v *VM) largeIntValue(o oop.OOP) bigint.Int {
	if o.IsSmallInteger() {
		return bigint.FromInt64(o.SmallIntegerValue())
	}
	hdr := mem.HeaderForOOP(o)
	negative := hdr.Class() == v.wellKnown(mem.WKLargeNegativeIntegerClass)
	return bigint.FromBytes(hdr.Body(), negative)
}

func primLargeIntBinOp(op func(a, b bigint.Int) bigint.Int) primitiveFn {
	return func(v *VM, nArgs int) (int64, oop.OOP, error) {
		a := v.largeIntValue(recv(v, nArgs))
		b := v.largeIntValue(arg(v, nArgs, 0))
		return 0, v.reduceLargeInt(op(a, b)), nil
	}
}

func primLargeIntDivMod(v *VM, nArgs int) (int64, oop.OOP, error) {
	a := v.largeIntValue(recv(v, nArgs))
	b := v.largeIntValue(arg(v, nArgs, 0))
	q, _, err := bigint.DivMod(a, b)
	if err != nil {
		return 1, v.heap.Nil(), nil
	}
	return 0, v.reduceLargeInt(q), nil
}

func primLargeIntCompare(v *VM, nArgs int) (int64, oop.OOP, error) {
	a := v.largeIntValue(recv(v, nArgs))
	b := v.largeIntValue(arg(v, nArgs, 0))
	return 0, oop.NewSmallInteger(int64(bigint.Cmp(a, b))), nil
}

func primLargeIntAsFloat(v *VM, nArgs int) (int64, oop.OOP, error) {
	a := v.largeIntValue(recv(v, nArgs))
	return 0, oop.NewFloat(a.AsFloat()), nil
}

// --- float primitives --------------------------------------------------

func primFloatBinOp(op func(a, b float64) float64) primitiveFn {
	return func(v *VM, nArgs int) (int64, oop.OOP, error) {
		bv := arg(v, nArgs, 0)
		if !bv.IsFloat() {
			return 1, v.heap.Nil(), nil
		}
		return 0, oop.NewFloat(op(recv(v, nArgs).FloatValue(), bv.FloatValue())), nil
	}
}

func primFloatDiv(v *VM, nArgs int) (int64, oop.OOP, error) {
	bv := arg(v, nArgs, 0)
	if !bv.IsFloat() || bv.FloatValue() == 0 {
		return 1, v.heap.Nil(), nil
	}
	return 0, oop.NewFloat(recv(v, nArgs).FloatValue() / bv.FloatValue()), nil
}

func primFloatCompare(cmp func(a, b float64) bool) primitiveFn {
	return func(v *VM, nArgs int) (int64, oop.OOP, error) {
		bv := arg(v, nArgs, 0)
		if !bv.IsFloat() {
			return 1, v.heap.Nil(), nil
		}
		if cmp(recv(v, nArgs).FloatValue(), bv.FloatValue()) {
			return 0, v.heap.True(), nil
		}
		return 0, v.heap.False(), nil
	}
}

func primFloatSqrt(v *VM, nArgs int) (int64, oop.OOP, error) {
	return 0, oop.NewFloat(math.Sqrt(recv(v, nArgs).FloatValue())), nil
}

func primFloatTruncated(v *VM, nArgs int) (int64, oop.OOP, error) {
	t := math.Trunc(recv(v, nArgs).FloatValue())
	if !oop.FitsSmallInteger(int64(t)) {
		return 1, v.heap.Nil(), nil
	}
	return 0, oop.NewSmallInteger(int64(t)), nil
}

// --- memory primitives ---------------------------------------------

func primMemoryAudit(v *VM, nArgs int) (int64, oop.OOP, error) {
	violations := v.heap.Audit()
	if len(violations) > 0 {
		return 0, oop.NewSmallInteger(int64(len(violations))), nil
	}
	return 0, oop.NewSmallInteger(0), nil
}

func primMemoryGlobalGC(v *VM, nArgs int) (int64, oop.OOP, error) {
	if err := v.heap.GlobalGC(); err != nil {
		return 1, v.heap.Nil(), err
	}
	return 0, v.heap.Nil(), nil
}

func primMemoryScavenge(v *VM, nArgs int) (int64, oop.OOP, error) {
	v.heap.Scavenge()
	return 0, v.heap.Nil(), nil
}

func primMemoryBecome(v *VM, nArgs int) (int64, oop.OOP, error) {
	a := recv(v, nArgs)
	b := arg(v, nArgs, 0)
	if err := v.heap.Become(a, b); err != nil {
		return 1, v.heap.Nil(), nil
	}
	return 0, a, nil
}
