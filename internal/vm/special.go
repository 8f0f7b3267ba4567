package vm

import (
	"github.com/simberon/beaglest/internal/bigint"
	"github.com/simberon/beaglest/internal/mem"
	"github.com/simberon/beaglest/internal/oop"
)

// specialSelector identifies one of the 21 built-ins the 0xD6 fast
// path recognizes (spec.md §4.4). The operand byte following 0xD6
// names the selector; nArgs follows that.
type specialSelector byte

const (
	SpecialPlus specialSelector = iota
	SpecialMinus
	SpecialTimes
	SpecialDivide
	SpecialLess
	SpecialGreater
	SpecialLessEq
	SpecialGreaterEq
	SpecialEqual
	SpecialNotEqual
	SpecialIdentityEqual
	SpecialIsNil
	SpecialNotNil
	SpecialClass
	SpecialEvaluate
	SpecialPrintString
	SpecialRaiseSignal
	SpecialPerformWithArguments
	SpecialHalt
	SpecialDebugIt
	SpecialEvaluateJsonString
)

// specialSelectorSend implements the 0xD6 fast path: each case inlines
// the common int×int / float×float path and falls back to a full
// send otherwise (spec.md §4.4).
func (v *VM) specialSelectorSend() error {
	sel := specialSelector(v.fc.fetchByte())
	nArgs := int(v.fc.fetchByte())

	switch sel {
	case SpecialPlus, SpecialMinus, SpecialTimes, SpecialDivide,
		SpecialLess, SpecialGreater, SpecialLessEq, SpecialGreaterEq:
		if v.inlineArith(sel) {
			return nil
		}
		return v.send(v.specialSelectorSymbol(sel), nArgs, 0)

	case SpecialEqual:
		a, b := v.fc.peek(1), v.fc.peek(0)
		if a.IsSmallInteger() && b.IsSmallInteger() {
			v.fc.pop()
			v.fc.pop()
			v.fc.push(v.boolFor(a == b))
			return nil
		}
		return v.send(v.specialSelectorSymbol(sel), nArgs, 0)

	case SpecialNotEqual:
		a, b := v.fc.peek(1), v.fc.peek(0)
		if a.IsSmallInteger() && b.IsSmallInteger() {
			v.fc.pop()
			v.fc.pop()
			v.fc.push(v.boolFor(a != b))
			return nil
		}
		return v.send(v.specialSelectorSymbol(sel), nArgs, 0)

	case SpecialIdentityEqual:
		a, b := v.fc.pop(), v.fc.pop()
		v.fc.push(v.boolFor(a == b))
		return nil

	case SpecialIsNil:
		v.fc.push(v.boolFor(v.fc.pop() == v.heap.Nil()))
		return nil

	case SpecialNotNil:
		v.fc.push(v.boolFor(v.fc.pop() != v.heap.Nil()))
		return nil

	case SpecialClass:
		v.fc.push(v.classOf(v.fc.pop()))
		return nil

	case SpecialEvaluate:
		return v.evaluateBlock(nArgs)

	case SpecialPrintString:
		return v.send(v.specialSelectorSymbol(sel), nArgs, 0)

	case SpecialRaiseSignal:
		return v.send(v.specialSelectorSymbol(sel), nArgs, 0)

	case SpecialPerformWithArguments:
		return v.performWithArguments()

	case SpecialHalt:
		v.breakpoint = true
		return nil

	case SpecialDebugIt:
		v.breakpoint = true
		v.errorString = "debugIt:"
		return nil

	case SpecialEvaluateJsonString:
		return v.send(v.specialSelectorSymbol(sel), nArgs, 0)

	default:
		return v.send(v.specialSelectorSymbol(sel), nArgs, 0)
	}
}

func (v *VM) boolFor(b bool) oop.OOP {
	if b {
		return v.heap.True()
	}
	return v.heap.False()
}

// inlineArith handles the int×int and float×float fast paths for the
// four arithmetic and four comparison special selectors, returning
// false when the operands don't both match one immediate kind (the
// caller then falls back to a full send). SmallInteger overflow
// escalates to LargeInteger via the same path primitives.go uses
// (spec.md §4.4, §4.7).
func (v *VM) inlineArith(sel specialSelector) bool {
	a, b := v.fc.peek(1), v.fc.peek(0)

	if a.IsSmallInteger() && b.IsSmallInteger() {
		v.fc.pop()
		v.fc.pop()
		x, y := a.SmallIntegerValue(), b.SmallIntegerValue()
		switch sel {
		case SpecialPlus:
			sum := x + y
			if smallIntOverflows(sum) {
				v.fc.push(v.reduceLargeInt(bigint.Add(bigint.FromInt64(x), bigint.FromInt64(y))))
			} else {
				v.fc.push(oop.NewSmallInteger(sum))
			}
		case SpecialMinus:
			diff := x - y
			if smallIntOverflows(diff) {
				v.fc.push(v.reduceLargeInt(bigint.Sub(bigint.FromInt64(x), bigint.FromInt64(y))))
			} else {
				v.fc.push(oop.NewSmallInteger(diff))
			}
		case SpecialTimes:
			if fitsThirtyBits(x) && fitsThirtyBits(y) {
				v.fc.push(oop.NewSmallInteger(x * y))
			} else {
				v.fc.push(v.reduceLargeInt(bigint.Mul(bigint.FromInt64(x), bigint.FromInt64(y))))
			}
		case SpecialDivide:
			if y == 0 {
				v.fc.push(a)
				v.fc.push(b)
				return false
			}
			v.fc.push(oop.NewSmallInteger(x / y))
		case SpecialLess:
			v.fc.push(v.boolFor(x < y))
		case SpecialGreater:
			v.fc.push(v.boolFor(x > y))
		case SpecialLessEq:
			v.fc.push(v.boolFor(x <= y))
		case SpecialGreaterEq:
			v.fc.push(v.boolFor(x >= y))
		}
		return true
	}

	if a.IsFloat() && b.IsFloat() {
		v.fc.pop()
		v.fc.pop()
		x, y := a.FloatValue(), b.FloatValue()
		switch sel {
		case SpecialPlus:
			v.fc.push(oop.NewFloat(x + y))
		case SpecialMinus:
			v.fc.push(oop.NewFloat(x - y))
		case SpecialTimes:
			v.fc.push(oop.NewFloat(x * y))
		case SpecialDivide:
			if y == 0 {
				v.fc.push(a)
				v.fc.push(b)
				return false
			}
			v.fc.push(oop.NewFloat(x / y))
		case SpecialLess:
			v.fc.push(v.boolFor(x < y))
		case SpecialGreater:
			v.fc.push(v.boolFor(x > y))
		case SpecialLessEq:
			v.fc.push(v.boolFor(x <= y))
		case SpecialGreaterEq:
			v.fc.push(v.boolFor(x >= y))
		}
		return true
	}

	return false
}

// specialSelectorSymbol recovers the real selector symbol for a
// special selector via the well-known bytecode table's literal pool,
// used only on the (rare) fallback-to-full-send path.
func (v *VM) specialSelectorSymbol(sel specialSelector) oop.OOP {
	table := v.wellKnown(mem.WKBytecodeTable)
	if table.IsImmediate() || table == 0 {
		return v.heap.Nil()
	}
	hdr := mem.HeaderForOOP(table)
	if int(sel) >= int(hdr.IndexedCount()) {
		return v.heap.Nil()
	}
	return hdr.IndexedSlot(uint64(sel))
}

// evaluateBlock runs a BlockClosure's compiled block directly instead
// of a full method dispatch: pushes copiedValues then nArgs
// arguments, reserves the block's temporaries, and activates a
// context whose methodContext is the block's home frame.
func (v *VM) evaluateBlock(nArgs int) error {
	block := v.fc.peek(int64(nArgs))
	blockHdr := mem.HeaderForOOP(block)
	method := blockHdr.NamedSlot(BlockMethod)
	home := blockHdr.NamedSlot(BlockMethodContext)

	callerCtx := v.fc.ctx
	v.fc.syncToHeap()

	newCtx, err := v.newContext(callerCtx.OOP().WithContextPointerTag(), method, home)
	if err != nil {
		return err
	}

	calleeStack := newCtx.BodySlots()[ContextFields:]
	callerStack := callerCtx.BodySlots()[ContextFields:]
	callerTop := callerCtx.NamedSlot(CtxStackOffset).SmallIntegerValue()

	copied := blockHdr.NamedSlot(BlockCopiedValues)
	var copiedSlots []oop.OOP
	if copied != 0 && copied != v.heap.Nil() && !copied.IsImmediate() {
		copiedSlots = mem.HeaderForOOP(copied).BodySlots()
	}
	idx := int64(0)
	for _, cv := range copiedSlots {
		calleeStack[idx] = cv
		idx++
	}
	for i := int64(0); i < int64(nArgs); i++ {
		calleeStack[idx] = callerStack[callerTop-int64(nArgs)+i]
		idx++
	}
	newCtx.SetNamedSlot(CtxStackOffset, oop.NewSmallInteger(idx))

	callerCtx.SetNamedSlot(CtxStackOffset, oop.NewSmallInteger(callerTop-int64(nArgs)-1))
	v.fc.activate(newCtx, v.heap.Stack)
	return nil
}

// performWithArguments implements perform:withArguments: by pushing
// the argument array's elements onto the stack in place of the array
// and routing through the ordinary send path.
func (v *VM) performWithArguments() error {
	argsArray := v.fc.pop()
	selector := v.fc.pop()
	receiver := v.fc.pop()

	var args []oop.OOP
	if !argsArray.IsImmediate() && argsArray != 0 {
		args = mem.HeaderForOOP(argsArray).BodySlots()
	}
	v.fc.push(receiver)
	for _, a := range args {
		v.fc.push(a)
	}
	return v.send(selector, len(args), 0)
}
