package vm

import (
	"github.com/pkg/errors"

	"github.com/simberon/beaglest/internal/mem"
	"github.com/simberon/beaglest/internal/oop"
)

// Run drives the bytecode dispatch loop until an event flag is set
// (eventWaiting, breakpoint, suspended, non-empty error string,
// byte-budget exhaustion) or the outermost context returns, per spec.md §5's
// three suspension points.
func (v *VM) Run() error {
	var budgetUsed int64
	for {
		if v.eventWaiting || v.breakpoint || v.suspended || v.errorString != "" {
			v.fc.syncToHeap()
			return nil
		}
		if v.byteBudget > 0 && budgetUsed >= v.byteBudget {
			v.fc.syncToHeap()
			return nil
		}
		if v.fc.ctx == 0 {
			return nil
		}

		if err := v.step(); err != nil {
			return err
		}
		budgetUsed++
	}
}

// step executes exactly one bytecode from the current context.
func (v *VM) step() error {
	op := v.fc.fetchByte()

	switch {
	case op <= 0x0F:
		v.fc.push(v.pushNamedInstVar(int(op)))
	case op <= 0x1F:
		v.storeNamedInstVar(int(op-0x10), v.fc.peek(0))
	case op <= 0x2F:
		v.fc.push(v.fc.stackBody[op-0x20])
	case op <= 0x3F:
		v.fc.stackBody[op-0x30] = v.fc.peek(0)
	case op <= 0x4F:
		v.fc.push(v.pushGlobal(int(op - 0x40)))
	case op <= 0x5F:
		v.storeGlobal(int(op-0x50), v.fc.peek(0))
	case op <= 0x6F:
		v.fc.push(oop.NewSmallInteger(int64(op-0x60) + 1))
	case op <= 0x7F:
		v.fc.push(oop.NewSmallInteger(-int64(op - 0x70)))
	case op <= 0x8F:
		v.fc.push(v.pushLiteral(int(op - 0x80)))
	case op <= 0x93:
		v.pushWellKnownImmediate(int(op - 0x90))

	case op == 0x94: // pop
		v.fc.pop()
	case op == 0x95: // dup
		v.fc.push(v.fc.peek(0))
	case op == 0x96: // drop-cascade-receiver: discard the result below
		// the top, keeping the just-computed value (spec.md §4.4 extended
		// group). The cascade receiver sits one below the last send's
		// result.
		top := v.fc.pop()
		v.fc.pop()
		v.fc.push(top)
	case op == 0x97: // thisContext (see pushThisContext / 0xB6 below)
		if err := v.pushThisContext(); err != nil {
			return err
		}
	case op == 0x98: // copy-block: clean block, no home context
		lit := v.fc.fetchByte()
		if err := v.pushBlock(int(lit), false); err != nil {
			return err
		}
	case op == 0x99: // full-block: captures methodContext for non-local return
		lit := v.fc.fetchByte()
		if err := v.pushBlock(int(lit), true); err != nil {
			return err
		}

	case op >= 0xB0 && op <= 0xB5:
		v.jump(op)
	case op == 0xB6:
		if err := v.pushThisContext(); err != nil {
			return err
		}

	case (op >= 0xC0 && op <= 0xCF) || (op >= 0xE0 && op <= 0xEF):
		lit := int(op & 0x0F)
		nArgs := int(v.fc.fetchByte())
		if err := v.send(v.literalSelector(lit), nArgs, 0); err != nil {
			return v.handleSendError(err)
		}
	case (op >= 0xD0 && op <= 0xD5) || (op >= 0xF0 && op <= 0xF5):
		lit := int(op & 0x0F)
		nArgs := int(v.fc.fetchByte())
		startClass := v.fc.pop()
		if err := v.send(v.literalSelector(lit), nArgs, startClass); err != nil {
			return v.handleSendError(err)
		}
	case op == 0xD6 || op == 0xF6:
		if err := v.specialSelectorSend(); err != nil {
			return v.handleSendError(err)
		}
	case op == 0xD7 || op == 0xF7:
		lit := int(v.fc.fetchByte())
		nArgs := int(v.fc.fetchByte())
		if err := v.send(v.literalSelector(lit), nArgs, 0); err != nil {
			return v.handleSendError(err)
		}
	case op == 0xD8 || op == 0xF8:
		lit := int(v.fc.fetch16())
		nArgs := int(v.fc.fetchByte())
		if err := v.send(v.literalSelector(lit), nArgs, 0); err != nil {
			return v.handleSendError(err)
		}
	case op == 0xD9 || op == 0xF9:
		lit := int(v.fc.fetchByte())
		nArgs := int(v.fc.fetchByte())
		startClass := v.fc.pop()
		if err := v.send(v.literalSelector(lit), nArgs, startClass); err != nil {
			return v.handleSendError(err)
		}
	case op == 0xDA || op == 0xFA:
		lit := int(v.fc.fetch16())
		nArgs := int(v.fc.fetchByte())
		startClass := v.fc.pop()
		if err := v.send(v.literalSelector(lit), nArgs, startClass); err != nil {
			return v.handleSendError(err)
		}
	case op == 0xDB || op == 0xFB:
		primNo := v.fc.fetch16()
		v.callPrimitive(int(primNo))
	case op == 0xDC || op == 0xFC:
		v.doReturn()
	case op == 0xDD || op == 0xFD:
		v.doBlockReturn()
	case op == 0xDE || op == 0xFE:
		return v.doNonLocalReturn()
	case op == 0xDF || op == 0xFF:
		v.doPrimitiveReturn()

	default:
		v.eventWaiting = true
		v.errorString = "unimplemented bytecode"
	}
	return nil
}

func (v *VM) pushNamedInstVar(n int) oop.OOP {
	self := v.fc.stackBody[0]
	return mem.HeaderForOOP(self).NamedSlot(uint32(n))
}

func (v *VM) storeNamedInstVar(n int, val oop.OOP) {
	self := v.fc.stackBody[0]
	mem.HeaderForOOP(self).SetNamedSlot(uint32(n), val)
	v.rememberIfCrossGenerational(self, val)
}

func (v *VM) currentMethodHeader() mem.Header {
	return mem.HeaderForOOP(v.fc.ctx.NamedSlot(CtxMethod))
}

func (v *VM) literalSelector(n int) oop.OOP {
	return v.currentMethodHeader().IndexedSlot(uint64(n))
}

func (v *VM) pushLiteral(n int) oop.OOP {
	return v.currentMethodHeader().IndexedSlot(uint64(n))
}

func (v *VM) pushGlobal(n int) oop.OOP {
	assoc := v.literalSelector(n)
	return mem.HeaderForOOP(assoc).NamedSlot(AssocValue)
}

func (v *VM) storeGlobal(n int, val oop.OOP) {
	assoc := v.literalSelector(n)
	mem.HeaderForOOP(assoc).SetNamedSlot(AssocValue, val)
	v.rememberIfCrossGenerational(assoc, val)
}

func (v *VM) pushWellKnownImmediate(which int) {
	switch which {
	case 0:
		v.fc.push(v.heap.True())
	case 1:
		v.fc.push(v.heap.False())
	case 2:
		v.fc.push(v.heap.Nil())
	case 3:
		v.fc.push(v.fc.stackBody[0]) // self
	}
}

// jump implements the 0xB0-0xB5 group: unconditional/conditional jump
// with a 1- or 2-byte signed offset (spec.md §4.4). Layout: low bit
// selects 1- vs 2-byte offset width; the remaining bits select
// unconditional / jump-if-true / jump-if-false.
func (v *VM) jump(op byte) {
	wide := op&1 == 1
	kind := (op - 0xB0) >> 1

	var offset int64
	if wide {
		offset = int64(int16(v.fc.fetch16()))
	} else {
		offset = int64(int8(v.fc.fetchByte()))
	}

	switch kind {
	case 0: // unconditional
		v.fc.pcOffset += offset
	case 1: // jump if true
		if v.fc.pop() == v.heap.True() {
			v.fc.pcOffset += offset
		}
	case 2: // jump if false
		if v.fc.pop() == v.heap.False() {
			v.fc.pcOffset += offset
		}
	}
}

// pushThisContext deep-copies the active frame chain into fresh
// Context objects whose contextId is retagged as a plain SmallInteger
// rather than a context pointer, so the copy is inert to scavenger
// forwarding of the live stack (spec.md §4.5).
func (v *VM) pushThisContext() error {
	v.fc.syncToHeap()

	var copyChain func(src mem.Header) (oop.OOP, error)
	copyChain = func(src mem.Header) (oop.OOP, error) {
		if src == 0 {
			return 0, nil
		}
		dst, err := v.heap.NewInstanceOfClass(src.Class(), 0, uint64(len(src.BodySlots())-ContextFields), false, v.heap.Eden)
		if err != nil {
			return 0, err
		}
		copy(mem.HeaderForOOP(dst).BodySlots(), src.BodySlots())

		frameVal := src.NamedSlot(CtxFrame)
		if frameVal != 0 && frameVal.AsPointer() != 0 {
			frameCopy, err := copyChain(mem.HeaderAt(frameVal.Address()))
			if err != nil {
				return 0, err
			}
			mem.HeaderForOOP(dst).SetNamedSlot(CtxFrame, frameCopy)
		}
		// Break the context-pointer invariant deliberately: the copy is
		// a reified handle, not a live stack frame.
		mem.HeaderForOOP(dst).SetNamedSlot(CtxContextId, oop.NewSmallInteger(int64(dst)>>3))
		return dst, nil
	}

	copyOOP, err := copyChain(v.fc.ctx)
	if err != nil {
		return err
	}
	v.fc.push(copyOOP)
	return nil
}

// pushBlock materializes a BlockClosure referring to literal n (a
// CompiledBlock) and, for a full block, the current context as its
// home frame for non-local return (spec.md §4.4 "full-block").
func (v *VM) pushBlock(lit int, full bool) error {
	method := v.pushLiteral(lit)
	class := v.wellKnown(mem.WKBlockClosureClass)
	o, err := v.heap.NewInstanceOfClass(class, BlockFields, 0, false, v.heap.Eden)
	if err != nil {
		return err
	}
	hdr := mem.HeaderForOOP(o)
	hdr.SetNamedSlot(BlockMethod, method)
	if full {
		v.fc.syncToHeap()
		hdr.SetNamedSlot(BlockMethodContext, v.fc.ctx.OOP().WithContextPointerTag())
	} else {
		hdr.SetNamedSlot(BlockMethodContext, 0)
	}
	hdr.SetNamedSlot(BlockCopiedValues, v.heap.Nil())
	v.fc.push(o)
	return nil
}

// doReturn pops one value, restores the caller frame, truncates the
// stack space to just above it, and pushes the value in the caller
// (spec.md §4.4 "Return").
func (v *VM) doReturn() {
	result := v.fc.pop()
	current := v.fc.ctx
	caller := current.NamedSlot(CtxFrame)
	v.fc.syncToHeap()
	current.SetFlag(mem.FlagFree) // marks this activation as expired for non-local-return checks
	v.heap.Stack.TruncateTo(current)

	if caller == 0 || caller.AsPointer() == 0 {
		v.fc.ctx = 0
		return
	}
	callerHdr := mem.HeaderAt(caller.Address())
	v.fc.activate(callerHdr, v.heap.Stack)
	v.fc.push(result)
}

// doBlockReturn is the ordinary (non-non-local) return from a block
// activation: identical stack discipline to doReturn.
func (v *VM) doBlockReturn() {
	v.doReturn()
}

// doNonLocalReturn follows the closure's methodContext chain rather
// than the caller chain; if the home frame has already returned,
// raises BlockContextExpired (spec.md §4.4, resolved Open Question:
// see DESIGN.md).
func (v *VM) doNonLocalReturn() error {
	result := v.fc.pop()
	method := v.fc.ctx.NamedSlot(CtxMethod)
	_ = method
	home := v.fc.ctx.NamedSlot(CtxMethodContext)
	if home == 0 || home.AsPointer() == 0 {
		return errors.WithMessage(ErrBlockContextExpired, "non-local return with no home context")
	}
	homeHdr := mem.HeaderAt(home.Address())
	if homeHdr.IsFree() {
		return ErrBlockContextExpired
	}
	homeCaller := homeHdr.NamedSlot(CtxFrame)
	// A non-local return discards every frame from home through the
	// current block activation in one step, not just the current one,
	// so the truncation point is just above homeCaller, not above the
	// current context.
	v.heap.Stack.TruncateTo(homeHdr)
	if homeCaller == 0 || homeCaller.AsPointer() == 0 {
		v.fc.ctx = 0
		return nil
	}
	callerHdr := mem.HeaderAt(homeCaller.Address())
	v.fc.activate(callerHdr, v.heap.Stack)
	v.fc.push(result)
	return nil
}

// callPrimitive invokes the primitive at primNo and pushes [rcode,
// value] per the ABI (spec.md §4.6); it never pops the receiver/args
// itself.
func (v *VM) callPrimitive(primNo int) {
	nArgs := v.currentArgCount()
	fn := v.prim[primNo%PrimitiveTableSize]
	rcode, value, err := fn(v, nArgs)
	if err != nil {
		v.errorString = err.Error()
	}
	v.fc.push(oop.NewSmallInteger(rcode))
	v.fc.push(value)
}

func (v *VM) currentArgCount() int {
	methodHdr := v.currentMethodHeader()
	return int(methodHdr.NamedSlot(MethodNumArgs).SmallIntegerValue())
}

// doPrimitiveReturn implements 0xDF's success/failure convention
// (spec.md §4.4 "Primitive return"): on rcode==0, pop rcode and value
// and return value to the caller, popping this frame; on failure, pop
// only the sentinel value and fall through to the guarded method body.
func (v *VM) doPrimitiveReturn() {
	value := v.fc.pop()
	rcode := v.fc.pop()
	if rcode.SmallIntegerValue() == 0 {
		current := v.fc.ctx
		caller := current.NamedSlot(CtxFrame)
		v.fc.syncToHeap()
		current.SetFlag(mem.FlagFree)
		v.heap.Stack.TruncateTo(current)
		if caller == 0 || caller.AsPointer() == 0 {
			v.fc.ctx = 0
			return
		}
		callerHdr := mem.HeaderAt(caller.Address())
		v.fc.activate(callerHdr, v.heap.Stack)
		v.fc.push(value)
		return
	}
	v.fc.push(rcode)
}

// handleSendError turns a MessageNotUnderstood (or other dispatch
// failure) into the event-flag/error-string protocol spec.md §7
// describes rather than unwinding the Go call stack, so the embedder
// can decide what to do next.
func (v *VM) handleSendError(err error) error {
	if errors.Is(err, ErrMessageNotUnderstood) {
		v.errorString = err.Error()
		v.eventWaiting = true
		return nil
	}
	return err
}
