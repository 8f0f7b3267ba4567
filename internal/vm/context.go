package vm

import (
	"github.com/simberon/beaglest/internal/mem"
	"github.com/simberon/beaglest/internal/oop"
)

// fastContext is the register-like cache spec.md §4.4 describes:
// direct pointers/offsets into the current context so push/pop and
// bytecode fetch never have to re-walk the context's header on every
// step. It is re-captured any time the current context changes.
type fastContext struct {
	ctx          mem.Header // current context object
	stackBody    []oop.OOP  // ctx's indexed slots (the operand stack + locals)
	bytecodes    []byte     // current method's bytecode body
	stackOffset  int64      // index one past top-of-stack in stackBody
	pcOffset     int64      // index of the next bytecode to fetch
	stackSpace   *mem.Space // owning stack space, for firstFreeBlock bookkeeping
}

// syncToHeap writes the cached offsets back into the on-heap context
// so a scavenge (which may relocate ctx) sees a consistent picture.
func (fc *fastContext) syncToHeap() {
	fc.ctx.SetNamedSlot(CtxStackOffset, oop.NewSmallInteger(fc.stackOffset))
	fc.ctx.SetNamedSlot(CtxPcOffset, oop.NewSmallInteger(fc.pcOffset))
}

// push appends v to the operand stack.
func (fc *fastContext) push(v oop.OOP) {
	fc.stackBody[fc.stackOffset] = v
	fc.stackOffset++
}

// pop removes and returns the top of the operand stack.
func (fc *fastContext) pop() oop.OOP {
	fc.stackOffset--
	return fc.stackBody[fc.stackOffset]
}

// peek returns the nth value from the top without popping (0 = top).
func (fc *fastContext) peek(n int64) oop.OOP {
	return fc.stackBody[fc.stackOffset-1-n]
}

// fetchByte reads the next bytecode byte and advances pcOffset.
func (fc *fastContext) fetchByte() byte {
	b := fc.bytecodes[fc.pcOffset]
	fc.pcOffset++
	return b
}

// fetch16 reads a little-endian 16-bit operand and advances pcOffset.
func (fc *fastContext) fetch16() uint16 {
	lo := fc.fetchByte()
	hi := fc.fetchByte()
	return uint16(lo) | uint16(hi)<<8
}

// newContext allocates a fresh Context activation in the interpreter's
// stack space: frame = caller, stackOffset/pcOffset = 0, locals
// initialized to nil, method set to the resolved CompiledMethod. The
// body layout is ContextFields named slots followed by stackNeeded
// indexed slots (spec.md §4.4 "reserve locals initialized to nil").
func (v *VM) newContext(frame oop.OOP, method oop.OOP, methodContext oop.OOP) (mem.Header, error) {
	methodHdr := mem.HeaderForOOP(method)
	needed := methodHdr.NamedSlot(MethodStackNeeded).SmallIntegerValue()

	o, err := v.heap.NewInstanceOfClass(v.wellKnown(mem.WKCodeContextClass), ContextFields, uint64(needed), false, v.heap.Stack)
	if err != nil {
		return 0, err
	}
	hdr := mem.HeaderForOOP(o)
	hdr.SetNamedSlot(CtxFrame, frame)
	hdr.SetNamedSlot(CtxStackOffset, oop.NewSmallInteger(0))
	hdr.SetNamedSlot(CtxPcOffset, oop.NewSmallInteger(0))
	hdr.SetNamedSlot(CtxMethod, method)
	hdr.SetNamedSlot(CtxMethodContext, methodContext)
	hdr.SetNamedSlot(CtxContextId, hdr.OOP().WithContextPointerTag())
	return hdr, nil
}

// activate re-points fc at ctx, recapturing every cached field
// (spec.md §4.4: "re-captured whenever the current context changes").
func (fc *fastContext) activate(ctx mem.Header, stackSpace *mem.Space) {
	fc.ctx = ctx
	fc.stackBody = ctx.BodySlots()[ContextFields:]
	fc.stackOffset = ctx.NamedSlot(CtxStackOffset).SmallIntegerValue()
	fc.pcOffset = ctx.NamedSlot(CtxPcOffset).SmallIntegerValue()
	method := ctx.NamedSlot(CtxMethod)
	methodHdr := mem.HeaderForOOP(method)
	fc.bytecodes = mem.HeaderForOOP(methodHdr.NamedSlot(MethodBytecodes)).Body()
	fc.stackSpace = stackSpace
}
