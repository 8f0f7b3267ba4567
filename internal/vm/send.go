package vm

import (
	"github.com/pkg/errors"

	"github.com/simberon/beaglest/internal/mem"
	"github.com/simberon/beaglest/internal/oop"
)

// classOf returns the class oop of any value, immediate or not
// (spec.md §4.4: "Walk class chain starting from class-of(receiver)").
func (v *VM) classOf(o oop.OOP) oop.OOP {
	switch {
	case o.IsSmallInteger():
		return v.wellKnown(mem.WKSmallIntegerClass)
	case o.IsCharacter():
		return v.wellKnown(mem.WKCharacterClass)
	case o.IsFloat():
		return v.wellKnown(mem.WKFloatClass)
	default:
		return mem.HeaderForOOP(o).Class()
	}
}

// ErrMessageNotUnderstood is raised when no class in the chain
// defines the selector (spec.md §4.4, §7).
var ErrMessageNotUnderstood = errors.New("MessageNotUnderstood")

// lookupFrom walks the superclass chain from startClass's method
// dictionaries probing for selector, returning the defining method
// and the class that defined it.
func (v *VM) lookupFrom(startClass oop.OOP, selector oop.OOP) (oop.OOP, oop.OOP, error) {
	class := startClass
	for class != 0 && class != v.heap.Nil() {
		classHdr := mem.HeaderForOOP(class)
		dict := classHdr.NamedSlot(BehaviorMethodDictionary)
		if method, ok := v.dictLookup(dict, selector); ok {
			return method, class, nil
		}
		class = classHdr.NamedSlot(BehaviorSuperclass)
	}
	return 0, 0, ErrMessageNotUnderstood
}

// lookup resolves selector against receiver's own class chain.
func (v *VM) lookup(receiver oop.OOP, selector oop.OOP) (oop.OOP, oop.OOP, error) {
	return v.lookupFrom(v.classOf(receiver), selector)
}

// dictLookup probes an IdentityDictionary's open-addressed
// association array for key == selector by identity, linear probing
// from identityHash mod size (spec.md §3 "IdentityDictionary").
func (v *VM) dictLookup(dict oop.OOP, selector oop.OOP) (oop.OOP, bool) {
	if dict.IsImmediate() || dict == 0 {
		return 0, false
	}
	dictHdr := mem.HeaderForOOP(dict)
	values := dictHdr.NamedSlot(DictValues)
	if values.IsImmediate() || values == 0 {
		return 0, false
	}
	valuesHdr := mem.HeaderForOOP(values)
	slots := valuesHdr.BodySlots()
	n := len(slots)
	if n == 0 {
		return 0, false
	}
	nilOOP := v.heap.Nil()
	start := int(uint64(selectorHash(selector)) % uint64(n))
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		assoc := slots[idx]
		if assoc == nilOOP || assoc == 0 {
			return 0, false
		}
		assocHdr := mem.HeaderForOOP(assoc)
		if assocHdr.NamedSlot(AssocKey) == selector {
			return assocHdr.NamedSlot(AssocValue), true
		}
	}
	return 0, false
}

func selectorHash(selector oop.OOP) int64 {
	if selector.IsImmediate() {
		return int64(selector) >> 3
	}
	return mem.HeaderForOOP(selector).IdentityHash().SmallIntegerValue()
}

// send performs dispatch: receiver = stack[-nArgs-1]. On a hit, builds
// a fresh activation whose frame is the caller and whose locals are
// nil, adjusts the caller's stackOffset to drop the consumed
// receiver+args, and switches the fast-context cache to it (spec.md
// §4.4 "Send").
func (v *VM) send(selector oop.OOP, nArgs int, startClass oop.OOP) error {
	receiver := v.fc.peek(int64(nArgs))

	var method, definingClass oop.OOP
	var err error
	if startClass != 0 {
		method, definingClass, err = v.lookupFrom(startClass, selector)
	} else {
		method, definingClass, err = v.lookup(receiver, selector)
	}
	if err != nil {
		return v.raiseDoesNotUnderstand(receiver, selector)
	}
	_ = definingClass

	callerCtx := v.fc.ctx
	v.fc.syncToHeap()

	newCtx, err := v.newContext(callerCtx.OOP().WithContextPointerTag(), method, 0)
	if err != nil {
		return err
	}

	// Copy receiver+args into the new activation's first slots, then
	// drop them from the caller's operand stack.
	argCount := int64(nArgs)
	callerStack := callerCtx.BodySlots()[ContextFields:]
	callerTop := callerCtx.NamedSlot(CtxStackOffset).SmallIntegerValue()
	calleeStack := newCtx.BodySlots()[ContextFields:]
	for i := int64(0); i <= argCount; i++ {
		calleeStack[i] = callerStack[callerTop-argCount-1+i]
	}
	callerCtx.SetNamedSlot(CtxStackOffset, oop.NewSmallInteger(callerTop-argCount-1))
	newCtx.SetNamedSlot(CtxStackOffset, oop.NewSmallInteger(argCount+1))

	v.fc.activate(newCtx, v.heap.Stack)
	return nil
}

// raiseDoesNotUnderstand returns ErrMessageNotUnderstood wrapped with
// the selector's name and the current walkback text. It does not
// create a MessageNotUnderstood instance and does not send raiseSignal;
// handleSendError turns the error into the VM's error string.
func (v *VM) raiseDoesNotUnderstand(receiver, selector oop.OOP) error {
	walk := v.walkback()
	return errors.Wrapf(ErrMessageNotUnderstood, "%s\n%s", selectorName(selector), walk)
}

func selectorName(selector oop.OOP) string {
	if selector.IsImmediate() || selector == 0 {
		return "?"
	}
	hdr := mem.HeaderForOOP(selector)
	if hdr.IsBytes() {
		return string(hdr.Body())
	}
	return "?"
}
