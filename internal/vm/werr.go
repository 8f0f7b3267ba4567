package vm

import (
	"fmt"
	"strings"

	"github.com/simberon/beaglest/internal/mem"
	"github.com/simberon/beaglest/internal/oop"
)

// walkback formats the active context chain as spec.md §7 specifies:
// "className >> selector (pcOffset)" (or
// "receiverClass(definingClass) >> selector" when the defining class
// differs), one frame per line, topmost first, prefixed by a decimal
// line count and the VM version string.
func (v *VM) walkback() string {
	var lines []string
	ctx := v.fc.ctx
	for ctx != 0 {
		method := ctx.NamedSlot(CtxMethod)
		methodHdr := mem.HeaderForOOP(method)
		selector := methodHdr.NamedSlot(MethodSelector)
		definingClass := methodHdr.NamedSlot(MethodClass)
		pc := ctx.NamedSlot(CtxPcOffset).SmallIntegerValue()

		className := v.classNameOf(definingClass)
		if slots := ctx.BodySlots(); len(slots) > ContextFields && slots[ContextFields] != 0 {
			if rc := v.classOf(slots[ContextFields]); rc != definingClass {
				className = fmt.Sprintf("%s(%s)", v.classNameOf(rc), className)
			}
		}
		lines = append(lines, fmt.Sprintf("%s >> %s (%d)", className, selectorName(selector), pc))

		frame := ctx.NamedSlot(CtxFrame)
		if frame == 0 || frame.AsPointer() == 0 {
			break
		}
		ctx = mem.HeaderAt(frame.Address())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d %s\n", len(lines), v.version)
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}

func (v *VM) classNameOf(class oop.OOP) string {
	if class.IsImmediate() || class == 0 {
		return "?"
	}
	hdr := mem.HeaderForOOP(class)
	name := hdr.NamedSlot(ClassName)
	return selectorName(name)
}
