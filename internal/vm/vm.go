package vm

import (
	"go.uber.org/zap"

	"github.com/pkg/errors"

	"github.com/simberon/beaglest/internal/mem"
	"github.com/simberon/beaglest/internal/oop"
)

// VM bundles the heap, the current activation's fast-context cache,
// the primitive table, and the event flags the dispatch loop observes
// between bytecodes (spec.md §5).
type VM struct {
	heap *mem.Heap
	fc   fastContext
	prim [PrimitiveTableSize]primitiveFn

	Log *zap.SugaredLogger

	eventWaiting bool
	breakpoint   bool
	suspended    bool
	errorString  string

	// byteBudget, when > 0, makes Run stop after that many bytecodes
	// regardless of program state (spec.md §5's basicInterpret(n)).
	byteBudget int64

	version string
}

// New constructs a VM bound to heap, installs the primitive table,
// and registers itself as the heap's root provider so scavenges and
// global GCs can see the live context chain.
func New(heap *mem.Heap, log *zap.SugaredLogger) *VM {
	v := &VM{heap: heap, Log: log, version: "BeagleST VM 1.0"}
	v.installPrimitives()
	heap.SetRootProvider(v)
	return v
}

func (v *VM) wellKnown(i int) oop.OOP { return v.heap.WellKnownSlot(i) }

// GCRoots implements mem.RootProvider: the only roots the heap cannot
// already see through well-known objects and the remembered set are
// the active context (the top of the current stack chain, which
// transitively reaches every caller frame through its `frame` link,
// since `frame` is itself a slot the scavenger/marker already
// traces).
func (v *VM) GCRoots() []oop.OOP {
	if v.fc.ctx == 0 {
		return nil
	}
	return []oop.OOP{v.fc.ctx.OOP().WithContextPointerTag()}
}

// ErrBlockContextExpired is raised when a non-local return's home
// frame has already returned (spec.md §4.4, resolved Open Question:
// see DESIGN.md).
var ErrBlockContextExpired = errors.New("BlockContextExpired")

// Start begins execution by sending startSelector to startObject
// (spec.md §6's well-known startObject/startSelector slots), creating
// the very first context.
func (v *VM) Start() error {
	startObject := v.wellKnown(mem.WKStartObject)
	startSelector := v.wellKnown(mem.WKStartSelector)

	method, class, err := v.lookup(startObject, startSelector)
	if err != nil {
		return err
	}
	_ = class

	ctx, err := v.newContext(0, method, 0)
	if err != nil {
		return err
	}
	ctx.SetNamedSlot(CtxFrame, 0)
	// The receiver and zero arguments occupy the first stack slots by
	// convention of a freshly built activation.
	fc := &fastContext{}
	fc.activate(ctx, v.heap.Stack)
	fc.push(startObject)
	fc.syncToHeap()
	v.heap.SetWellKnownSlot(mem.WKStartContext, ctx.OOP().WithContextPointerTag())
	v.fc = *fc

	return v.Run()
}
