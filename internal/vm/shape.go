// Package vm implements the bytecode interpreter of spec.md §4.4:
// method dispatch, block activation, non-local return, the primitive
// ABI, and the special-selector fast path. It is the sole
// mem.RootProvider the heap consults for scavenges and global GCs.
package vm

// Named instance variable indices for each built-in shape, matching
// spec.md §3's field lists in declaration order. These are baked into
// the image's class definitions; a class's namedInstVars count must
// agree with the constant named *Fields below it.

const (
	CtxFrame = iota
	CtxStackOffset
	CtxPcOffset
	CtxMethod
	CtxMethodContext
	CtxContextId
	ContextFields
)

const (
	MethodBytecodes = iota
	MethodNumArgs
	MethodNumTemps
	MethodLocalVarNames
	MethodStackNeeded
	MethodPIC
	MethodSourceOffsets
	MethodClass
	MethodSelector
	MethodKit
	MethodFields
)

const (
	BlockMethod = iota
	BlockMethodContext
	BlockCopiedValues
	BlockFields
)

const (
	BehaviorSuperclass = iota
	BehaviorMethodDictionary
	BehaviorFlags
	BehaviorSubclasses
	BehaviorInstVarNames
	BehaviorCommonFields
)

const (
	ClassOrganization = BehaviorCommonFields + iota
	ClassName
	ClassKit
	ClassEnvironment
	ClassFields
)

const (
	MetaclassThisClass = BehaviorCommonFields + iota
	MetaclassFields
)

const (
	AssocKey = iota
	AssocValue
	AssocFields
)

const (
	DictValues = iota
	DictTally
	DictFields
)

// LargeInteger has no named instance variables: it is a variable byte
// object whose own indexed bytes hold the little-endian 32-bit
// magnitude components directly (spec.md §3), with component count
// always derived from the body length rather than cached separately.

// SystemClass instance variables (spec.md §6: sources/changes file
// names are stored as instance variables on the system class).
const (
	SystemSourcesFileName = iota
	SystemChangesFileName
	SystemFields
)
