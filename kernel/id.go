package kernel

import (
	"fmt"
	"reflect"

	"github.com/dolthub/maphash"
)

// KernelID identifies one compiled variant of a kernel: the kernel's type, an optional
// configuration payload, and an optional execution mode. Two ids are equal when all three are.
type KernelID struct {
	kernelType reflect.Type
	typeName   string
	info       Info
	mode       ExecutionMode
	hasMode    bool
}

// NewKernelID identifies a kernel by its type alone
func NewKernelID[T any]() KernelID {
	kernelType := typeOf[T]()
	return KernelID{
		kernelType: kernelType,
		typeName:   qualifiedName(kernelType),
	}
}

func qualifiedName(t reflect.Type) string {
	if t.Name() != "" && t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

// WithInfo returns a copy of the id carrying info
func (id KernelID) WithInfo(info Info) KernelID {
	id.info = info
	return id
}

// WithMode returns a copy of the id carrying mode
func (id KernelID) WithMode(mode ExecutionMode) KernelID {
	id.mode = mode
	id.hasMode = true
	return id
}

func (id KernelID) TypeName() string { return id.typeName }
func (id KernelID) Type() reflect.Type { return id.kernelType }
func (id KernelID) Info() Info { return id.info }

func (id KernelID) Mode() (ExecutionMode, bool) {
	return id.mode, id.hasMode
}

func (id KernelID) Equal(other KernelID) bool {
	if id.kernelType != other.kernelType || id.hasMode != other.hasMode {
		return false
	}
	if id.hasMode && id.mode != other.mode {
		return false
	}
	if id.info == nil || other.info == nil {
		return id.info == nil && other.info == nil
	}
	return id.info.Equal(other.info)
}

var typeHasher = maphash.NewHasher[reflect.Type]()

// Hash is consistent with Equal. It is only meaningful within one process; use StableFormat
// for keys that outlive it.
func (id KernelID) Hash() uint64 {
	hash := typeHasher.Hash(id.kernelType)
	if id.info != nil {
		hash = combineHash(hash, typeHasher.Hash(id.info.TypeTag()))
		hash = combineHash(hash, id.info.Hash())
	}
	if id.hasMode {
		hash = combineHash(hash, uint64(id.mode)+1)
	}
	return hash
}

func combineHash(seed, value uint64) uint64 {
	seed ^= value + 0x9e3779b97f4a7c15 + (seed << 6) + (seed >> 2)
	return seed
}

// StableFormat renders the id as "type-info-mode", with "None" in place of a missing info or
// mode. It holds no process-local state and can key a persistent kernel cache.
func (id KernelID) StableFormat() string {
	info := "None"
	if id.info != nil {
		info = id.info.String()
	}

	mode := "None"
	if id.hasMode {
		mode = id.mode.String()
	}

	return fmt.Sprintf("%s-%s-%s", id.typeName, info, mode)
}

// String pretty prints the info payload
func (id KernelID) String() string {
	if id.info == nil {
		return "No info"
	}
	return FormatStr(id.info.String(), DefaultMarkers, true)
}
