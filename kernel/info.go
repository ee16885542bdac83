package kernel

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/dolthub/maphash"
)

// Info is a configuration payload attached to a KernelID: tile sizes, precision, feature flags or
// whatever else changes the code a kernel compiles to. Payloads of different concrete types
// never compare equal.
type Info interface {
	// Equal reports whether other holds the same concrete type and an equal value
	Equal(other Info) bool
	// Hash is consistent with Equal within one process
	Hash() uint64
	// TypeTag is the concrete type of the payload
	TypeTag() reflect.Type
	// Value returns the payload itself
	Value() any
	// String renders the payload in Go syntax. It is part of the stable format of a KernelID, so
	// payloads must not hold pointers.
	String() string
}

// NewInfo wraps any comparable value as an Info
func NewInfo[T comparable](value T) Info {
	return typedInfo[T]{value: value}
}

// InfoValue returns the payload of info if it holds a T
func InfoValue[T comparable](info Info) (T, bool) {
	typed, ok := info.(typedInfo[T])
	return typed.value, ok
}

type typedInfo[T comparable] struct {
	value T
}

func (i typedInfo[T]) Equal(other Info) bool {
	typed, ok := other.(typedInfo[T])
	return ok && typed.value == i.value
}

func (i typedInfo[T]) Hash() uint64 {
	return hasherFor[T]().Hash(i.value)
}

func (i typedInfo[T]) TypeTag() reflect.Type {
	return typeOf[T]()
}

func (i typedInfo[T]) Value() any {
	return i.value
}

func (i typedInfo[T]) String() string {
	return fmt.Sprintf("%#v", i.value)
}

// One hasher per concrete payload type, shared by the whole process. maphash seeds every hasher
// randomly, so two hashers for the same type would disagree.
var hashers sync.Map

func hasherFor[T comparable]() maphash.Hasher[T] {
	key := typeOf[T]()
	hasher, ok := hashers.Load(key)
	if !ok {
		hasher, _ = hashers.LoadOrStore(key, maphash.NewHasher[T]())
	}
	return hasher.(maphash.Hasher[T])
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
