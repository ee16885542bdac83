package device

import (
	"fmt"
	"sync/atomic"

	"github.com/dolthub/swiss"
)

// MemoryProperties are the memory layout constraints of a device
type MemoryProperties struct {
	// MaxPageSize is the largest single buffer the device can allocate
	MaxPageSize int
	// Alignment is the offset alignment every buffer binding must respect
	Alignment int
	// TotalMemory is the size of the device-local memory, zero when unknown
	TotalMemory int
}

// HardwareProperties describe the device's execution topology
type HardwareProperties struct {
	PlaneSizeMin       uint32
	PlaneSizeMax       uint32
	MaxBindings        uint32
	MaxSharedMemory    int
	MaxUnitsPerCube    uint32
	MaxCubeCount       [3]uint32
	MaxAllocationCount int
	// Integrated is set for devices that share memory with the host
	Integrated bool
}

// Properties is the set of features a device supports, plus its memory and hardware properties.
// Features are registered while the device is initialized. Once Freeze has been called, which
// happens when a client is handed out, the set is read-only and safe to read from any goroutine.
type Properties[F comparable] struct {
	features *swiss.Map[F, struct{}]
	order    []F
	memory   MemoryProperties
	hardware HardwareProperties
	frozen   atomic.Bool
}

func NewProperties[F comparable](features []F, memory MemoryProperties, hardware HardwareProperties) *Properties[F] {
	properties := &Properties[F]{
		features: swiss.NewMap[F, struct{}](uint32(len(features) + 8)),
		memory:   memory,
		hardware: hardware,
	}

	for _, feature := range features {
		properties.RegisterFeature(feature)
	}

	return properties
}

func (p *Properties[F]) FeatureEnabled(feature F) bool {
	return p.features.Has(feature)
}

// RegisterFeature adds a feature to the set and reports whether it was new. Registering a
// feature on frozen properties panics.
func (p *Properties[F]) RegisterFeature(feature F) bool {
	if p.frozen.Load() {
		panic(fmt.Sprintf("attempted to register feature %v after the device properties were frozen", feature))
	}

	if p.features.Has(feature) {
		return false
	}

	p.features.Put(feature, struct{}{})
	p.order = append(p.order, feature)
	return true
}

// Freeze makes the properties read-only
func (p *Properties[F]) Freeze() {
	p.frozen.Store(true)
}

func (p *Properties[F]) Frozen() bool {
	return p.frozen.Load()
}

// Features lists the supported features in registration order
func (p *Properties[F]) Features() []F {
	features := make([]F, len(p.order))
	copy(features, p.order)
	return features
}

func (p *Properties[F]) MemoryProperties() MemoryProperties {
	return p.memory
}

func (p *Properties[F]) HardwareProperties() HardwareProperties {
	return p.hardware
}
