package memutils

import "fmt"

// AllocationStrategy selects which free range of a page serves a request
type AllocationStrategy uint32

const (
	// AllocationStrategyMinTime takes the first free range that is large enough
	AllocationStrategyMinTime AllocationStrategy = iota
	// AllocationStrategyMinMemory takes the smallest free range that is large enough, keeping large
	// ranges intact for large requests at the expense of a full scan
	AllocationStrategyMinMemory
)

func (s AllocationStrategy) String() string {
	switch s {
	case AllocationStrategyMinTime:
		return "MinTime"
	case AllocationStrategyMinMemory:
		return "MinMemory"
	}
	return fmt.Sprintf("AllocationStrategy(%d)", uint32(s))
}
