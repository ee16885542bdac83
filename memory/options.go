package memory

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/kernrt/memutils"
)

const (
	// DefaultOverAllocation is the factor exclusive pages are grown by, so that a slightly larger
	// future request can reuse the page
	DefaultOverAllocation = 1.35
	// DefaultIdleThreshold is the free count at which an idle page is deallocated
	DefaultIdleThreshold = 5
	// DefaultDeallocPeriod is the number of reservations between full idle sweeps
	DefaultDeallocPeriod = 1000
)

type PoolKind int32

const (
	PoolExclusive PoolKind = iota
	PoolSliced
)

func (k PoolKind) String() string {
	switch k {
	case PoolExclusive:
		return "Exclusive"
	case PoolSliced:
		return "Sliced"
	}
	return "Unknown"
}

// PoolOptions describes one pool of a MemoryManagement
type PoolOptions struct {
	Kind PoolKind

	// MinAllocSize and MaxAllocSize bound the exclusive pool's size class: [MinAllocSize, MaxAllocSize).
	// A MaxAllocSize of zero leaves the class unbounded.
	MinAllocSize int
	MaxAllocSize int

	// PageSize is the size of every page of a sliced pool, and MaxSliceSize is the largest request
	// it serves
	PageSize     int
	MaxSliceSize int
	// Strategy picks the free slice of a page that serves a sliced pool request
	Strategy memutils.AllocationStrategy

	// DeallocPeriod is the number of reservations over which a page must stay idle to be
	// deallocated. The pool checks for idle pages every DeallocPeriod / IdleThreshold reservations.
	DeallocPeriod uint64
	// OverAllocation is the exclusive pool's page growth factor. Zero selects DefaultOverAllocation.
	OverAllocation float64
	// IdleThreshold bounds a page's free count. New pages start at IdleThreshold-1, every reuse
	// lowers the count and every idle check raises it. A page is deallocated once the count
	// reaches IdleThreshold. Zero selects DefaultIdleThreshold.
	IdleThreshold int
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.OverAllocation == 0 {
		o.OverAllocation = DefaultOverAllocation
	}
	if o.IdleThreshold == 0 {
		o.IdleThreshold = DefaultIdleThreshold
	}
	return o
}

func (o PoolOptions) validate() error {
	if o.OverAllocation < 1 {
		return errors.Newf("PoolOptions.OverAllocation must be at least 1, but was %f", o.OverAllocation)
	}
	if o.IdleThreshold < 1 {
		return errors.Newf("PoolOptions.IdleThreshold must be at least 1, but was %d", o.IdleThreshold)
	}

	switch o.Kind {
	case PoolExclusive:
		if o.MinAllocSize < 0 {
			return errors.Newf("PoolOptions.MinAllocSize cannot be negative, but was %d", o.MinAllocSize)
		}
		if o.MaxAllocSize != 0 && o.MaxAllocSize <= o.MinAllocSize {
			return errors.Newf("PoolOptions.MaxAllocSize (%d) must be above MinAllocSize (%d)", o.MaxAllocSize, o.MinAllocSize)
		}
	case PoolSliced:
		if o.Strategy > memutils.AllocationStrategyMinMemory {
			return errors.Newf("unknown allocation strategy %s", o.Strategy)
		}
		if o.MaxSliceSize < 1 {
			return errors.Newf("PoolOptions.MaxSliceSize must be positive, but was %d", o.MaxSliceSize)
		}
		if o.PageSize < o.MaxSliceSize {
			return errors.Newf("PoolOptions.PageSize (%d) cannot be smaller than MaxSliceSize (%d)", o.PageSize, o.MaxSliceSize)
		}
	default:
		return errors.Newf("unknown pool kind %d", o.Kind)
	}

	return nil
}

// CreateOptions configures a MemoryManagement. Requests are routed to the first pool, in order,
// whose size class holds the requested size.
type CreateOptions struct {
	Pools []PoolOptions
}

// ValidateOptions reports the first pool whose options would be rejected by NewMemoryManagement
func ValidateOptions(options CreateOptions) error {
	if len(options.Pools) == 0 {
		return errors.New("CreateOptions.Pools must hold at least one pool")
	}

	for index, pool := range options.Pools {
		err := pool.withDefaults().validate()
		if err != nil {
			return errors.Wrapf(err, "pool %d", index)
		}
	}
	return nil
}

// DefaultCreateOptions serves small requests out of 8MB sliced pages and everything else out of
// an exclusive pool
func DefaultCreateOptions() CreateOptions {
	return CreateOptions{
		Pools: []PoolOptions{
			{
				Kind:          PoolSliced,
				PageSize:      8 << 20,
				MaxSliceSize:  2 << 20,
				DeallocPeriod: DefaultDeallocPeriod,
			},
			{
				Kind:          PoolExclusive,
				MinAllocSize:  0,
				DeallocPeriod: DefaultDeallocPeriod,
			},
		},
	}
}

// ExclusiveOnlyOptions routes every request to a single exclusive pool
func ExclusiveOnlyOptions(deallocPeriod uint64) CreateOptions {
	return CreateOptions{
		Pools: []PoolOptions{
			{Kind: PoolExclusive, DeallocPeriod: deallocPeriod},
		},
	}
}
