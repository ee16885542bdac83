package memory

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/kernrt/internal/utils"
	"github.com/vkngwrapper/arsenal/kernrt/memutils"
	"github.com/vkngwrapper/arsenal/kernrt/storage"
	"golang.org/x/exp/slog"
)

// ExclusivePool gives every slice a page of its own. Pages are over-allocated so a slightly
// larger request later on can reuse them, and a free page is reused for any request it can hold.
type ExclusivePool struct {
	logger    *slog.Logger
	alignment int
	options   PoolOptions

	pages   []*exclusivePage
	index   *swiss.Map[SliceID, *exclusivePage]
	biggest int

	lastCheck uint64
}

type exclusivePage struct {
	buffer    storage.Handle
	slice     *Slice
	allocSize int
	freeCount int
}

var _ Pool = &ExclusivePool{}

func NewExclusivePool(logger *slog.Logger, alignment int, options PoolOptions) (*ExclusivePool, error) {
	options = options.withDefaults()
	options.Kind = PoolExclusive

	err := options.validate()
	if err != nil {
		return nil, err
	}

	err = memutils.CheckAlignment(alignment, "storage alignment")
	if err != nil {
		return nil, err
	}

	return &ExclusivePool{
		logger:    utils.LoggerOrDiscard(logger),
		alignment: alignment,
		options:   options,
		index:     swiss.NewMap[SliceID, *exclusivePage](8),
	}, nil
}

func (p *ExclusivePool) Kind() PoolKind { return PoolExclusive }

// PageCount is the number of pages currently allocated
func (p *ExclusivePool) PageCount() int { return len(p.pages) }

func (p *ExclusivePool) HandlesAlloc(size int) bool {
	if size < p.options.MinAllocSize {
		return false
	}
	return p.options.MaxAllocSize == 0 || size < p.options.MaxAllocSize
}

// findFreePage returns the smallest free page that can hold size bytes
func (p *ExclusivePool) findFreePage(size int) *exclusivePage {
	var best *exclusivePage
	for _, page := range p.pages {
		if page.allocSize < size || !page.slice.IsFree() {
			continue
		}

		if best == nil || page.allocSize < best.allocSize {
			best = page
		}
	}
	return best
}

func (p *ExclusivePool) TryReserve(size int) *SliceHandle {
	if size > p.biggest {
		return nil
	}

	page := p.findFreePage(size)
	if page == nil {
		return nil
	}

	page.slice.Storage = page.buffer.Narrow(size)
	page.slice.Padding = page.allocSize - size
	if page.freeCount > 0 {
		page.freeCount--
	}

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "ExclusivePool::TryReserve reused page",
		slog.Uint64("slice", uint64(page.slice.ID())),
		slog.Int("size", size),
		slog.Int("pageSize", page.allocSize),
	)

	return page.slice.Handle.Clone()
}

func (p *ExclusivePool) Alloc(storage storage.Storage, size int) (*SliceHandle, error) {
	if !p.HandlesAlloc(size) {
		panic(fmt.Sprintf("exclusive pool for sizes [%d, %d) was asked to allocate %d bytes", p.options.MinAllocSize, p.options.MaxAllocSize, size))
	}

	memutils.DebugCheckPow2(p.alignment, "storage alignment")
	allocSize := memutils.OverAllocate(size, p.options.OverAllocation, p.alignment)
	if allocSize < p.alignment {
		allocSize = p.alignment
	}

	buffer, err := storage.Alloc(allocSize)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating a %d byte page for a %d byte slice", allocSize, size)
	}

	page := &exclusivePage{
		buffer:    buffer,
		slice:     newSlice(buffer.Narrow(size), allocSize-size),
		allocSize: allocSize,
		// A fresh page that is never reused goes on the next idle check
		freeCount: p.options.IdleThreshold - 1,
	}
	p.pages = append(p.pages, page)
	p.index.Put(page.slice.ID(), page)

	if allocSize > p.biggest {
		p.biggest = allocSize
	}

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "ExclusivePool::Alloc created page",
		slog.Uint64("slice", uint64(page.slice.ID())),
		slog.Uint64("buffer", uint64(buffer.ID)),
		slog.Int("size", size),
		slog.Int("pageSize", allocSize),
	)

	return page.slice.Handle.Clone(), nil
}

func (p *ExclusivePool) Cleanup(storage storage.Storage, allocNr uint64) {
	checkPeriod := p.options.DeallocPeriod / uint64(p.options.IdleThreshold)
	if allocNr-p.lastCheck < checkPeriod {
		return
	}
	p.lastCheck = allocNr

	kept := p.pages[:0]
	for _, page := range p.pages {
		if !page.slice.IsFree() {
			kept = append(kept, page)
			continue
		}

		page.freeCount++
		if page.freeCount < p.options.IdleThreshold {
			kept = append(kept, page)
			continue
		}

		p.deallocPage(storage, page)
	}

	for i := len(kept); i < len(p.pages); i++ {
		p.pages[i] = nil
	}
	p.pages = kept
}

func (p *ExclusivePool) ReleaseFree(storage storage.Storage) int {
	released := 0
	kept := p.pages[:0]
	for _, page := range p.pages {
		if page.slice.IsFree() {
			p.deallocPage(storage, page)
			released++
			continue
		}
		kept = append(kept, page)
	}

	for i := len(kept); i < len(p.pages); i++ {
		p.pages[i] = nil
	}
	p.pages = kept
	return released
}

func (p *ExclusivePool) deallocPage(storage storage.Storage, page *exclusivePage) {
	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "ExclusivePool deallocated page",
		slog.Uint64("slice", uint64(page.slice.ID())),
		slog.Uint64("buffer", uint64(page.buffer.ID)),
		slog.Int("pageSize", page.allocSize),
	)

	p.index.Delete(page.slice.ID())
	storage.Dealloc(page.buffer.ID)
	page.slice.Handle.Release()
}

func (p *ExclusivePool) Get(id SliceID) (storage.Handle, bool) {
	page, ok := p.index.Get(id)
	if !ok {
		return storage.Handle{}, false
	}
	return page.slice.Storage, true
}

func (p *ExclusivePool) MemoryUsage() memutils.MemoryUsage {
	var usage memutils.MemoryUsage
	for _, page := range p.pages {
		usage.BytesReserved += page.allocSize
		if page.slice.IsFree() {
			continue
		}

		usage.NumberAllocs++
		usage.BytesInUse += page.slice.Storage.Size()
		usage.BytesPadding += page.slice.Padding
	}
	return usage
}

func (p *ExclusivePool) AddStatistics(stats *memutils.Statistics) {
	for _, page := range p.pages {
		stats.AddPage(page.allocSize)
		if page.slice.IsFree() {
			stats.AddFreeRange(page.allocSize)
		} else {
			stats.AddSlice(page.slice.Storage.Size())
		}
	}
}

func (p *ExclusivePool) PrintDetailedMap(json *jwriter.ObjectState) {
	json.Name("Kind").String(PoolExclusive.String())
	json.Name("MinAllocSize").Int(p.options.MinAllocSize)
	json.Name("MaxAllocSize").Int(p.options.MaxAllocSize)

	pages := json.Name("Pages").Array()
	defer pages.End()

	for _, page := range p.pages {
		obj := pages.Object()
		obj.Name("Buffer").Int(int(page.buffer.ID))
		obj.Name("PageSize").Int(page.allocSize)
		obj.Name("FreeCount").Int(page.freeCount)
		obj.Name("Slice").Int(int(page.slice.ID()))
		obj.Name("Free").Bool(page.slice.IsFree())
		obj.Name("Size").Int(page.slice.Storage.Size())
		obj.Name("Padding").Int(page.slice.Padding)
		obj.End()
	}
}

func (p *ExclusivePool) Validate() error {
	if p.index.Count() != len(p.pages) {
		return errors.Newf("the pool indexes %d slices but holds %d pages", p.index.Count(), len(p.pages))
	}

	for _, page := range p.pages {
		indexed, ok := p.index.Get(page.slice.ID())
		if !ok || indexed != page {
			return errors.Newf("slice %d is not indexed to its page", page.slice.ID())
		}

		if page.slice.Storage.ID != page.buffer.ID || page.slice.Storage.Offset() != 0 {
			return errors.Newf("slice %d does not start at the beginning of its page: %s", page.slice.ID(), page.slice.Storage)
		}

		if page.slice.EffectiveSize() != page.allocSize {
			return errors.Newf("slice %d takes %d bytes of a %d byte page", page.slice.ID(), page.slice.EffectiveSize(), page.allocSize)
		}

		if page.allocSize > p.biggest {
			return errors.Newf("page of %d bytes is bigger than the largest recorded page, %d bytes", page.allocSize, p.biggest)
		}

		if page.freeCount < 0 || page.freeCount >= p.options.IdleThreshold {
			return errors.Newf("page for slice %d has an invalid free count %d", page.slice.ID(), page.freeCount)
		}
	}

	return nil
}

func (p *ExclusivePool) Destroy(storage storage.Storage) error {
	leaked := 0
	for _, page := range p.pages {
		if !page.slice.IsFree() {
			leaked++
			p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] slice still referenced",
				slog.Uint64("slice", uint64(page.slice.ID())),
				slog.Int("size", page.slice.Storage.Size()),
				slog.Int("references", page.slice.Handle.RefCount()-1),
			)
		}
		p.deallocPage(storage, page)
	}

	p.pages = nil
	p.biggest = 0

	if leaked > 0 {
		return errors.Newf("%d slices were not released before the destruction of this pool", leaked)
	}
	return nil
}
