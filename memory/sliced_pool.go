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
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// SlicedPool carves many slices out of fixed-size pages. Each page is tiled by its slices, free
// or not, in offset order. Adjacent free slices are merged back together before a page is
// searched, and a free slice larger than a request is split.
type SlicedPool struct {
	logger    *slog.Logger
	alignment int
	pageSize  int
	options   PoolOptions

	pages ringBuffer[*slicedPage]
	index *swiss.Map[SliceID, *Slice]

	lastCheck uint64
}

type slicedPage struct {
	buffer    storage.Handle
	slices    []*Slice
	freeCount int
}

func (pg *slicedPage) isFree() bool {
	for _, slice := range pg.slices {
		if !slice.IsFree() {
			return false
		}
	}
	return true
}

var _ Pool = &SlicedPool{}

func NewSlicedPool(logger *slog.Logger, alignment int, options PoolOptions) (*SlicedPool, error) {
	options = options.withDefaults()
	options.Kind = PoolSliced

	err := options.validate()
	if err != nil {
		return nil, err
	}

	err = memutils.CheckAlignment(alignment, "storage alignment")
	if err != nil {
		return nil, err
	}

	return &SlicedPool{
		logger:    utils.LoggerOrDiscard(logger),
		alignment: alignment,
		pageSize:  memutils.AlignUp(options.PageSize, alignment),
		options:   options,
		index:     swiss.NewMap[SliceID, *Slice](64),
	}, nil
}

func (p *SlicedPool) Kind() PoolKind { return PoolSliced }

// PageCount is the number of pages currently allocated
func (p *SlicedPool) PageCount() int { return p.pages.Len() }

func (p *SlicedPool) HandlesAlloc(size int) bool {
	return size <= p.options.MaxSliceSize
}

// merge joins every run of adjacent free slices on a page into one slice
func (p *SlicedPool) merge(page *slicedPage) {
	merged := page.slices[:0]
	for _, slice := range page.slices {
		last := len(merged) - 1
		if last >= 0 && merged[last].IsFree() && slice.IsFree() {
			prev := merged[last]
			prev.Storage = storage.Handle{
				ID: page.buffer.ID,
				Utilization: storage.Utilization{
					Offset: prev.Storage.Offset(),
					Size:   prev.EffectiveSize() + slice.EffectiveSize(),
				},
			}
			prev.Padding = 0

			p.index.Delete(slice.ID())
			slice.Handle.Release()
			continue
		}
		merged = append(merged, slice)
	}

	for i := len(merged); i < len(page.slices); i++ {
		page.slices[i] = nil
	}
	page.slices = merged
}

// findFreeSlice returns the index of the free slice on the page that should hold needed bytes,
// or -1 when none can
func (p *SlicedPool) findFreeSlice(page *slicedPage, needed int) int {
	found := -1
	for index, slice := range page.slices {
		effectiveSize := slice.EffectiveSize()
		if !slice.IsFree() || effectiveSize < needed {
			continue
		}

		if p.options.Strategy == memutils.AllocationStrategyMinTime {
			return index
		}
		if found < 0 || effectiveSize < page.slices[found].EffectiveSize() {
			found = index
		}
	}
	return found
}

// reserveInPage hands out a free slice on the page that can hold size bytes, splitting off
// whatever the request does not need
func (p *SlicedPool) reserveInPage(page *slicedPage, size int) *SliceHandle {
	needed := size + memutils.CalculatePadding(size, p.alignment)
	if needed == 0 {
		needed = p.alignment
	}

	index := p.findFreeSlice(page, needed)
	if index < 0 {
		return nil
	}

	slice := page.slices[index]
	effectiveSize := slice.EffectiveSize()
	offset := slice.Storage.Offset()
	if effectiveSize-needed >= p.alignment {
		rest := newSlice(storage.Handle{
			ID:          page.buffer.ID,
			Utilization: storage.Utilization{Offset: offset + needed, Size: effectiveSize - needed},
		}, 0)
		page.slices = slices.Insert(page.slices, index+1, rest)
		p.index.Put(rest.ID(), rest)
		effectiveSize = needed
	}

	slice.Storage = storage.Handle{
		ID:          page.buffer.ID,
		Utilization: storage.Utilization{Offset: offset, Size: size},
	}
	slice.Padding = effectiveSize - size

	return slice.Handle.Clone()
}

func (p *SlicedPool) TryReserve(size int) *SliceHandle {
	if !p.HandlesAlloc(size) {
		return nil
	}

	var handle *SliceHandle
	page, found := p.pages.Find(func(page *slicedPage) bool {
		p.merge(page)
		handle = p.reserveInPage(page, size)
		return handle != nil
	})
	if !found {
		return nil
	}

	if page.freeCount > 0 {
		page.freeCount--
	}

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "SlicedPool::TryReserve",
		slog.Uint64("slice", uint64(handle.ID())),
		slog.Uint64("buffer", uint64(page.buffer.ID)),
		slog.Int("size", size),
	)

	return handle
}

func (p *SlicedPool) Alloc(storage storage.Storage, size int) (*SliceHandle, error) {
	if !p.HandlesAlloc(size) {
		panic(fmt.Sprintf("sliced pool for slices up to %d bytes was asked to allocate %d bytes", p.options.MaxSliceSize, size))
	}
	memutils.DebugCheckPow2(p.alignment, "storage alignment")

	buffer, err := storage.Alloc(p.pageSize)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating a %d byte page for a %d byte slice", p.pageSize, size)
	}

	whole := newSlice(buffer, 0)
	page := &slicedPage{
		buffer:    buffer,
		slices:    []*Slice{whole},
		freeCount: p.options.IdleThreshold - 1,
	}
	p.index.Put(whole.ID(), whole)
	p.pages.Push(page)
	p.pages.SetCursorLast()

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "SlicedPool::Alloc created page",
		slog.Uint64("buffer", uint64(buffer.ID)),
		slog.Int("pageSize", p.pageSize),
		slog.Int("size", size),
	)

	handle := p.reserveInPage(page, size)
	if handle == nil {
		panic(fmt.Sprintf("a new %d byte page could not hold a %d byte slice", p.pageSize, size))
	}
	return handle, nil
}

func (p *SlicedPool) Cleanup(storage storage.Storage, allocNr uint64) {
	checkPeriod := p.options.DeallocPeriod / uint64(p.options.IdleThreshold)
	if allocNr-p.lastCheck < checkPeriod {
		return
	}
	p.lastCheck = allocNr

	p.pages.RemoveFunc(func(page *slicedPage) bool {
		if !page.isFree() {
			return false
		}

		page.freeCount++
		if page.freeCount < p.options.IdleThreshold {
			return false
		}

		p.deallocPage(storage, page)
		return true
	})
}

func (p *SlicedPool) ReleaseFree(storage storage.Storage) int {
	released := 0
	p.pages.RemoveFunc(func(page *slicedPage) bool {
		if !page.isFree() {
			return false
		}

		p.deallocPage(storage, page)
		released++
		return true
	})
	return released
}

func (p *SlicedPool) deallocPage(storage storage.Storage, page *slicedPage) {
	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "SlicedPool deallocated page",
		slog.Uint64("buffer", uint64(page.buffer.ID)),
		slog.Int("slices", len(page.slices)),
	)

	for _, slice := range page.slices {
		p.index.Delete(slice.ID())
		slice.Handle.Release()
	}
	page.slices = nil
	storage.Dealloc(page.buffer.ID)
}

func (p *SlicedPool) Get(id SliceID) (storage.Handle, bool) {
	slice, ok := p.index.Get(id)
	if !ok {
		return storage.Handle{}, false
	}
	return slice.Storage, true
}

func (p *SlicedPool) MemoryUsage() memutils.MemoryUsage {
	var usage memutils.MemoryUsage
	p.pages.Each(func(page *slicedPage) {
		usage.BytesReserved += page.buffer.Size()
		for _, slice := range page.slices {
			if slice.IsFree() {
				continue
			}

			usage.NumberAllocs++
			usage.BytesInUse += slice.Storage.Size()
			usage.BytesPadding += slice.Padding
		}
	})
	return usage
}

func (p *SlicedPool) AddStatistics(stats *memutils.Statistics) {
	p.pages.Each(func(page *slicedPage) {
		stats.AddPage(page.buffer.Size())
		for _, slice := range page.slices {
			if slice.IsFree() {
				stats.AddFreeRange(slice.EffectiveSize())
			} else {
				stats.AddSlice(slice.Storage.Size())
			}
		}
	})
}

func (p *SlicedPool) PrintDetailedMap(json *jwriter.ObjectState) {
	json.Name("Kind").String(PoolSliced.String())
	json.Name("PageSize").Int(p.pageSize)
	json.Name("MaxSliceSize").Int(p.options.MaxSliceSize)
	json.Name("Strategy").String(p.options.Strategy.String())

	pages := json.Name("Pages").Array()
	defer pages.End()

	p.pages.Each(func(page *slicedPage) {
		pageObj := pages.Object()
		pageObj.Name("Buffer").Int(int(page.buffer.ID))
		pageObj.Name("FreeCount").Int(page.freeCount)

		slicesArray := pageObj.Name("Slices").Array()
		for _, slice := range page.slices {
			obj := slicesArray.Object()
			obj.Name("Offset").Int(slice.Storage.Offset())
			if slice.IsFree() {
				obj.Name("Type").String("FREE")
				obj.Name("Size").Int(slice.EffectiveSize())
			} else {
				obj.Name("Slice").Int(int(slice.ID()))
				obj.Name("Size").Int(slice.Storage.Size())
				obj.Name("Padding").Int(slice.Padding)
			}
			obj.End()
		}
		slicesArray.End()

		pageObj.End()
	})
}

func (p *SlicedPool) Validate() error {
	sliceCount := 0
	var err error
	p.pages.Each(func(page *slicedPage) {
		if err != nil {
			return
		}
		sliceCount += len(page.slices)
		err = p.validatePage(page)
	})
	if err != nil {
		return err
	}

	if sliceCount != p.index.Count() {
		return errors.Newf("the pool indexes %d slices but its pages hold %d", p.index.Count(), sliceCount)
	}
	return nil
}

func (p *SlicedPool) validatePage(page *slicedPage) error {
	if page.buffer.Size() != p.pageSize {
		return errors.Newf("page for buffer %d is %d bytes, but pages are %d bytes", page.buffer.ID, page.buffer.Size(), p.pageSize)
	}

	offset := 0
	for _, slice := range page.slices {
		if slice.Storage.ID != page.buffer.ID {
			return errors.Newf("slice %d on buffer %d points at %s", slice.ID(), page.buffer.ID, slice.Storage)
		}
		if slice.Storage.Offset() != offset {
			return errors.Newf("slice %d starts at %d, but the previous slice ended at %d", slice.ID(), slice.Storage.Offset(), offset)
		}
		if offset%p.alignment != 0 {
			return errors.Newf("slice %d starts at unaligned offset %d", slice.ID(), offset)
		}
		if slice.Padding < 0 {
			return errors.Newf("slice %d has negative padding %d", slice.ID(), slice.Padding)
		}

		indexed, ok := p.index.Get(slice.ID())
		if !ok || indexed != slice {
			return errors.Newf("slice %d is not indexed", slice.ID())
		}

		offset += slice.EffectiveSize()
	}

	if offset != page.buffer.Size() {
		return errors.Newf("slices on buffer %d cover %d of %d bytes", page.buffer.ID, offset, page.buffer.Size())
	}
	return nil
}

func (p *SlicedPool) Destroy(storage storage.Storage) error {
	leaked := 0
	p.pages.Each(func(page *slicedPage) {
		for _, slice := range page.slices {
			if slice.IsFree() {
				continue
			}

			leaked++
			p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] slice still referenced",
				slog.Uint64("slice", uint64(slice.ID())),
				slog.Int("offset", slice.Storage.Offset()),
				slog.Int("size", slice.Storage.Size()),
				slog.Int("references", slice.Handle.RefCount()-1),
			)
		}
	})

	p.pages.RemoveFunc(func(page *slicedPage) bool {
		p.deallocPage(storage, page)
		return true
	})

	if leaked > 0 {
		return errors.Newf("%d slices were not released before the destruction of this pool", leaked)
	}
	return nil
}
