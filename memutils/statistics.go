package memutils

import (
	"fmt"
	"math"
	"strings"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// MemoryUsage is the externally visible summary of a pool, or of every pool in a memory manager
type MemoryUsage struct {
	// NumberAllocs is the number of live slices handed out to callers
	NumberAllocs int
	// BytesInUse is the sum of the logical sizes of the live slices
	BytesInUse int
	// BytesPadding is the number of bytes reserved past the logical size of live slices
	BytesPadding int
	// BytesReserved is the number of bytes currently allocated from the device
	BytesReserved int
}

// Combine returns the sum of both usage reports
func (u MemoryUsage) Combine(other MemoryUsage) MemoryUsage {
	return MemoryUsage{
		NumberAllocs:  u.NumberAllocs + other.NumberAllocs,
		BytesInUse:    u.BytesInUse + other.BytesInUse,
		BytesPadding:  u.BytesPadding + other.BytesPadding,
		BytesReserved: u.BytesReserved + other.BytesReserved,
	}
}

// Utilization is the fraction of reserved bytes that live slices actually use
func (u MemoryUsage) Utilization() float64 {
	if u.BytesReserved == 0 {
		return 0
	}
	return float64(u.BytesInUse) / float64(u.BytesReserved)
}

func (u MemoryUsage) String() string {
	var sb strings.Builder
	sb.WriteString("Memory Usage Report:\n")
	fmt.Fprintf(&sb, "  Number of allocations: %d\n", u.NumberAllocs)
	fmt.Fprintf(&sb, "  Bytes in use: %s\n", FormatBytes(u.BytesInUse))
	fmt.Fprintf(&sb, "  Bytes used for padding: %s\n", FormatBytes(u.BytesPadding))
	fmt.Fprintf(&sb, "  Total bytes reserved: %s\n", FormatBytes(u.BytesReserved))
	fmt.Fprintf(&sb, "  Usage efficiency: %.2f%%", u.Utilization()*100)
	return sb.String()
}

// WriteJson populates a json object with the fields of this report
func (u MemoryUsage) WriteJson(json *jwriter.ObjectState) {
	json.Name("Allocations").Int(u.NumberAllocs)
	json.Name("BytesInUse").Int(u.BytesInUse)
	json.Name("BytesPadding").Int(u.BytesPadding)
	json.Name("BytesReserved").Int(u.BytesReserved)
}

var byteUnits = []string{"B", "KB", "MB", "GB", "TB"}

// FormatBytes renders a byte count with a decimal unit suffix
func FormatBytes(bytes int) string {
	value := float64(bytes)
	unit := 0
	for math.Abs(value) >= 1000 && unit < len(byteUnits)-1 {
		value /= 1000
		unit++
	}

	if unit == 0 {
		return fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%.2f %s", value, byteUnits[unit])
}

// Statistics is a detailed breakdown of the pages and slices held by a pool
type Statistics struct {
	PageCount  int
	SliceCount int
	PageBytes  int
	SliceBytes int

	FreeSliceCount int
	SliceSizeMin   int
	SliceSizeMax   int
	FreeSizeMin    int
	FreeSizeMax    int
}

func (s *Statistics) Clear() {
	s.PageCount = 0
	s.SliceCount = 0
	s.PageBytes = 0
	s.SliceBytes = 0
	s.FreeSliceCount = 0
	s.SliceSizeMin = math.MaxInt
	s.SliceSizeMax = 0
	s.FreeSizeMin = math.MaxInt
	s.FreeSizeMax = 0
}

func (s *Statistics) AddPage(size int) {
	s.PageCount++
	s.PageBytes += size
}

func (s *Statistics) AddFreeRange(size int) {
	s.FreeSliceCount++

	if size < s.FreeSizeMin {
		s.FreeSizeMin = size
	}

	if size > s.FreeSizeMax {
		s.FreeSizeMax = size
	}
}

func (s *Statistics) AddSlice(size int) {
	s.SliceCount++
	s.SliceBytes += size

	if size < s.SliceSizeMin {
		s.SliceSizeMin = size
	}

	if size > s.SliceSizeMax {
		s.SliceSizeMax = size
	}
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.PageCount += other.PageCount
	s.PageBytes += other.PageBytes
	s.SliceCount += other.SliceCount
	s.SliceBytes += other.SliceBytes
	s.FreeSliceCount += other.FreeSliceCount

	if other.SliceSizeMin < s.SliceSizeMin {
		s.SliceSizeMin = other.SliceSizeMin
	}

	if other.SliceSizeMax > s.SliceSizeMax {
		s.SliceSizeMax = other.SliceSizeMax
	}

	if other.FreeSizeMin < s.FreeSizeMin {
		s.FreeSizeMin = other.FreeSizeMin
	}

	if other.FreeSizeMax > s.FreeSizeMax {
		s.FreeSizeMax = other.FreeSizeMax
	}
}

// WriteJson populates a json object with the fields of these statistics. Min values are
// omitted when nothing was counted.
func (s *Statistics) WriteJson(json *jwriter.ObjectState) {
	json.Name("PageCount").Int(s.PageCount)
	json.Name("PageBytes").Int(s.PageBytes)
	json.Name("SliceCount").Int(s.SliceCount)
	json.Name("SliceBytes").Int(s.SliceBytes)
	json.Name("FreeSliceCount").Int(s.FreeSliceCount)

	if s.SliceCount > 0 {
		json.Name("SliceSizeMin").Int(s.SliceSizeMin)
		json.Name("SliceSizeMax").Int(s.SliceSizeMax)
	}
	if s.FreeSliceCount > 0 {
		json.Name("FreeSizeMin").Int(s.FreeSizeMin)
		json.Name("FreeSizeMax").Int(s.FreeSizeMax)
	}
}
