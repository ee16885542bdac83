package memutils

import (
	"math"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
)

func TestMemoryUsageCombine(t *testing.T) {
	a := MemoryUsage{NumberAllocs: 1, BytesInUse: 100, BytesPadding: 28, BytesReserved: 160}
	b := MemoryUsage{NumberAllocs: 2, BytesInUse: 50, BytesPadding: 14, BytesReserved: 1000}

	sum := a.Combine(b)
	require.Equal(t, MemoryUsage{NumberAllocs: 3, BytesInUse: 150, BytesPadding: 42, BytesReserved: 1160}, sum)
	require.InDelta(t, 150.0/1160.0, sum.Utilization(), 1e-9)
	require.Equal(t, 0.0, MemoryUsage{}.Utilization())
}

func TestMemoryUsageString(t *testing.T) {
	usage := MemoryUsage{NumberAllocs: 1, BytesInUse: 1500, BytesReserved: 3000}
	str := usage.String()
	require.Contains(t, str, "Number of allocations: 1")
	require.Contains(t, str, "Bytes in use: 1.50 KB")
	require.Contains(t, str, "Usage efficiency: 50.00%")
}

func TestFormatBytes(t *testing.T) {
	require.Equal(t, "999 B", FormatBytes(999))
	require.Equal(t, "1.00 KB", FormatBytes(1000))
	require.Equal(t, "2.50 MB", FormatBytes(2_500_000))
}

func TestStatistics(t *testing.T) {
	var stats Statistics
	stats.Clear()
	require.Equal(t, math.MaxInt, stats.SliceSizeMin)

	stats.AddPage(1024)
	stats.AddSlice(100)
	stats.AddSlice(300)
	stats.AddFreeRange(624)

	var other Statistics
	other.Clear()
	other.AddPage(512)
	other.AddSlice(50)

	stats.AddStatistics(&other)
	require.Equal(t, 2, stats.PageCount)
	require.Equal(t, 1536, stats.PageBytes)
	require.Equal(t, 3, stats.SliceCount)
	require.Equal(t, 450, stats.SliceBytes)
	require.Equal(t, 50, stats.SliceSizeMin)
	require.Equal(t, 300, stats.SliceSizeMax)
	require.Equal(t, 624, stats.FreeSizeMin)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	stats.WriteJson(&obj)
	obj.End()
	require.NoError(t, writer.Error())
	require.Contains(t, string(writer.Bytes()), `"SliceSizeMin":50`)
}
