package telemetry

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/arsenal/kernrt/memutils"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// UsageSource reports the memory usage of one device. compute.Client satisfies it.
type UsageSource interface {
	MemoryUsage() memutils.MemoryUsage
}

const (
	descAllocations = iota
	descBytesInUse
	descBytesPadding
	descBytesReserved
)

var descriptors = []*prometheus.Desc{
	descAllocations: prometheus.NewDesc(
		"kernrt_memory_allocations",
		"Number of live slices handed out to callers.",
		[]string{"device"},
		nil,
	),
	descBytesInUse: prometheus.NewDesc(
		"kernrt_memory_bytes_in_use",
		"Sum of the logical sizes of live slices.",
		[]string{"device"},
		nil,
	),
	descBytesPadding: prometheus.NewDesc(
		"kernrt_memory_bytes_padding",
		"Bytes reserved past the logical size of live slices.",
		[]string{"device"},
		nil,
	),
	descBytesReserved: prometheus.NewDesc(
		"kernrt_memory_bytes_reserved",
		"Bytes currently allocated from the device.",
		[]string{"device"},
		nil,
	),
}

// Collector exports the memory usage of every registered device as gauges
type Collector struct {
	lock    sync.Mutex
	sources map[string]UsageSource
}

var _ prometheus.Collector = &Collector{}

func NewCollector() *Collector {
	return &Collector{
		sources: make(map[string]UsageSource),
	}
}

// Register adds a device. Each device name may only be registered once.
func (c *Collector) Register(device string, source UsageSource) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	_, exists := c.sources[device]
	if exists {
		return errors.Newf("device '%s' is already registered", device)
	}
	c.sources[device] = source
	return nil
}

func (c *Collector) Unregister(device string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	delete(c.sources, device)
}

func (c *Collector) Devices() []string {
	c.lock.Lock()
	defer c.lock.Unlock()

	devices := maps.Keys(c.sources)
	slices.Sort(devices)
	return devices
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range descriptors {
		ch <- desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.lock.Lock()
	sources := maps.Clone(c.sources)
	c.lock.Unlock()

	for device, source := range sources {
		usage := source.MemoryUsage()

		ch <- prometheus.MustNewConstMetric(descriptors[descAllocations], prometheus.GaugeValue, float64(usage.NumberAllocs), device)
		ch <- prometheus.MustNewConstMetric(descriptors[descBytesInUse], prometheus.GaugeValue, float64(usage.BytesInUse), device)
		ch <- prometheus.MustNewConstMetric(descriptors[descBytesPadding], prometheus.GaugeValue, float64(usage.BytesPadding), device)
		ch <- prometheus.MustNewConstMetric(descriptors[descBytesReserved], prometheus.GaugeValue, float64(usage.BytesReserved), device)
	}
}
