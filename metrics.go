package eh

import (
	"sync/atomic"
	"time"
)

// numStatShards spreads hot-path counter updates across cache lines;
// callbacks and submissions run on many goroutines at once.
const numStatShards = 16

const numStatusCounts = 8

// statShard is one stripe of counters. Padded to its own cache lines.
// The latency minimums start at all ones so the first sample wins.
type statShard struct {
	StatusCounts [numStatusCounts]atomic.Uint64 // indexed by Status

	CompressBytes        atomic.Uint64 // compressed output bytes
	CompressLatencyNs    atomic.Uint64
	CompressLatencyMin   atomic.Uint64
	CompressLatencyMax   atomic.Uint64
	CompressOps          atomic.Uint64
	CongestionEvents     atomic.Uint64
	DecompressOps        atomic.Uint64
	DecompressErrors     atomic.Uint64
	DecompressLatencyNs  atomic.Uint64
	DecompressLatencyMin atomic.Uint64
	DecompressLatencyMax atomic.Uint64

	_ [64]byte
}

// Metrics tracks operational statistics for one device.
type Metrics struct {
	shards [numStatShards]statShard
	next   atomic.Uint32

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano, 0 while running
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	for i := range m.shards {
		m.shards[i].CompressLatencyMin.Store(^uint64(0))
		m.shards[i].DecompressLatencyMin.Store(^uint64(0))
	}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) shard() *statShard {
	return &m.shards[m.next.Add(1)%numStatShards]
}

func updateMin(c *atomic.Uint64, v uint64) {
	for {
		cur := c.Load()
		if v >= cur || c.CompareAndSwap(cur, v) {
			return
		}
	}
}

func updateMax(c *atomic.Uint64, v uint64) {
	for {
		cur := c.Load()
		if v <= cur || c.CompareAndSwap(cur, v) {
			return
		}
	}
}

// RecordCompress records one retired compression descriptor.
func (m *Metrics) RecordCompress(status Status, size int, latencyNs int64) {
	s := m.shard()
	if int(status) < numStatusCounts {
		s.StatusCounts[status].Add(1)
	}
	s.CompressOps.Add(1)
	s.CompressBytes.Add(uint64(size))
	s.CompressLatencyNs.Add(uint64(latencyNs))
	updateMin(&s.CompressLatencyMin, uint64(latencyNs))
	updateMax(&s.CompressLatencyMax, uint64(latencyNs))
}

// RecordCongestion records one full-ring back-pressure event.
func (m *Metrics) RecordCongestion() {
	m.shard().CongestionEvents.Add(1)
}

// RecordDecompress records one synchronous decompression command.
func (m *Metrics) RecordDecompress(latencyNs int64, err error) {
	s := m.shard()
	s.DecompressOps.Add(1)
	s.DecompressLatencyNs.Add(uint64(latencyNs))
	updateMin(&s.DecompressLatencyMin, uint64(latencyNs))
	updateMax(&s.DecompressLatencyMax, uint64(latencyNs))
	if err != nil {
		s.DecompressErrors.Add(1)
	}
}

// Stop marks the device as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time aggregation across shards.
type MetricsSnapshot struct {
	// Per-status completion counts
	Compressed    uint64 `json:"compressed"`
	Copied        uint64 `json:"copied"`
	Zero          uint64 `json:"zero"`
	Abort         uint64 `json:"abort"`
	ErrorContinue uint64 `json:"error_continue"`
	ErrorHalted   uint64 `json:"error_halted"`

	CompressOps      uint64 `json:"compress_ops"`
	CompressBytes    uint64 `json:"compress_bytes"`
	CongestionEvents uint64 `json:"congestion_events"`

	DecompressOps    uint64 `json:"decompress_ops"`
	DecompressErrors uint64 `json:"decompress_errors"`

	// Derived; min/max are zero until the first operation
	AvgCompressLatencyNs   uint64  `json:"avg_compress_latency_ns"`
	MinCompressLatencyNs   uint64  `json:"min_compress_latency_ns"`
	MaxCompressLatencyNs   uint64  `json:"max_compress_latency_ns"`
	AvgDecompressLatencyNs uint64  `json:"avg_decompress_latency_ns"`
	MinDecompressLatencyNs uint64  `json:"min_decompress_latency_ns"`
	MaxDecompressLatencyNs uint64  `json:"max_decompress_latency_ns"`
	CompressRatio          float64 `json:"compress_ratio"` // output bytes / input bytes
	UptimeNs               uint64  `json:"uptime_ns"`
}

// Snapshot aggregates every shard into a consistent-enough snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var snap MetricsSnapshot
	var compressLatency, decompressLatency uint64
	minC, minD := ^uint64(0), ^uint64(0)
	var maxC, maxD uint64

	for i := range m.shards {
		s := &m.shards[i]
		snap.Compressed += s.StatusCounts[StatusCompressed].Load()
		snap.Copied += s.StatusCounts[StatusCopied].Load()
		snap.Zero += s.StatusCounts[StatusZero].Load()
		snap.Abort += s.StatusCounts[StatusAbort].Load()
		snap.ErrorContinue += s.StatusCounts[StatusErrorContinue].Load()
		snap.ErrorHalted += s.StatusCounts[StatusErrorHalted].Load()
		snap.CompressOps += s.CompressOps.Load()
		snap.CompressBytes += s.CompressBytes.Load()
		snap.CongestionEvents += s.CongestionEvents.Load()
		snap.DecompressOps += s.DecompressOps.Load()
		snap.DecompressErrors += s.DecompressErrors.Load()
		compressLatency += s.CompressLatencyNs.Load()
		decompressLatency += s.DecompressLatencyNs.Load()
		if v := s.CompressLatencyMin.Load(); v < minC {
			minC = v
		}
		if v := s.CompressLatencyMax.Load(); v > maxC {
			maxC = v
		}
		if v := s.DecompressLatencyMin.Load(); v < minD {
			minD = v
		}
		if v := s.DecompressLatencyMax.Load(); v > maxD {
			maxD = v
		}
	}

	if snap.CompressOps > 0 {
		snap.AvgCompressLatencyNs = compressLatency / snap.CompressOps
		snap.MinCompressLatencyNs = minC
		snap.MaxCompressLatencyNs = maxC
		snap.CompressRatio = float64(snap.CompressBytes) /
			float64(snap.CompressOps*PageSize)
	}
	if snap.DecompressOps > 0 {
		snap.AvgDecompressLatencyNs = decompressLatency / snap.DecompressOps
		snap.MinDecompressLatencyNs = minD
		snap.MaxDecompressLatencyNs = maxD
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}
	return snap
}

// Reset zeroes every counter; useful for testing.
func (m *Metrics) Reset() {
	for i := range m.shards {
		s := &m.shards[i]
		for j := range s.StatusCounts {
			s.StatusCounts[j].Store(0)
		}
		s.CompressBytes.Store(0)
		s.CompressLatencyNs.Store(0)
		s.CompressLatencyMin.Store(^uint64(0))
		s.CompressLatencyMax.Store(0)
		s.CompressOps.Store(0)
		s.CongestionEvents.Store(0)
		s.DecompressOps.Store(0)
		s.DecompressErrors.Store(0)
		s.DecompressLatencyNs.Store(0)
		s.DecompressLatencyMin.Store(^uint64(0))
		s.DecompressLatencyMax.Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection.
type Observer interface {
	// ObserveCompress is called for each retired compression descriptor.
	ObserveCompress(status Status, size int, latencyNs int64)

	// ObserveCongestion is called for each full-ring back-pressure event.
	ObserveCongestion()

	// ObserveDecompress is called for each decompression command.
	ObserveDecompress(latencyNs int64, err error)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCompress(Status, int, int64) {}
func (NoOpObserver) ObserveCongestion()                 {}
func (NoOpObserver) ObserveDecompress(int64, error)     {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCompress(status Status, size int, latencyNs int64) {
	o.metrics.RecordCompress(status, size, latencyNs)
}

func (o *MetricsObserver) ObserveCongestion() {
	o.metrics.RecordCongestion()
}

func (o *MetricsObserver) ObserveDecompress(latencyNs int64, err error) {
	o.metrics.RecordDecompress(latencyNs, err)
}

// Compile-time interface checks
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = NoOpObserver{}
