package telemetry

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// histogram keeps per-bucket counts; cumulative counts are computed when
// exported.
type histogram struct {
	boundaries []float64
	mu         sync.Mutex
	buckets    []int64
	count      int64
	sum        uint64 // math.Float64bits
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{boundaries: boundaries, buckets: make([]int64, len(boundaries))}
}

// Observe records one value. Values above the last boundary only count
// towards +Inf.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		next := math.Float64bits(math.Float64frombits(old) + v)
		if atomic.CompareAndSwapUint64(&h.sum, old, next) {
			break
		}
	}

	i := sort.SearchFloat64s(h.boundaries, v)
	if i == len(h.boundaries) {
		return
	}
	h.mu.Lock()
	h.buckets[i]++
	h.mu.Unlock()
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulative() []int64 {
	h.mu.Lock()
	out := make([]int64, len(h.buckets))
	copy(out, h.buckets)
	h.mu.Unlock()
	for i := 1; i < len(out); i++ {
		out[i] += out[i-1]
	}
	return out
}

// labels is an ordered set of label values joined for use as a map key.
type labels []string

func (l labels) key() string { return strings.Join(l, "\x1f") }

func splitKey(k string) labels { return strings.Split(k, "\x1f") }

// histogramVec is a family of histograms sharing boundaries and label names.
type histogramVec struct {
	boundaries []float64
	mu         sync.RWMutex
	items      map[string]*histogram
}

func newHistogramVec(boundaries []float64) *histogramVec {
	return &histogramVec{boundaries: boundaries, items: make(map[string]*histogram)}
}

func (v *histogramVec) with(values ...string) *histogram {
	k := labels(values).key()
	v.mu.RLock()
	h, ok := v.items[k]
	v.mu.RUnlock()
	if ok {
		return h
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if h, ok = v.items[k]; !ok {
		h = newHistogram(v.boundaries)
		v.items[k] = h
	}
	return h
}

func (v *histogramVec) snapshot() map[string]*histogram {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cp := make(map[string]*histogram, len(v.items))
	for k, h := range v.items {
		cp[k] = h
	}
	return cp
}

// counterVec is a family of monotonically increasing counters.
type counterVec struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterVec() *counterVec {
	return &counterVec{items: make(map[string]*int64)}
}

func (v *counterVec) inc(values ...string) {
	k := labels(values).key()
	v.mu.RLock()
	p, ok := v.items[k]
	v.mu.RUnlock()
	if !ok {
		v.mu.Lock()
		if p, ok = v.items[k]; !ok {
			p = new(int64)
			v.items[k] = p
		}
		v.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

func (v *counterVec) get(values ...string) int64 {
	v.mu.RLock()
	p, ok := v.items[labels(values).key()]
	v.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (v *counterVec) snapshot() map[string]int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cp := make(map[string]int64, len(v.items))
	for k, p := range v.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// sortedKeys keeps exposition output stable between scrapes.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
