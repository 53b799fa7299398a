// Package metrics implements a small process-local metric registry
// (counters, gauges, histograms) rendered in Prometheus text exposition
// format. Counters and gauges reset on restart; nothing is shared across
// instances.
package metrics

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
)

// Labels attach dimensions to a series.
type Labels map[string]string

// DefaultBuckets cover sub-millisecond cache hits up to multi-second
// provider calls (values in seconds).
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	total   uint64
}

// Registry holds all metric series for one process.
type Registry struct {
	mu         sync.Mutex
	counters   map[string]map[string]float64
	gauges     map[string]map[string]float64
	histograms map[string]map[string]*histogram
	buckets    map[string][]float64
	labelSets  map[string]map[string]Labels
}

// NewRegistry creates an empty metric registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]map[string]float64),
		gauges:     make(map[string]map[string]float64),
		histograms: make(map[string]map[string]*histogram),
		buckets:    make(map[string][]float64),
		labelSets:  make(map[string]map[string]Labels),
	}
}

// RegisterHistogramBuckets overrides the bucket layout for one histogram.
// Must be called before the first Observe for that name.
func (r *Registry) RegisterHistogramBuckets(name string, buckets []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets[name] = buckets
}

// IncCounter increments a counter series by one.
func (r *Registry) IncCounter(name string, labels Labels) {
	r.AddCounter(name, labels, 1)
}

// AddCounter increments a counter series by v.
func (r *Registry) AddCounter(name string, labels Labels, v float64) {
	key := labelKey(labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counters[name] == nil {
		r.counters[name] = make(map[string]float64)
	}
	r.counters[name][key] += v
	r.rememberLabels(name, key, labels)
}

// SetGauge sets a gauge series to v.
func (r *Registry) SetGauge(name string, labels Labels, v float64) {
	key := labelKey(labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gauges[name] == nil {
		r.gauges[name] = make(map[string]float64)
	}
	r.gauges[name][key] = v
	r.rememberLabels(name, key, labels)
}

// AddGauge adjusts a gauge series by delta.
func (r *Registry) AddGauge(name string, labels Labels, delta float64) {
	key := labelKey(labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gauges[name] == nil {
		r.gauges[name] = make(map[string]float64)
	}
	r.gauges[name][key] += delta
	r.rememberLabels(name, key, labels)
}

// Observe records v into a histogram series.
func (r *Registry) Observe(name string, labels Labels, v float64) {
	key := labelKey(labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.histograms[name] == nil {
		r.histograms[name] = make(map[string]*histogram)
	}
	h := r.histograms[name][key]
	if h == nil {
		buckets := r.buckets[name]
		if buckets == nil {
			buckets = DefaultBuckets
		}
		h = &histogram{buckets: buckets, counts: make([]uint64, len(buckets))}
		r.histograms[name][key] = h
	}
	for i, upper := range h.buckets {
		if v <= upper {
			h.counts[i]++
		}
	}
	h.sum += v
	h.total++
	r.rememberLabels(name, key, labels)
}

// CounterValue reads a counter series, mainly for tests and the cache
// hit-ratio gauge.
func (r *Registry) CounterValue(name string, labels Labels) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name][labelKey(labels)]
}

// GaugeValue reads a gauge series.
func (r *Registry) GaugeValue(name string, labels Labels) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[name][labelKey(labels)]
}

// Render writes every series in Prometheus text exposition format.
func (r *Registry) Render(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range sortedKeys(r.counters) {
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
		series := r.counters[name]
		for _, key := range sortedSeriesKeys(series) {
			fmt.Fprintf(w, "%s%s %s\n", name, r.renderLabels(name, key, nil), formatValue(series[key]))
		}
	}

	for _, name := range sortedKeys(r.gauges) {
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
		series := r.gauges[name]
		for _, key := range sortedSeriesKeys(series) {
			fmt.Fprintf(w, "%s%s %s\n", name, r.renderLabels(name, key, nil), formatValue(series[key]))
		}
	}

	for _, name := range sortedKeys(r.histograms) {
		fmt.Fprintf(w, "# TYPE %s histogram\n", name)
		series := r.histograms[name]
		for _, key := range sortedSeriesKeys(series) {
			h := series[key]
			// bucket counts are kept cumulative, matching the exposition format
			for i, upper := range h.buckets {
				le := formatValue(upper)
				fmt.Fprintf(w, "%s_bucket%s %d\n", name, r.renderLabels(name, key, Labels{"le": le}), h.counts[i])
			}
			fmt.Fprintf(w, "%s_bucket%s %d\n", name, r.renderLabels(name, key, Labels{"le": "+Inf"}), h.total)
			fmt.Fprintf(w, "%s_sum%s %s\n", name, r.renderLabels(name, key, nil), formatValue(h.sum))
			fmt.Fprintf(w, "%s_count%s %d\n", name, r.renderLabels(name, key, nil), h.total)
		}
	}
}

func (r *Registry) rememberLabels(name, key string, labels Labels) {
	if r.labelSets[name] == nil {
		r.labelSets[name] = make(map[string]Labels)
	}
	if _, ok := r.labelSets[name][key]; !ok {
		copied := make(Labels, len(labels))
		for k, v := range labels {
			copied[k] = v
		}
		r.labelSets[name][key] = copied
	}
}

func (r *Registry) renderLabels(name, key string, extra Labels) string {
	labels := r.labelSets[name][key]
	if len(labels) == 0 && len(extra) == 0 {
		return ""
	}
	merged := make(Labels, len(labels)+len(extra))
	for k, v := range labels {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	names := make([]string, 0, len(merged))
	for k := range merged {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, fmt.Sprintf("%s=%q", k, merged[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func labelKey(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSeriesKeys[V any](m map[string]V) []string {
	return sortedKeys(m)
}

func formatValue(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}
