package roled

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics implements Metrics on a prometheus registry. Collectors
// are created lazily on first use; a metric keeps the label set of its
// first call.
type PromMetrics struct {
	reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPromMetrics returns a recorder registering on reg, defaulting to
// the global registerer.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PromMetrics{
		reg:        reg,
		counters:   map[string]*prometheus.CounterVec{},
		gauges:     map[string]*prometheus.GaugeVec{},
		histograms: map[string]*prometheus.HistogramVec{},
	}
}

// IncCounter implements Metrics.
func (m *PromMetrics) IncCounter(name string, value float64, labels ...Label) {
	names, values := splitLabels(labels)
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roled",
			Name:      name,
		}, names)
		m.reg.MustRegister(vec)
		m.counters[name] = vec
	}
	m.mu.Unlock()
	vec.WithLabelValues(values...).Add(value)
}

// SetGauge implements Metrics.
func (m *PromMetrics) SetGauge(name string, value float64, labels ...Label) {
	names, values := splitLabels(labels)
	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "roled",
			Name:      name,
		}, names)
		m.reg.MustRegister(vec)
		m.gauges[name] = vec
	}
	m.mu.Unlock()
	vec.WithLabelValues(values...).Set(value)
}

// ObserveHistogram implements Metrics.
func (m *PromMetrics) ObserveHistogram(name string, value float64, labels ...Label) {
	names, values := splitLabels(labels)
	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "roled",
			Name:      name,
		}, names)
		m.reg.MustRegister(vec)
		m.histograms[name] = vec
	}
	m.mu.Unlock()
	vec.WithLabelValues(values...).Observe(value)
}

func splitLabels(labels []Label) (names, values []string) {
	for _, l := range labels {
		names = append(names, l.Name)
		values = append(values, l.Value)
	}
	return names, values
}
