package orderq

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts coordinator activity. A nil *Metrics records nothing.
type Metrics struct {
	claimed         *prometheus.CounterVec
	acked           *prometheus.CounterVec
	completed       *prometheus.CounterVec
	incomplete      *prometheus.CounterVec
	promoted        *prometheus.CounterVec
	processorErrors *prometheus.CounterVec
	exhausted       *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderq",
			Name:      name,
			Help:      help,
		}, []string{"queue"})
		reg.MustRegister(c)
		return c
	}

	return &Metrics{
		claimed:         counter("jobs_claimed_total", "Jobs claimed from the work list."),
		acked:           counter("jobs_acked_total", "Ungrouped jobs acknowledged."),
		completed:       counter("jobs_completed_total", "Jobs recorded complete."),
		incomplete:      counter("jobs_incomplete_total", "Jobs recorded incomplete."),
		promoted:        counter("jobs_promoted_total", "Jobs promoted to the output set."),
		processorErrors: counter("processor_errors_total", "Failed processing attempts."),
		exhausted:       counter("jobs_exhausted_total", "Jobs left to the visibility timeout after every attempt failed."),
	}
}

func (m *Metrics) Claimed(queue string) {
	if m != nil {
		m.claimed.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) Acked(queue string) {
	if m != nil {
		m.acked.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) Completed(queue string) {
	if m != nil {
		m.completed.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) Incomplete(queue string) {
	if m != nil {
		m.incomplete.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) Promoted(queue string, n int) {
	if m != nil && n > 0 {
		m.promoted.WithLabelValues(queue).Add(float64(n))
	}
}

func (m *Metrics) ProcessorError(queue string) {
	if m != nil {
		m.processorErrors.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) Exhausted(queue string) {
	if m != nil {
		m.exhausted.WithLabelValues(queue).Inc()
	}
}
