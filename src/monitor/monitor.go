// Package monitor samples queue depths on a schedule, exports them as
// Prometheus gauges and serves them over HTTP.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/not-empty/orderq-go/src/orderq"
)

// Source is the part of the queue client the monitor needs.
type Source interface {
	ReapExpired(ctx context.Context, queue string, maxReap int, nowMsOverride int64) (int, error)
	PromoteRetries(ctx context.Context, queue string, maxPromote int, nowMsOverride int64) (int, error)
	SampleDepths(ctx context.Context, queue string, consumerIDs ...string) (orderq.QueueDepths, error)
	Ping(ctx context.Context) error
}

type Opts struct {
	Queue       string
	ConsumerIDs []string
	Interval    time.Duration
	SweepBatch  int
	Logger      *slog.Logger
	Registerer  prometheus.Registerer
}

type Monitor struct {
	src   Source
	opts  Opts
	log   *slog.Logger
	depth *prometheus.GaugeVec
	cron  *cron.Cron

	mu      sync.Mutex
	last    orderq.QueueDepths
	sampled bool
}

func New(src Source, opts Opts) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = orderq.DefaultSweepBatch
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orderq",
		Name:      "queue_depth",
		Help:      "Element count of each queue collection at the last sample.",
	}, []string{"queue", "collection"})
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(depth)
	}

	return &Monitor{
		src:   src,
		opts:  opts,
		log:   log.With("component", "monitor", "queue", opts.Queue),
		depth: depth,
	}
}

// Sample recovers expired claims, releases eligible retries and records the
// resulting depths. Depths are logged only when they differ from the
// previous sample.
func (m *Monitor) Sample(ctx context.Context) (orderq.QueueDepths, error) {
	reaped, err := m.src.ReapExpired(ctx, m.opts.Queue, m.opts.SweepBatch, 0)
	if err != nil {
		return orderq.QueueDepths{}, err
	}
	if reaped > 0 {
		m.log.Info("expired claims recovered", "count", reaped)
	}

	promoted, err := m.src.PromoteRetries(ctx, m.opts.Queue, m.opts.SweepBatch, 0)
	if err != nil {
		return orderq.QueueDepths{}, err
	}
	if promoted > 0 {
		m.log.Info("retries released", "count", promoted)
	}

	d, err := m.src.SampleDepths(ctx, m.opts.Queue, m.opts.ConsumerIDs...)
	if err != nil {
		return orderq.QueueDepths{}, err
	}

	m.record(d)
	return d, nil
}

func (m *Monitor) record(d orderq.QueueDepths) {
	q := m.opts.Queue
	m.depth.WithLabelValues(q, "work").Set(float64(d.Work))
	m.depth.WithLabelValues(q, "locked").Set(float64(d.Locked))
	m.depth.WithLabelValues(q, "invisible").Set(float64(d.Invisible))
	m.depth.WithLabelValues(q, "retry").Set(float64(d.Retry))
	m.depth.WithLabelValues(q, "terminated").Set(float64(d.Terminated))
	m.depth.WithLabelValues(q, "output").Set(float64(d.Output))

	m.mu.Lock()
	changed := !m.sampled || m.last != d
	m.last = d
	m.sampled = true
	m.mu.Unlock()

	if changed {
		m.log.Info("queue depths",
			"work", d.Work,
			"locked", d.Locked,
			"invisible", d.Invisible,
			"retry", d.Retry,
			"terminated", d.Terminated,
			"output", d.Output,
			"pending", d.Pending(),
		)
	}
}

// Last returns the most recent sample and whether one has been taken.
func (m *Monitor) Last() (orderq.QueueDepths, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.sampled
}

// Start schedules Sample every Interval. Overlapping runs are skipped.
func (m *Monitor) Start(ctx context.Context) {
	m.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	m.cron.Schedule(cron.Every(m.opts.Interval), cron.FuncJob(func() {
		if _, err := m.Sample(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("depth sample failed", "error", err)
		}
	}))
	m.cron.Start()
}

// Stop halts the schedule and waits for a running sample to finish.
func (m *Monitor) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
}

type depthsResponse struct {
	Queue   string             `json:"queue"`
	Depths  orderq.QueueDepths `json:"depths"`
	Pending int64              `json:"pending"`
	Total   int64              `json:"total"`
}

// Router serves /metrics from gatherer, /depths and /healthz.
func (m *Monitor) Router(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/depths", m.handleDepths)
	r.Get("/healthz", m.handleHealth)
	return r
}

func (m *Monitor) handleDepths(w http.ResponseWriter, r *http.Request) {
	d, err := m.src.SampleDepths(r.Context(), m.opts.Queue, m.opts.ConsumerIDs...)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, depthsResponse{
		Queue:   m.opts.Queue,
		Depths:  d,
		Pending: d.Pending(),
		Total:   d.Total(),
	})
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := m.src.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
