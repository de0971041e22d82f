package obs

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksTotal counts terminal task outcomes per host.
var TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ygg",
	Name:      "tasks_total",
	Help:      "Terminal task outcomes by host and status.",
}, []string{"host", "status"})

// TokensTotal counts LLM tokens per host and direction.
var TokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ygg",
	Name:      "tokens_total",
	Help:      "LLM token usage by host and direction.",
}, []string{"host", "type"})

var startTime = time.Now()

// Uptime reports dispatcher uptime.
var Uptime = promauto.NewGaugeFunc(prometheus.GaugeOpts{
	Namespace: "ygg",
	Name:      "uptime_seconds",
	Help:      "Dispatcher uptime in seconds.",
}, func() float64 {
	return time.Since(startTime).Seconds()
})

// ─── Rolling-window latency percentiles ─────────────────────────────────────

var percentiles = []int{50, 95, 99}

type durationSample struct {
	at time.Time
	ms float64
}

// DurationWindow keeps per-host task durations over a rolling window and
// computes percentiles on demand.
type DurationWindow struct {
	mu      sync.Mutex
	window  time.Duration
	samples map[string][]durationSample
}

// NewDurationWindow creates a window of the given span.
func NewDurationWindow(window time.Duration) *DurationWindow {
	return &DurationWindow{window: window, samples: make(map[string][]durationSample)}
}

// Observe records one task duration for host.
func (w *DurationWindow) Observe(host string, ms float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[host] = append(w.prune(host), durationSample{at: time.Now(), ms: ms})
}

// prune drops samples older than the window. Caller holds w.mu.
func (w *DurationWindow) prune(host string) []durationSample {
	cutoff := time.Now().Add(-w.window)
	samples := w.samples[host]
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	return samples[i:]
}

// Percentile returns the p-th percentile of host durations in the window.
func (w *DurationWindow) Percentile(host string, p int) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	samples := w.prune(host)
	w.samples[host] = samples
	if len(samples) == 0 {
		return 0
	}

	sorted := make([]float64, len(samples))
	for i, s := range samples {
		sorted[i] = s.ms
	}
	sort.Float64s(sorted)

	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Hosts returns every host with samples in the window.
func (w *DurationWindow) Hosts() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	hosts := make([]string, 0, len(w.samples))
	for host := range w.samples {
		if len(w.prune(host)) > 0 {
			hosts = append(hosts, host)
		}
	}
	sort.Strings(hosts)
	return hosts
}

// Durations is the dispatcher-wide 5-minute latency window.
var Durations = NewDurationWindow(5 * time.Minute)

// durationCollector exports the window as ygg_task_duration_ms gauges.
type durationCollector struct {
	window *DurationWindow
}

var durationDesc = prometheus.NewDesc(
	"ygg_task_duration_ms",
	"Task duration percentiles over a rolling 5-minute window.",
	[]string{"host", "percentile"}, nil,
)

func (c durationCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- durationDesc
}

func (c durationCollector) Collect(ch chan<- prometheus.Metric) {
	for _, host := range c.window.Hosts() {
		for _, p := range percentiles {
			ch <- prometheus.MustNewConstMetric(
				durationDesc, prometheus.GaugeValue,
				c.window.Percentile(host, p),
				host, itoa(p),
			)
		}
	}
}

func itoa(p int) string {
	switch p {
	case 50:
		return "50"
	case 95:
		return "95"
	case 99:
		return "99"
	}
	return "0"
}

func init() {
	prometheus.MustRegister(durationCollector{Durations})
}

// ─── JSON snapshot (for /metrics.json) ──────────────────────────────────────

// taskMirror tracks counts for the JSON export, mirroring the Prometheus
// counters which cannot be read back cheaply.
type taskMirror struct {
	mu     sync.Mutex
	tasks  map[string]map[string]int
	tokens map[string]map[string]int
}

var mirror = &taskMirror{
	tasks:  make(map[string]map[string]int),
	tokens: make(map[string]map[string]int),
}

// RecordTask registers a terminal task outcome across all metric surfaces.
func RecordTask(host, status string, durationMS float64, tokensIn, tokensOut int) {
	TasksTotal.WithLabelValues(host, status).Inc()
	Durations.Observe(host, durationMS)
	if tokensIn > 0 {
		TokensTotal.WithLabelValues(host, "in").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		TokensTotal.WithLabelValues(host, "out").Add(float64(tokensOut))
	}

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if mirror.tasks[host] == nil {
		mirror.tasks[host] = make(map[string]int)
	}
	mirror.tasks[host][status]++
	if mirror.tokens[host] == nil {
		mirror.tokens[host] = map[string]int{"in": 0, "out": 0}
	}
	mirror.tokens[host]["in"] += tokensIn
	mirror.tokens[host]["out"] += tokensOut
}

// Snapshot is the structured form served at /metrics.json.
type Snapshot struct {
	Tasks         map[string]map[string]int     `json:"tasks"`
	LatencyMS     map[string]map[string]float64 `json:"latency_ms"`
	Tokens        map[string]map[string]int     `json:"tokens"`
	UptimeSeconds float64                       `json:"uptime_seconds"`
}

// SnapshotJSON captures current metrics as a Snapshot.
func SnapshotJSON() Snapshot {
	mirror.mu.Lock()
	tasks := make(map[string]map[string]int, len(mirror.tasks))
	for host, counts := range mirror.tasks {
		tasks[host] = make(map[string]int, len(counts))
		for status, n := range counts {
			tasks[host][status] = n
		}
	}
	tokens := make(map[string]map[string]int, len(mirror.tokens))
	for host, counts := range mirror.tokens {
		tokens[host] = map[string]int{"in": counts["in"], "out": counts["out"]}
	}
	mirror.mu.Unlock()

	latency := make(map[string]map[string]float64)
	for _, host := range Durations.Hosts() {
		latency[host] = map[string]float64{
			"p50": Durations.Percentile(host, 50),
			"p95": Durations.Percentile(host, 95),
			"p99": Durations.Percentile(host, 99),
		}
	}

	return Snapshot{
		Tasks:         tasks,
		LatencyMS:     latency,
		Tokens:        tokens,
		UptimeSeconds: time.Since(startTime).Seconds(),
	}
}
