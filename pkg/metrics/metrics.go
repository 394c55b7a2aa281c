package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/Comfy-Org/comfyui-sidecar/pkg/models"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/store"
)

// Metrics is the supervisor's Prometheus instrumentation. Job-state
// gauges are read from the store at scrape time; counters track the
// event stream (launches, exits, restarts, escalations).
type Metrics struct {
	registry *prometheus.Registry

	JobsSubmitted   prometheus.Counter
	Launches        prometheus.Counter
	Classifications *prometheus.CounterVec
	Restarts        prometheus.Counter
	StoreRetries    prometheus.Counter
	Escalations     prometheus.Counter
	WorkerRSSBytes  *prometheus.GaugeVec
}

// New creates the registry and registers all collectors
func New(s store.Store) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sidecar_jobs_submitted_total",
			Help: "Total number of jobs accepted by the control surface",
		}),
		Launches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sidecar_worker_launches_total",
			Help: "Total number of worker process launches",
		}),
		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sidecar_exit_classifications_total",
			Help: "Worker exits by classification",
		}, []string{"classification"}),
		Restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sidecar_worker_restarts_total",
			Help: "Total number of relaunches after a retryable exit",
		}),
		StoreRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sidecar_store_write_retries_total",
			Help: "Transient store write failures that were retried",
		}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sidecar_persistence_escalations_total",
			Help: "Store writes that exhausted their retry budget",
		}),
		WorkerRSSBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sidecar_worker_rss_bytes",
			Help: "Resident set size of a running worker",
		}, []string{"job_id"}),
	}

	m.registry.MustRegister(
		m.JobsSubmitted,
		m.Launches,
		m.Classifications,
		m.Restarts,
		m.StoreRetries,
		m.Escalations,
		m.WorkerRSSBytes,
		&stateCollector{store: s},
	)

	return m
}

// Handler serves the registry in Prometheus text exposition format
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mfs, err := m.registry.Gather()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
		for _, mf := range mfs {
			if err := enc.Encode(mf); err != nil {
				return
			}
		}
	})
}

// stateCollector reads job counts from the store at scrape time
type stateCollector struct {
	store store.Store
}

var jobsByStateDesc = prometheus.NewDesc(
	"sidecar_jobs",
	"Number of jobs by state",
	[]string{"state"}, nil,
)

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobsByStateDesc
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	jobs, err := c.store.GetAllJobs()
	if err != nil {
		// A failed read must not scrape as zero jobs; skip the gauge and
		// let the absence of the series mark the broken store.
		return
	}

	counts := map[models.JobStatus]int{
		models.JobStatusPending:   0,
		models.JobStatusRunning:   0,
		models.JobStatusSucceeded: 0,
		models.JobStatusFailed:    0,
		models.JobStatusOomKilled: 0,
	}
	for _, job := range jobs {
		counts[job.Status]++
	}

	for state, count := range counts {
		ch <- prometheus.MustNewConstMetric(jobsByStateDesc, prometheus.GaugeValue, float64(count), string(state))
	}
}
