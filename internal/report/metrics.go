package report

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsMu          sync.Mutex
	metricsInitialized bool
	metricsError       error

	cacheHitCounter  *prometheus.CounterVec
	cacheMissCounter *prometheus.CounterVec
	buildHistogram   *prometheus.HistogramVec
)

// SetupMetrics registers the report collectors once. Later calls return the
// outcome of the first registration.
func SetupMetrics(reg prometheus.Registerer) error {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if metricsInitialized {
		return metricsError
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cacheHitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_targets_report_cache_hits_total",
		Help: "Number of target reports served from cache.",
	}, []string{"kind"})
	cacheMissCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_targets_report_cache_miss_total",
		Help: "Number of target reports built because the cache had none.",
	}, []string{"kind"})
	buildHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_targets_report_build_duration_seconds",
		Help:    "Duration required to build target reports.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind", "mode"})

	for _, collector := range []prometheus.Collector{cacheHitCounter, cacheMissCounter, buildHistogram} {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				switch c := already.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					if collector == cacheHitCounter {
						cacheHitCounter = c
					} else {
						cacheMissCounter = c
					}
				case *prometheus.HistogramVec:
					buildHistogram = c
				default:
					metricsError = fmt.Errorf("report metrics: unexpected collector type %T", c)
				}
				continue
			}
			metricsError = err
			cacheHitCounter = nil
			cacheMissCounter = nil
			buildHistogram = nil
			break
		}
	}
	metricsInitialized = true
	return metricsError
}

func recordCache(kind string, hit bool) {
	counter := cacheMissCounter
	if hit {
		counter = cacheHitCounter
	}
	if counter == nil {
		return
	}
	counter.WithLabelValues(kind).Inc()
}

func observeBuild(kind, mode string, took time.Duration) {
	if buildHistogram == nil {
		return
	}
	buildHistogram.WithLabelValues(kind, mode).Observe(took.Seconds())
}
