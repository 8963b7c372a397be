package weights

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	publishMetricsMu          sync.Mutex
	publishMetricsInitialized bool
	publishMetricsError       error

	publishCounter   *prometheus.CounterVec
	publishHistogram *prometheus.HistogramVec
)

// SetupPublishMetrics registers the publish collectors once. Later calls
// return the outcome of the first registration.
func SetupPublishMetrics(reg prometheus.Registerer) error {
	publishMetricsMu.Lock()
	defer publishMetricsMu.Unlock()
	if publishMetricsInitialized {
		return publishMetricsError
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	publishCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_weights_publish_total",
		Help: "Weight publish attempts by entity kind and outcome.",
	}, []string{"kind", "outcome"})
	publishHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_weights_publish_duration_seconds",
		Help:    "Duration of weight publishes including lock waits and retries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	for _, collector := range []prometheus.Collector{publishCounter, publishHistogram} {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				switch c := already.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					publishCounter = c
				case *prometheus.HistogramVec:
					publishHistogram = c
				default:
					publishMetricsError = fmt.Errorf("weights metrics: unexpected collector type %T", c)
				}
				continue
			}
			publishMetricsError = err
			publishCounter = nil
			publishHistogram = nil
			break
		}
	}
	publishMetricsInitialized = true
	return publishMetricsError
}

func observePublish(kind, outcome string, took time.Duration) {
	if publishCounter != nil {
		publishCounter.WithLabelValues(kind, outcome).Inc()
	}
	if publishHistogram != nil {
		publishHistogram.WithLabelValues(kind).Observe(took.Seconds())
	}
}
