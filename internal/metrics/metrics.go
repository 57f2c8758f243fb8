package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	eventsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditvault_events_written_total",
		Help: "Total audit events appended, by event type.",
	}, []string{"event_type"})

	writeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditvault_write_failures_total",
		Help: "Total rejected or failed writes, by failure kind.",
	}, []string{"kind"})

	observerFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auditvault_observer_failures_total",
		Help: "Total write observer errors and panics.",
	})

	rotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditvault_rotations_total",
		Help: "Total segment rotations, by trigger.",
	}, []string{"trigger"})

	bytesPersistedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auditvault_bytes_persisted_total",
		Help: "Total bytes appended to active segments.",
	})

	chainLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auditvault_chain_length",
		Help: "Number of links in the hash chain.",
	})

	sealed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auditvault_sealed",
		Help: "1 when the store is sealed.",
	})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditvault_verifications_total",
		Help: "Total periodic verification runs, by result.",
	}, []string{"result"})
)

// Failure kinds for RecordWriteFailure.
const (
	KindSealed     = "sealed"
	KindValidation = "validation"
	KindStorage    = "storage"
)

// RecordWrite records one appended event and the resulting chain length.
func RecordWrite(eventType string, length int) {
	eventsWrittenTotal.WithLabelValues(eventType).Inc()
	chainLength.Set(float64(length))
}

func RecordWriteFailure(kind string) {
	writeFailuresTotal.WithLabelValues(kind).Inc()
}

func RecordObserverFailure() {
	observerFailuresTotal.Inc()
}

func RecordRotation(trigger string) {
	rotationsTotal.WithLabelValues(trigger).Inc()
}

func RecordBytesPersisted(n int) {
	bytesPersistedTotal.Add(float64(n))
}

func SetChainLength(length int) {
	chainLength.Set(float64(length))
}

func SetSealed(v bool) {
	if v {
		sealed.Set(1)
	} else {
		sealed.Set(0)
	}
}

func RecordVerification(success bool) {
	if success {
		verificationsTotal.WithLabelValues("success").Inc()
	} else {
		verificationsTotal.WithLabelValues("failure").Inc()
	}
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
