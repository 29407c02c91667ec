package pointing

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/w1xm/platesolve/camera"
	"github.com/w1xm/platesolve/solver"
)

type metrics struct {
	// solves counts completed cycles by outcome.
	solves      *prometheus.CounterVec
	corrections prometheus.Counter
	// refused counts slews blocked by the altitude limit.
	refused       prometheus.Counter
	pointingError prometheus.Gauge
	solveDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		solves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platesolve_solves_total",
				Help: "Plate solve cycles by result.",
			},
			[]string{"result"},
		),
		corrections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "platesolve_corrections_total",
			Help: "Corrective slews issued.",
		}),
		refused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "platesolve_refused_slews_total",
			Help: "Slews refused because the target was below the altitude limit.",
		}),
		pointingError: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "platesolve_pointing_error_arcsec",
			Help: "Magnitude of the last measured pointing error.",
		}),
		solveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "platesolve_solve_duration_seconds",
			Help:    "Time spent in the external plate solver.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.solves, m.corrections, m.refused, m.pointingError, m.solveDuration)
	}
	return m
}

// result labels a failed cycle for metrics and observation records.
func result(err error) string {
	switch {
	case errors.Is(err, camera.ErrCaptureTimedOut):
		return "capture_timeout"
	case errors.Is(err, solver.ErrSolveTimedOut):
		return "solve_timeout"
	case errors.Is(err, solver.ErrSolveCorrupt):
		return "corrupt"
	case errors.Is(err, solver.ErrNoMatch):
		return "no_match"
	case errors.Is(err, ErrOutOfRange):
		return OutOfRange.String()
	case errors.Is(err, ErrTargetTooLow):
		return "too_low"
	case errors.Is(err, ErrCorrectionsExhausted):
		return "exhausted"
	}
	return "error"
}
