package pointing

import (
	"math"

	"github.com/w1xm/platesolve/coord"
)

type Verdict int

const (
	Converged Verdict = iota
	Correct
	OutOfRange
)

func (v Verdict) String() string {
	switch v {
	case Converged:
		return "converged"
	case Correct:
		return "correct"
	case OutOfRange:
		return "out_of_range"
	}
	return "unknown"
}

func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// PointingError is the solved position minus the commanded one.
// Right ascension is in seconds of time scaled to arcseconds, as the mount
// controller expects.
type PointingError struct {
	DeltaRAArcsec   float64 `json:"delta_ra_arcsec"`
	DeltaDecArcsec  float64 `json:"delta_dec_arcsec"`
	MagnitudeArcsec float64 `json:"magnitude_arcsec"`
}

type Evaluation struct {
	Verdict Verdict       `json:"verdict"`
	Error   PointingError `json:"error"`
	// Target is where to slew when Verdict is Correct.
	Target coord.Equatorial `json:"target"`
}

// Evaluate compares where the telescope was sent with where it is actually
// looking. Errors up to deadbandArcsec need no correction; errors beyond
// maxCorrectionArcsec are not trusted.
func Evaluate(commanded, solved coord.Equatorial, deadbandArcsec, maxCorrectionArcsec float64) Evaluation {
	d := solved.Sub(commanded)
	e := PointingError{
		DeltaRAArcsec:  d.RA * 3600,
		DeltaDecArcsec: d.Dec * 3600,
	}
	e.MagnitudeArcsec = math.Hypot(e.DeltaRAArcsec, e.DeltaDecArcsec)
	switch {
	case e.MagnitudeArcsec <= deadbandArcsec:
		return Evaluation{Verdict: Converged, Error: e}
	case e.MagnitudeArcsec > maxCorrectionArcsec:
		return Evaluation{Verdict: OutOfRange, Error: e}
	}
	return Evaluation{Verdict: Correct, Error: e, Target: commanded.Add(d)}
}
