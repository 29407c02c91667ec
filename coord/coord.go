// Package coord implements equatorial coordinate arithmetic.
package coord

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalid = errors.New("coordinate out of range")

// Equatorial is a position on the sky. RA is in hours [0, 24), Dec in degrees [-90, 90].
type Equatorial struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

// New validates dec and normalizes ra into [0, 24).
func New(ra, dec float64) (Equatorial, error) {
	if math.IsNaN(ra) || math.IsInf(ra, 0) || math.IsNaN(dec) {
		return Equatorial{}, fmt.Errorf("%w: ra=%v dec=%v", ErrInvalid, ra, dec)
	}
	if dec < -90 || dec > 90 {
		return Equatorial{}, fmt.Errorf("%w: dec=%v", ErrInvalid, dec)
	}
	return Equatorial{RA: NormalizeHours(ra), Dec: dec}, nil
}

// FromDegrees builds a coordinate from right ascension in degrees, as written by WCS headers.
func FromDegrees(raDeg, decDeg float64) (Equatorial, error) {
	return New(raDeg/15, decDeg)
}

// NormalizeHours maps h into [0, 24).
func NormalizeHours(h float64) float64 {
	h = math.Mod(h, 24)
	if h < 0 {
		h += 24
	}
	if h >= 24 {
		h -= 24
	}
	return h
}

// WrapHours maps an hour difference into (-12, 12].
func WrapHours(h float64) float64 {
	h = math.Mod(h, 24)
	if h > 12 {
		h -= 24
	} else if h <= -12 {
		h += 24
	}
	return h
}

// Delta is the difference between two coordinates. RA in hours, Dec in degrees.
type Delta struct {
	RA  float64
	Dec float64
}

// Sub returns c - o, taking the short way around in right ascension.
func (c Equatorial) Sub(o Equatorial) Delta {
	return Delta{
		RA:  WrapHours(c.RA - o.RA),
		Dec: c.Dec - o.Dec,
	}
}

// Add offsets c by d. The result is normalized and dec is clamped to the poles.
func (c Equatorial) Add(d Delta) Equatorial {
	return Equatorial{
		RA:  NormalizeHours(c.RA + d.RA),
		Dec: math.Max(-90, math.Min(90, c.Dec+d.Dec)),
	}
}

func (c Equatorial) String() string {
	return FormatRA(c.RA) + " " + FormatDec(c.Dec)
}

// FormatRA formats hours as HH:MM:SS.
func FormatRA(h float64) string {
	s := int(math.Round(NormalizeHours(h) * 3600))
	return fmt.Sprintf("%02d:%02d:%02d", (s/3600)%24, (s/60)%60, s%60)
}

// FormatDec formats degrees as +DD:MM:SS.
func FormatDec(d float64) string {
	sign := '+'
	if d < 0 {
		sign = '-'
		d = -d
	}
	s := int(math.Round(d * 3600))
	return fmt.Sprintf("%c%02d:%02d:%02d", sign, s/3600, (s/60)%60, s%60)
}
