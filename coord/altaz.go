package coord

import (
	"math"
	"time"
)

// Observer is a site on the Earth's surface.
type Observer struct {
	Latitude  float64 `json:"latitude"`  // degrees north
	Longitude float64 `json:"longitude"` // degrees east
	Height    float64 `json:"height"`    // metres
}

// Horizontal is a local position. Azimuth is measured from north through east.
type Horizontal struct {
	Azimuth  float64 `json:"azimuth"`
	Altitude float64 `json:"altitude"`
}

const (
	unixEpochJD = 2440587.5
	j2000JD     = 2451545.0
)

func julianDate(t time.Time) float64 {
	return float64(t.UnixNano())/float64(24*time.Hour) + unixEpochJD
}

// LocalSiderealTime returns the local mean sidereal time at t, in hours.
func (o Observer) LocalSiderealTime(t time.Time) float64 {
	d := julianDate(t) - j2000JD
	gmst := 18.697374558 + 24.06570982441908*d
	return NormalizeHours(gmst + o.Longitude/15)
}

// HourAngle returns the hour angle of c at t, in hours [0, 24).
func (o Observer) HourAngle(c Equatorial, t time.Time) float64 {
	return NormalizeHours(o.LocalSiderealTime(t) - c.RA)
}

// Horizontal converts c to azimuth and altitude as seen by o at t.
func (o Observer) Horizontal(c Equatorial, t time.Time) Horizontal {
	h := o.HourAngle(c, t)
	az, alt := equhor(deg2rad(h*15), deg2rad(c.Dec), deg2rad(o.Latitude))
	return Horizontal{Azimuth: rad2deg(az), Altitude: rad2deg(alt)}
}

// Altitude returns the altitude of c in degrees as seen by o at t.
func (o Observer) Altitude(c Equatorial, t time.Time) float64 {
	return o.Horizontal(c, t).Altitude
}

// equhor converts hour-angle/declination to azimuth/altitude.
// Phi is the observer's latitude. Arguments are in radians.
// Algorithm from https://metacpan.org/dist/Astro-Montenbruck/source/lib/Astro/Montenbruck/CoCo.pm
func equhor(x, y, phi float64) (float64, float64) {
	sx, sy, sphi := math.Sin(x), math.Sin(y), math.Sin(phi)
	cx, cy, cphi := math.Cos(x), math.Cos(y), math.Cos(phi)

	sq := (sy * sphi) + (cy * cphi * cx)
	q := math.Asin(math.Max(-1, math.Min(1, sq)))

	den := cphi * math.Cos(q)
	if den == 0 {
		// At the zenith or a pole azimuth is undefined.
		return 0, q
	}
	cp := (sy - (sphi * sq)) / den
	p := math.Acos(math.Max(-1, math.Min(1, cp)))
	if sx > 0 {
		p = 2*math.Pi - p
	}
	return p, q
}

func deg2rad(x float64) float64 {
	return x * math.Pi / 180
}

func rad2deg(x float64) float64 {
	return x * 180 / math.Pi
}
