// Package simulator is an in-process INDI server with a telescope mount and a
// CCD camera, for running the pointing loop without hardware.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/w1xm/platesolve/coord"
	"github.com/w1xm/platesolve/fits"
	"github.com/w1xm/platesolve/indi"
	"github.com/w1xm/platesolve/internal/log"
	"golang.org/x/sync/errgroup"
)

const (
	// Discrete simulation step size
	stepSize = 25 * time.Millisecond

	DefaultTelescope = "Telescope Simulator"
	DefaultCamera    = "CCD Simulator"
)

type Options struct {
	Telescope string
	Camera    string
	// SlewRate is the maximum rate of each axis in degrees/second.
	SlewRate float64
	// PointingError is where the optics actually point relative to the mount's
	// reported position after a slew longer than LongSlew degrees. Shorter
	// slews are exact.
	PointingError coord.Delta
	LongSlew      float64
	Start         coord.Equatorial
	// DropImages makes exposures complete without delivering an image.
	DropImages bool
}

func DefaultOptions() Options {
	return Options{
		Telescope:     DefaultTelescope,
		Camera:        DefaultCamera,
		SlewRate:      30,
		PointingError: coord.Delta{RA: 0.0014, Dec: 0.01},
		LongSlew:      0.5,
		Start:         coord.Equatorial{RA: 0, Dec: 90},
	}
}

// Simulator serves one client over a pipe.
type Simulator struct {
	conn    io.ReadWriteCloser
	writeMu sync.Mutex

	mu        sync.Mutex
	opts      Options
	connected map[string]bool
	coordSet  string
	pos       coord.Equatorial
	target    coord.Equatorial
	offset    coord.Delta
	slewing   bool
	exposing  bool
	remaining time.Duration
	exposure  float64
	blobMode  indi.BLOBMode
	active    string
	frames    int
}

// New returns a simulator and the client end of its connection.
func New(opts Options) (*Simulator, net.Conn) {
	a, b := net.Pipe()
	if opts.Telescope == "" {
		opts.Telescope = DefaultTelescope
	}
	if opts.Camera == "" {
		opts.Camera = DefaultCamera
	}
	if opts.SlewRate <= 0 {
		opts.SlewRate = 30
	}
	return &Simulator{
		conn:      a,
		opts:      opts,
		connected: make(map[string]bool),
		coordSet:  "TRACK",
		pos:       opts.Start,
		target:    opts.Start,
		blobMode:  indi.BLOBNever,
	}, b
}

// Pointing returns where the optics are actually pointed.
func (s *Simulator) Pointing() coord.Equatorial {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos.Add(s.offset)
}

// Frames returns how many images have been delivered.
func (s *Simulator) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *Simulator) Run(ctx context.Context) error {
	t := time.NewTicker(stepSize)
	defer t.Stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return s.conn.Close()
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
			if err := s.step(); err != nil {
				return err
			}
		}
	})
	g.Go(s.reader)
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

func (s *Simulator) reader() error {
	d := indi.NewDecoder(s.conn)
	for {
		el, err := d.Next()
		if errors.Is(err, indi.ErrMalformed) {
			log.Warn("simulator: malformed element", "error", err)
			continue
		}
		if err != nil {
			return err
		}
		log.Debug("srv->sim", "element", el.Tag, "device", el.Property.Device, "name", el.Property.Name)
		if err := s.handle(el); err != nil {
			return err
		}
	}
}

func (s *Simulator) handle(el indi.Element) error {
	switch {
	case el.Tag == "getProperties":
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		s.mu.Lock()
		var out []indi.Property
		for _, p := range s.properties() {
			if el.Property.Device == "" || el.Property.Device == p.Device {
				out = append(out, p)
			}
		}
		s.mu.Unlock()
		return s.send("def", out...)
	case el.Tag == "enableBLOB":
		if el.Property.Device == s.opts.Camera {
			s.mu.Lock()
			s.blobMode = el.BLOBMode
			s.mu.Unlock()
		}
		return nil
	case el.Verb == "new":
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		s.mu.Lock()
		out := s.apply(el.Property)
		s.mu.Unlock()
		return s.send("set", out...)
	}
	return nil
}

// apply handles a client request and returns the resulting updates.
func (s *Simulator) apply(p indi.Property) []indi.Property {
	tel, cam := s.opts.Telescope, s.opts.Camera
	if p.Device != tel && p.Device != cam {
		return nil
	}
	if p.Name == "CONNECTION" {
		on, _ := p.Switch("CONNECT")
		s.connected[p.Device] = on
		return []indi.Property{s.connection(p.Device)}
	}
	if !s.connected[p.Device] {
		log.Warn("simulator: request to disconnected device", "device", p.Device, "name", p.Name)
		return nil
	}
	switch {
	case p.Device == tel && p.Name == "ON_COORD_SET":
		for _, v := range p.Values {
			if v.Switch {
				s.coordSet = v.Name
			}
		}
		return []indi.Property{s.onCoordSet()}
	case p.Device == tel && p.Name == "EQUATORIAL_EOD_COORD":
		target := s.target
		if ra, ok := p.Number("RA"); ok {
			target.RA = coord.NormalizeHours(ra)
		}
		if dec, ok := p.Number("DEC"); ok {
			target.Dec = dec
		}
		if s.coordSet == "SYNC" {
			s.pos, s.target, s.offset = target, target, coord.Delta{}
			return []indi.Property{s.equatorial(indi.StateOk)}
		}
		d := target.Sub(s.pos)
		if math.Max(math.Abs(d.RA*15), math.Abs(d.Dec)) > s.opts.LongSlew {
			s.offset = s.opts.PointingError
		} else {
			s.offset = coord.Delta{}
		}
		s.target = target
		s.slewing = true
		return []indi.Property{s.equatorial(indi.StateBusy)}
	case p.Device == cam && p.Name == "CCD_EXPOSURE":
		if s.exposing {
			return []indi.Property{s.exposureProperty(indi.StateAlert)}
		}
		v, _ := p.Number("CCD_EXPOSURE_VALUE")
		s.exposure = v
		s.remaining = time.Duration(v * float64(time.Second))
		s.exposing = true
		return []indi.Property{s.exposureProperty(indi.StateBusy)}
	case p.Device == cam && p.Name == "ACTIVE_DEVICES":
		if t, ok := p.Text("ACTIVE_TELESCOPE"); ok {
			s.active = t
		}
		return []indi.Property{s.activeDevices()}
	}
	return nil
}

// servo moves s toward t by at most limit.
func servo(s, t, limit float64) float64 {
	delta := math.Min(math.Abs(t-s), limit)
	if t < s {
		delta = -delta
	}
	return s + delta
}

func (s *Simulator) step() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	var out []indi.Property
	if s.slewing {
		d := s.target.Sub(s.pos)
		limit := s.opts.SlewRate * stepSize.Seconds()
		s.pos.RA = coord.NormalizeHours(s.pos.RA + servo(0, d.RA, limit/15))
		s.pos.Dec = servo(s.pos.Dec, s.target.Dec, limit)
		state := indi.StateBusy
		if d := s.target.Sub(s.pos); math.Abs(d.RA) < 1e-9 && math.Abs(d.Dec) < 1e-9 {
			s.pos = s.target
			s.slewing = false
			state = indi.StateOk
		}
		out = append(out, s.equatorial(state))
	}
	if s.exposing {
		s.remaining -= stepSize
		if s.remaining <= 0 {
			s.exposing = false
			out = append(out, s.exposureProperty(indi.StateOk))
			if s.blobMode != indi.BLOBNever && !s.opts.DropImages {
				out = append(out, s.image())
				s.frames++
			}
		}
	}
	s.mu.Unlock()
	return s.send("set", out...)
}

// send writes props in order. Callers hold writeMu from the moment they
// compute an update until it is written, so updates are never reordered.
func (s *Simulator) send(verb string, props ...indi.Property) error {
	for _, p := range props {
		data, err := indi.EncodeVector(verb, p)
		if err != nil {
			return err
		}
		if _, err := s.conn.Write(data); err != nil {
			return fmt.Errorf("sim->srv: %w", err)
		}
	}
	return nil
}

func (s *Simulator) properties() []indi.Property {
	return []indi.Property{
		s.connection(s.opts.Telescope),
		s.onCoordSet(),
		s.equatorial(indi.StateOk),
		s.connection(s.opts.Camera),
		s.exposureProperty(indi.StateIdle),
		s.activeDevices(),
		{Device: s.opts.Camera, Name: "CCD1", Kind: indi.KindBLOB, Perm: "ro", State: indi.StateIdle, Values: []indi.Value{{Name: "CCD1"}}},
	}
}

func (s *Simulator) connection(device string) indi.Property {
	on := s.connected[device]
	return indi.Property{
		Device: device, Name: "CONNECTION", Kind: indi.KindSwitch, Perm: "rw", Rule: "OneOfMany",
		State:  indi.StateOk,
		Values: []indi.Value{indi.Switch("CONNECT", on), indi.Switch("DISCONNECT", !on)},
	}
}

func (s *Simulator) onCoordSet() indi.Property {
	var values []indi.Value
	for _, n := range []string{"TRACK", "SLEW", "SYNC"} {
		values = append(values, indi.Switch(n, n == s.coordSet))
	}
	return indi.Property{
		Device: s.opts.Telescope, Name: "ON_COORD_SET", Kind: indi.KindSwitch, Perm: "rw", Rule: "OneOfMany",
		State: indi.StateOk, Values: values,
	}
}

func (s *Simulator) equatorial(state indi.State) indi.Property {
	return indi.Property{
		Device: s.opts.Telescope, Name: "EQUATORIAL_EOD_COORD", Kind: indi.KindNumber, Perm: "rw",
		State:     state,
		Timestamp: time.Now(),
		Values:    []indi.Value{indi.Number("RA", s.pos.RA), indi.Number("DEC", s.pos.Dec)},
	}
}

func (s *Simulator) exposureProperty(state indi.State) indi.Property {
	left := math.Max(0, s.remaining.Seconds())
	if !s.exposing {
		left = 0
	}
	return indi.Property{
		Device: s.opts.Camera, Name: "CCD_EXPOSURE", Kind: indi.KindNumber, Perm: "rw",
		State: state, Values: []indi.Value{indi.Number("CCD_EXPOSURE_VALUE", left)},
	}
}

func (s *Simulator) activeDevices() indi.Property {
	return indi.Property{
		Device: s.opts.Camera, Name: "ACTIVE_DEVICES", Kind: indi.KindText, Perm: "rw",
		State: indi.StateOk, Values: []indi.Value{indi.Text("ACTIVE_TELESCOPE", s.active)},
	}
}

// image renders a small frame whose WCS reference is the true pointing.
func (s *Simulator) image() indi.Property {
	p := s.pos.Add(s.offset)
	h := &fits.Header{}
	h.Set("SIMPLE", true, "")
	h.Set("BITPIX", 8, "")
	h.Set("NAXIS", 2, "")
	h.Set("NAXIS1", 16, "")
	h.Set("NAXIS2", 16, "")
	h.Set("INSTRUME", s.opts.Camera, "")
	h.Set("TELESCOP", s.active, "")
	h.Set("EXPTIME", s.exposure, "[s]")
	h.Set("DATE-OBS", time.Now().UTC().Format("2006-01-02T15:04:05.000"), "")
	h.Set("CTYPE1", "RA---TAN", "")
	h.Set("CTYPE2", "DEC--TAN", "")
	h.Set("CRVAL1", p.RA*15, "[deg]")
	h.Set("CRVAL2", p.Dec, "[deg]")
	data := make([]byte, 16*16)
	for i := range data {
		data[i] = byte((i*7 + s.frames) % 251)
	}
	return indi.Property{
		Device: s.opts.Camera, Name: "CCD1", Kind: indi.KindBLOB, Perm: "ro", State: indi.StateOk,
		Values: []indi.Value{{Name: "CCD1", BLOB: fits.Encode(h, data), Format: ".fits"}},
	}
}
