package simulator

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/w1xm/platesolve/coord"
	"github.com/w1xm/platesolve/fits"
	"github.com/w1xm/platesolve/indi"
)

func start(t *testing.T, opts Options, cb indi.UpdateCallback) (*Simulator, *indi.Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sim, conn := New(opts)
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()
	c, err := indi.NewClient(ctx, conn, cb)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		c.Close()
		cancel()
		if err := <-done; err != nil {
			t.Errorf("simulator: %v", err)
		}
	})
	for _, dev := range []string{opts.Telescope, opts.Camera} {
		if err := c.ConnectDevice(ctx, dev, time.Second); err != nil {
			t.Fatalf("ConnectDevice(%q): %v", dev, err)
		}
	}
	return sim, c
}

func slew(t *testing.T, c *indi.Client, dev string, target coord.Equatorial) {
	t.Helper()
	if err := c.Set(dev, "EQUATORIAL_EOD_COORD", indi.Number("RA", target.RA), indi.Number("DEC", target.Dec)); err != nil {
		t.Fatal(err)
	}
	_, err := c.WaitUntil(context.Background(), dev, "EQUATORIAL_EOD_COORD", 5*time.Second, func(p indi.Property) bool {
		return p.State == indi.StateOk
	})
	if err != nil {
		t.Fatalf("waiting for slew: %v", err)
	}
}

func TestSlew(t *testing.T) {
	opts := DefaultOptions()
	opts.SlewRate = 400
	opts.Start = coord.Equatorial{RA: 23.5, Dec: 10}
	sim, c := start(t, opts, nil)

	target := coord.Equatorial{RA: 0.5, Dec: 20}
	slew(t, c, opts.Telescope, target)

	p, err := c.Get(opts.Telescope, "EQUATORIAL_EOD_COORD")
	if err != nil {
		t.Fatal(err)
	}
	ra, _ := p.Number("RA")
	dec, _ := p.Number("DEC")
	if math.Abs(ra-target.RA) > 1e-9 || math.Abs(dec-target.Dec) > 1e-9 {
		t.Errorf("mount reports %v, %v; want %v", ra, dec, target)
	}
	want := target.Add(opts.PointingError)
	if got := sim.Pointing(); math.Abs(got.RA-want.RA) > 1e-9 || math.Abs(got.Dec-want.Dec) > 1e-9 {
		t.Errorf("Pointing() = %v after long slew, want %v", got, want)
	}

	// A short slew is exact.
	target = coord.Equatorial{RA: 0.51, Dec: 20.1}
	slew(t, c, opts.Telescope, target)
	if got := sim.Pointing(); math.Abs(got.RA-target.RA) > 1e-9 || math.Abs(got.Dec-target.Dec) > 1e-9 {
		t.Errorf("Pointing() = %v after short slew, want %v", got, target)
	}
}

func TestExposure(t *testing.T) {
	opts := DefaultOptions()
	opts.SlewRate = 400
	images := make(chan indi.Property, 1)
	sim, c := start(t, opts, func(p indi.Property) {
		if p.Name == "CCD1" && p.State == indi.StateOk {
			select {
			case images <- p:
			default:
			}
		}
	})
	target := coord.Equatorial{RA: 18.6156, Dec: 38.78}
	slew(t, c, opts.Telescope, target)

	if err := c.EnableBLOB(opts.Camera, "CCD1", indi.BLOBAlso); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(opts.Camera, "CCD_EXPOSURE", indi.Number("CCD_EXPOSURE_VALUE", 0.05)); err != nil {
		t.Fatal(err)
	}
	var img indi.Property
	select {
	case img = <-images:
	case <-time.After(5 * time.Second):
		t.Fatal("no image delivered")
	}
	v, _ := img.Value("CCD1")
	if v.Format != ".fits" {
		t.Errorf("format %q, want .fits", v.Format)
	}
	h, err := fits.Parse(v.BLOB)
	if err != nil {
		t.Fatal(err)
	}
	ra, err := h.Float("CRVAL1")
	if err != nil {
		t.Fatal(err)
	}
	dec, err := h.Float("CRVAL2")
	if err != nil {
		t.Fatal(err)
	}
	want := sim.Pointing()
	if math.Abs(ra/15-want.RA) > 1e-9 || math.Abs(dec-want.Dec) > 1e-9 {
		t.Errorf("frame centred on %v, %v; want %v", ra/15, dec, want)
	}
	if sim.Frames() != 1 {
		t.Errorf("Frames() = %d, want 1", sim.Frames())
	}
}
