package camera

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/w1xm/platesolve/indi"
)

type fakeGateway struct {
	mu      sync.Mutex
	sets    []indi.Property
	deliver func()
}

func (g *fakeGateway) Set(device, name string, values ...indi.Value) error {
	g.mu.Lock()
	g.sets = append(g.sets, indi.Property{Device: device, Name: name, Values: values})
	deliver := g.deliver
	g.mu.Unlock()
	if deliver != nil {
		go deliver()
	}
	return nil
}

func frame(data string) indi.Property {
	return indi.Property{
		Device: "ccd", Name: "CCD1", Kind: indi.KindBLOB, State: indi.StateOk,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Values:    []indi.Value{{Name: "CCD1", BLOB: []byte(data), Format: ".fits"}},
	}
}

func newCamera(gw Gateway, readout time.Duration) *Camera {
	c := New(Options{Device: "ccd", BLOB: "CCD1", ReadoutTimeout: readout})
	c.Attach(gw)
	return c
}

func TestCapture(t *testing.T) {
	gw := &fakeGateway{}
	c := newCamera(gw, time.Second)
	gw.deliver = func() {
		time.Sleep(10 * time.Millisecond)
		c.HandleUpdate(frame("image"))
	}

	img, err := c.Capture(context.Background(), ExposureRequest{Duration: 2 * time.Second})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	want := Image{Data: []byte("image"), Format: ".fits", Time: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	if diff := cmp.Diff(img, want); diff != "" {
		t.Errorf("unexpected image: got(-)/want(+):\n%s", diff)
	}
	wantSets := []indi.Property{{Device: "ccd", Name: "CCD_EXPOSURE", Values: []indi.Value{indi.Number("CCD_EXPOSURE_VALUE", 2)}}}
	if diff := cmp.Diff(gw.sets, wantSets); diff != "" {
		t.Errorf("unexpected requests: got(-)/want(+):\n%s", diff)
	}
}

func TestCaptureIgnoresStaleFrame(t *testing.T) {
	c := newCamera(&fakeGateway{}, 50*time.Millisecond)
	// A frame from an earlier exposure that nobody collected.
	c.HandleUpdate(frame("stale"))

	const exposure = 20 * time.Millisecond
	start := time.Now()
	_, err := c.Capture(context.Background(), ExposureRequest{Duration: exposure})
	if !errors.Is(err, ErrCaptureTimedOut) {
		t.Fatalf("Capture = %v, want %v", err, ErrCaptureTimedOut)
	}
	if elapsed := time.Since(start); elapsed < exposure+50*time.Millisecond {
		t.Errorf("timed out after %v, before exposure plus readout", elapsed)
	}
}

func TestCaptureInProgress(t *testing.T) {
	c := newCamera(&fakeGateway{}, time.Second)
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := c.Capture(context.Background(), ExposureRequest{Duration: 200 * time.Millisecond})
		done <- err
	}()
	<-started
	time.Sleep(20 * time.Millisecond)
	if _, err := c.Capture(context.Background(), ExposureRequest{}); !errors.Is(err, ErrCaptureInProgress) {
		t.Errorf("second Capture = %v, want %v", err, ErrCaptureInProgress)
	}
	c.HandleUpdate(frame("first"))
	if err := <-done; err != nil {
		t.Errorf("first Capture = %v", err)
	}
}

func TestHandleUpdateNeverBlocks(t *testing.T) {
	c := newCamera(&fakeGateway{}, time.Second)
	for _, d := range []string{"a", "b", "c"} {
		c.HandleUpdate(frame(d))
	}
	// Other devices and properties are ignored.
	c.HandleUpdate(indi.Property{Device: "ccd", Name: "CCD_EXPOSURE", Kind: indi.KindNumber})
	other := frame("other")
	other.Device = "guider"
	c.HandleUpdate(other)

	select {
	case img := <-c.images:
		if string(img.Data) != "c" {
			t.Errorf("kept frame %q, want newest", img.Data)
		}
	default:
		t.Fatal("no frame kept")
	}
}

func TestCaptureNotAttached(t *testing.T) {
	c := New(DefaultOptions())
	if _, err := c.Capture(context.Background(), ExposureRequest{}); !errors.Is(err, ErrNotAttached) {
		t.Errorf("Capture = %v, want %v", err, ErrNotAttached)
	}
}
