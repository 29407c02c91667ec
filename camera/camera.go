// Package camera takes single exposures through an INDI CCD device.
package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/w1xm/platesolve/indi"
	"github.com/w1xm/platesolve/internal/log"
)

var (
	ErrCaptureTimedOut   = errors.New("capture timed out")
	ErrCaptureInProgress = errors.New("capture already in progress")
	ErrNotAttached       = errors.New("camera not attached to a device gateway")
)

type ExposureRequest struct {
	Duration time.Duration
}

type Image struct {
	Data   []byte
	Format string
	Time   time.Time
}

// Gateway sends property changes to the device.
type Gateway interface {
	Set(device, name string, values ...indi.Value) error
}

type Options struct {
	Device string
	// BLOB is the property the image arrives on.
	BLOB string
	// ReadoutTimeout is allowed on top of the exposure time.
	ReadoutTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Device:         "CCD Simulator",
		BLOB:           "CCD1",
		ReadoutTimeout: 10 * time.Second,
	}
}

type Camera struct {
	opts Options

	mu sync.Mutex
	gw Gateway

	busy sync.Mutex
	// images holds at most one undelivered frame.
	images chan Image
}

func New(opts Options) *Camera {
	return &Camera{
		opts:   opts,
		images: make(chan Image, 1),
	}
}

// Attach sets the gateway exposures are requested through. The camera is
// created first so HandleUpdate can be registered before connecting.
func (c *Camera) Attach(gw Gateway) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gw = gw
}

// HandleUpdate receives property updates from the protocol goroutine. It never
// blocks; an unconsumed frame is replaced by the newer one.
func (c *Camera) HandleUpdate(p indi.Property) {
	if p.Device != c.opts.Device || p.Name != c.opts.BLOB || p.Kind != indi.KindBLOB {
		return
	}
	var img Image
	for _, v := range p.Values {
		if len(v.BLOB) > 0 {
			img = Image{Data: v.BLOB, Format: v.Format, Time: p.Timestamp}
			break
		}
	}
	if img.Data == nil {
		return
	}
	if img.Time.IsZero() {
		img.Time = time.Now()
	}
	for {
		select {
		case c.images <- img:
			return
		default:
		}
		select {
		case <-c.images:
			log.Debug("dropping unclaimed frame", "device", p.Device)
		default:
		}
	}
}

// Capture exposes for req.Duration and waits for the resulting frame. Only one
// capture may be outstanding.
func (c *Camera) Capture(ctx context.Context, req ExposureRequest) (Image, error) {
	if !c.busy.TryLock() {
		return Image{}, ErrCaptureInProgress
	}
	defer c.busy.Unlock()

	c.mu.Lock()
	gw := c.gw
	c.mu.Unlock()
	if gw == nil {
		return Image{}, ErrNotAttached
	}

	// Discard any frame left over from an earlier exposure.
	select {
	case <-c.images:
	default:
	}
	if err := gw.Set(c.opts.Device, "CCD_EXPOSURE", indi.Number("CCD_EXPOSURE_VALUE", req.Duration.Seconds())); err != nil {
		return Image{}, fmt.Errorf("starting exposure: %w", err)
	}
	log.Debug("exposure started", "device", c.opts.Device, "duration", req.Duration)

	timeout := req.Duration + c.opts.ReadoutTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case img := <-c.images:
		return img, nil
	case <-timer.C:
		return Image{}, fmt.Errorf("%w after %v", ErrCaptureTimedOut, timeout)
	case <-ctx.Done():
		return Image{}, ctx.Err()
	}
}
