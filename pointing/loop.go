// Package pointing closes the loop between where a telescope was sent and
// where a plate solve says it is looking.
package pointing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/w1xm/platesolve/camera"
	"github.com/w1xm/platesolve/coord"
	"github.com/w1xm/platesolve/indi"
	"github.com/w1xm/platesolve/internal/log"
)

var (
	ErrOutOfRange           = errors.New("pointing error beyond correction limit")
	ErrTargetTooLow         = errors.New("target below altitude limit")
	ErrCorrectionsExhausted = errors.New("no convergence after maximum corrections")
)

// Loop states.
const (
	StateTracking    = "tracking"
	StateAwaitSettle = "await_settle"
	StateCapturing   = "capturing"
	StateSolving     = "solving"
	StateEvaluating  = "evaluating"
	StateCorrecting  = "correcting"
	StateSolveFailed = "solve_failed"
)

// Loop events.
const (
	EventSlewStarted = "slew_started"
	EventSettled     = "settled"
	EventCapture     = "capture"
	EventSolve       = "solve"
	EventEvaluate    = "evaluate"
	EventConverge    = "converge"
	EventCorrect     = "correct"
	EventSlewIssued  = "slew_issued"
	EventFail        = "fail"
	EventRecover     = "recover"
)

// CoordProperty is the mount property holding the commanded position.
const CoordProperty = "EQUATORIAL_EOD_COORD"

// Mount reads and commands the telescope's position property.
type Mount interface {
	Get(device, name string) (indi.Property, error)
	Set(device, name string, values ...indi.Value) error
}

type Capturer interface {
	Capture(ctx context.Context, req camera.ExposureRequest) (camera.Image, error)
}

type PlateSolver interface {
	Solve(ctx context.Context, image []byte, radius float64) (coord.Equatorial, error)
}

// FrameSink receives frames the solver could not handle.
type FrameSink interface {
	Failed(img camera.Image, err error)
}

type Options struct {
	Telescope string
	Exposure  time.Duration
	// SearchRadius is passed to the solver, in degrees.
	SearchRadius float64
	// Deadband and MaxCorrection are in arcseconds.
	Deadband      float64
	MaxCorrection float64
	// MinAltitude is in degrees above the horizon.
	MinAltitude    float64
	MaxCorrections int
	TickInterval   time.Duration
	Observer       coord.Observer

	Now func() time.Time
	// Altitude overrides the altitude computed from Observer and Now.
	Altitude func(coord.Equatorial) float64

	Recorder   Recorder
	Frames     FrameSink
	OnStatus   StatusCallback
	Registerer prometheus.Registerer
}

func DefaultOptions() Options {
	return Options{
		Telescope:      "Telescope Simulator",
		Exposure:       2 * time.Second,
		SearchRadius:   30,
		Deadband:       30,
		MaxCorrection:  3600,
		MinAltitude:    15,
		MaxCorrections: 5,
		TickInterval:   time.Second,
		Observer: coord.Observer{
			Latitude:  49.8951,
			Longitude: -97.1384,
			Height:    300,
		},
	}
}

type command struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Loop is the pointing correction state machine. All of its state is owned by
// the goroutine calling Run (or Tick); other goroutines talk to it through
// RequestSolve, Goto, Report and Snapshot.
type Loop struct {
	opts    Options
	mount   Mount
	camera  Capturer
	solver  PlateSolver
	fsm     *fsm.FSM
	metrics *metrics

	commands  chan command
	requested atomic.Bool

	target   *coord.Equatorial
	position *coord.Equatorial
	solved   *coord.Equatorial
	perr     *PointingError
	// converged means no cycle runs until a new goto or solve request. It is
	// also set after a failed cycle so a failure is not retried in a tight loop.
	converged   bool
	corrections int
	status      Status
	message     string

	mu   sync.RWMutex
	snap Snapshot
}

func New(opts Options, mount Mount, cam Capturer, solver PlateSolver) *Loop {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Altitude == nil {
		observer, now := opts.Observer, opts.Now
		opts.Altitude = func(c coord.Equatorial) float64 {
			return observer.Altitude(c, now())
		}
	}
	l := &Loop{
		opts:      opts,
		mount:     mount,
		camera:    cam,
		solver:    solver,
		metrics:   newMetrics(opts.Registerer),
		commands:  make(chan command),
		converged: true,
	}
	l.fsm = fsm.NewFSM(
		StateTracking,
		fsm.Events{
			{Name: EventSlewStarted, Src: []string{StateTracking}, Dst: StateAwaitSettle},
			{Name: EventSettled, Src: []string{StateAwaitSettle}, Dst: StateTracking},
			{Name: EventCapture, Src: []string{StateTracking}, Dst: StateCapturing},
			{Name: EventSolve, Src: []string{StateCapturing}, Dst: StateSolving},
			{Name: EventEvaluate, Src: []string{StateSolving}, Dst: StateEvaluating},
			{Name: EventConverge, Src: []string{StateEvaluating}, Dst: StateTracking},
			{Name: EventCorrect, Src: []string{StateEvaluating}, Dst: StateCorrecting},
			{Name: EventSlewIssued, Src: []string{StateCorrecting}, Dst: StateTracking},
			{Name: EventFail, Src: []string{StateCapturing, StateSolving, StateEvaluating, StateCorrecting}, Dst: StateSolveFailed},
			{Name: EventRecover, Src: []string{StateSolveFailed}, Dst: StateTracking},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debug("loop state changed", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
	l.publish()
	return l
}

// State returns the current state name.
func (l *Loop) State() string {
	return l.fsm.Current()
}

func (l *Loop) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap
}

// RequestSolve asks for a solve at the next opportunity. Requests made before
// the loop gets to them are merged.
func (l *Loop) RequestSolve() {
	l.requested.Store(true)
}

// Goto slews to c and makes it the commanded target. It fails with
// ErrTargetTooLow if c is below the altitude limit.
func (l *Loop) Goto(ctx context.Context, c coord.Equatorial) error {
	return l.do(ctx, func(context.Context) error {
		return l.gotoTarget(c)
	})
}

// Report shows an operator status raised outside the loop, such as a failed
// object lookup.
func (l *Loop) Report(ctx context.Context, status Status, msg string) error {
	return l.do(ctx, func(context.Context) error {
		l.status = status
		l.message = msg
		l.publish()
		return nil
	})
}

func (l *Loop) do(ctx context.Context, fn func(context.Context) error) error {
	cmd := command{fn: fn, done: make(chan error, 1)}
	select {
	case l.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-l.commands:
			cmd.done <- cmd.fn(ctx)
		case <-ticker.C:
			// Tick logs its own failures.
			_ = l.Tick(ctx)
		}
	}
}

// Tick advances the loop by one step. At most one capture and solve cycle
// runs per tick.
func (l *Loop) Tick(ctx context.Context) error {
	p, err := l.mount.Get(l.opts.Telescope, CoordProperty)
	if err != nil {
		err = fmt.Errorf("reading mount position: %w", err)
		if l.status != StatusMountUnavailable {
			log.Warn("mount position unavailable", "state", l.fsm.Current(), "device", l.opts.Telescope, "error", err)
		}
		l.status = StatusMountUnavailable
		l.message = err.Error()
		l.publish()
		return err
	}
	if l.status == StatusMountUnavailable {
		log.Info("mount position available again", "device", l.opts.Telescope)
		l.status = StatusTracking
		if l.fsm.Current() == StateAwaitSettle {
			l.status = StatusSlewing
		}
		l.message = ""
	}
	if pos, err := position(p); err == nil {
		l.position = &pos
	} else {
		log.Warn("bad mount position", "device", l.opts.Telescope, "error", err)
	}

	switch state := l.fsm.Current(); state {
	case StateTracking:
		if p.State == indi.StateBusy {
			l.event(EventSlewStarted)
			if !l.status.sticky() {
				l.status = StatusSlewing
				l.message = ""
			}
			l.publish()
			return nil
		}
	case StateAwaitSettle:
		if p.State == indi.StateBusy {
			l.publish()
			return nil
		}
		if p.State == indi.StateAlert {
			log.Warn("mount reported alert after slew", "device", l.opts.Telescope, "position", l.position)
		}
		l.event(EventSettled)
	default:
		return fmt.Errorf("tick in state %s", state)
	}

	if l.status == StatusSlewing || l.status == StatusSolving {
		l.status = StatusTracking
	}
	if l.requested.Swap(false) {
		log.Info("solve requested")
		l.converged = false
		l.corrections = 0
		l.status = StatusTracking
		l.message = ""
		if l.target == nil && l.position != nil {
			c := *l.position
			l.target = &c
		}
	}
	if l.converged || l.target == nil {
		l.publish()
		return nil
	}
	return l.cycle(ctx, *l.target)
}

// cycle runs capture, solve and evaluation for the commanded target.
func (l *Loop) cycle(ctx context.Context, commanded coord.Equatorial) error {
	l.event(EventCapture)
	l.status = StatusSolving
	l.message = ""
	l.publish()

	img, err := l.camera.Capture(ctx, camera.ExposureRequest{Duration: l.opts.Exposure})
	if err != nil {
		return l.fail(ctx, commanded, nil, fmt.Errorf("capturing: %w", err))
	}

	l.event(EventSolve)
	start := time.Now()
	solved, err := l.solver.Solve(ctx, img.Data, l.opts.SearchRadius)
	l.metrics.solveDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == nil {
			l.archive(img, err)
		}
		return l.fail(ctx, commanded, nil, fmt.Errorf("solving: %w", err))
	}

	l.event(EventEvaluate)
	ev := Evaluate(commanded, solved, l.opts.Deadband, l.opts.MaxCorrection)
	l.solved = &solved
	l.perr = &ev.Error
	l.metrics.pointingError.Set(ev.Error.MagnitudeArcsec)
	log.Info("plate solved",
		"commanded", commanded.String(),
		"solved", solved.String(),
		"delta_ra_arcsec", ev.Error.DeltaRAArcsec,
		"delta_dec_arcsec", ev.Error.DeltaDecArcsec,
		"verdict", ev.Verdict.String())

	switch ev.Verdict {
	case Converged:
		l.record(commanded, &solved, ev.Error, ev.Verdict.String())
		l.converged = true
		l.corrections = 0
		l.event(EventConverge)
		l.status = StatusTracking
		l.publish()
		return nil
	case OutOfRange:
		err := fmt.Errorf("%w: %.0f\" > %.0f\"", ErrOutOfRange, ev.Error.MagnitudeArcsec, l.opts.MaxCorrection)
		l.archive(img, err)
		return l.fail(ctx, commanded, &ev, err)
	}

	if l.corrections >= l.opts.MaxCorrections {
		return l.fail(ctx, commanded, &ev, fmt.Errorf("%w (%d)", ErrCorrectionsExhausted, l.corrections))
	}
	l.event(EventCorrect)
	if err := l.slew(ev.Target); err != nil {
		return l.fail(ctx, commanded, &ev, fmt.Errorf("correcting: %w", err))
	}
	l.record(commanded, &solved, ev.Error, ev.Verdict.String())
	l.corrections++
	l.metrics.corrections.Inc()
	target := ev.Target
	l.target = &target
	l.event(EventSlewIssued)
	l.status = StatusSlewing
	l.publish()
	return nil
}

// fail finishes a cycle that produced no usable correction. ev is set if the
// solve itself succeeded.
func (l *Loop) fail(ctx context.Context, commanded coord.Equatorial, ev *Evaluation, err error) error {
	state := l.fsm.Current()
	if ctx.Err() != nil {
		// Shutting down: unwind without recording an attempt that never finished.
		log.Debug("solve cycle cancelled", "state", state, "error", err)
		l.event(EventFail)
		l.event(EventRecover)
		l.status = StatusTracking
		l.message = ""
		l.publish()
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	var solved *coord.Equatorial
	var perr PointingError
	if ev != nil {
		solved = l.solved
		perr = ev.Error
	}
	l.record(commanded, solved, perr, result(err))
	l.event(EventFail)

	log.Error(err, "solve cycle failed", "state", state, "commanded", commanded.String())
	l.status = StatusSolveFailed
	if errors.Is(err, ErrTargetTooLow) {
		l.status = StatusObjectTooLow
	}
	l.message = err.Error()
	l.converged = true
	l.event(EventRecover)
	l.publish()
	return err
}

// archive hands a frame that produced no usable solution to the frame sink.
func (l *Loop) archive(img camera.Image, err error) {
	if l.opts.Frames != nil {
		l.opts.Frames.Failed(img, err)
	}
}

func (l *Loop) record(commanded coord.Equatorial, solved *coord.Equatorial, perr PointingError, res string) {
	l.metrics.solves.WithLabelValues(res).Inc()
	if l.opts.Recorder == nil {
		return
	}
	o := Observation{
		Time:      l.opts.Now(),
		Commanded: commanded,
		Position:  commanded,
		Error:     perr,
		Result:    res,
	}
	if solved != nil {
		o.Position = *solved
		o.Solved = true
	}
	l.opts.Recorder.Record(o)
}

func (l *Loop) gotoTarget(c coord.Equatorial) error {
	if err := l.slew(c); err != nil {
		if errors.Is(err, ErrTargetTooLow) {
			l.status = StatusObjectTooLow
			l.message = err.Error()
			l.publish()
		}
		return err
	}
	log.Info("slewing to target", "target", c.String())
	l.target = &c
	l.solved = nil
	l.perr = nil
	l.converged = false
	l.corrections = 0
	l.status = StatusSlewing
	l.message = ""
	l.publish()
	return nil
}

// slew commands the mount to c unless c is below the altitude limit.
func (l *Loop) slew(c coord.Equatorial) error {
	if alt := l.opts.Altitude(c); alt <= l.opts.MinAltitude {
		l.metrics.refused.Inc()
		log.Warn("refusing slew below altitude limit", "target", c.String(), "altitude", alt, "limit", l.opts.MinAltitude)
		return fmt.Errorf("%w: %s at %.1f° (limit %.1f°)", ErrTargetTooLow, c, alt, l.opts.MinAltitude)
	}
	return l.mount.Set(l.opts.Telescope, CoordProperty,
		indi.Number("RA", c.RA),
		indi.Number("DEC", c.Dec))
}

// event fires a transition. The table is driven with its own context so a
// cancelled cycle can still unwind to tracking.
func (l *Loop) event(name string) {
	if err := l.fsm.Event(context.Background(), name); err != nil {
		// The transition table and the code driving it disagree.
		panic(fmt.Sprintf("pointing loop: event %s: %v", name, err))
	}
}

func (l *Loop) publish() {
	now := l.opts.Now()
	snap := Snapshot{
		Time:        now,
		State:       l.fsm.Current(),
		Status:      l.status,
		Message:     l.message,
		Target:      clone(l.target),
		Position:    clone(l.position),
		Solved:      clone(l.solved),
		Converged:   l.converged,
		Corrections: l.corrections,
		Sidereal:    l.opts.Observer.LocalSiderealTime(now),
	}
	if l.perr != nil {
		e := *l.perr
		snap.Error = &e
	}
	if l.target != nil {
		snap.Altitude = l.opts.Altitude(*l.target)
	}
	l.mu.Lock()
	l.snap = snap
	l.mu.Unlock()
	if l.opts.OnStatus != nil {
		l.opts.OnStatus(snap)
	}
}

func clone(c *coord.Equatorial) *coord.Equatorial {
	if c == nil {
		return nil
	}
	v := *c
	return &v
}

func position(p indi.Property) (coord.Equatorial, error) {
	ra, ok := p.Number("RA")
	if !ok {
		return coord.Equatorial{}, fmt.Errorf("%s has no RA", p)
	}
	dec, ok := p.Number("DEC")
	if !ok {
		return coord.Equatorial{}, fmt.Errorf("%s has no DEC", p)
	}
	return coord.New(ra, dec)
}
