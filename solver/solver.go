// Package solver runs an external plate solver and reads back the sky
// position it found.
//
// The solver communicates only through files in a working directory: the
// image is written to solve.fits, and a successful solve leaves a WCS header
// in solve.wcs. solve.ini records whether a match was found.
package solver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/w1xm/platesolve/coord"
	"github.com/w1xm/platesolve/fits"
	"github.com/w1xm/platesolve/internal/log"
)

var (
	ErrSolveTimedOut = errors.New("plate solve timed out")
	ErrSolveCorrupt  = errors.New("plate solve result corrupt")
	ErrNoMatch       = errors.New("plate solver found no match")
)

const (
	ImageFile = "solve.fits"
	WCSFile   = "solve.wcs"
	INIFile   = "solve.ini"
	LogFile   = "solve.err"
)

// Launcher starts a solver on image (relative to dir) without waiting for it.
// The returned stop function kills the solver if it is still running and
// waits for it to exit.
type Launcher func(ctx context.Context, dir, image string, radius float64) (stop func(), err error)

type Options struct {
	// Dir holds the image and result artifacts.
	Dir          string
	Timeout      time.Duration
	PollInterval time.Duration
	// CorruptRetries is how many times a corrupt result is retried at once.
	CorruptRetries int
	Launch         Launcher
}

func DefaultOptions() Options {
	return Options{
		Dir:            ".",
		Timeout:        10 * time.Second,
		PollInterval:   500 * time.Millisecond,
		CorruptRetries: 1,
		Launch:         ASTAP("/usr/local/bin/astap"),
	}
}

type Solver struct {
	opts Options
	// mu serializes attempts; they share the artifact files.
	mu sync.Mutex
}

func New(opts Options) *Solver {
	return &Solver{opts: opts}
}

// Solve finds the sky position at the centre of image, searching within
// radius degrees of the solver's starting guess.
func (s *Solver) Solve(ctx context.Context, image []byte, radius float64) (coord.Equatorial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for attempt := 0; ; attempt++ {
		c, err := s.attempt(ctx, image, radius)
		if !errors.Is(err, ErrSolveCorrupt) || attempt >= s.opts.CorruptRetries {
			return c, err
		}
		log.Warn("corrupt solve result, retrying", "attempt", attempt+1, "error", err)
	}
}

func (s *Solver) attempt(ctx context.Context, image []byte, radius float64) (coord.Equatorial, error) {
	dir := s.opts.Dir
	if err := removeArtifacts(dir); err != nil {
		return coord.Equatorial{}, fmt.Errorf("clearing previous result: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ImageFile), image, 0o644); err != nil {
		return coord.Equatorial{}, fmt.Errorf("writing image: %w", err)
	}
	start := time.Now()
	stop, err := s.opts.Launch(ctx, dir, ImageFile, radius)
	if err != nil {
		return coord.Equatorial{}, fmt.Errorf("launching solver: %w", err)
	}
	defer stop()

	deadline := time.NewTimer(s.opts.Timeout)
	defer deadline.Stop()
	poll := time.NewTicker(s.opts.PollInterval)
	defer poll.Stop()

	var prev fileState
	for {
		if c, done, err := check(dir, &prev); done {
			log.Debug("solve finished", "elapsed", time.Since(start), "error", err)
			return c, err
		}
		select {
		case <-poll.C:
		case <-deadline.C:
			if c, done, err := check(dir, &prev); done {
				return c, err
			}
			stop()
			if err := removeArtifacts(dir); err != nil {
				log.Error(err, "removing partial solve result")
			}
			return coord.Equatorial{}, fmt.Errorf("%w after %v", ErrSolveTimedOut, s.opts.Timeout)
		case <-ctx.Done():
			return coord.Equatorial{}, ctx.Err()
		}
	}
}

func removeArtifacts(dir string) error {
	for _, name := range []string{WCSFile, INIFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

type fileState struct {
	seen bool
	size int64
	mod  time.Time
}

// check looks for an outcome in dir. A result file that does not parse is
// only declared corrupt once it is unchanged since the previous check, since
// the solver may still be writing it.
func check(dir string, prev *fileState) (coord.Equatorial, bool, error) {
	if solved, msg, ok := readINI(filepath.Join(dir, INIFile)); ok && !solved {
		if msg != "" {
			return coord.Equatorial{}, true, fmt.Errorf("%w: %s", ErrNoMatch, msg)
		}
		return coord.Equatorial{}, true, ErrNoMatch
	}
	path := filepath.Join(dir, WCSFile)
	fi, err := os.Stat(path)
	if err != nil {
		return coord.Equatorial{}, false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return coord.Equatorial{}, false, nil
	}
	c, perr := ParseWCS(data)
	if perr == nil {
		return c, true, nil
	}
	cur := fileState{seen: true, size: fi.Size(), mod: fi.ModTime()}
	if prev.seen && prev.size == cur.size && prev.mod.Equal(cur.mod) {
		return coord.Equatorial{}, true, fmt.Errorf("%w: %v", ErrSolveCorrupt, perr)
	}
	*prev = cur
	return coord.Equatorial{}, false, nil
}

// ParseWCS reads the reference coordinate from a solver's WCS header.
func ParseWCS(data []byte) (coord.Equatorial, error) {
	h, err := fits.Parse(data)
	if err != nil {
		return coord.Equatorial{}, err
	}
	if !h.Complete {
		return coord.Equatorial{}, errors.New("truncated header: no END card")
	}
	ra, err := h.Float("CRVAL1")
	if err != nil {
		return coord.Equatorial{}, err
	}
	dec, err := h.Float("CRVAL2")
	if err != nil {
		return coord.Equatorial{}, err
	}
	if ra < 0 || ra > 360 {
		return coord.Equatorial{}, fmt.Errorf("%w: CRVAL1=%v", coord.ErrInvalid, ra)
	}
	return coord.FromDegrees(ra, dec)
}

// readINI reports the PLTSOLVD flag of an ASTAP .ini file. ok is false if the
// file is missing or has no such flag yet.
func readINI(path string) (solved bool, msg string, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, "", false
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		k, v, found := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(k) {
		case "PLTSOLVD":
			solved = strings.TrimSpace(v) == "T"
			ok = true
		case "ERROR":
			msg = strings.TrimSpace(v)
		}
	}
	return solved, msg, ok
}
