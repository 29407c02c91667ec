package solver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/w1xm/platesolve/fits"
	"github.com/w1xm/platesolve/internal/log"
)

// ASTAP launches the astap binary, writing its output to solve.err.
func ASTAP(binary string) Launcher {
	return func(ctx context.Context, dir, image string, radius float64) (func(), error) {
		out, err := os.Create(filepath.Join(dir, LogFile))
		if err != nil {
			return nil, err
		}
		cmd := exec.Command(binary, "-r", strconv.FormatFloat(radius, 'f', -1, 64), "-f", image)
		cmd.Dir = dir
		cmd.Stdout = out
		cmd.Stderr = out
		if err := cmd.Start(); err != nil {
			out.Close()
			return nil, fmt.Errorf("starting %s: %w", binary, err)
		}
		log.Debug("solver started", "binary", binary, "pid", cmd.Process.Pid, "radius", radius)
		exited := make(chan struct{})
		go func() {
			defer close(exited)
			if err := cmd.Wait(); err != nil {
				log.Debug("solver exited", "error", err)
			}
			out.Close()
		}()
		return func() {
			select {
			case <-exited:
				return
			default:
			}
			if err := cmd.Process.Kill(); err != nil {
				log.Error(err, "killing solver")
			}
			<-exited
		}, nil
	}
}

// Echo is a launcher for frames that already record their pointing in
// CRVAL1/CRVAL2, such as simulator frames. After delay it writes the image's
// own header as the solution, or reports no match if it has none.
func Echo(delay time.Duration) Launcher {
	return func(ctx context.Context, dir, image string, radius float64) (func(), error) {
		data, err := os.ReadFile(filepath.Join(dir, image))
		if err != nil {
			return nil, err
		}
		quit := make(chan struct{})
		exited := make(chan struct{})
		go func() {
			defer close(exited)
			select {
			case <-time.After(delay):
			case <-quit:
				return
			}
			if err := echo(dir, data); err != nil {
				log.Error(err, "echo solver")
			}
		}()
		var once sync.Once
		return func() {
			once.Do(func() { close(quit) })
			<-exited
		}, nil
	}
}

func echo(dir string, image []byte) error {
	h, err := fits.Parse(image)
	solved := err == nil
	if solved {
		_, err1 := h.Float("CRVAL1")
		_, err2 := h.Float("CRVAL2")
		solved = err1 == nil && err2 == nil
	}
	if solved {
		if err := os.WriteFile(filepath.Join(dir, WCSFile), h.Encode(), 0o644); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, INIFile), []byte("PLTSOLVD=T\n"), 0o644)
	}
	return os.WriteFile(filepath.Join(dir, INIFile), []byte("PLTSOLVD=F\nERROR=No solution found\n"), 0o644)
}
