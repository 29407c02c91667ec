package pointing

import (
	"fmt"
	"time"

	"github.com/w1xm/platesolve/coord"
)

// Status is the operator facing summary of what the loop is doing.
type Status int

const (
	StatusTracking Status = iota
	StatusSlewing
	StatusSolving
	StatusObjectTooLow
	StatusSolveFailed
	StatusTourNotFound
	StatusObjectNotFound
	StatusMountUnavailable
)

var statusNames = [...]string{
	"TRACKING",
	"SLEWING",
	"SOLVING",
	"OBJECT TOO LOW",
	"SOLVE FAILED",
	"TOUR NOT FOUND",
	"OBJECT NOT FOUND",
	"MOUNT UNAVAILABLE",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// sticky statuses stay on display until the operator does something.
func (s Status) sticky() bool {
	switch s {
	case StatusObjectTooLow, StatusSolveFailed, StatusTourNotFound, StatusObjectNotFound:
		return true
	}
	return false
}

// Snapshot is a read-only copy of the loop's state.
type Snapshot struct {
	Time    time.Time `json:"time"`
	State   string    `json:"state"`
	Status  Status    `json:"status"`
	Message string    `json:"message,omitempty"`

	// Target is the commanded position, if any.
	Target   *coord.Equatorial `json:"target,omitempty"`
	Position *coord.Equatorial `json:"position,omitempty"`
	Solved   *coord.Equatorial `json:"solved,omitempty"`
	Error    *PointingError    `json:"error,omitempty"`

	Converged   bool    `json:"converged"`
	Corrections int     `json:"corrections"`
	Sidereal    float64 `json:"lst"`
	Altitude    float64 `json:"altitude"`
}

// Observation is one solve attempt.
type Observation struct {
	Time      time.Time        `json:"time"`
	Commanded coord.Equatorial `json:"commanded"`
	// Position is the solved position if Solved, the commanded one otherwise.
	Position coord.Equatorial `json:"position"`
	Solved   bool             `json:"solved"`
	Error    PointingError    `json:"error"`
	// Result is the verdict, or the reason the attempt failed.
	Result string `json:"result"`
}

// Recorder persists observations. Record must not block the loop.
type Recorder interface {
	Record(Observation)
}

// MultiRecorder fans observations out to several recorders.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(o Observation) {
	for _, r := range m {
		r.Record(o)
	}
}

type StatusCallback func(Snapshot)
