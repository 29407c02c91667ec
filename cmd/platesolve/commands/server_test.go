package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/w1xm/platesolve/coord"
	"github.com/w1xm/platesolve/pointing"
	"github.com/w1xm/platesolve/store"
)

type fakeLoop struct {
	mu       sync.Mutex
	requests int
	gotos    []coord.Equatorial
	reports  []pointing.Status
	gotoErr  error
}

func (f *fakeLoop) RequestSolve() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
}

func (f *fakeLoop) Goto(ctx context.Context, c coord.Equatorial) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gotoErr != nil {
		return f.gotoErr
	}
	f.gotos = append(f.gotos, c)
	return nil
}

func (f *fakeLoop) Report(ctx context.Context, status pointing.Status, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, status)
	return nil
}

func (f *fakeLoop) calls() (int, []coord.Equatorial, []pointing.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests, f.gotos, f.reports
}

type fakeCatalog map[string]coord.Equatorial

func (c fakeCatalog) Resolve(ctx context.Context, name string) (store.Object, error) {
	if strings.HasPrefix(name, store.TourPrefix) {
		return store.Object{}, fmt.Errorf("%w: %q", store.ErrTourNotFound, name)
	}
	pos, ok := c[name]
	if !ok {
		return store.Object{}, fmt.Errorf("%w: %q", store.ErrObjectNotFound, name)
	}
	return store.Object{Name: name, Position: pos}, nil
}

func (c fakeCatalog) Observations(ctx context.Context, limit int) ([]pointing.Observation, error) {
	return []pointing.Observation{{Result: "converged", Solved: true}}, nil
}

func newTestServer(t *testing.T) (*Server, *fakeLoop, *httptest.Server) {
	t.Helper()
	loop := &fakeLoop{}
	s := NewServer(loop, fakeCatalog{"Vega": {RA: 18.6156, Dec: 38.7837}})
	ts := httptest.NewServer(s.Handler(prometheus.NewRegistry(), ""))
	t.Cleanup(ts.Close)
	return s, loop, ts
}

func post(t *testing.T, url, body string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestGotoHandler(t *testing.T) {
	for _, test := range []struct {
		name       string
		body       string
		want       int
		wantGotos  []coord.Equatorial
		wantReport []pointing.Status
	}{
		{
			name:      "object",
			body:      `{"object": "Vega"}`,
			want:      http.StatusAccepted,
			wantGotos: []coord.Equatorial{{RA: 18.6156, Dec: 38.7837}},
		},
		{
			name:      "coordinates",
			body:      `{"ra": 5.5, "dec": -5}`,
			want:      http.StatusAccepted,
			wantGotos: []coord.Equatorial{{RA: 5.5, Dec: -5}},
		},
		{
			name:       "unknown object",
			body:       `{"object": "Messier 999"}`,
			want:       http.StatusNotFound,
			wantReport: []pointing.Status{pointing.StatusObjectNotFound},
		},
		{
			name:       "unknown tour",
			body:       `{"object": "TOUR winter"}`,
			want:       http.StatusNotFound,
			wantReport: []pointing.Status{pointing.StatusTourNotFound},
		},
		{
			name: "bad declination",
			body: `{"ra": 1, "dec": 95}`,
			want: http.StatusBadRequest,
		},
		{
			name: "nothing to go to",
			body: `{}`,
			want: http.StatusBadRequest,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, loop, ts := newTestServer(t)
			if got := post(t, ts.URL+"/api/goto", test.body); got != test.want {
				t.Errorf("status = %d, want %d", got, test.want)
			}
			_, gotos, reports := loop.calls()
			if diff := cmp.Diff(gotos, test.wantGotos); diff != "" {
				t.Errorf("unexpected gotos: got(-)/want(+):\n%s", diff)
			}
			if diff := cmp.Diff(reports, test.wantReport); diff != "" {
				t.Errorf("unexpected reports: got(-)/want(+):\n%s", diff)
			}
		})
	}
}

func TestGotoTooLow(t *testing.T) {
	_, loop, ts := newTestServer(t)
	loop.gotoErr = fmt.Errorf("%w: 10°", pointing.ErrTargetTooLow)
	if got := post(t, ts.URL+"/api/goto", `{"object": "Vega"}`); got != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", got, http.StatusUnprocessableEntity)
	}
}

func TestSolveHandler(t *testing.T) {
	_, loop, ts := newTestServer(t)
	if got := post(t, ts.URL+"/api/solve", ""); got != http.StatusAccepted {
		t.Errorf("status = %d, want %d", got, http.StatusAccepted)
	}
	if n, _, _ := loop.calls(); n != 1 {
		t.Errorf("solve requested %d times, want 1", n)
	}
}

func TestStatusHandler(t *testing.T) {
	s, _, ts := newTestServer(t)
	s.statusCallback(pointing.Snapshot{State: pointing.StateTracking, Status: pointing.StatusObjectTooLow})
	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got struct {
		State  string `json:"state"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.State != "tracking" || got.Status != "OBJECT TOO LOW" {
		t.Errorf("status = %+v", got)
	}
}

func TestStatusSocket(t *testing.T) {
	s, loop, ts := newTestServer(t)
	s.statusCallback(pointing.Snapshot{Status: pointing.StatusTracking})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() string {
		t.Helper()
		var got struct {
			Status string `json:"status"`
		}
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		return got.Status
	}
	if got := read(); got != "TRACKING" {
		t.Errorf("first status = %q, want current status", got)
	}
	s.statusCallback(pointing.Snapshot{Status: pointing.StatusSolving})
	if got := read(); got != "SOLVING" {
		t.Errorf("pushed status = %q, want SOLVING", got)
	}

	if err := conn.WriteJSON(Command{Command: "solve"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if n, _, _ := loop.calls(); n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("solve command not executed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
