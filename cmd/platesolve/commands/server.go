package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/w1xm/platesolve/coord"
	"github.com/w1xm/platesolve/internal/log"
	"github.com/w1xm/platesolve/pointing"
	"github.com/w1xm/platesolve/store"
)

// controller is the part of the pointing loop the server drives.
type controller interface {
	RequestSolve()
	Goto(ctx context.Context, c coord.Equatorial) error
	Report(ctx context.Context, status pointing.Status, msg string) error
}

type catalog interface {
	Resolve(ctx context.Context, name string) (store.Object, error)
	Observations(ctx context.Context, limit int) ([]pointing.Observation, error)
}

type Server struct {
	loop    controller
	catalog catalog

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	status     pointing.Snapshot
	// seq counts status updates so watchers can tell when they missed none.
	seq uint64
}

func NewServer(loop controller, catalog catalog) *Server {
	s := &Server{loop: loop, catalog: catalog}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	return s
}

// Handler routes the HTTP API. staticDir, if set, is served at /.
func (s *Server) Handler(reg prometheus.Gatherer, staticDir string) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/ws", s.StatusSocketHandler)
	r.HandleFunc("/api/solve", s.SolveHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/goto", s.GotoHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/observations", s.ObservationsHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if staticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(staticDir)))
	}
	return r
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error(err, "writing response")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	s.statusMu.RLock()
	status := s.status
	s.statusMu.RUnlock()
	writeJSON(w, http.StatusOK, status)
}

// Command is a request sent over the status websocket or to /api/goto.
// A goto names either an object or explicit coordinates.
type Command struct {
	Command string   `json:"command"`
	Object  string   `json:"object,omitempty"`
	RA      *float64 `json:"ra,omitempty"`
	Dec     *float64 `json:"dec,omitempty"`
}

var errBadCommand = errors.New("bad command")

// execute runs cmd and returns the HTTP status describing the outcome.
func (s *Server) execute(ctx context.Context, cmd Command) (int, error) {
	switch cmd.Command {
	case "solve":
		s.loop.RequestSolve()
		return http.StatusAccepted, nil
	case "goto":
		return s.gotoTarget(ctx, cmd)
	}
	return http.StatusBadRequest, fmt.Errorf("%w: unknown command %q", errBadCommand, cmd.Command)
}

func (s *Server) gotoTarget(ctx context.Context, cmd Command) (int, error) {
	var target coord.Equatorial
	switch {
	case cmd.Object != "":
		obj, err := s.catalog.Resolve(ctx, cmd.Object)
		if err != nil {
			status := pointing.StatusObjectNotFound
			if errors.Is(err, store.ErrTourNotFound) {
				status = pointing.StatusTourNotFound
			}
			if errors.Is(err, store.ErrObjectNotFound) || errors.Is(err, store.ErrTourNotFound) {
				if rerr := s.loop.Report(ctx, status, err.Error()); rerr != nil {
					return http.StatusServiceUnavailable, rerr
				}
				return http.StatusNotFound, err
			}
			return http.StatusInternalServerError, err
		}
		target = obj.Position
	case cmd.RA != nil && cmd.Dec != nil:
		c, err := coord.New(*cmd.RA, *cmd.Dec)
		if err != nil {
			return http.StatusBadRequest, err
		}
		target = c
	default:
		return http.StatusBadRequest, fmt.Errorf("%w: goto needs an object or ra and dec", errBadCommand)
	}
	if err := s.loop.Goto(ctx, target); err != nil {
		if errors.Is(err, pointing.ErrTargetTooLow) {
			return http.StatusUnprocessableEntity, err
		}
		return http.StatusServiceUnavailable, err
	}
	return http.StatusAccepted, nil
}

func (s *Server) SolveHandler(w http.ResponseWriter, r *http.Request) {
	code, err := s.execute(r.Context(), Command{Command: "solve"})
	if err != nil {
		writeError(w, code, err)
		return
	}
	w.WriteHeader(code)
}

func (s *Server) GotoHandler(w http.ResponseWriter, r *http.Request) {
	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cmd.Command = "goto"
	code, err := s.execute(r.Context(), cmd)
	if err != nil {
		writeError(w, code, err)
		return
	}
	w.WriteHeader(code)
}

func (s *Server) ObservationsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("bad limit %q", v))
			return
		}
		limit = n
	}
	obs, err := s.catalog.Observations(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error(err, "upgrading websocket")
		return
	}
	defer conn.Close()

	// Wake the writer below when the client goes away.
	stop := context.AfterFunc(ctx, func() {
		s.statusMu.Lock()
		s.statusCond.Broadcast()
		s.statusMu.Unlock()
	})
	defer stop()

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if _, err := s.execute(ctx, msg); err != nil {
				log.Warn("websocket command failed", "command", msg.Command, "error", err)
			}
		}
	}()

	var seen uint64
	for {
		s.statusMu.RLock()
		for s.seq == seen && ctx.Err() == nil {
			s.statusCond.Wait()
		}
		status := s.status
		seen = s.seq
		s.statusMu.RUnlock()
		if ctx.Err() != nil {
			return
		}
		if err := conn.WriteJSON(status); err != nil {
			log.Debug("websocket write failed", "error", err)
			return
		}
	}
}

func (s *Server) statusCallback(status pointing.Snapshot) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = status
	s.seq++
	s.statusCond.Broadcast()
}
