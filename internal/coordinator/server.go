// Package coordinator implements the RPC service that owns the
// authoritative workload-allocation state for one distributed build.
// Minions poll it for ready units and report completion; the
// coordinator aggregates exit codes and decides when the build is
// done.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/hivebuild/hivebuild/internal/allocator"
	"github.com/hivebuild/hivebuild/internal/config"
	"github.com/hivebuild/hivebuild/internal/httpapi"
	"github.com/hivebuild/hivebuild/internal/logging"
	"github.com/hivebuild/hivebuild/internal/metrics"
	"github.com/hivebuild/hivebuild/internal/protocol"
)

var (
	// ErrBuildIDMismatch rejects requests scoped to another build.
	ErrBuildIDMismatch = errors.New("request build id does not match this coordinator's build")

	// ErrWaitTimeout means the overall build wait exceeded its hard
	// timeout. The build is wedged or leaked; this is fatal, not
	// retryable.
	ErrWaitTimeout = errors.New("timed out waiting for the build to complete")

	// ErrTeardownTimeout means the server failed to stop within its
	// grace period.
	ErrTeardownTimeout = errors.New("coordinator server took too long to tear down")
)

// shutdownPreWait gives in-flight responses (in particular the final
// "close" to a polling minion) time to be written before the listener
// is torn down.
const shutdownPreWait = 100 * time.Millisecond

// Server coordinates work allocation for one build.
type Server struct {
	buildID       protocol.BuildID
	maxPerMinion  int
	shutdownGrace time.Duration
	port          int
	log           *slog.Logger

	// lock guards the allocator and all minion-tracking state. Every
	// requestWork / reportFinished transition runs under it, so the
	// allocator needs no locking of its own.
	lock           sync.Mutex
	alloc          *allocator.Allocator
	runningMinions map[string]struct{}
	everRegistered bool
	failed         bool
	exitCode       int

	exitOnce sync.Once
	exitCh   chan int

	httpSrv  *http.Server
	listener net.Listener
}

// NewServer creates a coordinator for one build over an allocator the
// caller built from the fetched graph.
func NewServer(cfg config.CoordinatorConfig, buildID protocol.BuildID, alloc *allocator.Allocator) *Server {
	return &Server{
		buildID:        buildID,
		maxPerMinion:   cfg.MaxUnitsPerMinion,
		shutdownGrace:  cfg.ShutdownGrace,
		port:           cfg.Port,
		log:            logging.Component("coordinator").With("build_id", string(buildID)),
		alloc:          alloc,
		runningMinions: make(map[string]struct{}),
		exitCh:         make(chan int, 1),
	}
}

// Router exposes the coordinator's RPC surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(httpapi.RequestLogger(s.log))
	r.HandleFunc("/coordinator/request_work", s.handleRequestWork).Methods("POST")
	r.HandleFunc("/coordinator/report_finished", s.handleReportFinished).Methods("POST")
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK")
	})
	return r
}

// Start begins serving on the configured port.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.port, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{Handler: s.Router()}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("coordinator server stopped", "error", err)
		}
	}()

	s.log.Info("coordinator listening", "addr", ln.Addr().String())
	return nil
}

// Port returns the bound port (useful when configured with port 0).
func (s *Server) Port() int {
	if s.listener == nil {
		return s.port
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Stop shuts the server down, allowing in-flight responses to finish.
// Exceeding the grace period is a fatal teardown error.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}

	time.Sleep(shutdownPreWait)

	ctx, cancel := context.WithTimeout(ctx, s.shutdownGrace)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTeardownTimeout, err)
	}
	s.httpSrv = nil
	return nil
}

// WaitExitCode blocks until the build completes and returns its final
// exit code. Exceeding the timeout is fatal.
func (s *Server) WaitExitCode(timeout time.Duration) (int, error) {
	s.log.Debug("going into blocking wait for the build exit code")
	select {
	case code := <-s.exitCh:
		return code, nil
	case <-time.After(timeout):
		return 0, ErrWaitTimeout
	}
}

// resolveExitCode completes the one-shot exit future. First caller
// wins; later calls are no-ops.
func (s *Server) resolveExitCode(code int) {
	s.exitOnce.Do(func() {
		s.exitCh <- code
	})
}

// buildOver reports whether polling minions should be sent away.
// Callers must hold the lock.
func (s *Server) buildOver() bool {
	return s.failed || s.alloc.IsBuildFinished()
}

// removeRunningMinion deregisters a minion and, once none remain
// (and at least one was ever registered), resolves the build's exit
// code.
// Callers must hold the lock.
func (s *Server) removeRunningMinion(minionID string) {
	delete(s.runningMinions, minionID)
	s.log.Debug("minion deregistered", "minion_id", minionID, "remaining", len(s.runningMinions))
	if mts := metrics.Default(); mts != nil {
		mts.MinionsRegistered.Set(float64(len(s.runningMinions)))
	}

	if len(s.runningMinions) == 0 && s.everRegistered {
		s.log.Info("all minions have finished", "exit_code", s.exitCode)
		s.resolveExitCode(s.exitCode)
	}
}

func (s *Server) handleRequestWork(w http.ResponseWriter, r *http.Request) {
	var req protocol.RequestWorkRequest
	if !httpapi.Decode(w, r, &req) {
		return
	}
	if !s.checkRequest(w, req.BuildID, req.MinionID) {
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.runningMinions[req.MinionID]; !ok {
		s.runningMinions[req.MinionID] = struct{}{}
		s.everRegistered = true
		if mts := metrics.Default(); mts != nil {
			mts.MinionsRegistered.Set(float64(len(s.runningMinions)))
		}
	}

	resp := protocol.RequestWorkResponse{}
	switch {
	case s.buildOver():
		s.log.Debug("telling minion to exit, build is over", "minion_id", req.MinionID)
		s.removeRunningMinion(req.MinionID)
		resp.Action = protocol.ActionClose

	default:
		units := s.alloc.TakeReadyUnits(req.MinionID, s.maxPerMinion)
		if len(units) == 0 {
			s.log.Debug("nothing ready, telling minion to retry later", "minion_id", req.MinionID)
			resp.Action = protocol.ActionRetryLater
		} else {
			s.log.Debug("handing units to minion", "minion_id", req.MinionID, "units", units)
			resp.Action = protocol.ActionBuild
			resp.Units = units
			if mts := metrics.Default(); mts != nil {
				mts.UnitsDispatched.Add(float64(len(units)))
			}
		}
	}

	if mts := metrics.Default(); mts != nil {
		mts.WorkPolls.WithLabelValues(string(resp.Action)).Inc()
	}
	httpapi.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReportFinished(w http.ResponseWriter, r *http.Request) {
	var req protocol.ReportFinishedRequest
	if !httpapi.Decode(w, r, &req) {
		return
	}
	if !s.checkRequest(w, req.BuildID, req.MinionID) {
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	resp := protocol.ReportFinishedResponse{}
	if req.ExitCode != 0 {
		// First non-zero exit wins and is latched as the build's
		// final code.
		if !s.failed {
			s.failed = true
			s.exitCode = req.ExitCode
			if mts := metrics.Default(); mts != nil {
				mts.BuildsFailed.Inc()
			}
		}
		s.log.Info("minion reported failure",
			"minion_id", req.MinionID, "exit_code", req.ExitCode)
		s.removeRunningMinion(req.MinionID)
		resp.ContinueBuilding = false
		httpapi.WriteJSON(w, http.StatusOK, resp)
		return
	}

	before := s.alloc.FinishedCount()
	if err := s.alloc.FinishedBuilding(req.MinionID); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, fmt.Sprintf("commit finished units: %v", err), false)
		return
	}
	if mts := metrics.Default(); mts != nil {
		mts.UnitsFinished.Add(float64(s.alloc.FinishedCount() - before))
	}

	if s.alloc.IsBuildFinished() {
		s.log.Info("minion reported the final units", "minion_id", req.MinionID)
		s.removeRunningMinion(req.MinionID)
		resp.ContinueBuilding = false
	} else {
		resp.ContinueBuilding = true
	}

	httpapi.WriteJSON(w, http.StatusOK, resp)
}

// checkRequest rejects mismatched build ids and empty minion ids.
// Both are protocol errors: non-retryable.
func (s *Server) checkRequest(w http.ResponseWriter, buildID protocol.BuildID, minionID string) bool {
	if buildID != s.buildID {
		if mts := metrics.Default(); mts != nil {
			mts.ProtocolErrors.Inc()
		}
		httpapi.WriteError(w, http.StatusBadRequest,
			fmt.Sprintf("%v: got [%s], want [%s]", ErrBuildIDMismatch, buildID, s.buildID), false)
		return false
	}
	if minionID == "" {
		if mts := metrics.Default(); mts != nil {
			mts.ProtocolErrors.Inc()
		}
		httpapi.WriteError(w, http.StatusBadRequest, "minion_id must be set", false)
		return false
	}
	return true
}
