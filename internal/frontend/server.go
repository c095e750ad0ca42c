package frontend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"github.com/hivebuild/hivebuild/internal/cas"
	"github.com/hivebuild/hivebuild/internal/config"
	"github.com/hivebuild/hivebuild/internal/events"
	"github.com/hivebuild/hivebuild/internal/httpapi"
	"github.com/hivebuild/hivebuild/internal/logging"
	"github.com/hivebuild/hivebuild/internal/metrics"
	"github.com/hivebuild/hivebuild/internal/protocol"
)

// Server is the frontend HTTP service.
type Server struct {
	port     int
	registry *Registry
	store    cas.Store
	log      *slog.Logger

	mu         sync.Mutex
	eventStore map[protocol.BuildID]*events.Store

	httpSrv  *http.Server
	listener net.Listener
}

// NewServer wires the frontend over a registry and a blob store.
func NewServer(cfg config.FrontendConfig, registry *Registry, store cas.Store) *Server {
	return &Server{
		port:       cfg.Port,
		registry:   registry,
		store:      store,
		log:        logging.Component("frontend"),
		eventStore: make(map[protocol.BuildID]*events.Store),
	}
}

// Router exposes the frontend's RPC surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(httpapi.RequestLogger(s.log))

	r.HandleFunc("/builds", s.handleCreateBuild).Methods("POST")
	r.HandleFunc("/builds/{buildId}", s.handleBuildStatus).Methods("GET")
	r.HandleFunc("/builds/{buildId}/start", s.handleStartBuild).Methods("POST")
	r.HandleFunc("/builds/{buildId}/finish", s.handleFinishBuild).Methods("POST")
	r.HandleFunc("/builds/{buildId}/graph", s.handleStoreGraph).Methods("POST")
	r.HandleFunc("/builds/{buildId}/graph", s.handleFetchGraph).Methods("GET")

	r.HandleFunc("/cas/contains", s.handleCasContains).Methods("POST")
	r.HandleFunc("/cas/store", s.handleCasStore).Methods("POST")
	r.HandleFunc("/cas/fetch", s.handleCasFetch).Methods("POST")

	r.HandleFunc("/events/append", s.handleAppendEvents).Methods("POST")
	r.HandleFunc("/events/multi_get", s.handleMultiGetEvents).Methods("POST")
	r.HandleFunc("/events/log_lines", s.handleMultiGetLogLines).Methods("POST")
	r.HandleFunc("/events/status", s.handleMinionStatus).Methods("POST")

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
			s.log.Error("frontend server stopped", "error", err)
		}
	}()

	s.log.Info("frontend listening", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the server down, allowing in-flight requests to finish.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shut down frontend server: %w", err)
	}
	s.httpSrv = nil
	return nil
}

// eventsFor returns the per-build event store, creating it on first
// use.
func (s *Server) eventsFor(buildID protocol.BuildID) *events.Store {
	s.mu.Lock()
	defer s.mu.Unlock()

	store := s.eventStore[buildID]
	if store == nil {
		store = events.NewStore()
		s.eventStore[buildID] = store
	}
	return store
}

func (s *Server) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateBuildRequest
	if !httpapi.Decode(w, r, &req) {
		return
	}

	job, err := s.registry.Create(req)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err.Error(), false)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, protocol.CreateBuildResponse{Build: *job})
}

func (s *Server) handleStartBuild(w http.ResponseWriter, r *http.Request) {
	job, err := s.registry.Start(pathBuildID(r))
	if err != nil {
		httpapi.WriteError(w, registryErrStatus(err), err.Error(), false)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, protocol.BuildJobResponse{Build: *job})
}

func (s *Server) handleFinishBuild(w http.ResponseWriter, r *http.Request) {
	var req protocol.ReportFinishedRequest
	if !httpapi.Decode(w, r, &req) {
		return
	}

	job, err := s.registry.Finish(pathBuildID(r), req.ExitCode)
	if err != nil {
		httpapi.WriteError(w, registryErrStatus(err), err.Error(), false)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, protocol.BuildJobResponse{Build: *job})
}

func (s *Server) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.registry.Get(pathBuildID(r))
	if err != nil {
		httpapi.WriteError(w, registryErrStatus(err), err.Error(), false)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, protocol.BuildJobResponse{Build: *job})
}

func (s *Server) handleStoreGraph(w http.ResponseWriter, r *http.Request) {
	var req protocol.FetchBuildGraphResponse
	if !httpapi.Decode(w, r, &req) {
		return
	}

	if err := s.registry.StoreGraph(pathBuildID(r), req.Graph); err != nil {
		httpapi.WriteError(w, registryErrStatus(err), err.Error(), retriableErr(err))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleFetchGraph(w http.ResponseWriter, r *http.Request) {
	payload, err := s.registry.FetchGraph(pathBuildID(r))
	if err != nil {
		httpapi.WriteError(w, registryErrStatus(err), err.Error(), retriableErr(err))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, protocol.FetchBuildGraphResponse{Graph: payload})
}

func (s *Server) handleCasContains(w http.ResponseWriter, r *http.Request) {
	var req protocol.CasContainsRequest
	if !httpapi.Decode(w, r, &req) {
		return
	}

	exists, err := s.store.Contains(r.Context(), req.Hashes)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError,
			fmt.Sprintf("check blob presence: %v", err), true)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, protocol.CasContainsResponse{Exists: exists})
}

func (s *Server) handleCasStore(w http.ResponseWriter, r *http.Request) {
	var req protocol.StoreLocalChangesRequest
	if !httpapi.Decode(w, r, &req) {
		return
	}

	for _, file := range req.Files {
		if computed := cas.HashBytes(file.Content); computed != file.ContentHash {
			if mts := metrics.Default(); mts != nil {
				mts.ProtocolErrors.Inc()
			}
			httpapi.WriteError(w, http.StatusBadRequest,
				fmt.Sprintf("blob hash mismatch: declared %s, computed %s", file.ContentHash, computed), false)
			return
		}
		if err := s.store.Put(r.Context(), file.ContentHash, file.Content); err != nil {
			httpapi.WriteError(w, http.StatusInternalServerError,
				fmt.Sprintf("store blob %s: %v", file.ContentHash, err), true)
			return
		}
	}

	s.log.Debug("stored uploaded blobs",
		"count", len(req.Files), "correlation_id", logging.CorrelationID(r.Context()))
	httpapi.WriteJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleCasFetch(w http.ResponseWriter, r *http.Request) {
	var req protocol.FetchSourceFilesRequest
	if !httpapi.Decode(w, r, &req) {
		return
	}

	files := make([]protocol.FileInfo, 0, len(req.Hashes))
	for _, hash := range req.Hashes {
		content, err := s.store.Fetch(r.Context(), hash)
		if err != nil {
			if errors.Is(err, cas.ErrNotFound) {
				httpapi.WriteError(w, http.StatusNotFound,
					fmt.Sprintf("blob %s not found", hash), false)
				return
			}
			httpapi.WriteError(w, http.StatusInternalServerError,
				fmt.Sprintf("fetch blob %s: %v", hash, err), true)
			return
		}
		files = append(files, protocol.FileInfo{ContentHash: hash, Content: content})
	}
	httpapi.WriteJSON(w, http.StatusOK, protocol.FetchSourceFilesResponse{Files: files})
}

func (s *Server) handleAppendEvents(w http.ResponseWriter, r *http.Request) {
	var req protocol.AppendEventsRequest
	if !httpapi.Decode(w, r, &req) {
		return
	}
	if _, err := s.registry.Get(req.BuildID); err != nil {
		httpapi.WriteError(w, registryErrStatus(err), err.Error(), false)
		return
	}

	s.eventsFor(req.BuildID).Append(req.RunID, req.Events)
	httpapi.WriteJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleMultiGetEvents(w http.ResponseWriter, r *http.Request) {
	var req protocol.MultiGetEventsRequest
	if !httpapi.Decode(w, r, &req) {
		return
	}

	store := s.eventsFor(req.BuildID)
	ranges := make([]protocol.EventsRange, 0, len(req.Queries))
	for _, q := range req.Queries {
		evts, err := store.Range(q.RunID, q.FirstSeq)
		if err != nil {
			// One bad run must not poison the other ranges.
			ranges = append(ranges, protocol.EventsRange{
				RunID:        q.RunID,
				Success:      false,
				ErrorMessage: err.Error(),
			})
			continue
		}
		ranges = append(ranges, protocol.EventsRange{
			RunID:   q.RunID,
			Success: true,
			Events:  evts,
		})
	}
	httpapi.WriteJSON(w, http.StatusOK, protocol.MultiGetEventsResponse{Ranges: ranges})
}

func (s *Server) handleMultiGetLogLines(w http.ResponseWriter, r *http.Request) {
	var req protocol.MultiGetLogLinesRequest
	if !httpapi.Decode(w, r, &req) {
		return
	}

	store := s.eventsFor(req.BuildID)
	batches := make([]protocol.LogLineBatch, 0, len(req.Batches))
	for _, b := range req.Batches {
		lines, err := store.LogLines(b.RunID, b.FirstLine)
		if err != nil {
			batches = append(batches, protocol.LogLineBatch{
				RunID:        b.RunID,
				Success:      false,
				ErrorMessage: err.Error(),
			})
			continue
		}
		batches = append(batches, protocol.LogLineBatch{
			RunID:   b.RunID,
			Success: true,
			Lines:   lines,
		})
	}
	httpapi.WriteJSON(w, http.StatusOK, protocol.MultiGetLogLinesResponse{Batches: batches})
}

func (s *Server) handleMinionStatus(w http.ResponseWriter, r *http.Request) {
	var req protocol.FetchMinionStatusRequest
	if !httpapi.Decode(w, r, &req) {
		return
	}

	status := s.eventsFor(req.BuildID).Status(req.RunID)
	httpapi.WriteJSON(w, http.StatusOK, protocol.FetchMinionStatusResponse{Status: status})
}

func pathBuildID(r *http.Request) protocol.BuildID {
	return protocol.BuildID(mux.Vars(r)["buildId"])
}

// registryErrStatus maps registry errors to HTTP statuses.
func registryErrStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownBuild), errors.Is(err, ErrNoGraph):
		return http.StatusNotFound
	case errors.Is(err, ErrBadTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// retriableErr reports whether the client may retry the failed call.
// Lookups that failed because state does not exist yet are not
// retryable at this layer; transient I/O is.
func retriableErr(err error) bool {
	return !errors.Is(err, ErrUnknownBuild) &&
		!errors.Is(err, ErrNoGraph) &&
		!errors.Is(err, ErrBadTransition)
}
