// Package frontend implements the remote build service: the build
// registry, the serialized graph store, the content-addressed blob
// endpoints and the per-minion event streams that the client-side
// service and the minions talk to.
package frontend

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hivebuild/hivebuild/internal/logging"
	"github.com/hivebuild/hivebuild/internal/protocol"
)

var (
	// ErrUnknownBuild is returned for operations on a build id the
	// registry has never seen.
	ErrUnknownBuild = errors.New("unknown build id")

	// ErrBadTransition rejects lifecycle transitions out of order,
	// e.g. starting a build twice.
	ErrBadTransition = errors.New("invalid build status transition")

	// ErrNoGraph means no graph has been uploaded for the build yet.
	ErrNoGraph = errors.New("no build graph uploaded")
)

// Registry tracks build records and their serialized graphs. Records
// are persisted as JSON files under the data directory so a restarted
// frontend can answer status queries for past builds.
type Registry struct {
	dataDir string
	log     *slog.Logger

	mu     sync.Mutex
	builds map[protocol.BuildID]*protocol.BuildJob
}

// NewRegistry opens (or creates) a registry rooted at dataDir and
// loads any previously persisted build records.
func NewRegistry(dataDir string) (*Registry, error) {
	for _, sub := range []string{"builds", "graphs"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", sub, err)
		}
	}

	r := &Registry{
		dataDir: dataDir,
		log:     logging.Component("registry"),
		builds:  make(map[protocol.BuildID]*protocol.BuildJob),
	}
	if err := r.loadExisting(); err != nil {
		return nil, err
	}
	return r, nil
}

// loadExisting reads persisted build records back into memory.
func (r *Registry) loadExisting() error {
	entries, err := os.ReadDir(filepath.Join(r.dataDir, "builds"))
	if err != nil {
		return fmt.Errorf("scan build records: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dataDir, "builds", entry.Name()))
		if err != nil {
			return fmt.Errorf("read build record %s: %w", entry.Name(), err)
		}
		var job protocol.BuildJob
		if err := json.Unmarshal(data, &job); err != nil {
			r.log.Warn("skipping unreadable build record", "file", entry.Name(), "error", err)
			continue
		}
		r.builds[job.ID] = &job
	}

	if len(r.builds) > 0 {
		r.log.Info("loaded persisted build records", "count", len(r.builds))
	}
	return nil
}

// Create registers a new build in status "created".
func (r *Registry) Create(req protocol.CreateBuildRequest) (*protocol.BuildJob, error) {
	if !protocol.SupportedBuildMode(req.Mode) {
		return nil, fmt.Errorf("unsupported build mode %q", req.Mode)
	}
	if req.NumberOfMinions < 1 {
		return nil, fmt.Errorf("number_of_minions must be >= 1, got %d", req.NumberOfMinions)
	}

	createdAt := time.Now().UTC()
	if req.CreateMillis > 0 {
		createdAt = time.UnixMilli(req.CreateMillis).UTC()
	}

	job := &protocol.BuildJob{
		ID:              protocol.NewBuildID(),
		Status:          protocol.StatusCreated,
		Mode:            req.Mode,
		NumberOfMinions: req.NumberOfMinions,
		Repository:      req.Repository,
		TenantID:        req.TenantID,
		CreatedAt:       createdAt,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.builds[job.ID] = job
	if err := r.persistLocked(job); err != nil {
		delete(r.builds, job.ID)
		return nil, err
	}

	r.log.Info("build created", "build_id", string(job.ID), "mode", string(job.Mode),
		"minions", job.NumberOfMinions)
	return snapshotJob(job), nil
}

// Start transitions a build from created to running.
func (r *Registry) Start(id protocol.BuildID) (*protocol.BuildJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.builds[id]
	if !ok {
		return nil, fmt.Errorf("build %s: %w", id, ErrUnknownBuild)
	}
	if job.Status != protocol.StatusCreated {
		return nil, fmt.Errorf("build %s is %s: %w", id, job.Status, ErrBadTransition)
	}

	job.Status = protocol.StatusRunning
	job.StartedAt = time.Now().UTC()
	if err := r.persistLocked(job); err != nil {
		return nil, err
	}

	r.log.Info("build started", "build_id", string(id))
	return snapshotJob(job), nil
}

// Finish records the build's terminal status and exit code.
func (r *Registry) Finish(id protocol.BuildID, exitCode int) (*protocol.BuildJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.builds[id]
	if !ok {
		return nil, fmt.Errorf("build %s: %w", id, ErrUnknownBuild)
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("build %s is already %s: %w", id, job.Status, ErrBadTransition)
	}

	if exitCode == 0 {
		job.Status = protocol.StatusFinished
	} else {
		job.Status = protocol.StatusFailed
	}
	job.ExitCode = exitCode
	job.FinishedAt = time.Now().UTC()
	if err := r.persistLocked(job); err != nil {
		return nil, err
	}

	r.log.Info("build finished", "build_id", string(id),
		"status", string(job.Status), "exit_code", exitCode)
	return snapshotJob(job), nil
}

// Get returns the build's current record.
func (r *Registry) Get(id protocol.BuildID) (*protocol.BuildJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.builds[id]
	if !ok {
		return nil, fmt.Errorf("build %s: %w", id, ErrUnknownBuild)
	}
	return snapshotJob(job), nil
}

// StoreGraph persists the serialized graph payload for a build.
func (r *Registry) StoreGraph(id protocol.BuildID, payload []byte) error {
	if _, err := r.Get(id); err != nil {
		return err
	}
	return atomicWrite(r.graphPath(id), payload)
}

// FetchGraph returns the serialized graph payload for a build.
func (r *Registry) FetchGraph(id protocol.BuildID) ([]byte, error) {
	if _, err := r.Get(id); err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(r.graphPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("build %s: %w", id, ErrNoGraph)
		}
		return nil, fmt.Errorf("read graph for build %s: %w", id, err)
	}
	return payload, nil
}

func (r *Registry) graphPath(id protocol.BuildID) string {
	return filepath.Join(r.dataDir, "graphs", string(id)+".hbg")
}

// persistLocked writes the build record. Callers must hold the lock.
func (r *Registry) persistLocked(job *protocol.BuildJob) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal build record: %w", err)
	}
	path := filepath.Join(r.dataDir, "builds", string(job.ID)+".json")
	if err := atomicWrite(path, data); err != nil {
		return fmt.Errorf("persist build record: %w", err)
	}
	return nil
}

// atomicWrite writes via a temp file and rename so readers never see
// a partial record.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// snapshotJob copies a record so callers cannot mutate registry state.
func snapshotJob(job *protocol.BuildJob) *protocol.BuildJob {
	copied := *job
	return &copied
}
