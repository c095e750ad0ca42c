// Package client implements the client-side build service: the typed
// HTTP client the invoking machine uses to drive a distributed build
// through the frontend, plus the coordinator client minions poll for
// work.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hivebuild/hivebuild/internal/buildgraph"
	"github.com/hivebuild/hivebuild/internal/config"
	"github.com/hivebuild/hivebuild/internal/logging"
	"github.com/hivebuild/hivebuild/internal/protocol"
)

// ErrBuildFailed is returned by AwaitTermination when the build ends
// in a failed status.
var ErrBuildFailed = errors.New("distributed build failed")

// BuildService is the typed client for the frontend's RPC surface.
type BuildService struct {
	baseURL string
	log     *slog.Logger

	// fastClient serves quick control-plane calls; slowClient covers
	// uploads and fetches that move file content.
	fastClient *http.Client
	slowClient *http.Client

	uploadWorkers   int
	retryMaxElapsed time.Duration
	pollInterval    time.Duration
}

// NewBuildService creates a client for the frontend at cfg.FrontendURL.
func NewBuildService(cfg config.ClientConfig) *BuildService {
	return &BuildService{
		baseURL:         strings.TrimRight(cfg.FrontendURL, "/"),
		log:             logging.Component("build-service"),
		fastClient:      &http.Client{Timeout: cfg.RequestTimeout},
		slowClient:      &http.Client{Timeout: 5 * cfg.RequestTimeout},
		uploadWorkers:   cfg.UploadWorkers,
		retryMaxElapsed: cfg.RetryMaxElapsed,
		pollInterval:    cfg.StatusPollInterval,
	}
}

// CreateBuild registers a new build. Requests that can never succeed
// fail here without touching the network.
func (s *BuildService) CreateBuild(ctx context.Context, req protocol.CreateBuildRequest) (*protocol.BuildJob, error) {
	if !protocol.SupportedBuildMode(req.Mode) {
		return nil, fmt.Errorf("unsupported build mode %q", req.Mode)
	}
	if req.NumberOfMinions < 1 {
		return nil, fmt.Errorf("number_of_minions must be >= 1, got %d", req.NumberOfMinions)
	}
	if req.CreateMillis == 0 {
		req.CreateMillis = time.Now().UnixMilli()
	}

	var resp protocol.CreateBuildResponse
	if err := s.post(ctx, s.fastClient, "/builds", req, &resp); err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}
	return &resp.Build, nil
}

// StartBuild transitions the build to running.
func (s *BuildService) StartBuild(ctx context.Context, buildID protocol.BuildID) (*protocol.BuildJob, error) {
	var resp protocol.BuildJobResponse
	if err := s.post(ctx, s.fastClient, "/builds/"+string(buildID)+"/start", struct{}{}, &resp); err != nil {
		return nil, fmt.Errorf("start build %s: %w", buildID, err)
	}
	return &resp.Build, nil
}

// FinishBuild records the build's final exit code with the frontend.
func (s *BuildService) FinishBuild(ctx context.Context, buildID protocol.BuildID, exitCode int) (*protocol.BuildJob, error) {
	var resp protocol.BuildJobResponse
	req := protocol.ReportFinishedRequest{BuildID: buildID, ExitCode: exitCode}
	if err := s.post(ctx, s.fastClient, "/builds/"+string(buildID)+"/finish", req, &resp); err != nil {
		return nil, fmt.Errorf("finish build %s: %w", buildID, err)
	}
	return &resp.Build, nil
}

// GetBuildStatus fetches the build's current record.
func (s *BuildService) GetBuildStatus(ctx context.Context, buildID protocol.BuildID) (*protocol.BuildJob, error) {
	var resp protocol.BuildJobResponse
	if err := s.get(ctx, "/builds/"+string(buildID), &resp); err != nil {
		return nil, fmt.Errorf("fetch status of build %s: %w", buildID, err)
	}
	return &resp.Build, nil
}

// AwaitTermination polls until the build reaches a terminal status and
// returns its exit code. A failed build returns ErrBuildFailed along
// with the code.
func (s *BuildService) AwaitTermination(ctx context.Context, buildID protocol.BuildID) (int, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		job, err := s.GetBuildStatus(ctx, buildID)
		if err != nil {
			return 0, err
		}
		if job.Status.Terminal() {
			if job.Status == protocol.StatusFailed {
				return job.ExitCode, fmt.Errorf("build %s exited with code %d: %w",
					buildID, job.ExitCode, ErrBuildFailed)
			}
			return job.ExitCode, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// UploadGraph serializes the job state and stores it with the
// frontend for minions to fetch.
func (s *BuildService) UploadGraph(ctx context.Context, buildID protocol.BuildID, state *buildgraph.JobState) error {
	payload, err := buildgraph.Encode(state)
	if err != nil {
		return fmt.Errorf("serialize job state: %w", err)
	}

	req := protocol.FetchBuildGraphResponse{Graph: payload}
	if err := s.post(ctx, s.slowClient, "/builds/"+string(buildID)+"/graph", req, nil); err != nil {
		return fmt.Errorf("upload graph for build %s: %w", buildID, err)
	}
	s.log.Debug("uploaded job state", "build_id", string(buildID), "bytes", len(payload))
	return nil
}

// FetchBuildGraph downloads and deserializes the job state a minion
// needs to start building.
func (s *BuildService) FetchBuildGraph(ctx context.Context, buildID protocol.BuildID) (*buildgraph.JobState, error) {
	var resp protocol.FetchBuildGraphResponse
	if err := s.get(ctx, "/builds/"+string(buildID)+"/graph", &resp); err != nil {
		return nil, fmt.Errorf("fetch graph for build %s: %w", buildID, err)
	}

	state, err := buildgraph.Decode(resp.Graph)
	if err != nil {
		return nil, fmt.Errorf("deserialize job state for build %s: %w", buildID, err)
	}
	return state, nil
}

// FetchSourceFiles fetches blobs by content hash.
func (s *BuildService) FetchSourceFiles(ctx context.Context, hashes []string) ([]protocol.FileInfo, error) {
	var resp protocol.FetchSourceFilesResponse
	req := protocol.FetchSourceFilesRequest{Hashes: hashes}
	if err := s.post(ctx, s.slowClient, "/cas/fetch", req, &resp); err != nil {
		return nil, fmt.Errorf("fetch source files: %w", err)
	}
	return resp.Files, nil
}

// ContentProvider adapts the service to the materializer's fetch
// interface: one blob per call.
type ContentProvider struct {
	service *BuildService
}

// NewContentProvider wraps the service for use by a materializer.
func NewContentProvider(service *BuildService) *ContentProvider {
	return &ContentProvider{service: service}
}

// Fetch returns the content for one hash.
func (p *ContentProvider) Fetch(ctx context.Context, hash string) ([]byte, error) {
	files, err := p.service.FetchSourceFiles(ctx, []string{hash})
	if err != nil {
		return nil, err
	}
	if len(files) != 1 {
		return nil, fmt.Errorf("expected 1 file for hash %s, got %d", hash, len(files))
	}
	return files[0].Content, nil
}

// AppendEvents appends minion events to a run's stream.
func (s *BuildService) AppendEvents(ctx context.Context, buildID protocol.BuildID, runID protocol.RunID, evts []protocol.MinionEvent) error {
	req := protocol.AppendEventsRequest{BuildID: buildID, RunID: runID, Events: evts}
	if err := s.post(ctx, s.fastClient, "/events/append", req, nil); err != nil {
		return fmt.Errorf("append events for run %s: %w", runID, err)
	}
	return nil
}

// MultiGetEvents fetches event ranges for many runs in one call.
// Per-run failures are logged and dropped so one bad stream does not
// sink the rest.
func (s *BuildService) MultiGetEvents(ctx context.Context, buildID protocol.BuildID, queries []protocol.EventsQuery) ([]protocol.EventsRange, error) {
	var resp protocol.MultiGetEventsResponse
	req := protocol.MultiGetEventsRequest{BuildID: buildID, Queries: queries}
	if err := s.post(ctx, s.fastClient, "/events/multi_get", req, &resp); err != nil {
		return nil, fmt.Errorf("fetch minion events: %w", err)
	}

	ranges := make([]protocol.EventsRange, 0, len(resp.Ranges))
	for _, rng := range resp.Ranges {
		if !rng.Success {
			s.log.Warn("dropping failed event range", "run_id", string(rng.RunID), "error", rng.ErrorMessage)
			continue
		}
		ranges = append(ranges, rng)
	}
	return ranges, nil
}

// FetchLogLines fetches console lines for many runs. Failed batches
// are logged and dropped.
func (s *BuildService) FetchLogLines(ctx context.Context, buildID protocol.BuildID, batches []protocol.LogLineRequest) ([]protocol.LogLineBatch, error) {
	var resp protocol.MultiGetLogLinesResponse
	req := protocol.MultiGetLogLinesRequest{BuildID: buildID, Batches: batches}
	if err := s.post(ctx, s.fastClient, "/events/log_lines", req, &resp); err != nil {
		return nil, fmt.Errorf("fetch log lines: %w", err)
	}

	out := make([]protocol.LogLineBatch, 0, len(resp.Batches))
	for _, batch := range resp.Batches {
		if !batch.Success {
			s.log.Warn("dropping failed log batch", "run_id", string(batch.RunID), "error", batch.ErrorMessage)
			continue
		}
		out = append(out, batch)
	}
	return out, nil
}

// FetchMinionStatuses fetches the latest status snapshot for each run.
// Runs that have not reported yet, or whose fetch fails, are skipped.
func (s *BuildService) FetchMinionStatuses(ctx context.Context, buildID protocol.BuildID, runIDs []protocol.RunID) (map[protocol.RunID]*protocol.MinionStatus, error) {
	statuses := make(map[protocol.RunID]*protocol.MinionStatus, len(runIDs))
	for _, runID := range runIDs {
		var resp protocol.FetchMinionStatusResponse
		req := protocol.FetchMinionStatusRequest{BuildID: buildID, RunID: runID}
		if err := s.post(ctx, s.fastClient, "/events/status", req, &resp); err != nil {
			s.log.Warn("skipping minion status fetch", "run_id", string(runID), "error", err)
			continue
		}
		if resp.Status != nil {
			statuses[runID] = resp.Status
		}
	}
	return statuses, nil
}

// post sends a JSON request, retrying transient failures with
// exponential backoff. Protocol errors fail immediately.
func (s *BuildService) post(ctx context.Context, client *http.Client, path string, req, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return s.doWithRetry(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		return s.execute(client, httpReq, out)
	})
}

// get sends a GET request with the same retry policy as post.
func (s *BuildService) get(ctx context.Context, path string, out any) error {
	return s.doWithRetry(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		return s.execute(s.fastClient, httpReq, out)
	})
}

func (s *BuildService) doWithRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = s.retryMaxElapsed
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}

// execute runs one HTTP exchange. Transport errors are retryable;
// API errors are retryable only when the server says so.
func (s *BuildService) execute(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response from %s: %w", req.URL.Path, err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &protocol.APIError{Status: resp.StatusCode, Msg: string(body)}
		if err := json.Unmarshal(body, apiErr); err != nil {
			// Not a structured error body; treat server-side statuses
			// as transient.
			apiErr.Retriable = resp.StatusCode >= http.StatusInternalServerError
		}
		if !apiErr.Retriable {
			return backoff.Permanent(apiErr)
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response from %s: %w", req.URL.Path, err))
		}
	}
	return nil
}
