package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hivebuild/hivebuild/internal/logging"
	"github.com/hivebuild/hivebuild/internal/protocol"
)

// CoordinatorClient is the minion-side client for the coordinator's
// work-allocation RPCs. One client serves one minion in one build.
type CoordinatorClient struct {
	baseURL  string
	buildID  protocol.BuildID
	minionID string
	client   *http.Client
	log      *slog.Logger
}

// NewCoordinatorClient creates a client for the coordinator at
// coordinatorURL, scoped to one build and minion.
func NewCoordinatorClient(coordinatorURL string, buildID protocol.BuildID, minionID string, timeout time.Duration) *CoordinatorClient {
	return &CoordinatorClient{
		baseURL:  strings.TrimRight(coordinatorURL, "/"),
		buildID:  buildID,
		minionID: minionID,
		client:   &http.Client{Timeout: timeout},
		log:      logging.MinionLogger(string(buildID), minionID),
	}
}

// RequestWork polls for the next batch of units.
func (c *CoordinatorClient) RequestWork(ctx context.Context) (*protocol.RequestWorkResponse, error) {
	req := protocol.RequestWorkRequest{BuildID: c.buildID, MinionID: c.minionID}
	var resp protocol.RequestWorkResponse
	if err := c.post(ctx, "/coordinator/request_work", req, &resp); err != nil {
		return nil, fmt.Errorf("request work: %w", err)
	}
	c.log.Debug("work poll answered", "action", string(resp.Action), "units", len(resp.Units))
	return &resp, nil
}

// ReportFinished reports the outcome of the minion's outstanding
// batch and returns whether the minion should keep polling.
func (c *CoordinatorClient) ReportFinished(ctx context.Context, exitCode int) (bool, error) {
	req := protocol.ReportFinishedRequest{
		BuildID:  c.buildID,
		MinionID: c.minionID,
		ExitCode: exitCode,
	}
	var resp protocol.ReportFinishedResponse
	if err := c.post(ctx, "/coordinator/report_finished", req, &resp); err != nil {
		return false, fmt.Errorf("report finished: %w", err)
	}
	return resp.ContinueBuilding, nil
}

func (c *CoordinatorClient) post(ctx context.Context, path string, req, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response from %s: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &protocol.APIError{Status: resp.StatusCode, Msg: string(respBody)}
		_ = json.Unmarshal(respBody, apiErr)
		return apiErr
	}
	return json.Unmarshal(respBody, out)
}
