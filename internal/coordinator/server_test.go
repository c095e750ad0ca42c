package coordinator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hivebuild/hivebuild/internal/allocator"
	"github.com/hivebuild/hivebuild/internal/buildgraph"
	"github.com/hivebuild/hivebuild/internal/config"
	"github.com/hivebuild/hivebuild/internal/protocol"
)

const testBuildID = protocol.BuildID("build-under-test")

func newTestServer(t *testing.T, units []buildgraph.BuildUnit, maxPerMinion int) (*Server, *httptest.Server) {
	t.Helper()

	alloc, err := allocator.New(&buildgraph.GraphSnapshot{Units: units})
	if err != nil {
		t.Fatalf("build allocator: %v", err)
	}

	cfg := config.CoordinatorConfig{
		MaxUnitsPerMinion: maxPerMinion,
		BuildTimeout:      time.Minute,
		ShutdownGrace:     time.Second,
	}
	srv := NewServer(cfg, testBuildID, alloc)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func post(t *testing.T, ts *httptest.Server, path string, req, resp any) *http.Response {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpResp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusOK && resp != nil {
		if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
			t.Fatalf("decode response from %s: %v", path, err)
		}
	}
	return httpResp
}

func requestWork(t *testing.T, ts *httptest.Server, minionID string) protocol.RequestWorkResponse {
	t.Helper()
	var resp protocol.RequestWorkResponse
	post(t, ts, "/coordinator/request_work", protocol.RequestWorkRequest{
		BuildID:  testBuildID,
		MinionID: minionID,
	}, &resp)
	return resp
}

func reportFinished(t *testing.T, ts *httptest.Server, minionID string, exitCode int) protocol.ReportFinishedResponse {
	t.Helper()
	var resp protocol.ReportFinishedResponse
	post(t, ts, "/coordinator/report_finished", protocol.ReportFinishedRequest{
		BuildID:  testBuildID,
		MinionID: minionID,
		ExitCode: exitCode,
	}, &resp)
	return resp
}

// Drives one minion through a diamond-free graph {A, B->A, C->A} with
// a batch cap of 2 and checks dependency order end to end.
func TestSingleMinionBuildLifecycle(t *testing.T) {
	units := []buildgraph.BuildUnit{
		{Name: "A"},
		{Name: "B", Deps: []string{"A"}},
		{Name: "C", Deps: []string{"A"}},
	}
	srv, ts := newTestServer(t, units, 2)

	// Only A is ready at first: B and C must not be dispatched early.
	resp := requestWork(t, ts, "minion-1")
	if resp.Action != protocol.ActionBuild {
		t.Fatalf("expected build action, got %s", resp.Action)
	}
	if len(resp.Units) != 1 || resp.Units[0] != "A" {
		t.Fatalf("expected [A], got %v", resp.Units)
	}

	// Nothing else is ready while A is still outstanding.
	resp = requestWork(t, ts, "minion-1")
	if resp.Action != protocol.ActionRetryLater {
		t.Fatalf("expected retry_later while A is in flight, got %s", resp.Action)
	}

	fin := reportFinished(t, ts, "minion-1", 0)
	if !fin.ContinueBuilding {
		t.Fatal("expected continue_building after finishing A")
	}

	// A's completion releases B and C together, capped at the batch
	// size of 2.
	resp = requestWork(t, ts, "minion-1")
	if resp.Action != protocol.ActionBuild {
		t.Fatalf("expected build action, got %s", resp.Action)
	}
	if len(resp.Units) != 2 || resp.Units[0] != "B" || resp.Units[1] != "C" {
		t.Fatalf("expected [B C], got %v", resp.Units)
	}

	fin = reportFinished(t, ts, "minion-1", 0)
	if fin.ContinueBuilding {
		t.Fatal("expected continue_building=false after the final units")
	}

	// The minion was deregistered on its final report, so the exit
	// code future is already resolved.
	code, err := srv.WaitExitCode(time.Second)
	if err != nil {
		t.Fatalf("WaitExitCode failed: %v", err)
	}
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
}

func TestFailureLatchesExitCodeAndFinishesBuild(t *testing.T) {
	units := []buildgraph.BuildUnit{
		{Name: "A"},
		{Name: "B", Deps: []string{"A"}},
	}
	srv, ts := newTestServer(t, units, 10)

	resp := requestWork(t, ts, "minion-1")
	if resp.Action != protocol.ActionBuild {
		t.Fatalf("expected build action, got %s", resp.Action)
	}

	fin := reportFinished(t, ts, "minion-1", 1)
	if fin.ContinueBuilding {
		t.Fatal("a failed minion must not continue building")
	}

	// The build is over even though B was never dispatched.
	code, err := srv.WaitExitCode(time.Second)
	if err != nil {
		t.Fatalf("WaitExitCode failed: %v", err)
	}
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}

func TestFirstFailureWins(t *testing.T) {
	units := []buildgraph.BuildUnit{{Name: "A"}, {Name: "B"}}
	srv, ts := newTestServer(t, units, 1)

	requestWork(t, ts, "minion-1")
	requestWork(t, ts, "minion-2")

	reportFinished(t, ts, "minion-1", 42)
	reportFinished(t, ts, "minion-2", 7)

	code, err := srv.WaitExitCode(time.Second)
	if err != nil {
		t.Fatalf("WaitExitCode failed: %v", err)
	}
	if code != 42 {
		t.Fatalf("first reported failure must win, got %d", code)
	}
}

func TestLateMinionIsClosedAfterFailure(t *testing.T) {
	units := []buildgraph.BuildUnit{{Name: "A"}, {Name: "B"}}
	_, ts := newTestServer(t, units, 1)

	requestWork(t, ts, "minion-1")
	reportFinished(t, ts, "minion-1", 1)

	resp := requestWork(t, ts, "minion-2")
	if resp.Action != protocol.ActionClose {
		t.Fatalf("expected close for a minion polling a failed build, got %s", resp.Action)
	}
}

func TestBuildIDMismatchRejected(t *testing.T) {
	_, ts := newTestServer(t, []buildgraph.BuildUnit{{Name: "A"}}, 1)

	httpResp := post(t, ts, "/coordinator/request_work", protocol.RequestWorkRequest{
		BuildID:  "some-other-build",
		MinionID: "minion-1",
	}, nil)
	if httpResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for mismatched build id, got %d", httpResp.StatusCode)
	}
}

func TestMissingMinionIDRejected(t *testing.T) {
	_, ts := newTestServer(t, []buildgraph.BuildUnit{{Name: "A"}}, 1)

	httpResp := post(t, ts, "/coordinator/request_work", protocol.RequestWorkRequest{
		BuildID: testBuildID,
	}, nil)
	if httpResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty minion id, got %d", httpResp.StatusCode)
	}
}

func TestWaitExitCodeTimesOut(t *testing.T) {
	srv, _ := newTestServer(t, []buildgraph.BuildUnit{{Name: "A"}}, 1)

	if _, err := srv.WaitExitCode(20 * time.Millisecond); err != ErrWaitTimeout {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
}
