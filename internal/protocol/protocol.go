// Package protocol defines the wire types shared by the coordinator,
// the frontend and the client-side build service. Everything is
// JSON-encoded over HTTP.
package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BuildID identifies one distributed build invocation. All RPCs and
// all server-side state are scoped to it.
type BuildID string

// RunID identifies one minion's lifetime within a build. Event and
// log streams are keyed by it.
type RunID string

// NewBuildID returns a fresh build identifier.
func NewBuildID() BuildID {
	return BuildID(uuid.New().String())
}

// NewRunID returns a fresh run identifier.
func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// BuildMode selects how the distributed build is coordinated.
type BuildMode string

const (
	// BuildModeRemote runs the whole build on remote minions.
	BuildModeRemote BuildMode = "remote"

	// BuildModeRemoteCoordinator runs the coordinator remotely as well.
	BuildModeRemoteCoordinator BuildMode = "remote_coordinator"
)

// SupportedBuildMode reports whether mode is a distributed mode this
// system knows how to run.
func SupportedBuildMode(mode BuildMode) bool {
	return mode == BuildModeRemote || mode == BuildModeRemoteCoordinator
}

// BuildStatus is the lifecycle state of a build.
type BuildStatus string

const (
	StatusCreated  BuildStatus = "created"
	StatusRunning  BuildStatus = "running"
	StatusFinished BuildStatus = "finished"
	StatusFailed   BuildStatus = "failed"
)

// Terminal reports whether the status is a final one.
func (s BuildStatus) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// BuildJob is the frontend's record of one build.
type BuildJob struct {
	ID              BuildID     `json:"id"`
	Status          BuildStatus `json:"status"`
	Mode            BuildMode   `json:"mode"`
	NumberOfMinions int         `json:"number_of_minions"`
	Repository      string      `json:"repository,omitempty"`
	TenantID        string      `json:"tenant_id,omitempty"`
	ExitCode        int         `json:"exit_code"`
	CreatedAt       time.Time   `json:"created_at"`
	StartedAt       time.Time   `json:"started_at,omitempty"`
	FinishedAt      time.Time   `json:"finished_at,omitempty"`
}

// WorkAction tells a polling minion what to do next.
type WorkAction string

const (
	// ActionBuild hands the minion a batch of units to build.
	ActionBuild WorkAction = "build"

	// ActionRetryLater means nothing is ready yet; poll again.
	ActionRetryLater WorkAction = "retry_later"

	// ActionClose means the build is over; the minion should exit.
	ActionClose WorkAction = "close"
)

// RequestWorkRequest is a minion's poll for new units.
type RequestWorkRequest struct {
	BuildID  BuildID `json:"build_id"`
	MinionID string  `json:"minion_id"`
}

// RequestWorkResponse carries the action and, for ActionBuild, the
// batch of unit names to build.
type RequestWorkResponse struct {
	Action WorkAction `json:"action"`
	Units  []string   `json:"units,omitempty"`
}

// ReportFinishedRequest is a minion's completion report for its
// outstanding batch.
type ReportFinishedRequest struct {
	BuildID  BuildID `json:"build_id"`
	MinionID string  `json:"minion_id"`
	ExitCode int     `json:"exit_code"`
}

// ReportFinishedResponse tells the minion whether to keep polling.
type ReportFinishedResponse struct {
	ContinueBuilding bool `json:"continue_building"`
}

// CreateBuildRequest registers a new build with the frontend.
type CreateBuildRequest struct {
	Mode            BuildMode `json:"mode"`
	NumberOfMinions int       `json:"number_of_minions"`
	Repository      string    `json:"repository,omitempty"`
	TenantID        string    `json:"tenant_id,omitempty"`
	CreateMillis    int64     `json:"create_timestamp_millis"`
}

// CreateBuildResponse returns the freshly created build record.
type CreateBuildResponse struct {
	Build BuildJob `json:"build"`
}

// BuildJobResponse wraps a build record for start/status calls.
type BuildJobResponse struct {
	Build BuildJob `json:"build"`
}

// FetchBuildGraphResponse carries the serialized graph payload.
type FetchBuildGraphResponse struct {
	Graph []byte `json:"graph"`
}

// CasContainsRequest asks the CAS which content hashes it holds.
type CasContainsRequest struct {
	Hashes []string `json:"hashes"`
}

// CasContainsResponse answers positionally for each requested hash.
type CasContainsResponse struct {
	Exists []bool `json:"exists"`
}

// FileInfo is one content-addressed blob on the wire.
type FileInfo struct {
	ContentHash string `json:"content_hash"`
	Content     []byte `json:"content"`
}

// StoreLocalChangesRequest uploads blobs the CAS reported missing.
type StoreLocalChangesRequest struct {
	Files []FileInfo `json:"files"`
}

// FetchSourceFilesRequest fetches blobs by content hash.
type FetchSourceFilesRequest struct {
	Hashes []string `json:"hashes"`
}

// FetchSourceFilesResponse returns the requested blobs.
type FetchSourceFilesResponse struct {
	Files []FileInfo `json:"files"`
}

// MinionEventType discriminates event payloads.
type MinionEventType string

const (
	EventTypeConsole MinionEventType = "console"
	EventTypeStatus  MinionEventType = "status"
)

// MinionStatus is a minion's self-reported progress snapshot.
type MinionStatus struct {
	RunID         RunID `json:"run_id"`
	TotalUnits    int   `json:"total_units"`
	FinishedUnits int   `json:"finished_units"`
	FailedUnits   int   `json:"failed_units"`
}

// MinionEvent is one entry in a minion's event stream.
type MinionEvent struct {
	Type        MinionEventType `json:"type"`
	BuildID     BuildID         `json:"build_id"`
	RunID       RunID           `json:"run_id"`
	Timestamp   time.Time       `json:"timestamp"`
	ConsoleLine string          `json:"console_line,omitempty"`
	Status      *MinionStatus   `json:"status,omitempty"`
}

// SequencedMinionEvent pairs an event with its position in the
// per-run stream.
type SequencedMinionEvent struct {
	Seq   int         `json:"seq"`
	Event MinionEvent `json:"event"`
}

// AppendEventsRequest appends events to a run's stream.
type AppendEventsRequest struct {
	BuildID BuildID       `json:"build_id"`
	RunID   RunID         `json:"run_id"`
	Events  []MinionEvent `json:"events"`
}

// EventsQuery selects a run's events starting at FirstSeq.
type EventsQuery struct {
	RunID    RunID `json:"run_id"`
	FirstSeq int   `json:"first_seq"`
}

// MultiGetEventsRequest batches event range queries for many runs.
type MultiGetEventsRequest struct {
	BuildID BuildID       `json:"build_id"`
	Queries []EventsQuery `json:"queries"`
}

// EventsRange is the per-run slice of a MultiGetEvents response. A
// failed range carries an error message instead of events; other
// ranges in the same response are unaffected.
type EventsRange struct {
	RunID        RunID                  `json:"run_id"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Events       []SequencedMinionEvent `json:"events,omitempty"`
}

// MultiGetEventsResponse carries one range per query.
type MultiGetEventsResponse struct {
	Ranges []EventsRange `json:"ranges"`
}

// LogLineRequest selects a run's console lines from FirstLine on.
type LogLineRequest struct {
	RunID     RunID `json:"run_id"`
	FirstLine int   `json:"first_line"`
}

// MultiGetLogLinesRequest batches log queries for many runs.
type MultiGetLogLinesRequest struct {
	BuildID BuildID          `json:"build_id"`
	Batches []LogLineRequest `json:"batches"`
}

// LogLineBatch is the per-run slice of a log lines response.
type LogLineBatch struct {
	RunID        RunID    `json:"run_id"`
	Success      bool     `json:"success"`
	ErrorMessage string   `json:"error_message,omitempty"`
	Lines        []string `json:"lines,omitempty"`
}

// MultiGetLogLinesResponse carries one batch per request.
type MultiGetLogLinesResponse struct {
	Batches []LogLineBatch `json:"batches"`
}

// FetchMinionStatusRequest fetches the latest status for one run.
type FetchMinionStatusRequest struct {
	BuildID BuildID `json:"build_id"`
	RunID   RunID   `json:"run_id"`
}

// FetchMinionStatusResponse may carry no status if the run has not
// reported one yet.
type FetchMinionStatusResponse struct {
	Status *MinionStatus `json:"status,omitempty"`
}

// APIError is the JSON error body returned by the coordinator and
// frontend. Retriable distinguishes transient I/O failures from
// protocol errors.
type APIError struct {
	Status    int    `json:"status"`
	Msg       string `json:"msg"`
	Retriable bool   `json:"retriable"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d, retriable=%v): %s", e.Status, e.Retriable, e.Msg)
}
