// Package events stores per-minion event streams: console lines and
// status snapshots, sequence-numbered per run so clients can poll
// with a cursor. Streams live for the duration of one build and are
// discarded with it.
package events

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hivebuild/hivebuild/internal/protocol"
)

// ErrUnknownRun is returned for range queries against a run that has
// never appended an event.
var ErrUnknownRun = errors.New("unknown run id")

// Store holds the event streams for one build.
type Store struct {
	mu      sync.Mutex
	streams map[protocol.RunID]*stream
}

type stream struct {
	events []protocol.SequencedMinionEvent
	status *protocol.MinionStatus
}

// NewStore creates an empty event store.
func NewStore() *Store {
	return &Store{
		streams: make(map[protocol.RunID]*stream),
	}
}

// Append adds events to a run's stream and returns the sequence
// number assigned to the first appended event.
func (s *Store) Append(runID protocol.RunID, evts []protocol.MinionEvent) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streams[runID]
	if st == nil {
		st = &stream{}
		s.streams[runID] = st
	}

	first := len(st.events)
	for _, evt := range evts {
		st.events = append(st.events, protocol.SequencedMinionEvent{
			Seq:   len(st.events),
			Event: evt,
		})
		if evt.Type == protocol.EventTypeStatus && evt.Status != nil {
			st.status = evt.Status
		}
	}
	return first
}

// Range returns a run's events starting at firstSeq.
func (s *Store) Range(runID protocol.RunID, firstSeq int) ([]protocol.SequencedMinionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streams[runID]
	if st == nil {
		return nil, fmt.Errorf("run %s: %w", runID, ErrUnknownRun)
	}
	if firstSeq < 0 {
		firstSeq = 0
	}
	if firstSeq >= len(st.events) {
		return nil, nil
	}

	out := make([]protocol.SequencedMinionEvent, len(st.events)-firstSeq)
	copy(out, st.events[firstSeq:])
	return out, nil
}

// LogLines returns a run's console lines starting at firstLine.
func (s *Store) LogLines(runID protocol.RunID, firstLine int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streams[runID]
	if st == nil {
		return nil, fmt.Errorf("run %s: %w", runID, ErrUnknownRun)
	}

	var lines []string
	for _, evt := range st.events {
		if evt.Event.Type == protocol.EventTypeConsole {
			lines = append(lines, evt.Event.ConsoleLine)
		}
	}
	if firstLine < 0 {
		firstLine = 0
	}
	if firstLine >= len(lines) {
		return nil, nil
	}
	return lines[firstLine:], nil
}

// Status returns the run's latest status snapshot, or nil if none
// has been reported.
func (s *Store) Status(runID protocol.RunID) *protocol.MinionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streams[runID]
	if st == nil {
		return nil
	}
	return st.status
}
