package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivebuild/hivebuild/internal/protocol"
)

func consoleEvent(run protocol.RunID, line string) protocol.MinionEvent {
	return protocol.MinionEvent{
		Type:        protocol.EventTypeConsole,
		RunID:       run,
		ConsoleLine: line,
	}
}

func TestAppendAssignsContiguousSequences(t *testing.T) {
	s := NewStore()
	run := protocol.RunID("run-1")

	first := s.Append(run, []protocol.MinionEvent{
		consoleEvent(run, "compiling a"),
		consoleEvent(run, "compiling b"),
	})
	assert.Equal(t, 0, first)

	first = s.Append(run, []protocol.MinionEvent{consoleEvent(run, "linking")})
	assert.Equal(t, 2, first)

	evts, err := s.Range(run, 0)
	require.NoError(t, err)
	require.Len(t, evts, 3)
	for i, evt := range evts {
		assert.Equal(t, i, evt.Seq)
	}
}

func TestRangeCursor(t *testing.T) {
	s := NewStore()
	run := protocol.RunID("run-1")
	s.Append(run, []protocol.MinionEvent{
		consoleEvent(run, "one"),
		consoleEvent(run, "two"),
		consoleEvent(run, "three"),
	})

	evts, err := s.Range(run, 1)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "two", evts[0].Event.ConsoleLine)

	// A cursor past the end returns nothing, not an error.
	evts, err = s.Range(run, 10)
	require.NoError(t, err)
	assert.Empty(t, evts)
}

func TestRangeUnknownRun(t *testing.T) {
	s := NewStore()
	_, err := s.Range(protocol.RunID("ghost"), 0)
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestLogLinesFilterConsoleEvents(t *testing.T) {
	s := NewStore()
	run := protocol.RunID("run-1")
	s.Append(run, []protocol.MinionEvent{
		consoleEvent(run, "line 1"),
		{Type: protocol.EventTypeStatus, RunID: run, Status: &protocol.MinionStatus{RunID: run}},
		consoleEvent(run, "line 2"),
	})

	lines, err := s.LogLines(run, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"line 1", "line 2"}, lines)

	lines, err = s.LogLines(run, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"line 2"}, lines)
}

func TestStatusTracksLatest(t *testing.T) {
	s := NewStore()
	run := protocol.RunID("run-1")

	assert.Nil(t, s.Status(run))

	s.Append(run, []protocol.MinionEvent{
		{Type: protocol.EventTypeStatus, RunID: run, Status: &protocol.MinionStatus{RunID: run, FinishedUnits: 1}},
		{Type: protocol.EventTypeStatus, RunID: run, Status: &protocol.MinionStatus{RunID: run, FinishedUnits: 5}},
	})

	st := s.Status(run)
	require.NotNil(t, st)
	assert.Equal(t, 5, st.FinishedUnits)
}
