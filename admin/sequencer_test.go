package admin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/dispatch"
)

func TestSequencerRunsPhasesInOrder(t *testing.T) {
	d := dispatch.NewDispatcher(3, nil)
	defer d.Stop()

	var order []string
	record := func(name string) func(*Sequencer) {
		return func(s *Sequencer) {
			order = append(order, name)
			s.Continue(nil)
		}
	}
	// Interleave threads; order must follow the phase list, not the thread.
	phases := []Phase{
		{Name: "start", Thread: 0, Run: record("start")},
		{Name: "middle", Thread: 2, Run: record("middle")},
		{Name: "end", Thread: 1, Run: record("end")},
	}

	done := make(chan error, 1)
	NewSequencer(d, nil, OperationSuspend, phases).Start(func(err error) { done <- err })
	require.NoError(t, <-done)
	assert.Equal(t, []string{"start", "middle", "end"}, order)
}

func TestSequencerCompletionResumesAtNextPhase(t *testing.T) {
	d := dispatch.NewDispatcher(2, nil)
	defer d.Stop()

	var order []string
	phases := []Phase{
		{Name: "async work", Thread: 0, Run: func(s *Sequencer) {
			order = append(order, "async work")
			sub := s.Completion()
			go sub.Finish(nil)
		}},
		{Name: "end", Thread: 1, Run: func(s *Sequencer) {
			order = append(order, "end")
			s.Continue(nil)
		}},
	}

	done := make(chan error, 1)
	NewSequencer(d, nil, OperationSave, phases).Start(func(err error) { done <- err })
	require.NoError(t, <-done)
	assert.Equal(t, []string{"async work", "end"}, order)
}

func TestSequencerFirstErrorWinsAndTerminalPhaseRuns(t *testing.T) {
	d := dispatch.NewDispatcher(1, nil)
	defer d.Stop()

	first := errors.New("first failure")
	var sawResultAtEnd error
	phases := []Phase{
		{Name: "fails", Thread: 0, Run: func(s *Sequencer) {
			s.Continue(first)
		}},
		{Name: "also fails", Thread: 0, Run: func(s *Sequencer) {
			s.Continue(errors.New("second failure"))
		}},
		{Name: "end", Thread: 0, Run: func(s *Sequencer) {
			sawResultAtEnd = s.Result()
			s.Continue(nil)
		}},
	}

	done := make(chan error, 1)
	NewSequencer(d, nil, OperationSuspend, phases).Start(func(err error) { done <- err })
	require.Equal(t, first, <-done)
	assert.Equal(t, first, sawResultAtEnd, "the terminal phase observes the first error")
}

func TestSequencerAbortSkipsRemainingPhases(t *testing.T) {
	d := dispatch.NewDispatcher(1, nil)
	defer d.Stop()

	boom := errors.New("cannot start")
	ran := false
	phases := []Phase{
		{Name: "start", Thread: 0, Run: func(s *Sequencer) {
			s.Abort(boom)
		}},
		{Name: "never", Thread: 0, Run: func(s *Sequencer) {
			ran = true
			s.Continue(nil)
		}},
	}

	done := make(chan error, 1)
	NewSequencer(d, nil, OperationResume, phases).Start(func(err error) { done <- err })
	require.Equal(t, boom, <-done)
	assert.False(t, ran)
}

func TestSequencerRejectsEmptyPhaseList(t *testing.T) {
	d := dispatch.NewDispatcher(1, nil)
	defer d.Stop()
	require.Panics(t, func() { NewSequencer(d, nil, OperationSuspend, nil) })
}

func TestOperationTargetStates(t *testing.T) {
	assert.Equal(t, core.StateSuspending, OperationSuspend.TargetState())
	assert.Equal(t, core.StateSaving, OperationSave.TargetState())
	assert.Equal(t, core.StateResuming, OperationResume.TargetState())
	assert.Equal(t, core.StateRecovering, OperationRebuild.TargetState())
}
