package admin

import (
	"log/slog"

	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/dispatch"
)

// Operation is the closed set of top-level admin operations.
type Operation int

const (
	// OperationSuspend drains every zone without persisting state.
	OperationSuspend Operation = iota
	// OperationSave drains every zone and writes the superblock.
	OperationSave
	// OperationResume returns a quiescent volume to normal operation.
	OperationResume
	// OperationRebuild reconstructs derived state after an unclean stop.
	OperationRebuild
)

var operationNames = map[Operation]string{
	OperationSuspend: "suspend",
	OperationSave:    "save",
	OperationResume:  "resume",
	OperationRebuild: "rebuild",
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return "unknown"
}

// TargetState returns the transitional admin state the operation drives its
// entity through.
func (o Operation) TargetState() core.AdminStateCode {
	switch o {
	case OperationSave:
		return core.StateSaving
	case OperationResume:
		return core.StateResuming
	case OperationRebuild:
		return core.StateRecovering
	default:
		return core.StateSuspending
	}
}

// Phase is one step of an admin operation, bound to the thread that must run
// it. Run either completes the phase synchronously by calling
// Sequencer.Continue, or hands Sequencer.Completion to asynchronous work and
// returns; the sequencer is re-entered when that work finishes.
type Phase struct {
	Name   string
	Thread core.ThreadID
	Run    func(*Sequencer)
}

// Sequencer drives an ordered, fixed list of phases, one at a time, each on
// its declared thread. The phase index only moves forward. The first error
// any phase reports is preserved: later phases still run (so the entity
// always reaches a terminal state) but cannot clear it.
//
// All field access happens inside callbacks that run strictly one at a time,
// so the sequencer needs no lock of its own.
type Sequencer struct {
	d      *dispatch.Dispatcher
	logger *slog.Logger
	op     Operation
	phases []Phase

	index    int
	result   error
	sub      *dispatch.Completion
	done     func(error)
	finished bool
}

// NewSequencer builds a sequencer for one admin operation. The phase list
// must not be empty.
func NewSequencer(d *dispatch.Dispatcher, logger *slog.Logger, op Operation, phases []Phase) *Sequencer {
	if len(phases) == 0 {
		panic("admin: sequencer needs at least one phase")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		d:      d,
		logger: logger.With("component", "AdminSequencer", "operation", op.String()),
		op:     op,
		phases: phases,
	}
}

// Operation returns the operation being performed.
func (s *Sequencer) Operation() Operation {
	return s.op
}

// Result returns the first error recorded so far, or nil.
func (s *Sequencer) Result() error {
	return s.result
}

// Start launches the first phase on its thread. done is invoked exactly once,
// with the operation's final aggregated result, after the last phase.
func (s *Sequencer) Start(done func(error)) {
	s.done = done
	s.sub = dispatch.NewCompletion(s.d, s.phases[0].Thread, nil)
	s.launch()
}

// launch enqueues the current phase onto its owning thread. The phase index
// is advanced before the phase runs so a re-entry continues at the next one.
func (s *Sequencer) launch() {
	phase := s.phases[s.index]
	s.sub.Prepare(phase.Thread, func(error) {
		s.index++
		s.logger.Debug("Running admin phase.", "phase", phase.Name)
		phase.Run(s)
	})
	s.sub.Launch()
}

// Continue records err and advances to the next phase, or finishes the
// operation if the phase that just ran was the last one. Call it from a
// phase that completed its work synchronously.
func (s *Sequencer) Continue(err error) {
	s.record(err)
	if s.index >= len(s.phases) {
		s.finish()
		return
	}
	s.launch()
}

// Completion prepares the reused sub-task completion for asynchronous phase
// work: when finished, the sequencer re-enters on the next phase's thread,
// recording the work's result. The phase must return immediately after
// handing it off.
func (s *Sequencer) Completion() *dispatch.Completion {
	next := s.phases[len(s.phases)-1].Thread
	if s.index < len(s.phases) {
		next = s.phases[s.index].Thread
	}
	s.sub.Prepare(next, func(err error) {
		s.Continue(err)
	})
	return s.sub
}

// Abort records err and finishes immediately without running any further
// phases. Only for failures to start at all (the entity never left its prior
// state, so there is nothing to clean up).
func (s *Sequencer) Abort(err error) {
	s.record(err)
	s.finish()
}

func (s *Sequencer) record(err error) {
	if err != nil && s.result == nil {
		s.result = err
		s.logger.Warn("Admin phase reported an error.", "error", err)
	}
}

func (s *Sequencer) finish() {
	if s.finished {
		return
	}
	s.finished = true
	if s.done != nil {
		s.done(s.result)
	}
}
