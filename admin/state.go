// Package admin implements the administrative coordination layer: the
// per-entity quiescence state machine, the phase sequencer that drives
// multi-zone admin operations, and the read-only escalation notifier.
package admin

import (
	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/dispatch"
)

// State is the administrative state machine owned by each drainable entity
// (the whole volume, or one zone). A State must only be mutated by the thread
// that owns its entity; cross-thread coordination goes through completions,
// never through direct field access. Exactly one admin operation may be in
// flight per entity at a time.
type State struct {
	code core.AdminStateCode

	// waitForNotifier marks that the operation in flight must wait for the
	// read-only notifier to settle before draining zones.
	waitForNotifier bool

	// waiters are the completions attached to the operation in flight. They
	// all fire exactly once, when the operation reaches its terminal state.
	waiters []*dispatch.Completion
}

// NewState returns a state machine in StateNew.
func NewState() *State {
	return &State{code: core.StateNew}
}

// Code returns the current state.
func (s *State) Code() core.AdminStateCode {
	return s.code
}

// SetWaitForNotifier records whether the current operation must wait for the
// read-only notifier before proceeding.
func (s *State) SetWaitForNotifier(wait bool) {
	s.waitForNotifier = wait
}

// WaitForNotifier reports the flag set by SetWaitForNotifier.
func (s *State) WaitForNotifier() bool {
	return s.waitForNotifier
}

// StartOperation attempts to begin a transition to target. It fails with
// ErrInvalidState if an operation is already in flight or the current state
// does not permit the target; the operation already in flight (if any) is
// left untouched.
func (s *State) StartOperation(target core.AdminStateCode) error {
	if !s.code.MayStart(target) {
		return core.ErrInvalidState
	}
	s.code = target
	return nil
}

// compatibleTarget reports whether a drain request targeting target may
// attach to the drain already in flight: the same target, or a suspend
// request arriving while the stricter save drain is already in progress.
func (s *State) compatibleTarget(target core.AdminStateCode) bool {
	if s.code == target {
		return true
	}
	return s.code == core.StateSaving && target == core.StateSuspending
}

// StartDraining begins a drain to target, attaching waiter to the operation.
// It returns true if the caller should initiate the drain work. If a
// compatible drain is already in flight, the waiter is attached to it and
// false is returned: the drain is not re-triggered. If the target is
// incompatible with the current state, the waiter finishes immediately with
// ErrInvalidState and false is returned.
func (s *State) StartDraining(target core.AdminStateCode, waiter *dispatch.Completion) bool {
	if s.code.IsTransitional() {
		if s.compatibleTarget(target) {
			if waiter != nil {
				s.waiters = append(s.waiters, waiter)
			}
			return false
		}
		if waiter != nil {
			waiter.Finish(core.ErrInvalidState)
		}
		return false
	}
	if err := s.StartOperation(target); err != nil {
		if waiter != nil {
			waiter.Finish(err)
		}
		return false
	}
	if waiter != nil {
		s.waiters = append(s.waiters, waiter)
	}
	return true
}

// FinishOperation moves the entity to the terminal state of the operation in
// flight and fires every attached waiter with result. The terminal state does
// not depend on the result: a failed suspend still lands in StateSuspended so
// the entity is never left mid-transition. Returns false if no operation was
// in flight.
func (s *State) FinishOperation(result error) bool {
	if !s.code.IsTransitional() {
		return false
	}
	s.code = s.code.QuiescentCode()
	waiters := s.waiters
	s.waiters = nil
	s.waitForNotifier = false
	for _, w := range waiters {
		w.Finish(result)
	}
	return true
}

// SetCode forces the state. Used only at load time, before any threads run,
// and by the read-only notifier on the owning thread.
func (s *State) SetCode(code core.AdminStateCode) {
	s.code = code
}

// IsNormal reports whether the entity is fully operational.
func (s *State) IsNormal() bool { return s.code == core.StateNormal }

// IsDraining reports whether a drain operation is in flight.
func (s *State) IsDraining() bool { return s.code.IsDraining() }

// IsSuspending reports whether the drain in flight is a plain suspend.
func (s *State) IsSuspending() bool { return s.code.IsSuspending() }

// IsQuiescent reports whether the entity has come to rest.
func (s *State) IsQuiescent() bool { return s.code.IsQuiescent() }
