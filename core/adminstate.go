package core

// AdminStateCode is the administrative state of a drainable entity: the whole
// volume, or a single zone. Entities move from StateNormal through one of the
// transitional ("entering") codes to the matching quiescent code, and back to
// StateNormal through StateResuming.
type AdminStateCode int

const (
	// StateNew is the state of an entity which has been created but not yet
	// started.
	StateNew AdminStateCode = iota
	// StateNormal is the fully operational state.
	StateNormal
	// StateSuspending is the transitional state of a suspend drain.
	StateSuspending
	// StateSaving is the transitional state of a save drain (suspend plus
	// persist).
	StateSaving
	// StateRecovering is the transitional state of a rebuild.
	StateRecovering
	// StateResuming is the transitional state of a resume.
	StateResuming
	// StateSuspended is the quiescent state reached by a suspend.
	StateSuspended
	// StateSaved is the quiescent state reached by a save.
	StateSaved
	// StateReadOnly is the terminal state entered after an unrecoverable
	// error has been escalated through the read-only notifier.
	StateReadOnly
)

var adminStateNames = map[AdminStateCode]string{
	StateNew:        "new",
	StateNormal:     "normal",
	StateSuspending: "suspending",
	StateSaving:     "saving",
	StateRecovering: "recovering",
	StateResuming:   "resuming",
	StateSuspended:  "suspended",
	StateSaved:      "saved",
	StateReadOnly:   "read-only",
}

func (c AdminStateCode) String() string {
	if name, ok := adminStateNames[c]; ok {
		return name
	}
	return "unknown"
}

// IsTransitional reports whether the code describes an operation in flight.
func (c AdminStateCode) IsTransitional() bool {
	switch c {
	case StateSuspending, StateSaving, StateRecovering, StateResuming:
		return true
	default:
		return false
	}
}

// IsDraining reports whether the code is one of the drain operations: those
// which halt admission of new work and wait for in-flight work to finish.
func (c AdminStateCode) IsDraining() bool {
	switch c {
	case StateSuspending, StateSaving, StateRecovering:
		return true
	default:
		return false
	}
}

// IsSuspending reports whether the code is specifically a suspend (as opposed
// to a save, which also persists state).
func (c AdminStateCode) IsSuspending() bool {
	return c == StateSuspending
}

// IsQuiescent reports whether the entity has come to rest after a drain.
func (c AdminStateCode) IsQuiescent() bool {
	return c == StateSuspended || c == StateSaved
}

// QuiescentCode returns the terminal state a transitional code resolves to.
// For codes which are not transitional, the code itself is returned.
func (c AdminStateCode) QuiescentCode() AdminStateCode {
	switch c {
	case StateSuspending:
		return StateSuspended
	case StateSaving:
		return StateSaved
	case StateRecovering, StateResuming:
		return StateNormal
	default:
		return c
	}
}

// MayStart reports whether an operation targeting code target may begin while
// the entity is in state c. Starting a transition from a transitional state
// always fails: exactly one admin operation may be in flight per entity.
func (c AdminStateCode) MayStart(target AdminStateCode) bool {
	if c.IsTransitional() {
		return false
	}
	switch target {
	case StateSaving:
		// A save may upgrade a suspended entity: the drain work is already
		// done, the save persists its state.
		return c == StateNormal || c == StateNew || c == StateSuspended
	case StateSuspending, StateRecovering:
		return c == StateNormal || c == StateNew
	case StateResuming:
		return c == StateSuspended || c == StateSaved
	default:
		return false
	}
}
