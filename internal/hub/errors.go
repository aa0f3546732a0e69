package hub

import "errors"

// Domain errors for the hub package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, hub.ErrThingNotFound) {
//	    // handle unknown thing
//	}
var (
	// ErrThingNotFound is returned when a thing name does not exist.
	ErrThingNotFound = errors.New("hub: thing not found")

	// ErrThingExists is returned when adding a thing whose name is taken.
	ErrThingExists = errors.New("hub: thing already exists")

	// ErrKnobNotFound is returned when a knob name does not exist.
	ErrKnobNotFound = errors.New("hub: knob not found")

	// ErrInvalidKnob is returned when a knob declaration is invalid.
	ErrInvalidKnob = errors.New("hub: invalid knob")

	// ErrWatchdogExists is returned when adding a watchdog whose name is taken.
	ErrWatchdogExists = errors.New("hub: watchdog already exists")

	// ErrWatchdogNotFound is returned when a watchdog name does not exist.
	ErrWatchdogNotFound = errors.New("hub: watchdog not found")

	// ErrExperimentNotFound is returned by Optimize for an unknown experiment.
	ErrExperimentNotFound = errors.New("hub: experiment not found")

	// ErrSamplerNotFound is returned when a sampler ID does not exist.
	ErrSamplerNotFound = errors.New("hub: sampler not found")

	// ErrNoStore is returned by Save and Load when no store is configured.
	ErrNoStore = errors.New("hub: no snapshot store")

	// ErrRolledBack is returned by an atomic actuation that failed and
	// was reverted.
	ErrRolledBack = errors.New("hub: actuation rolled back")

	// ErrNoPriorValue is returned by an atomic actuation naming a knob
	// that has never had a value to roll back to.
	ErrNoPriorValue = errors.New("hub: no prior value to roll back to")
)
