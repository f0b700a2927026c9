// Package statemachine defines the user state machine collaborator the
// Learner's apply worker drives (spec.md §1: "user state machine — out of
// scope beyond the interface it must satisfy"). The consensus core never
// interprets Apply's payload; it only guarantees the calls arrive in the
// order instances were confirmed, exactly once each.
package statemachine

// StateMachine is the replicated application logic sitting behind the
// Learner. Apply is called strictly in instance order, once per confirmed
// instance; it must not block indefinitely since it runs on the Learner's
// single apply worker goroutine.
type StateMachine interface {
	// Apply advances the state machine by one confirmed group/data pair and
	// returns whatever result the caller's Done.ApplyDone should observe.
	Apply(group string, data []byte) ([]byte, error)

	// MakeImage produces an opaque, self-describing snapshot of the current
	// state, taken at the instance id the Learner last applied.
	MakeImage() ([]byte, error)

	// LoadImage restores state from a snapshot previously produced by
	// MakeImage. Called at most once, during boot recovery.
	LoadImage(image []byte) error
}
