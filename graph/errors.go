package graph

import "errors"

// ErrLoopDetected is raised by the loop guard when a run stops making
// progress: the state fingerprint repeats across the configured window, or
// the step ceiling is exceeded. Always fatal to the run, never retried.
var ErrLoopDetected = errors.New("loop detected")

// ErrStaleResume is returned when Resume references an interrupt that is
// already resolved or was never issued. Duplicate resume deliveries must
// be rejected, not silently accepted.
var ErrStaleResume = errors.New("stale resume")

// ErrInterruptPending is returned when a node suspends while the run
// already has an unresolved interrupt. At most one interrupt may be
// outstanding per run; violating that is a programming error and fails
// loudly rather than queueing.
var ErrInterruptPending = errors.New("interrupt already pending")

// ErrNoRoute is returned when a node neither routed explicitly nor matched
// any outgoing edge.
var ErrNoRoute = errors.New("no valid route")

// fatalError marks an error that must never be retried, regardless of its
// classification.
type fatalError struct {
	err error
}

func (f *fatalError) Error() string { return "fatal: " + f.err.Error() }

func (f *fatalError) Unwrap() error { return f.err }

// Fatal wraps err so the engine skips retry entirely. Nodes use it for
// failures where another attempt would repeat a side effect or is known
// to be pointless.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

func isFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}
