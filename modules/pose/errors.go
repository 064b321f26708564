package pose

import "fmt"

// ModelLoadError reports a failed mode switch after which the adapter still
// runs the previous mode.
type ModelLoadError struct {
	Attempted ModelMode
	Active    ModelMode
	// Rebuilt is true when the previous model had died and was loaded again.
	Rebuilt bool
	Err     error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("pose: load %s model failed, still running %s: %v", e.Attempted, e.Active, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// RollbackFailure reports that neither the attempted nor the previous mode
// could be loaded. The adapter has no usable model afterwards.
type RollbackFailure struct {
	Attempted   ModelMode
	Previous    ModelMode
	LoadErr     error
	RollbackErr error
}

func (e *RollbackFailure) Error() string {
	return fmt.Sprintf("pose: load %s model failed (%v) and rollback to %s failed (%v)",
		e.Attempted, e.LoadErr, e.Previous, e.RollbackErr)
}

func (e *RollbackFailure) Unwrap() []error { return []error{e.LoadErr, e.RollbackErr} }

// InferenceError reports a detector failure on one frame.
type InferenceError struct {
	Seq uint64
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("pose: inference on frame %d: %v", e.Seq, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }
