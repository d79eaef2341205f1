package task

import "errors"

var (
	// ErrSerialization is returned when a payload cannot be encoded or decoded.
	ErrSerialization = errors.New("task payload serialization failed")

	// ErrStorage wraps backend I/O and constraint failures.
	ErrStorage = errors.New("task storage failure")

	// ErrProcessing wraps an error returned (or a panic raised) by a Processor.
	ErrProcessing = errors.New("task processing failed")

	// ErrNoProcessor is recorded on tasks whose type has no registered Processor.
	ErrNoProcessor = errors.New("no processor registered for task type")

	// ErrMaxAttemptsReached describes a task that failed on its final attempt.
	// Storage never returns it; see Record.Exhausted.
	ErrMaxAttemptsReached = errors.New("task reached max attempts")

	// ErrInvalidOptions is returned by Queue when enqueue options fail validation.
	ErrInvalidOptions = errors.New("invalid enqueue options")
)
