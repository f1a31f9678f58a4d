package job

import (
	"context"
	"errors"
	"fmt"
)

// Stage is one phase of the execution lifecycle.
type Stage string

// Stage constants
const (
	StageInput     Stage = "input"
	StageContainer Stage = "container"
	StageOutput    Stage = "output"
)

// Class is the failure classification that drives retry policy.
type Class int

const (
	ClassTransient Class = iota + 1 // retry with backoff while attempts remain
	ClassFatal                      // fail immediately
	ClassCancelled                  // user or batch cancellation
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// StageError is the explicit outcome returned by every cross-component call
// made on behalf of a job.
type StageError struct {
	Class Class
	Stage Stage
	Node  string
	Err   error
}

func (e *StageError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s %s failure on node %s: %v", e.Stage, e.Class, e.Node, e.Err)
	}
	return fmt.Sprintf("%s %s failure: %v", e.Stage, e.Class, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(stage Stage, err error) error {
	return &StageError{Class: ClassTransient, Stage: stage, Err: err}
}

// Fatal wraps err as a non-retryable failure.
func Fatal(stage Stage, err error) error {
	return &StageError{Class: ClassFatal, Stage: stage, Err: err}
}

// Cancelled marks a stage aborted by cancellation.
func Cancelled(stage Stage) error {
	return &StageError{Class: ClassCancelled, Stage: stage, Err: context.Canceled}
}

// ClassOf classifies err. Unclassified errors are treated as transient
// infrastructure failures.
func ClassOf(err error) Class {
	var se *StageError
	if errors.As(err, &se) {
		return se.Class
	}
	return ClassTransient
}

// StageOf returns the stage recorded on err, or "" when unknown.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// DetailFor builds a history detail describing a failure.
func DetailFor(err error, node string, attempt int) Detail {
	d := Detail{Node: node, Attempt: attempt, Class: ClassOf(err).String(), Stage: StageOf(err)}
	if err != nil {
		d.Error = err.Error()
	}
	return d
}
