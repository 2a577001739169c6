// Package errs implements the error taxonomy the voice pipeline uses to
// decide, at each boundary, whether a failure is recovered locally,
// retried, or propagated to a permanent state change.
package errs

import (
	"errors"
	"fmt"
)

// Class identifies which recovery policy an error falls under.
type Class int

const (
	// ClassTransientNetwork covers STT disconnects, TTS timeouts, and
	// voice transport loss. Recovered by retry with backoff.
	ClassTransientNetwork Class = iota
	// ClassTransientAgent covers Agent API failures. The worker returns
	// them to its caller as they are: the Agent call is not retried and
	// no fallback utterance is played.
	ClassTransientAgent
	// ClassTransientSynthesis covers TTS call failures. Retried once,
	// then the segment is skipped.
	ClassTransientSynthesis
	// ClassPermanentConfig covers unreachable required services or
	// malformed configuration discovered at startup.
	ClassPermanentConfig
	// ClassInvariant covers invalid state transitions, segment index
	// gaps, and unknown SSRCs reaching internal routing.
	ClassInvariant
	// ClassCancelled is not a failure; it is the cooperative-cancellation
	// exit sentinel threaded through worker loops.
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassTransientNetwork:
		return "transient_network"
	case ClassTransientAgent:
		return "transient_agent"
	case ClassTransientSynthesis:
		return "transient_synthesis"
	case ClassPermanentConfig:
		return "permanent_config"
	case ClassInvariant:
		return "invariant"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a recovery class.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Class, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newClass(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

func TransientNetwork(op string, err error) error  { return newClass(ClassTransientNetwork, op, err) }
func TransientAgent(op string, err error) error    { return newClass(ClassTransientAgent, op, err) }
func TransientSynthesis(op string, err error) error { return newClass(ClassTransientSynthesis, op, err) }
func PermanentConfig(op string, err error) error    { return newClass(ClassPermanentConfig, op, err) }
func Invariant(op string, err error) error           { return newClass(ClassInvariant, op, err) }

// ErrCancelled is the clean sentinel that propagates through worker
// loops when cooperative cancellation fires. It is not logged as an
// error.
var ErrCancelled = newClass(ClassCancelled, "cancelled", nil)

// IsClass reports whether err (or anything it wraps) belongs to class.
func IsClass(err error, class Class) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsCancelled reports whether err is (or wraps) the cancellation sentinel.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || IsClass(err, ClassCancelled)
}
