package sandbox

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

var (
	// ErrUnavailable reports that the isolation tool is not installed on the host.
	ErrUnavailable = errors.New("sandbox backend unavailable")
	// ErrTimeout reports that the process outlived its deadline and was killed.
	ErrTimeout = errors.New("process execution timed out")
	// ErrSetup reports that the backend could not prepare its isolated environment.
	ErrSetup = errors.New("sandbox setup failed")
	// ErrExecutableNotFound reports a missing payload executable.
	ErrExecutableNotFound = errors.New("executable not found")
)

// FailureKind classifies a backend failure.
type FailureKind int

const (
	FailureUnavailable FailureKind = iota + 1
	FailureTimeout
	FailureSetup
)

func (k FailureKind) String() string {
	switch k {
	case FailureUnavailable:
		return "unavailable"
	case FailureTimeout:
		return "timeout"
	case FailureSetup:
		return "setup"
	default:
		return "unknown"
	}
}

func (k FailureKind) sentinel() error {
	switch k {
	case FailureUnavailable:
		return ErrUnavailable
	case FailureTimeout:
		return ErrTimeout
	default:
		return ErrSetup
	}
}

// BackendError is the classified failure of a single backend attempt.
type BackendError struct {
	Backend Backend
	Kind    FailureKind
	Err     error
}

func (e *BackendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Backend, e.Kind.sentinel())
	}
	return fmt.Sprintf("%s: %v: %v", e.Backend, e.Kind.sentinel(), e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of the failure kind.
func (e *BackendError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func unavailable(backend Backend, err error) error {
	return &BackendError{Backend: backend, Kind: FailureUnavailable, Err: err}
}

func setupFailure(backend Backend, err error) error {
	return &BackendError{Backend: backend, Kind: FailureSetup, Err: err}
}

// classify stamps the backend name on an error returned by a CommandRunner.
// Unclassified errors become setup failures.
func classify(backend Backend, err error) error {
	var be *BackendError
	if errors.As(err, &be) {
		return &BackendError{Backend: backend, Kind: be.Kind, Err: be.Err}
	}
	return setupFailure(backend, err)
}

// ChainError is returned when every backend of a fallback chain failed.
type ChainError struct {
	Failures []error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("all %d sandbox backends failed: %v", len(e.Failures), multierr.Combine(e.Failures...))
}

// Unwrap returns the last failure of the chain.
func (e *ChainError) Unwrap() error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[len(e.Failures)-1]
}
