package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCount indicates a missing, non-numeric or non-positive count.
	ErrInvalidCount = errors.New("invalid container count")
	// ErrProvision indicates the batch image could not be made available.
	ErrProvision = errors.New("image provisioning failed")
	// ErrUnit indicates a container unit failed one of its lifecycle stages.
	ErrUnit = errors.New("container unit failed")
	// ErrRuntimeUnavailable indicates no container runtime is configured.
	ErrRuntimeUnavailable = errors.New("container runtime not configured")
)

// ValidationError reports a rejected count before any runtime call is made.
type ValidationError struct {
	Input  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Input == "" {
		return fmt.Sprintf("%s: %s", ErrInvalidCount, e.Reason)
	}
	return fmt.Sprintf("%s %q: %s", ErrInvalidCount, e.Input, e.Reason)
}

// Is matches ErrInvalidCount.
func (e *ValidationError) Is(target error) bool { return target == ErrInvalidCount }

// ProvisionError wraps an image pull failure.
type ProvisionError struct {
	Image string
	Err   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("%s for %s: %v", ErrProvision, e.Image, e.Err)
}

// Unwrap returns the underlying runtime error.
func (e *ProvisionError) Unwrap() error { return e.Err }

// Is matches ErrProvision.
func (e *ProvisionError) Is(target error) bool { return target == ErrProvision }

// UnitError reports the stage and ordinal at which a container unit failed.
type UnitError struct {
	Ordinal int
	Stage   Stage
	Err     error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("container %d %s failed: %v", e.Ordinal, e.Stage, e.Err)
}

// Unwrap returns the underlying runtime error.
func (e *UnitError) Unwrap() error { return e.Err }

// Is matches ErrUnit.
func (e *UnitError) Is(target error) bool { return target == ErrUnit }

// CleanupError reports a failed removal. It is logged, never returned to callers.
type CleanupError struct {
	Ordinal   int
	Container string
	Err       error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("container %d (%s) remove failed: %v", e.Ordinal, e.Container, e.Err)
}

// Unwrap returns the underlying runtime error.
func (e *CleanupError) Unwrap() error { return e.Err }
