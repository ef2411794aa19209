package lab

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition     = errors.New("invalid lab status transition")
	ErrQuotaExceeded         = errors.New("lab quota exceeded")
	ErrProvisionFailed       = errors.New("lab provisioning failed")
	ErrDestroyFailed         = errors.New("lab destroy failed")
	ErrResourceAlreadyAbsent = errors.New("lab resources already absent")
	ErrNotFound              = errors.New("lab not found")
	ErrClaimLost             = errors.New("lab claim lost")
	ErrUnknownRuntime        = errors.New("unknown runtime kind")
	ErrMissingResourceRef    = errors.New("lab has no resource reference")
)

type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("lab %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

type QuotaError struct {
	Active int
	Limit  int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("lab quota exceeded: %d active labs, limit %d", e.Active, e.Limit)
}

func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

type UnknownRuntimeError struct {
	Kind string
}

func (e *UnknownRuntimeError) Error() string {
	return fmt.Sprintf("unknown runtime kind %q (expected compose or microvm)", e.Kind)
}

func (e *UnknownRuntimeError) Is(target error) bool {
	return target == ErrUnknownRuntime
}
