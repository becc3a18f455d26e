package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why a task attempt failed. Retryable kinds may be
// re-attempted up to the task's retry budget; fatal kinds fail the task on
// the first occurrence.
type ErrorKind string

const (
	KindTransientIO ErrorKind = "TRANSIENT_IO"
	KindTimeout     ErrorKind = "TIMEOUT"
	KindValidation  ErrorKind = "VALIDATION"
	KindDependency  ErrorKind = "DEPENDENCY"
	KindCancelled   ErrorKind = "CANCELLED"
	KindInternal    ErrorKind = "INTERNAL"
)

func ParseErrorKind(s string) (ErrorKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRANSIENT_IO":
		return KindTransientIO, nil
	case "TIMEOUT":
		return KindTimeout, nil
	case "VALIDATION":
		return KindValidation, nil
	case "DEPENDENCY":
		return KindDependency, nil
	case "CANCELLED", "CANCELED":
		return KindCancelled, nil
	case "INTERNAL":
		return KindInternal, nil
	default:
		return "", fmt.Errorf("invalid error kind: %q", s)
	}
}

func (k ErrorKind) Valid() bool {
	_, err := ParseErrorKind(string(k))
	return err == nil
}

// Retryable reports whether a failure of this kind is eligible for another
// attempt. Only transient I/O and timeouts are; everything else is decided
// on first occurrence.
func (k ErrorKind) Retryable() bool {
	return k == KindTransientIO || k == KindTimeout
}

// TaskError is the typed failure a task function (or the scheduler) produces.
// The kind survives wrapping and drives retry gating and notification payloads.
type TaskError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *TaskError) Unwrap() error { return e.Err }

func NewTaskError(kind ErrorKind, msg string, err error) *TaskError {
	return &TaskError{Kind: kind, Msg: msg, Err: err}
}

func Transientf(format string, args ...any) *TaskError {
	return &TaskError{Kind: KindTransientIO, Msg: fmt.Sprintf(format, args...)}
}

func Timeoutf(format string, args ...any) *TaskError {
	return &TaskError{Kind: KindTimeout, Msg: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) *TaskError {
	return &TaskError{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func Dependencyf(format string, args ...any) *TaskError {
	return &TaskError{Kind: KindDependency, Msg: fmt.Sprintf(format, args...)}
}

func Internalf(format string, args ...any) *TaskError {
	return &TaskError{Kind: KindInternal, Msg: fmt.Sprintf(format, args...)}
}

// Classify maps an arbitrary error to its kind. Typed TaskErrors keep their
// kind; context deadline and cancellation map to TIMEOUT and CANCELLED; any
// untyped error is INTERNAL.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *TaskError
	if errors.As(err, &te) && te.Kind.Valid() {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}
