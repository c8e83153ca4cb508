package beancore

import (
	"errors"
	"fmt"
	"runtime/debug"

	pkgerrors "github.com/pkg/errors"
)

// View is the client view a handle dispatches through. It selects how a
// business failure is classified and how it surfaces to the caller.
type View uint8

const (
	// ViewBusiness is the plain in-process view. Declared application
	// errors keep their checked treatment even when they are unchecked.
	ViewBusiness View = iota

	// ViewLocal is the legacy in-process view; failures surface as
	// *LocalError.
	ViewLocal

	// ViewRemote is the view used by out-of-process callers. Failures
	// surface as *RemoteError carrying the server-side stack.
	ViewRemote
)

var viewNames = [...]string{
	ViewBusiness: "business",
	ViewLocal:    "local",
	ViewRemote:   "remote",
}

func (v View) String() string {
	if int(v) < len(viewNames) {
		return viewNames[v]
	}
	return "unknown"
}

// FailureKind tells the caller what a classified failure did to its
// transaction.
type FailureKind uint8

const (
	// FailureSystem is an unchecked failure outside any caller transaction.
	FailureSystem FailureKind = iota

	// FailureRolledBack means this call caused the rollback of the
	// caller's transaction.
	FailureRolledBack

	// FailureRolledBackExternally means the transaction had already been
	// marked rollback-only by someone else, or the container could not
	// commit the transaction it began because another party doomed it.
	FailureRolledBackExternally
)

var failureKindNames = [...]string{
	FailureSystem:               "system failure",
	FailureRolledBack:           "transaction rolled back",
	FailureRolledBackExternally: "transaction rolled back externally",
}

func (k FailureKind) String() string {
	if int(k) < len(failureKindNames) {
		return failureKindNames[k]
	}
	return "unknown failure"
}

// Failure is the classified outcome shared by the caller-visible error
// types of every view.
type Failure struct {
	Kind     FailureKind
	Method   MethodID
	Identity Identity

	// Cause is the failure recorded for the call. Root is the innermost
	// error of its cause chain.
	Cause error
	Root  error
}

func (f *Failure) Unwrap() error { return f.Cause }

// Is matches ErrTransactionRolledBack for both rollback kinds and
// ErrSystemFailure for FailureSystem.
func (f *Failure) Is(target error) bool {
	switch target {
	case ErrTransactionRolledBack:
		return f.Kind == FailureRolledBack || f.Kind == FailureRolledBackExternally
	case ErrSystemFailure:
		return f.Kind == FailureSystem
	}
	return false
}

// Unchecked marks a failure from a nested dispatch as unchecked for the
// calling method.
func (f *Failure) Unchecked() bool { return true }

func (f *Failure) message(prefix string) string {
	return fmt.Sprintf("%s%s in %s on %s: %v", prefix, f.Kind, f.Method, f.Identity, f.Cause)
}

// RemoteError is a failure surfaced through ViewRemote.
type RemoteError struct{ Failure }

func (e *RemoteError) Error() string { return e.message("remote: ") }

// LocalError is a failure surfaced through ViewLocal.
type LocalError struct{ Failure }

func (e *LocalError) Error() string { return e.message("local: ") }

// BusinessError is a failure surfaced through ViewBusiness.
type BusinessError struct{ Failure }

func (e *BusinessError) Error() string { return e.message("") }

// surface wraps f in the error type of v.
func (v View) surface(f Failure) error {
	switch v {
	case ViewRemote:
		f.Cause = pkgerrors.WithStack(f.Cause)
		return &RemoteError{f}
	case ViewLocal:
		return &LocalError{f}
	default:
		return &BusinessError{f}
	}
}

type uncheckedError struct{ err error }

func (e *uncheckedError) Error() string   { return e.err.Error() }
func (e *uncheckedError) Unwrap() error   { return e.err }
func (e *uncheckedError) Unchecked() bool { return true }

// Unchecked marks err as an unchecked (system) failure: returning it from a
// business method always dooms the caller's transaction and, for kinds that
// discard on system failures, the instance.
func Unchecked(err error) error {
	if err == nil {
		return nil
	}
	return &uncheckedError{err: err}
}

// IsUnchecked reports whether any error in err's chain declares itself
// unchecked.
func IsUnchecked(err error) bool {
	if err == nil {
		return false
	}
	var u interface{ Unchecked() bool }
	if errors.As(err, &u) {
		return u.Unchecked()
	}
	return false
}

// PanicError is recorded when a business function panics.
type PanicError struct {
	Value any
	Stack []byte
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func (e *PanicError) Unchecked() bool { return true }

// classify decides whether err is checked for view v and whether it dooms
// the caller's transaction.
//
// A declared application error gives a checked failure its rollback
// directive. Only the business view lets a declaration override an
// unchecked failure; remote and local callers always see unchecked
// failures as system failures.
func classify(v View, m *MethodInfo, err error) (checked, rollback bool) {
	unchecked := IsUnchecked(err)
	if m != nil {
		if decl, ok := m.applicationError(err); ok && (!unchecked || v == ViewBusiness) {
			return true, decl.Rollback
		}
	}
	if unchecked {
		return false, true
	}
	return true, false
}

// maxCauseDepth stops RootCause on cyclic chains.
const maxCauseDepth = 64

// RootCause returns the innermost error of err's chain, following both
// Unwrap and the Cause method used by github.com/pkg/errors.
func RootCause(err error) error {
	for range maxCauseDepth {
		if c, ok := err.(interface{ Cause() error }); ok {
			if next := c.Cause(); next != nil {
				err = next
				continue
			}
		}
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
	return err
}
