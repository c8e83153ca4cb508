package beancore

import (
	"errors"
	"fmt"
)

// Protocol violations. All of them are fatal to the current call and are
// returned before any business code runs.
var (
	// ErrIllegalState is the root of every protocol violation. Callers can
	// test any of the more specific errors below with errors.Is against it.
	ErrIllegalState = errors.New("illegal state")

	ErrReentrantCall     = fmt.Errorf("%w: reentrant call on non-reentrant instance", ErrIllegalState)
	ErrConcurrentAccess  = fmt.Errorf("%w: instance is busy on another call", ErrIllegalState)
	ErrIllegalTransition = fmt.Errorf("%w: lifecycle transition not allowed", ErrIllegalState)
	ErrNoTransaction     = fmt.Errorf("%w: no transaction associated with the call", ErrIllegalState)
	ErrBeanManagedOnly   = fmt.Errorf("%w: operation requires a bean-managed home", ErrIllegalState)
	ErrContainerManaged  = fmt.Errorf("%w: operation not allowed for bean-managed homes", ErrIllegalState)
	ErrNotInInvocation   = fmt.Errorf("%w: no invocation associated with the context", ErrIllegalState)
)

// Resolution and activation failures.
var (
	ErrNoSuchObject        = errors.New("no such object")
	ErrNoSuchHome          = errors.New("no such home")
	ErrNoSuchMethod        = errors.New("no such method")
	ErrTransactionConflict = errors.New("instance is associated with a different transaction")
	ErrHomeClosed          = errors.New("home closed")
	ErrContainerClosed     = errors.New("container closed")
)

// Transaction related failures.
var (
	// ErrInvalidTransactionState is returned when a method's attribute
	// forbids the transaction context the caller arrived with.
	ErrInvalidTransactionState = errors.New("invalid transaction state")

	// ErrTransactionRolledBack reports that a transaction ended rolled back.
	// Caller-visible failures of kind FailureRolledBack and
	// FailureRolledBackExternally match it with errors.Is.
	ErrTransactionRolledBack = errors.New("transaction rolled back")

	// ErrTransactionInactive is returned by operations on a transaction
	// that has already completed.
	ErrTransactionInactive = errors.New("transaction is not active")

	// ErrBeanManagedTxActive is recorded when a bean-managed instance
	// returns from a business method with its own transaction still open.
	ErrBeanManagedTxActive = errors.New("bean-managed transaction left active at method exit")
)

// ErrSystemFailure is matched by caller-visible failures of kind
// FailureSystem.
var ErrSystemFailure = errors.New("system failure")

// ErrSessionNotFound is returned by passivation stores for unknown keys.
var ErrSessionNotFound = errors.New("passivated session not found")

// ActivationError reports that an identity could not be resolved to a
// usable instance. It is distinct from business-method failures: no
// business code ran and no transaction outcome was decided.
type ActivationError struct {
	// Identity names the home and key that failed to resolve.
	Identity Identity

	// Err is the underlying reason, typically ErrNoSuchObject,
	// ErrNoSuchHome or ErrTransactionConflict.
	Err error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activate %s: %v", e.Identity, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

func activationError(id Identity, err error) error {
	return &ActivationError{Identity: id, Err: err}
}
