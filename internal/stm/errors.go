package stm

import (
	"errors"
	"fmt"
)

// ErrWriteCollision is returned when a write or commute attempt discovers that a cell's head
// version has already advanced past the writing transaction's start stamp. Transactions that
// observe this error are retried by RunTransaction and never see it directly.
var ErrWriteCollision = errors.New("stm: write collides with a newer committed version")

type writeCollisionError struct{ owner any }

func (e writeCollisionError) Error() string {
	return fmt.Sprintf("stm: cell owned by %v collides with a newer committed version", e.owner)
}

func (e writeCollisionError) Is(err error) bool { return err == ErrWriteCollision }

// ErrWritableReadCollision is returned when a transaction re-reads a cell it has already
// written and discovers that the head version has since moved past its start stamp.
var ErrWritableReadCollision = errors.New("stm: read of previously written cell collides with a newer committed version")

type writableReadCollisionError struct{ owner any }

func (e writableReadCollisionError) Error() string {
	return fmt.Sprintf("stm: read of previously written cell owned by %v collides with a newer committed version", e.owner)
}

func (e writableReadCollisionError) Is(err error) bool { return err == ErrWritableReadCollision }

// ErrInvalidCommute is returned when the cells touched while running deferred commutes at
// commit time overlap the transaction's outer enlistment set. This is a programmer contract
// violation: a commute that is not disjoint from the rest of the transaction does not actually
// commute, and is never retried.
var ErrInvalidCommute = errors.New("stm: commute enlistments overlap the outer transaction's enlistments")

type invalidCommuteError struct{ owner any }

func (e invalidCommuteError) Error() string {
	return fmt.Sprintf("stm: commute touching cell owned by %v overlaps the outer transaction", e.owner)
}

func (e invalidCommuteError) Is(err error) bool { return err == ErrInvalidCommute }

// ErrForbiddenEnlist is returned when code running inside a strict commute closure touches a
// cell other than the one the commute is declared to affect.
var ErrForbiddenEnlist = errors.New("stm: enlist forbidden inside strict commute")

type forbiddenEnlistError struct{ identity any }

func (e forbiddenEnlistError) Error() string {
	return fmt.Sprintf("stm: cell %v enlisted during a strict commute that may only touch its own cell", e.identity)
}

func (e forbiddenEnlistError) Is(err error) bool { return err == ErrForbiddenEnlist }

// ErrEmptyConditionalReadSet is returned when a conditional's test function touches no cells,
// either at registration or after a re-run following a trigger.
var ErrEmptyConditionalReadSet = errors.New("stm: conditional test enlisted no cells")

// ErrOutOfTransaction is returned by mutating operations invoked without an active transaction.
var ErrOutOfTransaction = errors.New("stm: operation requires an active transaction")

// ErrExplicitRollback is the sentinel matched by transactions that call Context.Rollback with
// retry set to false. Retry-set rollbacks are caught by RunTransaction's loop and never reach
// the caller; this one propagates like any other non-retryable error.
var ErrExplicitRollback = errors.New("stm: transaction rolled back without retry")

// explicitRollbackError implements the user-triggered ExplicitRollback(retry) error kind.
type explicitRollbackError struct{ retry bool }

func (e *explicitRollbackError) Error() string {
	if e.retry {
		return "stm: transaction rolled back, retry requested"
	}
	return "stm: transaction rolled back, no retry requested"
}

func (e *explicitRollbackError) Is(err error) bool {
	return !e.retry && err == ErrExplicitRollback
}

// isRetryable reports whether err belongs to the retry class: it is caught by RunTransaction's
// loop and never surfaces to caller code.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrWriteCollision) || errors.Is(err, ErrWritableReadCollision) {
		return true
	}
	var rollback *explicitRollbackError
	if errors.As(err, &rollback) {
		return rollback.retry
	}
	return false
}
