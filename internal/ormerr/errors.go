// Package ormerr defines the error kinds raised while compiling join graphs
// and hydrating result rows.
package ormerr

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors matched by the typed errors below through errors.Is.
var (
	// ErrMapping marks inconsistent or ambiguous mapping metadata.
	ErrMapping = errors.New("joinfetch: mapping error")
	// ErrWrongClass marks an identity hit or discriminator that resolves to an unexpected entity.
	ErrWrongClass = errors.New("joinfetch: wrong class")
	// ErrStaleObject marks an optimistic version mismatch.
	ErrStaleObject = errors.New("joinfetch: stale object")
	// ErrNotFound marks a missing row for a required association or a load by id.
	ErrNotFound = errors.New("joinfetch: object not found")
	// ErrAssertion marks a violated internal invariant.
	ErrAssertion = errors.New("joinfetch: assertion failure")
	// ErrQuery marks a failure reported by the database while running a compiled statement.
	ErrQuery = errors.New("joinfetch: query failed")
)

// MappingError reports metadata that cannot be compiled.
type MappingError struct {
	Entity  string
	Message string
}

func (e *MappingError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("joinfetch: mapping error on %s: %s", e.Entity, e.Message)
	}
	return "joinfetch: mapping error: " + e.Message
}

// Is reports whether target is ErrMapping.
func (e *MappingError) Is(target error) bool {
	return target == ErrMapping
}

// NewMappingError formats a MappingError for entity.
func NewMappingError(entity, format string, args ...any) *MappingError {
	return &MappingError{Entity: entity, Message: fmt.Sprintf(format, args...)}
}

// MultipleBagFetchError reports two or more unindexed collections scheduled
// for eager join in one statement.
type MultipleBagFetchError struct {
	Roles []string
}

func (e *MultipleBagFetchError) Error() string {
	return "joinfetch: cannot simultaneously fetch multiple bags: [" + strings.Join(e.Roles, ", ") + "]"
}

// Is reports whether target is ErrMapping.
func (e *MultipleBagFetchError) Is(target error) bool {
	return target == ErrMapping
}

// WrongClassError reports an instance whose concrete entity does not match
// the entity expected at its position in the row.
type WrongClassError struct {
	Entity   string
	ID       any
	Expected string
	Message  string
}

func (e *WrongClassError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("loaded object was of wrong class, expected %s", e.Expected)
	}
	return fmt.Sprintf("joinfetch: %s (%s#%v)", msg, e.Entity, e.ID)
}

// Is reports whether target is ErrWrongClass.
func (e *WrongClassError) Is(target error) bool {
	return target == ErrWrongClass
}

// StaleObjectError reports a version mismatch detected while upgrading a lock.
type StaleObjectError struct {
	Entity string
	ID     any
}

func (e *StaleObjectError) Error() string {
	return fmt.Sprintf("joinfetch: row was updated or deleted by another transaction (%s#%v)", e.Entity, e.ID)
}

// Is reports whether target is ErrStaleObject.
func (e *StaleObjectError) Is(target error) bool {
	return target == ErrStaleObject
}

// ObjectNotFoundError reports a row that should exist but does not.
type ObjectNotFoundError struct {
	Entity   string
	ID       any
	Property string
}

func (e *ObjectNotFoundError) Error() string {
	if e.Property != "" {
		return fmt.Sprintf("joinfetch: no row for %s#%v referenced by %s", e.Entity, e.ID, e.Property)
	}
	return fmt.Sprintf("joinfetch: no row with the given identifier exists (%s#%v)", e.Entity, e.ID)
}

// Is reports whether target is ErrNotFound.
func (e *ObjectNotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// AssertionError reports an internal bookkeeping failure. It always indicates
// a bug and must not be suppressed.
type AssertionError struct {
	Message string
}

func (e *AssertionError) Error() string {
	return "joinfetch: assertion failure: " + e.Message
}

// Is reports whether target is ErrAssertion.
func (e *AssertionError) Is(target error) bool {
	return target == ErrAssertion
}

// QueryError wraps an executor failure with the statement that was running.
type QueryError struct {
	Op  string
	SQL string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("joinfetch: %s failed: %v [%s]", e.Op, e.Err, e.SQL)
}

// Unwrap returns the driver error.
func (e *QueryError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrQuery.
func (e *QueryError) Is(target error) bool {
	return target == ErrQuery
}

// WrapQuery wraps err as a QueryError. A nil err yields nil.
func WrapQuery(op, sql string, err error) error {
	if err == nil {
		return nil
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return err
	}
	return &QueryError{Op: op, SQL: sql, Err: err}
}

// IsMapping reports whether err is a mapping-definition error.
func IsMapping(err error) bool {
	return errors.Is(err, ErrMapping)
}

// IsWrongClass reports whether err is a wrong-class error.
func IsWrongClass(err error) bool {
	return errors.Is(err, ErrWrongClass)
}

// IsStaleObject reports whether err is an optimistic-lock failure.
func IsStaleObject(err error) bool {
	return errors.Is(err, ErrStaleObject)
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAssertion reports whether err is an internal assertion failure.
func IsAssertion(err error) bool {
	return errors.Is(err, ErrAssertion)
}

// IsQuery reports whether err came from the database.
func IsQuery(err error) bool {
	return errors.Is(err, ErrQuery)
}
