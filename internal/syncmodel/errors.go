package syncmodel

import "fmt"

// ErrorKind is the error taxonomy the table and engine state charts branch
// on. It deliberately names the kind, not a Go type, so that callers can
// classify an error without a type switch over concrete error structs.
type ErrorKind int

const (
	TransientNetwork ErrorKind = iota
	Authentication
	PermanentRemote
	TransformFailure
	DatabaseFailure
	SchemaFailure
	Cancelled
	Timeout
)

func (k ErrorKind) String() string {
	switch k {
	case TransientNetwork:
		return "transient_network"
	case Authentication:
		return "authentication"
	case PermanentRemote:
		return "permanent_remote"
	case TransformFailure:
		return "transform_failure"
	case DatabaseFailure:
		return "database"
	case SchemaFailure:
		return "schema_error"
	case Cancelled:
		return "cancelled"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// SyncError is the typed error carried through errorOccured events. Scope
// and Query are optional detail fields, carried for DatabaseFailure the way
// QtDataSync's SqlLocalStore surfaces the failing statement — Query is never
// logged above Debug since it may contain row data.
type SyncError struct {
	Kind    ErrorKind
	Table   string
	Key     *ObjectKey
	Scope   string
	Query   string
	Message string
	Err     error
}

func (e *SyncError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Table, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewError builds a SyncError wrapping err with a human-readable message.
func NewError(kind ErrorKind, table, message string, err error) *SyncError {
	return &SyncError{Kind: kind, Table: table, Message: message, Err: err}
}

// NewDatabaseError builds a DatabaseFailure SyncError carrying the failing
// statement's scope (which operation was attempted) and query (the SQL
// text), mirroring QtDataSync's SqlLocalStore/SqlStateHolder exceptions.
// Callers must not log Query above Debug; it may contain row data.
func NewDatabaseError(table, scope, query string, err error) *SyncError {
	return &SyncError{Kind: DatabaseFailure, Table: table, Scope: scope, Query: query, Message: scope, Err: err}
}

// KindOf extracts the ErrorKind from err if it (or something it wraps) is a
// *SyncError; otherwise it classifies unknown errors as PermanentRemote,
// the conservative choice that surfaces rather than silently retries.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if asSyncError(err, &se) {
		return se.Kind
	}
	return PermanentRemote
}

func asSyncError(err error, target **SyncError) bool {
	for err != nil {
		if se, ok := err.(*SyncError); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
