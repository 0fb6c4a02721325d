package db

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrRetriesExhausted is returned by TransactWithRetry when every
	// attempt failed with a retryable error.
	ErrRetriesExhausted = errors.New("transaction retries exhausted")

	// ErrDatabaseNotEmpty is returned by Initialize when the target
	// database already contains tables.
	ErrDatabaseNotEmpty = errors.New("database is not empty")

	// ErrDirtySchema is returned by Migrate when a previous migration
	// failed part-way and left its version marked dirty.
	ErrDirtySchema = errors.New("schema version is dirty")
)

// AssociationTriggerMarker appears in the message raised by the
// data_source_asset_association numbering triggers in every dialect.
const AssociationTriggerMarker = "num=NULL and integer num for the same parameter"

// PostgreSQL SQLSTATE codes.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgRaiseException       = "P0001"
)

// MySQL server error numbers.
const (
	myDuplicateEntry  = 1062
	myLockWaitTimeout = 1205
	myDeadlock        = 1213
	mySignalException = 1644
)

// IsUniqueViolation reports whether err is a unique or primary key
// constraint violation.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == myDuplicateEntry
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}

// IsSerializationFailure reports whether err is a transient conflict that
// succeeds when the transaction is replayed: serialization failures,
// deadlocks, lock wait timeouts and SQLite busy errors.
func IsSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == myDeadlock || myErr.Number == myLockWaitTimeout
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// IsAssociationTriggerViolation reports whether err was raised by one of
// the asset numbering triggers.
func IsAssociationTriggerViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgRaiseException && strings.Contains(pgErr.Message, AssociationTriggerMarker)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mySignalException && strings.Contains(myErr.Message, AssociationTriggerMarker)
	}
	return strings.Contains(err.Error(), AssociationTriggerMarker)
}
