package models

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// SyncError is a sentinel error raised by the sync core
type SyncError struct {
	Message string
}

func (e SyncError) Error() string {
	return e.Message
}

var (
	ErrStorageUnavailable     = SyncError{"local storage unavailable"}
	ErrNetworkUnavailable     = SyncError{"network unavailable"}
	ErrRemoteRejected         = SyncError{"remote store rejected the operation"}
	ErrRetryBudgetExhausted   = SyncError{"retry budget exhausted"}
	ErrCredentialInvalid      = SyncError{"credential invalid, sign in again"}
	ErrBackupChannelFailed    = SyncError{"backup channel failed"}
	ErrRestoreVersionMismatch = SyncError{"backup version is not supported"}
	ErrSyncInProgress         = SyncError{"sync already in progress"}
	ErrMissingKey             = SyncError{"record key cannot be empty"}
	ErrUnknownTarget          = SyncError{"unknown target entity"}
	ErrUnknownKind            = SyncError{"unknown operation kind"}
	ErrRecordNotFound         = SyncError{"record not found"}
	ErrOwnerMismatch          = SyncError{"record belongs to another owner"}
	ErrInvalidRecord          = SyncError{"record failed validation"}
)

// StorageError wraps a local store failure that survived its single retry.
// It is transient: only a failed open matches ErrStorageUnavailable.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("local store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}


// NewStorageError wraps err for the named operation
func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

// IsRetryBudgetConsuming reports whether a failed remote attempt counts
// against the operation's retry budget.
func IsRetryBudgetConsuming(err error) bool {
	if err == nil || errors.Is(err, ErrNetworkUnavailable) {
		return false
	}
	return true
}

// IsNetworkFailure reports whether err is a transport failure (DNS, dial,
// reset) rather than an answer from the other side.
func IsNetworkFailure(err error) bool {
	if err == nil {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH)
}
