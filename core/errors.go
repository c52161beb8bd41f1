package core

import (
	"errors"
	"fmt"
)

// DecodeError reports malformed bytes: a truncated internal key, an unknown
// tag byte, or a WAL record failing its checksum. During WAL replay a
// DecodeError on the trailing record means "end of valid log"; anywhere else
// it indicates real corruption.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: %s", e.Reason)
}

// AlreadyLockedError reports exclusive-open contention on a database
// directory. PID is the textual process id recorded in the LOCK file by the
// current holder; it is best-effort and may be stale.
type AlreadyLockedError struct {
	PID string
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf("database already open by process %s", e.PID)
}

// ContractViolationError reports a caller breaking a documented precondition,
// such as requesting a numbered filename without a number. It marks a
// programming error, not a runtime condition.
type ContractViolationError struct {
	Op     string
	Reason string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("contract violation in %s: %s", e.Op, e.Reason)
}

// IsDecodeError checks if an error (or any error in its chain) is a DecodeError.
func IsDecodeError(err error) bool {
	var decodeErr *DecodeError
	return errors.As(err, &decodeErr)
}

// IsAlreadyLocked checks if an error is an AlreadyLockedError.
func IsAlreadyLocked(err error) bool {
	var lockedErr *AlreadyLockedError
	return errors.As(err, &lockedErr)
}

// IsContractViolation checks if an error is a ContractViolationError.
func IsContractViolation(err error) bool {
	var contractErr *ContractViolationError
	return errors.As(err, &contractErr)
}
