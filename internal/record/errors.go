package record

import (
	"errors"
	"fmt"
)

// Kind classifies a write-path failure. The taxonomy determines cleanup
// behavior and whether the caller may retry the whole call unmodified.
type Kind string

const (
	// KindValidation is a rejected input. No store was touched; the call
	// is safely retryable once the input is fixed.
	KindValidation Kind = "validation"

	// KindSecurity is a symlink/hardlink/path-escape detection. The write
	// was aborted before producing any byte.
	KindSecurity Kind = "security"

	// KindStorage is an index database failure. Transient busy errors are
	// retried internally; what surfaces here is permanent.
	KindStorage Kind = "storage"

	// KindFilesystem is a document write failure.
	KindFilesystem Kind = "filesystem"

	// KindLockTimeout means the advisory lock could not be acquired in
	// time. Transient at the attempt level, fatal for the call.
	KindLockTimeout Kind = "lock_timeout"

	// KindHistory is a persistent commit failure after the retry.
	KindHistory Kind = "history"
)

// Step names the state-machine step that failed.
type Step string

const (
	StepValidate      Step = "validate"
	StepWriteDocument Step = "write_document"
	StepWriteIndex    Step = "write_index"
	StepLockWait      Step = "lock_wait"
	StepCommit        Step = "commit"
)

// Error is the write path's public error type. It reports which step
// failed, whether completed steps were rolled back, and whether the caller
// may safely retry the identical call.
//
// Retryable is false for post-write failures until rollback has confirmed:
// retrying after a half-applied write could create a duplicate-looking
// record under a different ID.
type Error struct {
	Kind       Kind
	Step       Step
	RolledBack bool
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed (%s, rolled_back=%t, retryable=%t): %v",
		e.Step, e.Kind, e.RolledBack, e.Retryable, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Exit codes for CLI wrappers, one per failure kind.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitValidation  = 2
	ExitSecurity    = 3
	ExitStorage     = 4
	ExitFilesystem  = 5
	ExitLockTimeout = 6
	ExitHistory     = 7
)

// ExitCode maps an error to the process exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var recErr *Error
	if !errors.As(err, &recErr) {
		return ExitFailure
	}
	switch recErr.Kind {
	case KindValidation:
		return ExitValidation
	case KindSecurity:
		return ExitSecurity
	case KindStorage:
		return ExitStorage
	case KindFilesystem:
		return ExitFilesystem
	case KindLockTimeout:
		return ExitLockTimeout
	case KindHistory:
		return ExitHistory
	default:
		return ExitFailure
	}
}
