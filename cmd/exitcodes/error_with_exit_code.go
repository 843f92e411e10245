package exitcodes

// ErrorWithExitCode wraps an existing error with the specific process exit code it should produce if it bubbles
// up to the top level, per spec.md §6's CLI exit code contract.
type ErrorWithExitCode struct {
	err      error
	exitCode int
}

// NewErrorWithExitCode creates a new ErrorWithExitCode wrapping err with the given exitCode.
func NewErrorWithExitCode(err error, exitCode int) *ErrorWithExitCode {
	return &ErrorWithExitCode{err: err, exitCode: exitCode}
}

// Error implements the error interface.
func (e *ErrorWithExitCode) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

// GetInnerErrorAndExitCode unwraps err, returning the underlying error and the exit code the process should
// produce: 0 for a nil error, ExitCodeUnexpectedError for a generic error, or whatever code an ErrorWithExitCode
// carries.
func GetInnerErrorAndExitCode(err error) (error, int) {
	if err == nil {
		return nil, ExitCodeSuccess
	}
	if unwrapped, ok := err.(*ErrorWithExitCode); ok {
		return unwrapped.err, unwrapped.exitCode
	}
	return err, ExitCodeUnexpectedError
}
