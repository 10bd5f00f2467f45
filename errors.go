package screencapture

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidOptions   = errors.New("invalid recording options")
	ErrUnsupportedCodec = errors.New("unsupported video codec")

	ErrAlreadyActive    = errors.New("a recording session is already active; call Stop or Cancel first")
	ErrNotActive        = errors.New("there is no active recording session; call Start first")
	ErrStopInProgress   = errors.New("the recording session is already being stopped")
	ErrStartTimeout     = errors.New("the recorder did not confirm the start of recording in time")
	ErrStartInterrupted = errors.New("the start of recording was interrupted by Stop or Cancel")

	ErrChildProcessFailure = errors.New("the recorder process failed")
	ErrCompressionFailure  = errors.New("unable to compress the recording")
)

// ChildProcessError describes a child process that exited unsuccessfully.
type ChildProcessError struct {
	ExitCode int
	Signal   string
	Stderr   string
}

func (err *ChildProcessError) Error() string {
	var b strings.Builder
	b.WriteString(ErrChildProcessFailure.Error())
	switch {
	case err.Signal != "":
		fmt.Fprintf(&b, ": terminated by signal %s", err.Signal)
	default:
		fmt.Fprintf(&b, ": exit code %d", err.ExitCode)
	}
	if msg := strings.TrimSpace(err.Stderr); msg != "" {
		fmt.Fprintf(&b, ": %s", msg)
	}
	return b.String()
}

func (err *ChildProcessError) Unwrap() error {
	return ErrChildProcessFailure
}
