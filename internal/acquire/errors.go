package acquire

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoDevices is returned when discovery finds nothing keyboard-like.
var ErrNoDevices = errors.New("no keyboard devices found")

// ErrUnavailable is returned by sources that cannot run on this host.
var ErrUnavailable = errors.New("input source unavailable")

// PermissionDeniedError is returned when every keyboard candidate was
// rejected with a permission error.
type PermissionDeniedError struct {
	Paths []string
	Err   error
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied opening %s. %s", strings.Join(e.Paths, ", "), e.Remediation())
}

// Remediation describes how to grant access.
func (e *PermissionDeniedError) Remediation() string {
	return "Add your user to the 'input' group (sudo usermod -aG input $USER, then log out and back in) or run with elevated privileges."
}

func (e *PermissionDeniedError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return os.ErrPermission
}

// EnumerationError is returned when the device directory cannot be read.
type EnumerationError struct {
	Dir string
	Err error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("enumerate %s: %v", e.Dir, e.Err)
}

func (e *EnumerationError) Unwrap() error { return e.Err }
