// Package domain contains shared types, limits, and business logic errors.
package domain

import "errors"

// Mask-backed tables cap both guest and pCPU counts.
const (
	MaxGuests = 32
	MaxPCPUs  = 32
)

// StatusError is an error that carries the daemon exit code reported on
// standard error when the control loop terminates abnormally.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	return e.Msg
}

// Daemon status errors. The codes are stable and surface both in logs and
// as the process exit status.
var (
	// ErrConnFailed is returned when the hypervisor connection cannot be opened.
	ErrConnFailed = &StatusError{Code: -1, Msg: "hypervisor connection failed"}

	// ErrNoGuests is returned when no guests are active at startup.
	ErrNoGuests = &StatusError{Code: -2, Msg: "no active guests"}

	// ErrGuestList is returned when the active guest list cannot be retrieved.
	ErrGuestList = &StatusError{Code: -3, Msg: "guest list retrieval failed"}

	// ErrTableAlloc is returned when internal tables cannot be sized,
	// including guest or pCPU counts beyond the 32-entry mask domain.
	ErrTableAlloc = &StatusError{Code: -4, Msg: "internal table allocation failed"}

	// ErrGuestStats is returned when per-guest info or stats cannot be
	// retrieved, or a per-guest command is refused.
	ErrGuestStats = &StatusError{Code: -5, Msg: "guest info/stats failed"}

	// ErrHostStats is returned when host free-memory or pCPU idle-time
	// queries fail.
	ErrHostStats = &StatusError{Code: -6, Msg: "host free-memory / pcpu-idle query failed"}
)

// ExitCode extracts the status code from err, unwrapping as needed.
// Errors without an embedded StatusError report as a generic failure.
func ExitCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return -1
}
