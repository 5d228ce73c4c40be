package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers both absent records and records owned by someone
	// else, so callers cannot probe for existence.
	ErrNotFound = errors.New("not found")

	ErrQuotaExceeded      = errors.New("instance quota exceeded")
	ErrCapacityExceeded   = fmt.Errorf("%w: global capacity reached", ErrQuotaExceeded)
	ErrProvisionFailed    = errors.New("provisioning failed")
	ErrBackendUnreachable = errors.New("backend unreachable")
	ErrInstanceVanished   = errors.New("backend unit no longer exists")
	ErrScanTimeout        = errors.New("scan timed out")
	ErrInstanceBusy       = errors.New("another operation is in progress for this instance")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrLabInactive        = errors.New("lab is not active")

	// ErrStaleWrite is returned by conditional updates whose precondition no
	// longer holds.
	ErrStaleWrite = errors.New("record changed concurrently")
)

// IsUserFacing reports whether err carries a message the caller of a
// lifecycle operation should see verbatim.
func IsUserFacing(err error) bool {
	for _, target := range []error{
		ErrNotFound,
		ErrQuotaExceeded,
		ErrProvisionFailed,
		ErrInstanceBusy,
		ErrInvalidTransition,
		ErrLabInactive,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsTransient reports whether retrying the same call later may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrBackendUnreachable) || errors.Is(err, ErrInstanceBusy)
}
