package elfhook

import (
	"errors"
	"fmt"
)

// Status classifies the outcome of a hook request.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	// StatusAlreadyHooked is a success: every slot already held the
	// replacement.
	StatusAlreadyHooked
	StatusProtectionError
	StatusParseError
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not found"
	case StatusAlreadyHooked:
		return "already hooked"
	case StatusProtectionError:
		return "protection error"
	case StatusParseError:
		return "parse error"
	case StatusInvalid:
		return "invalid argument"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// StatusOf maps an error returned by this package to its Status.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrInvalidArgument):
		return StatusInvalid
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrAlreadyHooked):
		return StatusAlreadyHooked
	case errors.Is(err, ErrProtection):
		return StatusProtectionError
	default:
		return StatusParseError
	}
}
