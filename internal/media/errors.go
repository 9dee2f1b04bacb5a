package media

import (
	"errors"
	"fmt"
)

// Acquisition failures a CaptureEngine reports. Engines wrap one of these
// so the controller can pick a fallback.
var (
	ErrPermissionDenied         = errors.New("permission denied")
	ErrDeviceBusy               = errors.New("device busy")
	ErrDeviceNotFound           = errors.New("device not found")
	ErrConstraintsUnsatisfiable = errors.New("constraints unsatisfiable")
)

// Fallback is the degraded mode suggested to the user after a failure.
type Fallback string

const (
	FallbackNone      Fallback = ""
	FallbackAudioOnly Fallback = "audio-only"
	FallbackNoMedia   Fallback = "no-media"
)

// Error is the typed failure of a controller operation. The slot's flag is
// never left enabled when Error is returned, unless Degraded is set, in
// which case the operation partly succeeded with Fallback applied.
type Error struct {
	Slot     Slot
	Cause    error
	Fallback Fallback
	Degraded bool
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Slot, e.Cause)
	switch {
	case e.Degraded:
		msg += fmt.Sprintf(" (continuing %s)", e.Fallback)
	case e.Fallback != FallbackNone:
		msg += fmt.Sprintf(" (try %s)", e.Fallback)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// ClassifyDeviceError maps the error names used by browser-style capture
// stacks onto the sentinels above. Unknown names are returned as-is.
func ClassifyDeviceError(name, detail string) error {
	var base error
	switch name {
	case "NotAllowedError", "SecurityError", "PermissionDeniedError":
		base = ErrPermissionDenied
	case "NotReadableError", "TrackStartError", "AbortError":
		base = ErrDeviceBusy
	case "NotFoundError", "DevicesNotFoundError":
		base = ErrDeviceNotFound
	case "OverconstrainedError", "ConstraintNotSatisfiedError":
		base = ErrConstraintsUnsatisfiable
	default:
		return fmt.Errorf("%s: %s", name, detail)
	}
	if detail == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, detail)
}

// fallbackFor suggests what the user can still do after slot failed.
func fallbackFor(slot Slot) Fallback {
	switch slot {
	case SlotCamera:
		return FallbackAudioOnly
	case SlotMic:
		return FallbackNoMedia
	}
	return FallbackNone
}
