package nvfbc

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrUnsupportedPlatform is returned on hosts without an NvFBC binding.
	ErrUnsupportedPlatform = errors.New("nvfbc is not supported on this platform")

	// Environment errors: the library or its entry points are missing.
	ErrLibraryLoad       = errors.New("failed to load the NvFBC library")
	ErrMissingEntryPoint = errors.New("unable to locate required entry points")

	// Capability errors: terminal for the current Initialize attempt.
	ErrStatusUnavailable  = errors.New("failed to get NvFBC status")
	ErrCaptureNotPossible = errors.New("capture is not possible, unsupported device or driver")
	ErrCannotCreateNow    = errors.New("can not create an instance of NvFBC at this time")
	ErrCreateFailed       = errors.New("failed to create an instance of NvFBC")
	ErrSetupFailed        = errors.New("NvFBCToSysSetUp failed")

	// Frame acquisition errors.
	ErrNotInitialized = errors.New("nvfbc session is not initialized")
	ErrDynamicDisable = errors.New("NvFBC was disabled by another process")
	ErrReinitFailed   = errors.New("failed to re-initialize invalidated session")
	ErrGrabFailed     = errors.New("failed to grab frame")
)

// LoadError reports a failed library load with the platform error code.
type LoadError struct {
	Path string
	Code uint32
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %d - %s: %v", ErrLibraryLoad, e.Code, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrLibraryLoad) hold for every LoadError.
func (e *LoadError) Is(target error) bool { return target == ErrLibraryLoad }

// errorCode extracts the OS error number from err, or 0.
func errorCode(err error) uint32 {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return uint32(errno)
	}
	return 0
}

// ErrorClass groups session errors by how a caller should react.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	// ClassEnvironment needs external remediation (driver, library install).
	ClassEnvironment
	// ClassCapability may clear up later; retry Initialize.
	ClassCapability
	// ClassTransient was a revoked session; recovery already ran.
	ClassTransient
	// ClassHardDisable is an external policy decision; do not retry.
	ClassHardDisable
)

func (c ErrorClass) String() string {
	switch c {
	case ClassEnvironment:
		return "environment"
	case ClassCapability:
		return "capability"
	case ClassTransient:
		return "transient"
	case ClassHardDisable:
		return "hard-disable"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by Session to its ErrorClass.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrDynamicDisable):
		return ClassHardDisable
	case errors.Is(err, ErrReinitFailed):
		return ClassTransient
	case errors.Is(err, ErrLibraryLoad),
		errors.Is(err, ErrMissingEntryPoint),
		errors.Is(err, ErrUnsupportedPlatform):
		return ClassEnvironment
	case errors.Is(err, ErrStatusUnavailable),
		errors.Is(err, ErrCaptureNotPossible),
		errors.Is(err, ErrCannotCreateNow),
		errors.Is(err, ErrCreateFailed),
		errors.Is(err, ErrSetupFailed):
		return ClassCapability
	default:
		return ClassUnknown
	}
}
