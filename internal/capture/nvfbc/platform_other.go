//go:build !windows

package nvfbc

import (
	"image"
	"time"
)

type unsupportedPlatform struct{}

// DefaultPlatform returns the host platform binding. NvFBC only exists on
// Windows; elsewhere every load fails with ErrUnsupportedPlatform.
func DefaultPlatform() Platform {
	return unsupportedPlatform{}
}

func (unsupportedPlatform) SystemDir() (string, error) {
	return "", ErrUnsupportedPlatform
}

func (unsupportedPlatform) Open(string) (Module, error) {
	return nil, ErrUnsupportedPlatform
}

func (unsupportedPlatform) DesktopBounds() (image.Rectangle, error) {
	return image.Rectangle{}, ErrUnsupportedPlatform
}

func (unsupportedPlatform) Sleep(d time.Duration) {
	time.Sleep(d)
}
