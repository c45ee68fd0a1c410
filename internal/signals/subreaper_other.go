//go:build !linux

package signals

import "errors"

// BecomeSubreaper is only supported on Linux
func BecomeSubreaper() error {
	return errors.New("child subreaper is not supported on this platform")
}
