//go:build !linux

package v4l2

import "github.com/pkg/errors"

func probeDevice(path string) (bool, error) {
	return false, errors.Errorf("v4l2 probing is not supported on this platform: %s", path)
}
