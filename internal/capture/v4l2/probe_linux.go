//go:build linux

package v4l2

import (
	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
)

// probeDevice opens the node and checks it advertises at least one pixel
// format. Metadata-only nodes open fine but report none.
func probeDevice(path string) (bool, error) {
	cam, err := webcam.Open(path)
	if err != nil {
		return false, errors.Wrap(err, "Can not open device")
	}
	defer cam.Close()

	return len(cam.GetSupportedFormats()) > 0, nil
}
