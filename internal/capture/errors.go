package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCapturerSelected is returned by API.Start when no option was selected
	ErrNoCapturerSelected = errors.New("no capturer selected")

	// ErrUnknownOption is matched by every selection error
	ErrUnknownOption = errors.New("unknown capture option")

	// ErrStopTimeout is returned when a capture goroutine fails to exit in time
	ErrStopTimeout = errors.New("capturer did not stop in time")
)

// OptionError reports a label that does not resolve to a capture option
type OptionError struct {
	Label string
	Kind  string
}

func (e *OptionError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("unknown option %q for %s", e.Label, e.Kind)
	}
	return fmt.Sprintf("unknown option %q", e.Label)
}

// Is reports whether target is ErrUnknownOption
func (e *OptionError) Is(target error) bool {
	return target == ErrUnknownOption
}
