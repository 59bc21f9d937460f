package snapshot

import (
	"errors"
	"fmt"
)

// ErrSourceUnavailable marks any failure to produce a snapshot. It is fatal
// for the whole run.
var ErrSourceUnavailable = errors.New("source unavailable")

func unavailable(msg string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrSourceUnavailable, msg)
	}
	return fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, msg, err)
}
