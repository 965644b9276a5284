package l2lv

import (
	"errors"

	"gosuda.org/l2lv/internal/port"
)

// Error definitions for link and channel operations
var (
	ErrAgain        = errors.New("l2lv: resource temporarily unavailable")
	ErrNoDevice     = errors.New("l2lv: no such device")
	ErrInvalid      = errors.New("l2lv: invalid argument")
	ErrNoPort       = errors.New("l2lv: link has no open port")
	ErrExist        = errors.New("l2lv: already exists")
	ErrChannelFull  = errors.New("l2lv: channel table full")
	ErrRegistryFull = errors.New("l2lv: link registry full")
	ErrNotFound     = errors.New("l2lv: link not found")
	ErrClosed       = errors.New("l2lv: registry closed")
	ErrNoShm        = errors.New("l2lv: channel has no shared memory region")
	ErrRunning      = errors.New("l2lv: dispatcher already running")
)

// portError maps port failures onto the link error set.
func portError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, port.ErrFull):
		return ErrAgain
	case errors.Is(err, port.ErrClosed), errors.Is(err, port.ErrNoPeer):
		return ErrNoPort
	case errors.Is(err, port.ErrTooLarge):
		return ErrInvalid
	default:
		return err
	}
}
