package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration = errors.New("cpsw: configuration error")
	ErrInvalidArg    = errors.New("cpsw: invalid argument")
	ErrIO            = errors.New("cpsw: i/o error")
	ErrBadStatus     = errors.New("cpsw: bad status")
	ErrInternal      = errors.New("cpsw: internal error")
)

// BadStatusError reports a nonzero status word returned by the device.
type BadStatusError struct {
	Op     string
	Status uint32
}

func (e *BadStatusError) Error() string {
	return fmt.Sprintf("cpsw: %s: bad status 0x%08x", e.Op, e.Status)
}

func (e *BadStatusError) Is(target error) bool {
	return target == ErrBadStatus
}

func ConfigErrorf(format string, args ...any) error {
	return wrapf(ErrConfiguration, format, args...)
}

func InvalidArgf(format string, args ...any) error {
	return wrapf(ErrInvalidArg, format, args...)
}

func IOErrorf(format string, args ...any) error {
	return wrapf(ErrIO, format, args...)
}

func InternalErrorf(format string, args ...any) error {
	return wrapf(ErrInternal, format, args...)
}

func wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}
