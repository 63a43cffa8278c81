package decoding

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks malformed sampling configurations, decoding modes
	// that disagree with the supplied fields, and out-of-range parameters.
	ErrConfiguration = errors.New("decoding: configuration error")
	// ErrInvariant marks inputs that can only come from a caller bug, such as
	// a batch slot outside the decoder domain.
	ErrInvariant = errors.New("decoding: invariant violation")
	// ErrStepInFlight is returned when the slot set is mutated while a step
	// is running.
	ErrStepInFlight = errors.New("decoding: step in flight")
)

type decodingError struct {
	kind error
	msg  string
}

func (e decodingError) Error() string {
	return e.kind.Error() + ": " + e.msg
}

func (e decodingError) Unwrap() error {
	return e.kind
}

func configErrorf(format string, args ...any) error {
	return decodingError{kind: ErrConfiguration, msg: fmt.Sprintf(format, args...)}
}

func invariantErrorf(format string, args ...any) error {
	return decodingError{kind: ErrInvariant, msg: fmt.Sprintf(format, args...)}
}
