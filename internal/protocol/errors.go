package protocol

import (
	"errors"
	"fmt"

	"github.com/danmuck/nettables/internal/protocol/wire"
)

var (
	ErrTruncated         = wire.ErrTruncated
	ErrTooLarge          = wire.ErrTooLarge
	ErrUnrecognizedType  = errors.New("protocol: unrecognized type")
	ErrUnknownMessage    = errors.New("protocol: unknown message type")
	ErrRevision          = errors.New("protocol: not legal at active revision")
	ErrClearMagic        = errors.New("protocol: clear entries magic mismatch")
	ErrUnknownEntry      = errors.New("protocol: unknown entry id")
	ErrValueTypeMismatch = errors.New("protocol: value type mismatch")
)

// DecodeError reports a message that could not be decoded. The stream
// position after a DecodeError is unreliable.
type DecodeError struct {
	Type  MessageType
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("protocol: decode %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("protocol: decode %s.%s: %v", e.Type, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func revisionError(floor, active wire.Revision) error {
	return fmt.Errorf("%w: requires %s, active %s", ErrRevision, floor, active)
}
