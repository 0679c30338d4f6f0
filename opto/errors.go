package opto

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncatedPacket is returned when a telemetry datagram is shorter
	// than FrameSize. The datagram is dropped as a whole.
	ErrTruncatedPacket = errors.New("truncated telemetry packet")

	// ErrMalformedCommand is matched by every *MalformedCommandError.
	ErrMalformedCommand = errors.New("malformed write command")

	ErrNegativeValue        = errors.New("negative value cannot be written as unsigned quadlet")
	ErrValueOutOfRange      = errors.New("value does not fit in 32 bits")
	ErrUnsupportedValueType = errors.New("unsupported value type")

	// ErrConnect reports a failure to establish the PAC connection,
	// including a failed power-up clear.
	ErrConnect = errors.New("pac connect failed")

	// ErrSendFailed reports that a command could not be sent even after
	// one reconnect and one retry.
	ErrSendFailed = errors.New("pac send failed")

	ErrGatewayRunning = errors.New("gateway already running")
)

// MalformedCommandError identifies the command field that did not decode
// to the expected number of bytes. Length is -1 when the field was not
// valid hex at all.
type MalformedCommandError struct {
	Field  string
	Length int
	Want   int
	Err    error
}

func (e *MalformedCommandError) Error() string {
	if e.Length < 0 {
		return fmt.Sprintf("malformed write command: %s is not valid hex: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("malformed write command: %s decoded to %d bytes, want %d", e.Field, e.Length, e.Want)
}

// Is lets errors.Is(err, ErrMalformedCommand) match.
func (e *MalformedCommandError) Is(target error) bool {
	return target == ErrMalformedCommand
}

func (e *MalformedCommandError) Unwrap() error {
	return e.Err
}
