package transport

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/httprunner/DeployAgent/internal/providers/adb"
)

// Kind classifies transport failures.
type Kind string

const (
	KindRejected     Kind = "rejected"
	KindTimeout      Kind = "timeout"
	KindDisconnected Kind = "disconnected"
	KindNotFound     Kind = "not_found"
	KindCanceled     Kind = "canceled"
)

// Error is returned by every Client call that could not reach a usable
// answer from the device.
type Error struct {
	Op     string
	Serial string
	Kind   Kind
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("transport: %s on %s: %s", e.Op, e.Serial, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsTimeout reports whether err carries a transport timeout.
func IsTimeout(err error) bool {
	return hasKind(err, KindTimeout)
}

// IsNotFound reports whether err means the device is gone.
func IsNotFound(err error) bool {
	return hasKind(err, KindNotFound)
}

func hasKind(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// classify maps an error raised by the adb layer onto a Kind.
func classify(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, adb.ErrDeviceNotFound) {
		return KindNotFound
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no devices"),
		strings.Contains(msg, "offline"):
		return KindNotFound
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "broken pipe"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "eof"), strings.Contains(msg, "closed"):
		return KindDisconnected
	}
	return KindRejected
}

func (c *Client) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Op: op, Serial: c.serial, Kind: classify(err), Err: errors.WithStack(err)}
}
