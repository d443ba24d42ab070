package remote

import (
	"errors"
	"fmt"
)

// Error kinds. Every transport failure wraps exactly one of them.
var (
	ErrConnection     = errors.New("connection error")
	ErrAuthentication = errors.New("authentication error")
	ErrProtocol       = errors.New("protocol error")
	ErrTransfer       = errors.New("transfer error")
	ErrTimeout        = errors.New("timeout")
)

// Error carries the kind of a failure, the step that failed and the cause.
// errors.Is matches both the kind and the cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Wrap tags err with kind. An error that already carries a kind keeps it.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports which kind err carries, or nil.
func KindOf(err error) error {
	for _, kind := range []error{ErrConnection, ErrAuthentication, ErrProtocol, ErrTransfer, ErrTimeout} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
