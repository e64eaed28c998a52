package olm

import "fmt"

// Error is a failure reported by the primitive layer. Callers above the
// engine never see it directly; the engine converts it into one of its
// typed errors.
type Error struct {
	Op      string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("olm: %s: %s", e.Op, e.Message)
}

func errOp(op, format string, args ...any) *Error {
	return &Error{Op: op, Message: fmt.Sprintf(format, args...)}
}
