package pools

import "fmt"

// Kind is the closed error taxonomy of the engine. The API boundary maps
// kinds to transport status codes; nothing matches on message text.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindCommand
	KindMount
	KindProbe
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindCommand:
		return "command"
	case KindMount:
		return "mount"
	case KindProbe:
		return "probe"
	}
	return "unknown"
}

// Error is the structured failure type for every engine operation. Op names
// the operation or step that failed; Stderr carries captured tool output
// for diagnosis.
type Error struct {
	Kind   Kind
	Op     string
	Msg    string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return e.Op + ": " + e.Msg
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the error kind, KindUnknown for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if pe, ok := err.(*Error); ok {
		return pe.Kind
	}
	return KindUnknown
}

func Validationf(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func CommandErr(op, msg, stderr string, err error) *Error {
	return &Error{Kind: KindCommand, Op: op, Msg: msg, Stderr: stderr, Err: err}
}

func MountErr(op, msg, stderr string, err error) *Error {
	return &Error{Kind: KindMount, Op: op, Msg: msg, Stderr: stderr, Err: err}
}

func ProbeErr(op, msg string, err error) *Error {
	return &Error{Kind: KindProbe, Op: op, Msg: msg, Err: err}
}
