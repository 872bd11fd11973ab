package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match them with errors.Is.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
	ErrCorruption = errors.New("corruption")
	ErrIO         = errors.New("io error")
)

// Error carries the offending id or path alongside its kind.
type Error struct {
	Kind error
	Op   string
	ID   string
	Path string
	Line int
	// Winner is the id that won a uniqueness race.
	Winner string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.ID != "" {
		fmt.Fprintf(&b, " (id=%s)", e.ID)
	}
	if e.Path != "" {
		if e.Line > 0 {
			fmt.Fprintf(&b, " (%s:%d)", e.Path, e.Line)
		} else {
			fmt.Fprintf(&b, " (path=%s)", e.Path)
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

func NotFound(op, id string) error {
	return &Error{Kind: ErrNotFound, Op: op, ID: id}
}

func Validation(op, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(op, id, winner, msg string) error {
	return &Error{Kind: ErrConflict, Op: op, ID: id, Winner: winner, Msg: msg}
}

func Corruption(op, path string, line int, err error) error {
	return &Error{Kind: ErrCorruption, Op: op, Path: path, Line: line, Err: err}
}

func CorruptionID(op, id, msg string) error {
	return &Error{Kind: ErrCorruption, Op: op, ID: id, Msg: msg}
}

func IO(op, path string, err error) error {
	return &Error{Kind: ErrIO, Op: op, Path: path, Err: err}
}

// KindOf returns the taxonomy sentinel for err, or nil when err is untyped.
func KindOf(err error) error {
	for _, k := range []error{ErrNotFound, ErrValidation, ErrConflict, ErrCorruption, ErrIO} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
