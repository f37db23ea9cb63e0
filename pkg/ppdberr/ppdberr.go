// Package ppdberr implements the closed error taxonomy every PPDB
// component returns through. The protocol engines are the only place
// that translate a Code into wire bytes or a CLI exit message.
package ppdberr

import (
	"errors"
	"fmt"
	"runtime"
)

// Code is one of the closed set of error categories.
type Code int

const (
	Ok Code = iota
	InvalidParam
	NoMemory
	IO
	Timeout
	WouldBlock
	Closed
	NotFound
	Exists
	Busy
	DependencyFailed
	NotReady
	NotSupported
	InvalidState
	CasMismatch
	Overflow
	InvalidData
	InvalidConfig
	TooLarge
)

func (c Code) String() string {
	switch c {
	case Ok:
		return "Ok"
	case InvalidParam:
		return "InvalidParam"
	case NoMemory:
		return "NoMemory"
	case IO:
		return "IO"
	case Timeout:
		return "Timeout"
	case WouldBlock:
		return "WouldBlock"
	case Closed:
		return "Closed"
	case NotFound:
		return "NotFound"
	case Exists:
		return "Exists"
	case Busy:
		return "Busy"
	case DependencyFailed:
		return "DependencyFailed"
	case NotReady:
		return "NotReady"
	case NotSupported:
		return "NotSupported"
	case InvalidState:
		return "InvalidState"
	case CasMismatch:
		return "CasMismatch"
	case Overflow:
		return "Overflow"
	case InvalidData:
		return "InvalidData"
	case InvalidConfig:
		return "InvalidConfig"
	case TooLarge:
		return "TooLarge"
	default:
		return "Unknown"
	}
}

// Error carries a Code plus the file/line/function context logs
// capture for recoverable and fatal cases.
type Error struct {
	Code Code
	Msg  string
	File string
	Line int
	Func string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.err }

// New builds an Error, capturing the caller's file/line/function.
func New(code Code, msg string) *Error {
	return newAt(code, msg, nil, 2)
}

// Wrap builds an Error around an existing error, preserving the chain
// for errors.Is/errors.As while attaching a Code and stack context.
func Wrap(code Code, msg string, err error) *Error {
	return newAt(code, msg, err, 2)
}

func newAt(code Code, msg string, err error, skip int) *Error {
	pc, file, line, ok := runtime.Caller(skip)
	fn := "unknown"
	if ok {
		if f := runtime.FuncForPC(pc); f != nil {
			fn = f.Name()
		}
	} else {
		file = "unknown"
	}
	return &Error{Code: code, Msg: msg, File: file, Line: line, Func: fn, err: err}
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts the Code from err, defaulting to IO for untyped errors
// (the safest default translation for "something went wrong downstream").
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return IO
}
