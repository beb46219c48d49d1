// Package replayerr defines the error taxonomy from spec.md §7: NoData,
// BadData, IO and NoReplay. These classify failures at the connection and
// protocol-parsing layers; the merge engine itself is error-free by
// construction once events are delivered to it.
package replayerr

import "fmt"

// Kind classifies a replay-protocol error.
type Kind int

const (
	// NoData: the connection closed before any byte arrived.
	NoData Kind = iota
	// BadData: protocol violation, handshake timeout, malformed/oversized
	// header, UTF-8 decode failure, or integer parse failure.
	BadData
	// IO: a transport read/write error.
	IO
	// NoReplay: a consumer asked for a game id that no producer ever started.
	NoReplay
)

func (k Kind) String() string {
	switch k {
	case NoData:
		return "NoData"
	case BadData:
		return "BadData"
	case IO:
		return "IO"
	case NoReplay:
		return "NoReplay"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause (if any) with a replay-protocol Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error with no wrapped cause.
func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

// Wrap constructs an Error around an existing cause.
func Wrap(kind Kind, msg string, err error) *Error { return &Error{Kind: kind, Msg: msg, Err: err} }

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ce, ok := err.(*Error); ok {
			e = ce
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
