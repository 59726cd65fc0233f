// Package proto implements the memcached ASCII wire protocol (C4): an
// incremental line-oriented parser (a header state, which also reads a
// storage command's data block once it has fully arrived, and a SWALLOW
// state for oversized data blocks) and a
// response composer backed by a doubling output buffer. Token layout and
// error strings are grounded on the canonical ASCII command set (see
// DESIGN.md); this package only parses and composes bytes, it never
// touches a storage engine.
package proto

import "errors"

// Verb identifies the parsed command.
type Verb int

const (
	VerbGet Verb = iota
	VerbGets
	VerbSet
	VerbAdd
	VerbReplace
	VerbCAS
	VerbAppend
	VerbPrepend
	VerbDelete
	VerbIncr
	VerbDecr
	VerbStats
	VerbVersion
	VerbQuit
	VerbPing
)

// Request is one parsed command. Keys and Value are views into the
// buffer the parser was called with; they are only valid until that
// buffer is reused, matching the contract in the data model (§3).
type Request struct {
	Verb Verb
	// Keys holds every key for GET/GETS (multi-get); exactly one key
	// for every other verb that takes one.
	Keys [][]byte

	Flags   uint32
	Expiry  int64
	Value   []byte
	Delta   uint64
	CAS     uint64
	NoReply bool
}

var (
	// ErrUnfinished means buf does not yet hold a complete request;
	// the caller must keep buf and append more bytes before retrying.
	ErrUnfinished = errors.New("proto: unfinished request")
	// ErrInvalid means buf starts with a syntactically invalid
	// request; the caller should respond CLIENT_ERROR and discard the
	// consumed bytes. Only a header declaring an oversized data block
	// also puts the parser into swallow mode.
	ErrInvalid = errors.New("proto: invalid request")
)
