package domain

import "errors"

// ErrNotFound is returned by query/update handlers when a referenced movie
// cannot be located by title or id. The engine surfaces this to the client
// verbatim (spec's DomainError); a failed update stays unexecuted in the
// engine's log and is attempted again on later stability passes.
var ErrNotFound = errors.New("domain: not found")

// ErrBadArgs is returned when a handler is invoked with the wrong number or
// type of arguments for its opcode.
var ErrBadArgs = errors.New("domain: bad arguments")
