package frontend

import "errors"

// ErrNoReplicas is returned when every replica in the directory is OFFLINE.
var ErrNoReplicas = errors.New("frontend: no replicas available")

// ErrBadRequest is returned by SendRequest for an opcode with neither the
// "u." nor the "q." prefix.
var ErrBadRequest = errors.New("frontend: bad request")
