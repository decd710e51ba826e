package replica

import "errors"

// Error taxonomy for the replica engine. PeerUnavailable marks an offline or
// unreachable replica (the gossip loop logs and skips it); Cancelled is
// delivered to pending queries on shutdown; the others surface to RPC
// callers.
var (
	ErrBadRequest      = errors.New("replica: bad request")
	ErrDomainError     = errors.New("replica: domain error")
	ErrPeerUnavailable = errors.New("replica: peer unavailable")
	ErrCancelled       = errors.New("replica: cancelled")
)
