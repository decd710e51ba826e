// Package replica implements the gossip-architecture replication engine:
// vector-clock bookkeeping, the update log, the stability predicate, the
// gossip exchange, and replica status. Domain semantics are pluggable via
// domain.Registry; this package never inspects them.
package replica

import (
	"fmt"
	"time"

	"github.com/d-nagy/gossipkv/internal/vectorclock"
)

// Status is a replica's externally observable availability.
type Status int

const (
	Active Status = iota
	Overloaded
	Offline
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Overloaded:
		return "overloaded"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// ParseStatus parses the wire/CLI representation of a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "active":
		return Active, nil
	case "overloaded":
		return Overloaded, nil
	case "offline":
		return Offline, nil
	default:
		return Active, fmt.Errorf("%w: unknown status %q", ErrBadRequest, s)
	}
}

// Op is a dotted opcode plus its string-encoded parameters: a closed
// tagged variant the engine never interprets itself; only domain.Registry
// does.
type Op struct {
	Code   string
	Params []string
}

// Record is an update log entry: the origin replica, the timestamp
// assigned at acceptance, the update itself, the causal predecessor
// timestamp it depended on, and its globally unique id.
type Record struct {
	Origin int
	Ts     vectorclock.Clock
	Op     Op
	Prev   vectorclock.Clock
	ID     string
}

// Equal reports whether two records are identical in every field — used by
// mergeRecordLocked's "identical record not already present" check.
func (r Record) Equal(other Record) bool {
	return r.Origin == other.Origin &&
		r.ID == other.ID &&
		r.Ts.Equal(other.Ts) &&
		r.Prev.Equal(other.Prev) &&
		r.Op.Code == other.Op.Code &&
		equalParams(r.Op.Params, other.Op.Params)
}

func equalParams(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Config holds the per-replica operational parameters.
type Config struct {
	N              int
	FailureProb    float64
	OverloadProb   float64
	GossipInterval time.Duration
	// EnableTrim turns on the optional update-log trim sweep.
	EnableTrim bool
}

// DefaultConfig returns gossipkv's baseline operational parameters.
func DefaultConfig(n int) Config {
	return Config{
		N:              n,
		FailureProb:    0.10,
		OverloadProb:   0.20,
		GossipInterval: 8 * time.Second,
	}
}
