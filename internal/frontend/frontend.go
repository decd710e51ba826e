// Package frontend implements the causal session proxy clients use to talk
// to the replica set: it tracks a per-session vector timestamp, selects an
// available replica, forwards requests, and merges returned timestamps back
// into its own.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/d-nagy/gossipkv/internal/directory"
	"github.com/d-nagy/gossipkv/internal/domain"
	"github.com/d-nagy/gossipkv/internal/replica"
	"github.com/d-nagy/gossipkv/internal/vectorclock"
)

// FrontEnd is a single client session's proxy. It is not safe for concurrent
// use by multiple goroutines representing distinct sessions — each session
// gets its own instance, single-threaded with respect to its own state.
type FrontEnd struct {
	n        int
	resolver directory.NameResolver
	dial     replica.PeerDialer
	log      *zap.Logger

	rng   *rand.Rand
	rngMu sync.Mutex

	feTs vectorclock.Clock

	rmID  int
	rm    replica.Peer
	hasRM bool
}

// New builds a FrontEnd for an N-replica system, discovering peers through
// resolver and dialing them with dial.
func New(n int, resolver directory.NameResolver, dial replica.PeerDialer, log *zap.Logger) *FrontEnd {
	return &FrontEnd{
		n:        n,
		resolver: resolver,
		dial:     dial,
		log:      log,
		rng:      rand.New(rand.NewSource(1)),
		feTs:     vectorclock.New(n),
	}
}

// FeTs reports the session's current causal timestamp, for tests and
// diagnostics.
func (f *FrontEnd) FeTs() vectorclock.Clock { return f.feTs }

// SendRequest is the single entrypoint callers should use: it classifies
// opcode by its first dotted segment — "u." routes to SendUpdate, "q."
// routes to SendQuery — and rejects anything else with ErrBadRequest. The
// result is either the bool SendUpdate would have returned or the value
// SendQuery would have returned.
func (f *FrontEnd) SendRequest(ctx context.Context, opcode string, params []string) (interface{}, error) {
	op := replica.Op{Code: opcode, Params: params}
	switch {
	case strings.HasPrefix(opcode, "u."):
		return f.SendUpdate(op)
	case strings.HasPrefix(opcode, "q."):
		return f.SendQuery(ctx, op)
	default:
		return nil, fmt.Errorf("%w: unknown opcode %q", ErrBadRequest, opcode)
	}
}

// SendUpdate submits an update, retrying once against a freshly chosen
// replica if the first attempt finds its peer unavailable. It returns
// applied=false if the update had already been processed (DuplicateUpdate),
// which is success, not an error.
func (f *FrontEnd) SendUpdate(op replica.Op) (applied bool, err error) {
	uID := uuid.NewString()
	for attempt := 0; attempt < 2; attempt++ {
		if err := f.ensureReplica(); err != nil {
			return false, err
		}
		ts, applied, err := f.rm.SendUpdate(op, f.feTs, uID)
		if err == nil {
			if applied {
				f.feTs, err = f.feTs.Merge(ts)
				if err != nil {
					return false, err
				}
			}
			return applied, nil
		}
		if !isPeerUnavailable(err) {
			return false, err
		}
		if f.log != nil {
			f.log.Warn("replica unavailable on update, reselecting", zap.Int("replica", f.rmID))
		}
		f.hasRM = false
	}
	return false, fmt.Errorf("%w: exhausted retry", replica.ErrPeerUnavailable)
}

// SendQuery submits a query, retrying once on ErrPeerUnavailable the same
// way SendUpdate does.
func (f *FrontEnd) SendQuery(ctx context.Context, op replica.Op) (interface{}, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if err := f.ensureReplica(); err != nil {
			return nil, err
		}
		val, ts, err := f.rm.SendQuery(op, f.feTs)
		if err == nil {
			f.feTs, err = f.feTs.Merge(ts)
			if err != nil {
				return nil, err
			}
			return val, nil
		}
		if !isPeerUnavailable(err) {
			return nil, err
		}
		if f.log != nil {
			f.log.Warn("replica unavailable on query, reselecting", zap.Int("replica", f.rmID))
		}
		f.hasRM = false
	}
	return nil, fmt.Errorf("%w: exhausted retry", replica.ErrPeerUnavailable)
}

// AddRating is the convenience path for u.add_rating: it snaps rating to
// the nearest 0.5 in [0,5] before sending, so every replica applies the
// exact same rounded value regardless of delivery order.
func (f *FrontEnd) AddRating(userID, title string, rating float64) (bool, error) {
	snapped := domain.SnapRating(rating)
	op := replica.Op{
		Code:   domain.OpAddRating,
		Params: []string{userID, title, fmt.Sprintf("%v", snapped)},
	}
	return f.SendUpdate(op)
}

// ensureReplica validates the cached selection and chooses a new one if it
// is absent, offline, or was invalidated by a failed call.
func (f *FrontEnd) ensureReplica() error {
	if f.hasRM {
		if status, err := f.rm.GetStatus(); err == nil && status != replica.Offline {
			return nil
		}
		f.hasRM = false
	}
	return f.chooseReplica()
}

// chooseReplica polls every replica's status concurrently and picks
// uniformly at random from ACTIVE replicas if any exist, else uniformly at
// random from the non-OFFLINE (OVERLOADED) ones, else fails with
// ErrNoReplicas.
func (f *FrontEnd) chooseReplica() error {
	entries, err := f.resolver.List(directory.ReplicaPrefix)
	if err != nil {
		return err
	}

	type candidate struct {
		id     int
		peer   replica.Peer
		status replica.Status
	}
	candidates := make([]candidate, 0, len(entries))
	var mu sync.Mutex

	var eg errgroup.Group
	for _, e := range entries {
		e := e
		id, ok := directory.ParseReplicaID(e.Name)
		if !ok {
			continue
		}
		eg.Go(func() error {
			peer := f.dial(e.Endpoint)
			status, err := peer.GetStatus()
			if err != nil {
				if f.log != nil {
					f.log.Warn("status poll failed", zap.Int("replica", id), zap.Error(err))
				}
				return nil // best-effort: one dead peer never fails the poll
			}
			mu.Lock()
			candidates = append(candidates, candidate{id: id, peer: peer, status: status})
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	var active, overloaded []candidate
	for _, c := range candidates {
		switch c.status {
		case replica.Active:
			active = append(active, c)
		case replica.Overloaded:
			overloaded = append(overloaded, c)
		}
	}

	pick := func(pool []candidate) candidate {
		f.rngMu.Lock()
		defer f.rngMu.Unlock()
		return pool[f.rng.Intn(len(pool))]
	}

	var chosen candidate
	switch {
	case len(active) > 0:
		chosen = pick(active)
	case len(overloaded) > 0:
		chosen = pick(overloaded)
	default:
		return ErrNoReplicas
	}

	f.rmID = chosen.id
	f.rm = chosen.peer
	f.hasRM = true
	return nil
}

func isPeerUnavailable(err error) bool {
	return errors.Is(err, replica.ErrPeerUnavailable)
}
