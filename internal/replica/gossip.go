package replica

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/d-nagy/gossipkv/internal/directory"
	"github.com/d-nagy/gossipkv/internal/vectorclock"
)

// Peer is what the gossip loop and front end need from a remote replica.
// PeerClient implements it over net/rpc; LocalPeer implements it by
// calling directly into another in-process Manager, for tests that
// simulate a whole replica topology without opening sockets.
type Peer interface {
	SendUpdate(op Op, prev vectorclock.Clock, uID string) (vectorclock.Clock, bool, error)
	SendQuery(op Op, prev vectorclock.Clock) (interface{}, vectorclock.Clock, error)
	SendGossip(log []Record, ts vectorclock.Clock, rID int) error
	GetStatus() (Status, error)
}

// LocalPeer adapts an in-process Manager to the Peer interface.
type LocalPeer struct{ M *Manager }

func (p LocalPeer) SendUpdate(op Op, prev vectorclock.Clock, uID string) (vectorclock.Clock, bool, error) {
	return p.M.SendUpdate(op, prev, uID)
}

func (p LocalPeer) SendQuery(op Op, prev vectorclock.Clock) (interface{}, vectorclock.Clock, error) {
	return p.M.SendQuery(context.Background(), op, prev)
}

func (p LocalPeer) SendGossip(log []Record, ts vectorclock.Clock, rID int) error {
	return p.M.SendGossip(log, ts, rID)
}

func (p LocalPeer) GetStatus() (Status, error) { return p.M.GetStatus(), nil }

// PeerDialer builds a Peer handle for a directory endpoint string. The
// production dialer is NewPeerClient; tests substitute one that returns a
// LocalPeer for in-memory topologies.
type PeerDialer func(endpoint string) Peer

// RPCDialer is the production PeerDialer: endpoint is a "host:port" net/rpc
// address.
func RPCDialer(endpoint string) Peer { return NewPeerClient(endpoint) }

// discoverPeers re-reads the directory and returns every other replica's
// (id, endpoint), excluding self by identifier rather than by list
// position — a directory reordering must never unmask the wrong peer.
func discoverPeers(resolver directory.NameResolver, selfID int) (map[int]string, error) {
	entries, err := resolver.List(directory.ReplicaPrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[int]string, len(entries))
	for _, e := range entries {
		id, ok := directory.ParseReplicaID(e.Name)
		if !ok || id == selfID {
			continue
		}
		out[id] = e.Endpoint
	}
	return out, nil
}

func (m *Manager) peerKnownTs(id int) vectorclock.Clock {
	m.tsTableMu.Lock()
	defer m.tsTableMu.Unlock()
	if id < 0 || id >= len(m.tsTable) {
		return vectorclock.New(m.cfg.N)
	}
	return m.tsTable[id]
}

// GossipLoop runs the Tick -> Discover -> Send -> Sample -> Sleep state
// machine once per cfg.GossipInterval, until stopped. It is the sole owner
// of its Manager's outbound gossip traffic; only one GossipLoop should run
// per Manager.
type GossipLoop struct {
	m        *Manager
	resolver directory.NameResolver
	dial     PeerDialer
	log      *zap.Logger

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewGossipLoop builds a loop for m, discovering peers through resolver and
// dialing them with dial.
func NewGossipLoop(m *Manager, resolver directory.NameResolver, dial PeerDialer, log *zap.Logger) *GossipLoop {
	return &GossipLoop{
		m:        m,
		resolver: resolver,
		dial:     dial,
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run blocks, ticking every cfg.GossipInterval, until Stop is called.
func (g *GossipLoop) Run() {
	defer close(g.doneCh)

	ticker := time.NewTicker(g.m.cfg.GossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.tick()
		}
	}
}

// Stop signals the loop to exit at its next wake and waits for it to do so.
func (g *GossipLoop) Stop() {
	g.once.Do(func() { close(g.stopCh) })
	<-g.doneCh
}

// TickOnce runs a single Discover/Send/Sample pass synchronously, without
// waiting for the ticker. Tests drive gossip rounds deterministically with
// this instead of sleeping through real GossipInterval ticks.
func (g *GossipLoop) TickOnce() {
	g.tick()
}

func (g *GossipLoop) tick() {
	if !g.m.offline() {
		g.discoverAndSend()
	}
	if g.m.autoStatusEnabled() {
		g.m.updateStatusAuto()
	}
	if g.log != nil {
		g.log.Debug("gossip tick complete",
			zap.Int("replica", g.m.id),
			zap.String("status", g.m.GetStatus().String()),
			zap.Any("value_ts", g.m.ValueTs().Value()),
		)
	}
}

func (g *GossipLoop) discoverAndSend() {
	peers, err := discoverPeers(g.resolver, g.m.id)
	if err != nil {
		if g.log != nil {
			g.log.Warn("gossip discover failed", zap.Error(err))
		}
		return
	}

	var eg errgroup.Group
	replicaTs := g.m.ReplicaTs()
	for id, endpoint := range peers {
		id, endpoint := id, endpoint
		eg.Go(func() error {
			peer := g.dial(endpoint)
			recent := g.m.getRecentUpdates(g.m.peerKnownTs(id))
			if err := peer.SendGossip(recent, replicaTs, g.m.id); err != nil {
				if g.log != nil {
					g.log.Warn("gossip send failed", zap.Int("peer", id), zap.Error(err))
				}
				return nil
			}
			if g.m.metrics != nil {
				g.m.metrics.GossipSent.Inc()
			}
			return nil // best-effort: a peer failure never fails the group
		})
	}
	_ = eg.Wait()
}
