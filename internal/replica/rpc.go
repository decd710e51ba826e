package replica

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/d-nagy/gossipkv/internal/vectorclock"
)

func init() {
	// Query results are returned as interface{}; gob needs the concrete
	// types the domain handlers actually produce registered up front.
	gob.Register(map[string]string{})
	gob.Register([]map[string]string{})
	gob.Register([]string{})
	gob.Register(float64(0))
}

// Wire argument/reply pairs for the replica's RPC surface. Vector clocks
// cross the wire as plain []int (Clock itself is not gob-friendly — see
// vectorclock.Clock's comment on being a value type).

type SendUpdateArgs struct {
	Op   Op
	Prev []int
	UID  string
}

type SendUpdateReply struct {
	Ts      []int
	Applied bool
}

type SendQueryArgs struct {
	Op   Op
	Prev []int
}

type SendQueryReply struct {
	Value interface{}
	Ts    []int
}

type SendGossipArgs struct {
	Log []WireRecord
	Ts  []int
	RID int
}

type SendGossipReply struct{}

// WireRecord is Record with its clocks flattened to []int for gob transport.
type WireRecord struct {
	Origin int
	Ts     []int
	Op     Op
	Prev   []int
	ID     string
}

func toWireRecord(r Record) WireRecord {
	return WireRecord{Origin: r.Origin, Ts: r.Ts.Value(), Op: r.Op, Prev: r.Prev.Value(), ID: r.ID}
}

func fromWireRecord(w WireRecord) Record {
	return Record{Origin: w.Origin, Ts: vectorclock.FromSlice(w.Ts), Op: w.Op, Prev: vectorclock.FromSlice(w.Prev), ID: w.ID}
}

// Service exposes a Manager over net/rpc as "Replica.<Method>".
type Service struct {
	m *Manager
}

// NewService wraps m for RPC exposure.
func NewService(m *Manager) *Service { return &Service{m: m} }

func (s *Service) SendUpdate(args SendUpdateArgs, reply *SendUpdateReply) error {
	ts, applied, err := s.m.SendUpdate(args.Op, vectorclock.FromSlice(args.Prev), args.UID)
	reply.Applied = applied
	if applied {
		reply.Ts = ts.Value()
	}
	return err
}

func (s *Service) SendQuery(args SendQueryArgs, reply *SendQueryReply) error {
	val, ts, err := s.m.SendQuery(context.Background(), args.Op, vectorclock.FromSlice(args.Prev))
	if err != nil {
		return err
	}
	reply.Value = val
	reply.Ts = ts.Value()
	return nil
}

func (s *Service) SendGossip(args SendGossipArgs, _ *SendGossipReply) error {
	log := make([]Record, len(args.Log))
	for i, w := range args.Log {
		log[i] = fromWireRecord(w)
	}
	return s.m.SendGossip(log, vectorclock.FromSlice(args.Ts), args.RID)
}

func (s *Service) GetStatus(_ struct{}, reply *string) error {
	*reply = s.m.GetStatus().String()
	return nil
}

func (s *Service) SetStatus(status string, _ *struct{}) error {
	st, err := ParseStatus(status)
	if err != nil {
		return err
	}
	s.m.SetStatus(st)
	return nil
}

func (s *Service) ToggleAutoStatus(auto bool, _ *struct{}) error {
	s.m.ToggleAutoStatus(auto)
	return nil
}

// Server is a running replica RPC listener. Close stops accepting new
// connections and blocks until every in-flight handler has returned,
// draining the server rather than killing handlers mid-request.
type Server struct {
	ln       net.Listener
	wg       sync.WaitGroup
	log      *zap.Logger
	stopping atomic.Bool
}

// Serve registers m on a net/rpc server under "Replica" and starts
// accepting connections on listenAddr in the background, returning
// immediately with a handle for graceful shutdown.
func Serve(listenAddr string, m *Manager, log *zap.Logger) (*Server, error) {
	server := rpc.NewServer()
	if err := server.RegisterName("Replica", NewService(m)); err != nil {
		return nil, fmt.Errorf("replica: register: %w", err)
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("replica: listen: %w", err)
	}
	if log != nil {
		log.Info("replica RPC listening", zap.String("addr", listenAddr))
	}
	s := &Server{ln: ln, log: log}
	s.wg.Add(1)
	go s.acceptLoop(server)
	return s, nil
}

// acceptLoop mirrors net/rpc's own Server.Accept, except each connection's
// handler goroutine is tracked in s.wg so Close can drain them.
func (s *Server) acceptLoop(server *rpc.Server) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !s.stopping.Load() && s.log != nil {
				s.log.Warn("replica RPC accept failed", zap.Error(err))
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			server.ServeConn(conn)
		}()
	}
}

// Close stops accepting new connections and blocks until every in-flight
// RPC handler has returned.
func (s *Server) Close() error {
	s.stopping.Store(true)
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

// PeerClient is the client-side handle the gossip loop and front end use to
// talk to a remote replica. It dials fresh on each call; gossip calls and
// front-end requests are infrequent enough (one per gossip interval per
// peer, one per client request) that connection pooling is not warranted.
type PeerClient struct {
	addr string
}

// NewPeerClient returns a client that dials addr per call.
func NewPeerClient(addr string) *PeerClient { return &PeerClient{addr: addr} }

func (p *PeerClient) dial() (*rpc.Client, error) {
	return rpc.Dial("tcp", p.addr)
}

func (p *PeerClient) SendUpdate(op Op, prev vectorclock.Clock, uID string) (vectorclock.Clock, bool, error) {
	client, err := p.dial()
	if err != nil {
		return vectorclock.Clock{}, false, fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
	}
	defer client.Close()
	var reply SendUpdateReply
	args := SendUpdateArgs{Op: op, Prev: prev.Value(), UID: uID}
	if err := client.Call("Replica.SendUpdate", args, &reply); err != nil {
		return vectorclock.Clock{}, false, err
	}
	if !reply.Applied {
		return vectorclock.Clock{}, false, nil
	}
	return vectorclock.FromSlice(reply.Ts), true, nil
}

func (p *PeerClient) SendQuery(op Op, prev vectorclock.Clock) (interface{}, vectorclock.Clock, error) {
	client, err := p.dial()
	if err != nil {
		return nil, vectorclock.Clock{}, fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
	}
	defer client.Close()
	var reply SendQueryReply
	args := SendQueryArgs{Op: op, Prev: prev.Value()}
	if err := client.Call("Replica.SendQuery", args, &reply); err != nil {
		return nil, vectorclock.Clock{}, err
	}
	return reply.Value, vectorclock.FromSlice(reply.Ts), nil
}

func (p *PeerClient) SendGossip(log []Record, ts vectorclock.Clock, rID int) error {
	client, err := p.dial()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
	}
	defer client.Close()
	wire := make([]WireRecord, len(log))
	for i, r := range log {
		wire[i] = toWireRecord(r)
	}
	args := SendGossipArgs{Log: wire, Ts: ts.Value(), RID: rID}
	var reply SendGossipReply
	return client.Call("Replica.SendGossip", args, &reply)
}

func (p *PeerClient) GetStatus() (Status, error) {
	client, err := p.dial()
	if err != nil {
		return Active, fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
	}
	defer client.Close()
	var reply string
	if err := client.Call("Replica.GetStatus", struct{}{}, &reply); err != nil {
		return Active, err
	}
	return ParseStatus(reply)
}

func (p *PeerClient) SetStatus(s Status) error {
	client, err := p.dial()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
	}
	defer client.Close()
	var reply struct{}
	return client.Call("Replica.SetStatus", s.String(), &reply)
}

func (p *PeerClient) ToggleAutoStatus(auto bool) error {
	client, err := p.dial()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
	}
	defer client.Close()
	var reply struct{}
	return client.Call("Replica.ToggleAutoStatus", auto, &reply)
}
