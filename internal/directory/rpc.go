package directory

import (
	"fmt"
	"net"
	"net/rpc"

	"go.uber.org/zap"
)

// Service exposes a StaticResolver over net/rpc so it can run as a
// standalone directory daemon (cmd/directoryd) that replica processes
// register with on startup.
type Service struct {
	res *StaticResolver
	log *zap.Logger
}

// NewService wraps res for RPC exposure.
func NewService(res *StaticResolver, log *zap.Logger) *Service {
	return &Service{res: res, log: log}
}

// LookupArgs/LookupReply etc. are the net/rpc argument/reply pairs; net/rpc
// requires every method to have exactly this (args, *reply) error shape.

type LookupArgs struct{ Name string }
type LookupReply struct{ Endpoint string }

func (s *Service) Lookup(args LookupArgs, reply *LookupReply) error {
	ep, err := s.res.Lookup(args.Name)
	if err != nil {
		return err
	}
	reply.Endpoint = ep
	return nil
}

type ListArgs struct{ Prefix string }
type ListReply struct{ Entries []Named }

func (s *Service) List(args ListArgs, reply *ListReply) error {
	entries, err := s.res.List(args.Prefix)
	if err != nil {
		return err
	}
	reply.Entries = entries
	return nil
}

type RegisterArgs struct{ Name, Endpoint string }
type RegisterReply struct{}

func (s *Service) Register(args RegisterArgs, _ *RegisterReply) error {
	if s.log != nil {
		s.log.Info("directory register", zap.String("name", args.Name), zap.String("endpoint", args.Endpoint))
	}
	return s.res.Register(args.Name, args.Endpoint)
}

type DeregisterArgs struct{ Name string }
type DeregisterReply struct{}

func (s *Service) Deregister(args DeregisterArgs, _ *DeregisterReply) error {
	if s.log != nil {
		s.log.Info("directory deregister", zap.String("name", args.Name))
	}
	return s.res.Deregister(args.Name)
}

// Serve registers Service on a new net/rpc server under the name
// "Directory" and blocks accepting connections on listenAddr. It returns
// when the listener is closed.
func Serve(listenAddr string, res *StaticResolver, log *zap.Logger) error {
	svc := NewService(res, log)
	server := rpc.NewServer()
	if err := server.RegisterName("Directory", svc); err != nil {
		return fmt.Errorf("directory: register: %w", err)
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("directory: listen: %w", err)
	}
	server.Accept(ln)
	return nil
}

// RPCResolver is a NameResolver that delegates to a directory daemon over
// net/rpc.
type RPCResolver struct {
	addr string
}

// NewRPCResolver returns a resolver that dials addr on each call. Dialing
// per-call keeps this resolver simple and resilient to daemon restarts; the
// directory is looked up rarely (replica startup/shutdown, and once per
// gossip Discover phase) so the extra round trip is not a hot path.
func NewRPCResolver(addr string) *RPCResolver {
	return &RPCResolver{addr: addr}
}

func (r *RPCResolver) call(method string, args, reply interface{}) error {
	client, err := rpc.Dial("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("directory: dial %s: %w", r.addr, err)
	}
	defer client.Close()
	return client.Call("Directory."+method, args, reply)
}

func (r *RPCResolver) Lookup(name string) (string, error) {
	var reply LookupReply
	if err := r.call("Lookup", LookupArgs{Name: name}, &reply); err != nil {
		return "", err
	}
	return reply.Endpoint, nil
}

func (r *RPCResolver) List(prefix string) ([]Named, error) {
	var reply ListReply
	if err := r.call("List", ListArgs{Prefix: prefix}, &reply); err != nil {
		return nil, err
	}
	return reply.Entries, nil
}

func (r *RPCResolver) Register(name, endpoint string) error {
	var reply RegisterReply
	return r.call("Register", RegisterArgs{Name: name, Endpoint: endpoint}, &reply)
}

func (r *RPCResolver) Deregister(name string) error {
	var reply DeregisterReply
	return r.call("Deregister", DeregisterArgs{Name: name}, &reply)
}
