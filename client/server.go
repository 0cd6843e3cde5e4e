package client

import (
	"context"
	"fmt"
	"time"

	"github.com/luma/respmux/bridge"
	"github.com/luma/respmux/command"
	"github.com/luma/respmux/cursor"
	"github.com/luma/respmux/features"
	"github.com/luma/respmux/protocol"
	"github.com/luma/respmux/topology"
)

// Server addresses one endpoint directly, bypassing routing.
type Server struct {
	m  *Multiplexer
	ep *topology.Endpoint
}

// Server returns the handle for the endpoint at addr.
func (m *Multiplexer) Server(addr string) (*Server, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}

	ep, found := m.tracker.Endpoint(addr)
	if !found {
		return nil, fmt.Errorf("%s: %w", addr, ErrUnknownServer)
	}

	return &Server{m: m, ep: ep}, nil
}

// Servers returns a handle for every data endpoint, sorted by address.
func (m *Multiplexer) Servers() []*Server {
	eps := m.tracker.Endpoints()

	servers := make([]*Server, len(eps))
	for i, ep := range eps {
		servers[i] = &Server{m: m, ep: ep}
	}

	return servers
}

func (s *Server) Addr() string {
	return s.ep.Addr()
}

// Submit sends cmd to this server. Its routing preference is adjusted to the
// server's role, and a demand the server cannot meet fails the command.
func (s *Server) Submit(cmd *command.Command) *command.Future {
	if s.m.isClosed() {
		return command.Failed(ErrClosed)
	}

	replica := s.ep.IsReplica()

	switch {
	case cmd.Flags.Has(command.DemandReplica) && !replica:
		return command.Failed(fmt.Errorf("%s on primary %s: %w", cmd.Name, s.Addr(), topology.ErrNoReplica))
	case cmd.Flags.Has(command.DemandPrimary) && replica:
		return command.Failed(fmt.Errorf("%s on replica %s: %w", cmd.Name, s.Addr(), topology.ErrNoEndpoint))
	}

	return s.ep.Bridge().Submit(topology.FixFlags(cmd, replica))
}

// Execute runs an arbitrary command on this server and returns the raw reply.
func (s *Server) Execute(ctx context.Context, name string, args ...interface{}) (protocol.Frame, error) {
	return command.Await[protocol.Frame](ctx, s.Submit(command.New(name, args...)))
}

// Ping measures the round trip to the server.
func (s *Server) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()

	if _, err := s.Submit(command.Keyless("PING").WithProcessor(command.Pong)).Wait(ctx); err != nil {
		return 0, err
	}

	return time.Since(start), nil
}

func (s *Server) Echo(ctx context.Context, msg []byte) ([]byte, error) {
	return command.Await[[]byte](ctx, s.Submit(command.Keyless("ECHO", msg).WithProcessor(command.Bytes)))
}

// DatabaseSize counts the keys in db, or in the default database when db is
// command.DefaultDB.
func (s *Server) DatabaseSize(ctx context.Context, db int) (int64, error) {
	return command.Await[int64](ctx, s.Submit(command.Keyless("DBSIZE").WithDB(db).WithProcessor(command.Int64)))
}

// Role asks the server for its replication role, e.g. master or slave.
func (s *Server) Role(ctx context.Context) (string, error) {
	reply, err := command.Await[protocol.Frame](ctx, s.Submit(command.Keyless("ROLE")))
	if err != nil {
		return "", err
	}

	if len(reply.Elems) == 0 {
		return "", fmt.Errorf("ROLE replied with %s: %w", reply.Kind, command.ErrUnexpectedReply)
	}

	return reply.Elems[0].Text(), nil
}

// Keys enumerates the keys of db page by page. Servers without SCAN are asked
// with KEYS in a single page, and cannot resume from a cursor.
func (s *Server) Keys(db int, opts cursor.Options) *cursor.Enumerator {
	fetch := cursor.Keys(s.Submit, db, opts)
	if s.Features().Has(features.Scan) {
		fetch = cursor.Scan(s.Submit, db, opts)
	}

	return cursor.New(fetch, opts)
}

func (s *Server) Features() features.Set {
	return s.ep.Features()
}

func (s *Server) Version() features.Version {
	return s.ep.Version()
}

func (s *Server) IsConnected() bool {
	return s.ep.IsConnected()
}

func (s *Server) IsReplica() bool {
	return s.ep.IsReplica()
}

// Protocol is the RESP revision negotiated with the server.
func (s *Server) Protocol() protocol.Protocol {
	return s.ep.Server().Protocol
}

// Counters returns the statistics of each of the server's bridges.
func (s *Server) Counters() map[bridge.Role]bridge.Stats {
	counters := make(map[bridge.Role]bridge.Stats)

	for _, b := range s.ep.Bridges() {
		counters[b.Role()] = b.Stats()
	}

	return counters
}

// SimulateConnectionFailure drops every connection to the server. They are
// re-established like after a real failure.
func (s *Server) SimulateConnectionFailure() {
	for _, b := range s.ep.Bridges() {
		b.SimulateFailure()
	}
}
