// Package fakeserver is a scripted in-process RESP server for tests. It speaks
// enough of the protocol to exercise handshakes, pipelining, pub/sub, scanning
// and failure handling, and lets tests override any command.
package fakeserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	reuseport "github.com/kavu/go_reuseport"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/respmux/protocol"
)

// Handler answers one request. It returns the frames to write back, which may be
// none.
type Handler func(c *Client, req protocol.Request) []protocol.Frame

type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	opts     Options
	listener net.Listener
	store    Store
	log      *zap.Logger

	loopWaiter sync.WaitGroup

	mu          sync.Mutex
	activeConns map[*Client]struct{}

	overrides *xsync.MapOf[string, Handler]

	paused   int32
	received *xsync.MapOf[string, int]
}

// Start listens on Options.Host:Options.Port and serves until Close.
func Start(opts Options) (*Server, error) {
	opts = opts.withDefaults()

	listener, err := reuseport.Listen("tcp", net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		ctx:         ctx,
		cancel:      cancel,
		opts:        opts,
		listener:    listener,
		store:       opts.Store,
		log:         opts.Log.Named("fakeserver"),
		activeConns: make(map[*Client]struct{}),
		overrides:   xsync.NewMapOf[string, Handler](),
		received:    xsync.NewMapOf[string, int](),
	}

	s.loopWaiter.Add(2)

	go func() {
		defer s.loopWaiter.Done()
		s.acceptLoop()
	}()

	// Keyspace notifications
	updates := s.store.ListenToUpdates()
	go func() {
		defer s.loopWaiter.Done()

		for {
			select {
			case <-s.ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				channel := fmt.Sprintf("__keyspace@%d__:%s", update.DB, update.Key)
				if _, err := s.Publish(channel, []byte(update.Event)); err != nil {
					s.log.Debug("Failed to deliver keyspace notification", zap.Error(err))
				}
			}
		}
	}()

	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Store() Store {
	return s.store
}

// Handle overrides the built in handling of a command.
func (s *Server) Handle(name string, h Handler) {
	s.overrides.Store(strings.ToUpper(name), h)
}

// Pause stops the server replying. Requests are still read and counted.
func (s *Server) Pause() {
	atomic.StoreInt32(&s.paused, 1)
}

func (s *Server) Resume() {
	atomic.StoreInt32(&s.paused, 0)
}

func (s *Server) isPaused() bool {
	return atomic.LoadInt32(&s.paused) == 1
}

// Received counts requests for a command name since the server started.
func (s *Server) Received(name string) int {
	n, _ := s.received.Load(strings.ToUpper(name))
	return n
}

// ConnCount is the number of connected clients.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.activeConns)
}

// KillConnections drops every client connection without a reply, as a crashed
// server or a network partition would.
func (s *Server) KillConnections() {
	for _, c := range s.clients() {
		c.Close()
	}
}

// Close stops accepting, drops all connections and waits for every loop to exit.
func (s *Server) Close() error {
	s.cancel()

	err := s.listener.Close()
	s.KillConnections()
	s.loopWaiter.Wait()

	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	return multierr.Append(err, s.store.Close())
}

// Publish delivers a message to every client subscribed to channel and returns
// how many received it.
func (s *Server) Publish(channel string, message []byte) (n int, err error) {
	for _, c := range s.clients() {
		if !c.isSubscribed(channel) {
			continue
		}

		msg := []protocol.Frame{
			protocol.BulkString("message"),
			protocol.BulkString(channel),
			protocol.Bulk(message),
		}

		if werr := c.writeFrames(c.pushFrame(msg...)); werr != nil {
			err = multierr.Append(err, werr)
			continue
		}

		n++
	}

	return n, err
}

// Push sends an out of band frame to every RESP3 client.
func (s *Server) Push(elems ...protocol.Frame) (err error) {
	for _, c := range s.clients() {
		if c.Protocol() != protocol.RESP3 {
			continue
		}

		err = multierr.Append(err, c.writeFrames(protocol.Push(elems...)))
	}

	return err
}

func (s *Server) clients() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	clients := make([]*Client, 0, len(s.activeConns))
	for c := range s.activeConns {
		clients = append(clients, c)
	}

	return clients
}

func (s *Server) acceptLoop() {
	var clientWaiter sync.WaitGroup
	defer clientWaiter.Wait()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn("Failed to accept", zap.Error(err))
			}
			return
		}

		c := newClient(s, nc)
		s.addConn(c)

		clientWaiter.Add(1)
		go func() {
			defer clientWaiter.Done()
			defer s.removeConn(c)
			c.Start()
		}()
	}
}

func (s *Server) addConn(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeConns[c] = struct{}{}
}

func (s *Server) removeConn(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.activeConns, c)
}

func (s *Server) dispatch(c *Client, req protocol.Request) []protocol.Frame {
	name := req.Name()

	s.received.Compute(name, func(n int, _ bool) (int, bool) {
		return n + 1, false
	})

	if h, ok := s.overrides.Load(name); ok {
		return h(c, req)
	}

	return builtin(s, c, req)
}
