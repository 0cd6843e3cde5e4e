// Package bridge is what callers submit commands to. A Bridge serves one
// endpoint in one role: it owns at most one live connection, holds commands in a
// bounded backlog while there is none, reconnects with backoff when the
// connection fails and watches it with heartbeats.
package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luma/respmux/command"
	"github.com/luma/respmux/conn"
	"github.com/luma/respmux/internal/stats"
)

// Stats is a snapshot of a bridge's counters.
type Stats = stats.Snapshot

type Bridge struct {
	opts  Options
	log   *zap.Logger
	stats *stats.Collector

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup

	seq uint64

	mu         sync.Mutex
	conn       *conn.Conn
	backlog    *Backlog
	closed     bool
	connecting bool
	connected  chan struct{}
	everReady  bool
	server     conn.ServerInfo
	lastErr    error

	heartbeat *conn.Entry
	misses    int
}

// New creates a bridge. It does not connect until Start.
func New(opts Options) *Bridge {
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	return &Bridge{
		opts: opts,
		log: opts.Log.Named("bridge").With(
			zap.String("endpoint", opts.Conn.Addr),
			zap.Stringer("role", opts.Role)),
		stats:     stats.New(opts.Conn.Addr, opts.Role.String()),
		ctx:       ctx,
		cancel:    cancel,
		backlog:   NewBacklog(opts.BacklogCapacity, opts.BacklogPolicy),
		connected: make(chan struct{}),
	}
}

func (b *Bridge) Addr() string {
	return b.opts.Conn.Addr
}

func (b *Bridge) Role() Role {
	return b.opts.Role
}

// Start begins connecting in the background.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reconnectLocked()
}

// WaitConnected blocks until the bridge has a live connection or ctx ends. On
// timeout it returns the last connection error, if there was one.
func (b *Bridge) WaitConnected(ctx context.Context) error {
	b.mu.Lock()
	ch := b.connected
	b.mu.Unlock()

	select {
	case <-ch:
		return nil

	case <-ctx.Done():
		b.mu.Lock()
		err := b.lastErr
		b.mu.Unlock()

		if err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.conn != nil && b.conn.State() == conn.Ready
}

// Server describes the server as of the most recent handshake. It is the zero
// value until the bridge has connected once.
func (b *Bridge) Server() conn.ServerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.server
}

// LastError is the error the most recent connection or connect attempt failed with.
func (b *Bridge) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.lastErr
}

func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	b.stats.Backlog(b.backlog.Len())
	b.mu.Unlock()

	return b.stats.Snapshot()
}

// Submit queues cmd and returns the future its result arrives on. It never
// blocks on I/O.
func (b *Bridge) Submit(cmd *command.Command) *command.Future {
	e := conn.NewEntry(cmd, atomic.AddUint64(&b.seq, 1))

	if !cmd.Flags.Has(command.Internal) {
		b.stats.Submit()

		start := time.Now()
		e.Future.OnComplete(func(_ interface{}, err error) {
			b.stats.Complete(start, err)
		})
	}

	e.Future.SetTimeout(b.opts.CommandTimeout)

	b.submit(e)

	return e.Future
}

func (b *Bridge) submit(e *conn.Entry) {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		e.Future.Resolve(nil, ErrClosed)
		return
	}

	if b.conn != nil {
		// Fails only if the connection died and its failure has not reached us
		// yet, in which case the entry is treated as submitted while disconnected
		if err := b.conn.Enqueue(e); err == nil {
			b.mu.Unlock()
			return
		}
	}

	if !b.opts.QueueWhileDisconnected {
		b.mu.Unlock()
		e.Future.Resolve(nil, ErrNoConnectionAvailable)
		return
	}

	overflow := b.backlog.Push(e)
	b.mu.Unlock()

	if overflow != nil {
		b.stats.Overflow()
		overflow.Future.Resolve(nil, ErrBacklogOverflow)
	}
}

// NotifyConnectionFailed fails the live connection, as if it had hit an I/O
// error. Its outstanding commands are failed or replayed and a reconnect is
// scheduled.
func (b *Bridge) NotifyConnectionFailed(err error) {
	b.mu.Lock()
	c := b.conn
	b.mu.Unlock()

	if c != nil {
		c.Fail(err)
	}
}

// SimulateFailure drops the live connection for testing failover.
func (b *Bridge) SimulateFailure() {
	b.log.Warn("Simulating connection failure")
	b.NotifyConnectionFailed(ErrSimulatedFailure)
}

// OnHeartbeat sends a PING on the live connection. If the previous heartbeat is
// still unanswered it counts as a miss, and HeartbeatMisses misses in a row fail
// the connection.
func (b *Bridge) OnHeartbeat(now time.Time) {
	b.mu.Lock()

	c := b.conn
	if c == nil || c.State() != conn.Ready {
		b.mu.Unlock()
		return
	}

	if b.heartbeat != nil && b.heartbeat.Pending() {
		b.misses++
		misses := b.misses
		b.mu.Unlock()

		b.stats.HeartbeatMiss()
		b.log.Debug("Heartbeat missed", zap.Int("misses", misses), zap.Time("at", now))

		if misses >= b.opts.HeartbeatMisses {
			b.log.Warn("Server stopped answering heartbeats", zap.Int("misses", misses))
			c.Fail(ErrHeartbeatTimeout)
		}
		return
	}

	b.misses = 0

	ping := command.Keyless("PING").
		WithFlags(command.Internal).
		WithProcessor(command.Pong)

	b.heartbeat = conn.NewEntry(ping, atomic.AddUint64(&b.seq, 1))
	err := c.Enqueue(b.heartbeat)
	b.mu.Unlock()

	if err != nil {
		b.log.Debug("Failed to send heartbeat", zap.Error(err))
	}
}

// Close stops reconnecting, fails the backlog and drains the live connection
// until ctx ends.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.closed = true
	c := b.conn
	b.conn = nil
	backlog := b.backlog.Drain()
	b.mu.Unlock()

	b.cancel()

	for _, e := range backlog {
		e.Future.Resolve(nil, ErrClosed)
	}

	var err error
	if c != nil {
		err = c.Drain(ctx)
	}

	b.loops.Wait()
	b.stats.Close()

	b.log.Debug("Bridge closed", zap.Int("backlog", len(backlog)))

	return err
}

// reconnectLocked starts the connect loop unless one is running.
func (b *Bridge) reconnectLocked() {
	if b.closed || b.connecting || b.conn != nil {
		return
	}

	b.connecting = true
	b.loops.Add(1)

	go func() {
		defer b.loops.Done()
		b.connectLoop()
	}()
}

func (b *Bridge) connectLoop() {
	log := b.log.Named("connectLoop")

	// The first attempt is immediate, unless a connection was just lost
	b.mu.Lock()
	retry := 0
	if b.everReady {
		retry = 1
	}
	b.mu.Unlock()

	for attempt := 1; ; attempt++ {
		if n := attempt - 1 + retry; n > 0 {
			delay := Backoff(n, b.opts.MinBackoff, b.opts.MaxBackoff)
			log.Debug("Waiting to reconnect", zap.Int("attempt", attempt), zap.Duration("delay", delay))

			timer := time.NewTimer(delay)
			select {
			case <-b.ctx.Done():
				timer.Stop()
				b.stopConnecting()
				return
			case <-timer.C:
			}
		}

		c, err := conn.Dial(b.ctx, b.connOptions())
		if err != nil {
			log.Info("Failed to connect", zap.Int("attempt", attempt), zap.Error(err))

			b.mu.Lock()
			b.lastErr = err
			closed := b.closed
			b.mu.Unlock()

			if closed {
				b.stopConnecting()
				return
			}
			continue
		}

		if b.attach(c) {
			return
		}

		if b.ctx.Err() != nil {
			b.stopConnecting()
			return
		}
	}
}

func (b *Bridge) stopConnecting() {
	b.mu.Lock()
	b.connecting = false
	b.mu.Unlock()
}

// attach makes c the live connection and flushes the backlog onto it. The
// flush happens under the lock, so direct submissions only resume after it.
// It returns false if c could not be used.
func (b *Bridge) attach(c *conn.Conn) bool {
	b.mu.Lock()

	if b.closed {
		b.connecting = false
		b.mu.Unlock()
		c.Close()
		return true
	}

	backlog := b.backlog.Drain()
	if err := c.Enqueue(backlog...); err != nil {
		// Failed between the handshake and now
		b.backlog.PushFront(backlog)
		b.lastErr = err
		b.mu.Unlock()
		c.Close()
		return false
	}

	reconnected := b.everReady

	b.conn = c
	b.connecting = false
	b.everReady = true
	b.server = c.Server()
	b.lastErr = nil
	b.heartbeat = nil
	b.misses = 0
	close(b.connected)
	b.mu.Unlock()

	if reconnected {
		b.stats.Reconnect()
	}

	b.log.Info("Connected",
		zap.Int("flushed", len(backlog)),
		zap.Stringer("version", c.Server().Version),
		zap.Stringer("protocol", c.Protocol()))

	if b.opts.OnConnected != nil {
		b.opts.OnConnected(b)
	}

	return true
}

func (b *Bridge) connOptions() conn.Options {
	opts := b.opts.Conn
	opts.Subscriber = b.opts.Role == Subscription
	opts.OnPush = b.opts.OnPush
	opts.OnFailed = b.onConnFailed

	if opts.Log == nil {
		opts.Log = b.opts.Log
	}

	return opts
}

// onConnFailed receives a dead connection's outstanding entries. They are
// replayed through the backlog or failed, and a reconnect is started.
func (b *Bridge) onConnFailed(c *conn.Conn, err error, entries []*conn.Entry) {
	phase := conn.PhaseIO
	if errors.Is(err, ErrHeartbeatTimeout) {
		phase = conn.PhaseHeartbeat
	}

	lost := &conn.ConnectionError{Addr: c.Addr(), Phase: phase, Err: err}

	b.mu.Lock()

	if b.conn != c {
		b.mu.Unlock()
		failAll(entries, lost)
		return
	}

	b.conn = nil
	b.lastErr = lost
	b.heartbeat = nil
	b.misses = 0
	b.connected = make(chan struct{})

	var (
		failed   []*conn.Entry
		overflow []*conn.Entry
	)

	if b.opts.ReplayOnReconnect && !b.closed {
		overflow = b.backlog.PushFront(entries)
		b.stats.Replay(len(entries) - len(overflow))
	} else {
		failed = entries
	}

	b.reconnectLocked()
	b.mu.Unlock()

	b.log.Warn("Connection failed",
		zap.Int("outstanding", len(entries)),
		zap.Int("failed", len(failed)),
		zap.Error(err))

	failAll(failed, lost)

	for _, e := range overflow {
		b.stats.Overflow()
		e.Future.Resolve(nil, ErrBacklogOverflow)
	}

	if b.opts.OnFailed != nil {
		b.opts.OnFailed(b, lost)
	}
}

func failAll(entries []*conn.Entry, err error) {
	for _, e := range entries {
		e.Future.Resolve(nil, err)
	}
}

// Conn returns the live connection, or nil.
func (b *Bridge) Conn() *conn.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.conn
}
