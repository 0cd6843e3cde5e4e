package conn

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luma/respmux/command"
	"github.com/luma/respmux/features"
	"github.com/luma/respmux/protocol"
)

// State of a physical connection.
type State int32

const (
	Connecting State = iota
	Handshaking
	Ready
	Draining
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}

	return "unknown"
}

// ServerInfo is what the handshake learnt about the server.
type ServerInfo struct {
	Version  features.Version
	Features features.Set

	// Mode is standalone, cluster or sentinel
	Mode string

	// Role is master or slave, as the server reports it
	Role string

	// ID is the server assigned client id, or 0 if unknown
	ID int64

	Protocol protocol.Protocol
}

func (s ServerInfo) IsReplica() bool {
	return s.Role == "slave" || s.Role == "replica"
}

// Conn is one physical connection. It runs a write loop that drains commands
// onto the socket and a read loop that decodes replies and hands each to the
// oldest outstanding command.
//
// A Conn never repairs itself. On any I/O or protocol error it fails, hands its
// outstanding entries to Options.OnFailed and stops.
type Conn struct {
	opts Options
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup

	nc     net.Conn
	reader *protocol.Reader
	server ServerInfo

	state int32

	mu      sync.Mutex
	pending []*Entry
	wake    chan struct{}

	queue Queue

	// db is the database the server has selected, owned by the write loop
	db int

	lastRead int64

	failOnce  sync.Once
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects, performs the handshake and starts the read and write loops.
// The returned connection is Ready.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	c := &Conn{
		opts:  opts,
		log:   opts.Log.Named("conn").With(zap.String("addr", opts.Addr)),
		wake:  make(chan struct{}, 1),
		state: int32(Connecting),
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	nc, err := opts.Dialer(dialCtx, opts.Network, opts.Addr)
	if err != nil {
		c.setState(Failed)
		return nil, &ConnectionError{Addr: opts.Addr, Phase: PhaseDial, Err: err}
	}

	if opts.TLS != nil {
		tlsConn := tlsClient(nc, opts)
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			nc.Close()
			c.setState(Failed)
			return nil, &ConnectionError{Addr: opts.Addr, Phase: PhaseHandshake, Err: err}
		}
		nc = tlsConn
	}

	c.nc = nc
	c.reader = protocol.NewReader(nc, protocol.RESP2)
	c.setState(Handshaking)

	if deadline, ok := dialCtx.Deadline(); ok {
		nc.SetDeadline(deadline)
	}

	if err := c.handshake(); err != nil {
		nc.Close()
		c.setState(Failed)
		return nil, &ConnectionError{Addr: opts.Addr, Phase: PhaseHandshake, Err: err}
	}

	nc.SetDeadline(time.Time{})

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.touch()
	c.setState(Ready)

	c.loops.Add(2)
	go func() {
		defer c.loops.Done()
		c.readLoop()
	}()
	go func() {
		defer c.loops.Done()
		c.writeLoop()
	}()

	c.log.Debug("Connection ready",
		zap.Stringer("protocol", c.server.Protocol),
		zap.Stringer("version", c.server.Version),
		zap.String("role", c.server.Role),
		zap.String("mode", c.server.Mode))

	return c, nil
}

func (c *Conn) Addr() string {
	return c.opts.Addr
}

func (c *Conn) State() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *Conn) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
}

func (c *Conn) transition(from, to State) bool {
	return atomic.CompareAndSwapInt32(&c.state, int32(from), int32(to))
}

func (c *Conn) Server() ServerInfo {
	return c.server
}

func (c *Conn) Protocol() protocol.Protocol {
	return c.server.Protocol
}

// Err returns the error the connection failed with, if any.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	return c.err
}

// LastRead is when a frame was last received, or the zero time if none was.
func (c *Conn) LastRead() time.Time {
	ns := atomic.LoadInt64(&c.lastRead)
	if ns == 0 {
		return time.Time{}
	}

	return time.Unix(0, ns)
}

func (c *Conn) touch() {
	atomic.StoreInt64(&c.lastRead, time.Now().UnixNano())
}

// InFlight counts entries that are written and awaiting a reply, plus those
// still waiting to be written.
func (c *Conn) InFlight() int {
	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()

	return n + c.queue.Len()
}

// Enqueue adds entries to the write list, in order. It fails with ErrNotReady
// unless the connection is Ready.
func (c *Conn) Enqueue(entries ...*Entry) error {
	c.mu.Lock()
	if c.State() != Ready {
		c.mu.Unlock()
		return ErrNotReady
	}
	c.pending = append(c.pending, entries...)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}

	return nil
}

func (c *Conn) takePending() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	batch := c.pending
	c.pending = nil

	return batch
}

func (c *Conn) writeLoop() {
	log := c.log.Named("writeLoop")

	var (
		buf     []byte
		written []*Entry
	)

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}

		for {
			batch := c.takePending()
			if len(batch) == 0 {
				break
			}

			buf, written = buf[:0], written[:0]

			for _, e := range batch {
				// Timed out or cancelled while waiting to be written
				if !e.Pending() {
					continue
				}

				if db := c.targetDB(e.Cmd); db != c.db {
					sel := NewEntry(command.Keyless("SELECT", db).WithFlags(command.Internal).WithProcessor(command.OK), 0)
					c.queue.Push(sel)
					buf = sel.Cmd.AppendTo(buf)
					c.db = db
				}

				// Queued before the write so a fast reply always finds its entry
				c.queue.Push(e)
				buf = e.Cmd.AppendTo(buf)
				written = append(written, e)
			}

			if len(buf) == 0 {
				continue
			}

			if c.opts.WriteTimeout > 0 {
				c.nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			}

			if _, err := c.nc.Write(buf); err != nil {
				log.Warn("Failed to write commands", zap.Int("count", len(written)), zap.Error(err))
				c.fail(err)
				return
			}

			for _, e := range written {
				if e.Cmd.Flags.Has(command.FireAndForget) {
					e.Future.Resolve(nil, nil)
				}
			}
		}
	}
}

func (c *Conn) readLoop() {
	log := c.log.Named("readLoop")

	for {
		f, err := c.reader.ReadFrame()
		if err != nil {
			if c.State() != Closed {
				log.Warn("Failed to read server reply", zap.Error(err))
			}
			c.fail(err)
			return
		}

		c.touch()

		if c.isPush(f) {
			if c.opts.OnPush != nil {
				c.opts.OnPush(f)
			}
			continue
		}

		if _, err := c.queue.Complete(f); err != nil {
			log.Error("Reply could not be matched to a command", zap.Stringer("frame", f))
			c.fail(err)
			return
		}
	}
}

var subscriptionReplies = map[string]bool{
	"subscribe":    true,
	"psubscribe":   true,
	"ssubscribe":   true,
	"unsubscribe":  true,
	"punsubscribe": true,
	"sunsubscribe": true,
}

// targetDB is the database a command must run against. Sentinels have no
// databases, so commands to them never switch.
func (c *Conn) targetDB(cmd *command.Command) int {
	if c.server.Mode == ModeSentinel || c.opts.Subscriber {
		return c.db
	}

	if cmd.DB < 0 {
		return c.opts.DB
	}

	return cmd.DB
}

// isPush decides whether a frame bypasses correlation. Subscription
// confirmations look like pushes but answer the command at the head of the
// queue, so they are only treated as pushes when no such command is waiting.
func (c *Conn) isPush(f protocol.Frame) bool {
	var kind string

	switch {
	case f.Kind == protocol.KindPush:
	case c.opts.Subscriber && f.Kind == protocol.KindArray && len(f.Elems) > 0:
	default:
		return false
	}

	if len(f.Elems) > 0 {
		kind = strings.ToLower(f.Elems[0].Text())
	}

	if !subscriptionReplies[kind] {
		return f.Kind == protocol.KindPush || kind == "message" || kind == "pmessage" || kind == "smessage"
	}

	head := c.queue.Peek()
	if head == nil {
		return true
	}

	return !strings.EqualFold(head.Cmd.Name, kind)
}

// fail moves the connection to Failed and reports every outstanding entry to
// OnFailed, exactly once.
func (c *Conn) fail(err error) {
	if c.State() == Closed {
		return
	}

	c.failOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()

		c.setState(Failed)
		c.cancel()
		c.nc.Close()

		go func() {
			c.loops.Wait()

			entries := c.collect()

			c.log.Info("Connection failed",
				zap.Int("outstanding", len(entries)),
				zap.Error(err))

			if c.opts.OnFailed != nil {
				c.opts.OnFailed(c, err, entries)
				return
			}

			failAll(entries, &ConnectionError{Addr: c.opts.Addr, Phase: PhaseIO, Err: err})
		}()
	})
}

// Fail forces the connection into the Failed state, as if an I/O error had
// occurred.
func (c *Conn) Fail(err error) {
	c.fail(err)
}

// collect returns entries still waiting on this connection: written ones in
// write order followed by unwritten ones.
func (c *Conn) collect() []*Entry {
	var out []*Entry

	lost := &ConnectionError{Addr: c.opts.Addr, Phase: PhaseIO, Err: ErrClosed}

	add := func(e *Entry) {
		if !e.Pending() {
			return
		}

		// Internal commands belong to this connection and are never replayed
		if e.Cmd.Flags.Has(command.Internal) {
			e.Future.Resolve(nil, lost)
			return
		}

		out = append(out, e)
	}

	for _, e := range c.queue.DrainAll() {
		add(e)
	}

	for _, e := range c.takePending() {
		add(e)
	}

	return out
}

func failAll(entries []*Entry, err error) {
	for _, e := range entries {
		e.Future.Resolve(nil, err)
	}
}

// Drain stops accepting commands and gives outstanding ones until ctx ends, or
// the drain timeout passes, to complete. The connection is then closed.
func (c *Conn) Drain(ctx context.Context) error {
	if !c.transition(Ready, Draining) {
		return c.Close()
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.DrainTimeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for c.InFlight() > 0 && c.State() == Draining {
		select {
		case <-ctx.Done():
			c.log.Warn("Drain timed out", zap.Int("outstanding", c.InFlight()))
			return c.Close()
		case <-ticker.C:
		}
	}

	return c.Close()
}

// Close closes the socket immediately. Outstanding entries complete with a
// ConnectionError.
func (c *Conn) Close() error {
	var err error

	c.closeOnce.Do(func() {
		prev := State(atomic.SwapInt32(&c.state, int32(Closed)))

		c.cancel()
		err = c.nc.Close()
		c.loops.Wait()

		failAll(c.collect(), &ConnectionError{Addr: c.opts.Addr, Phase: PhaseClosed, Err: ErrClosed})

		if prev == Failed || errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})

	return err
}
