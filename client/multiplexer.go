// Package client is the entry point of the library. A Multiplexer owns every
// connection to a deployment and lets any number of goroutines share them.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/respmux/bridge"
	"github.com/luma/respmux/command"
	"github.com/luma/respmux/protocol"
	"github.com/luma/respmux/topology"
)

var (
	ErrClosed           = errors.New("Multiplexer is closed")
	ErrNoEndpoints      = errors.New("No endpoints were configured")
	ErrNotConnected     = errors.New("No endpoint connected within the connect timeout")
	ErrTooManyRedirects = errors.New("Command was redirected too many times")
	ErrUnknownServer    = errors.New("No such server")
)

type Multiplexer struct {
	opts Options
	log  *zap.Logger

	tracker *topology.Tracker

	subs *xsync.MapOf[string, *subscription]

	// down holds the bridges that failed and have not reconnected yet
	down *xsync.MapOf[*bridge.Bridge, error]

	changed chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup

	closed int32
}

// Open connects to the deployment described by opts. It waits up to
// ConnectTimeout for the topology to be known. If that fails Open returns an
// error when AbortOnConnectFail is set, otherwise it returns a multiplexer that
// keeps trying in the background.
func Open(ctx context.Context, opts Options) (*Multiplexer, error) {
	opts = opts.withDefaults()

	if len(opts.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	m := &Multiplexer{
		opts:    opts,
		log:     opts.Log.Named("client"),
		subs:    xsync.NewMapOf[string, *subscription](),
		down:    xsync.NewMapOf[*bridge.Bridge, error](),
		changed: make(chan struct{}, 1),
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.tracker = topology.New(topology.Options{
		Mode:             opts.Mode,
		ServiceName:      opts.ServiceName,
		Bridge:           m.bridgeOptions(),
		SentinelUsername: opts.SentinelUsername,
		SentinelPassword: opts.SentinelPassword,
		OnChange:         m.onTopologyChange,
		Log:              opts.Log,
	})

	for _, addr := range opts.Endpoints {
		m.tracker.Add(addr)
	}

	m.loops.Add(1)
	go func() {
		defer m.loops.Done()
		m.changeLoop()
	}()

	if opts.HeartbeatInterval > 0 {
		m.loops.Add(1)
		go func() {
			defer m.loops.Done()
			m.heartbeatLoop(opts.HeartbeatInterval)
		}()
	}

	connectCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	err := m.tracker.Reconfigure(connectCtx)
	if err == nil || m.anyConnected() {
		if err != nil {
			m.log.Warn("Some endpoints did not connect", zap.Error(err))
		}

		m.log.Info("Opened",
			zap.Stringer("mode", opts.Mode),
			zap.Strings("endpoints", opts.Endpoints))

		return m, nil
	}

	if opts.AbortOnConnectFail {
		closeCtx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
		defer cancel()

		return nil, multierr.Append(fmt.Errorf("%w: %v", ErrNotConnected, err), m.Close(closeCtx))
	}

	m.log.Warn("Not connected yet, retrying in the background", zap.Error(err))

	m.loops.Add(1)
	go func() {
		defer m.loops.Done()
		m.discoverLoop()
	}()

	return m, nil
}

func (m *Multiplexer) anyConnected() bool {
	for _, ep := range m.tracker.Endpoints() {
		if ep.IsConnected() {
			return true
		}
	}

	return false
}

// discoverLoop retries the initial discovery with backoff until it succeeds.
func (m *Multiplexer) discoverLoop() {
	minDelay, maxDelay := m.opts.MinBackoff, m.opts.MaxBackoff
	if minDelay <= 0 {
		minDelay = bridge.DefaultMinBackoff
	}
	if maxDelay < minDelay {
		maxDelay = bridge.DefaultMaxBackoff
	}

	for attempt := 1; ; attempt++ {
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(bridge.Backoff(attempt, minDelay, maxDelay)):
		}

		ctx, cancel := context.WithTimeout(m.ctx, m.opts.ConnectTimeout)
		err := m.tracker.Reconfigure(ctx)
		cancel()

		if err == nil || m.anyConnected() {
			m.log.Info("Connected", zap.Int("attempts", attempt))
			return
		}

		if errors.Is(err, topology.ErrClosed) {
			return
		}

		m.log.Debug("Discovery failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

// Submit routes cmd and returns the future its result arrives on. It never
// blocks on I/O. In cluster mode MOVED and ASK replies are followed unless cmd
// has the NoRedirect flag.
func (m *Multiplexer) Submit(cmd *command.Command) *command.Future {
	if m.isClosed() {
		return command.Failed(ErrClosed)
	}

	ep, routed, err := m.tracker.Route(cmd)
	if err != nil {
		return command.Failed(err)
	}

	if m.opts.Mode != topology.Cluster || cmd.Flags.Has(command.NoRedirect) {
		return ep.Bridge().Submit(routed)
	}

	out := command.NewFuture()
	m.follow(out, ep.Bridge().Submit(routed), routed, ep.Addr(), 0)

	return out
}

// follow completes out with f's result, resubmitting the command when the
// server at addr redirects it.
func (m *Multiplexer) follow(out, f *command.Future, cmd *command.Command, addr string, redirects int) {
	// Cancelling the caller's future detaches the one on the wire
	out.OnComplete(func(_ interface{}, err error) {
		if errors.Is(err, command.ErrCancelled) {
			f.Cancel()
		}
	})

	f.OnComplete(func(val interface{}, err error) {
		var serr *command.ServerError
		if !errors.As(err, &serr) {
			out.Resolve(val, err)
			return
		}

		redirect, ok := topology.ParseRedirect(serr)
		if !ok {
			out.Resolve(val, err)
			return
		}

		redirect = redirect.From(addr)

		if redirects >= m.opts.MaxRedirects {
			out.Resolve(nil, fmt.Errorf("%s after %d redirects: %w", cmd.Name, redirects, ErrTooManyRedirects))
			return
		}

		next, err := m.redirect(redirect, cmd)
		if err != nil {
			out.Resolve(nil, err)
			return
		}

		m.follow(out, next, cmd, redirect.Addr, redirects+1)
	})
}

func (m *Multiplexer) redirect(r topology.Redirect, cmd *command.Command) (*command.Future, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}

	if !r.Ask {
		m.log.Debug("Following MOVED", zap.Int("slot", r.Slot), zap.String("addr", r.Addr))

		ep := m.tracker.ApplyMoved(r.Slot, r.Addr)
		return ep.Bridge().Submit(cmd), nil
	}

	ep, err := m.tracker.EndpointAt(r.Addr)
	if err != nil {
		return nil, err
	}

	m.log.Debug("Following ASK", zap.Int("slot", r.Slot), zap.String("addr", r.Addr))

	b := ep.Bridge()
	b.Submit(command.Keyless("ASKING").WithFlags(command.Internal | command.FireAndForget))

	return b.Submit(cmd), nil
}

// Do submits cmd and waits for its result.
func (m *Multiplexer) Do(ctx context.Context, cmd *command.Command) (interface{}, error) {
	return m.Submit(cmd).Wait(ctx)
}

// Execute runs an arbitrary command and returns the raw reply. The first
// argument is taken as the routing key.
func (m *Multiplexer) Execute(ctx context.Context, name string, args ...interface{}) (protocol.Frame, error) {
	return command.Await[protocol.Frame](ctx, m.Submit(command.New(name, args...)))
}

// Reconfigure rediscovers the topology now.
func (m *Multiplexer) Reconfigure(ctx context.Context) error {
	return m.tracker.Reconfigure(ctx)
}

func (m *Multiplexer) IsConnected() bool {
	return m.anyConnected()
}

func (m *Multiplexer) isClosed() bool {
	return atomic.LoadInt32(&m.closed) == 1
}

func (m *Multiplexer) onConnected(b *bridge.Bridge) {
	if _, wasDown := m.down.LoadAndDelete(b); !wasDown {
		return
	}

	if b.Role() == bridge.Subscription {
		m.resubscribe(b)
	}

	m.log.Info("Connection restored",
		zap.String("addr", b.Addr()),
		zap.Stringer("role", b.Role()))

	if m.opts.OnConnectionRestored != nil {
		m.opts.OnConnectionRestored(ConnectionEvent{Addr: b.Addr(), Role: b.Role()})
	}
}

func (m *Multiplexer) onFailed(b *bridge.Bridge, err error) {
	m.down.Store(b, err)

	if m.opts.OnConnectionFailed != nil {
		m.opts.OnConnectionFailed(ConnectionEvent{Addr: b.Addr(), Role: b.Role(), Err: err})
	}
}

// onTopologyChange runs under the tracker's routing lock, so the work is
// handed to changeLoop.
func (m *Multiplexer) onTopologyChange() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

func (m *Multiplexer) changeLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.changed:
			m.rehome()
		}
	}
}

// Close drains every connection until ctx ends. Commands still waiting in a
// backlog fail with bridge.ErrClosed.
func (m *Multiplexer) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.closed, 0, 1) {
		return nil
	}

	m.cancel()

	err := m.tracker.Close(ctx)
	m.loops.Wait()

	m.subs.Range(func(channel string, sub *subscription) bool {
		sub.close()
		m.subs.Delete(channel)
		return true
	})

	m.log.Info("Closed", zap.Error(err))

	return err
}
