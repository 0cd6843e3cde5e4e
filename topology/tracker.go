// Package topology tracks the servers behind a multiplexer and decides which
// one each command goes to. It understands standalone servers, cluster slot
// maps and sentinel managed failover.
package topology

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/respmux/bridge"
	"github.com/luma/respmux/command"
)

var (
	ErrNoEndpoint = errors.New("No endpoint can serve the command")
	ErrNoReplica  = errors.New("Command demands a replica but none is available")
	ErrClosed     = errors.New("Topology tracker is closed")
)

// DefaultReconfigureTimeout bounds reconfigurations the tracker starts itself.
const DefaultReconfigureTimeout = 10 * time.Second

type Mode int

const (
	Standalone Mode = iota
	Cluster
	Sentinel
)

func (m Mode) String() string {
	switch m {
	case Cluster:
		return "cluster"
	case Sentinel:
		return "sentinel"
	}

	return "standalone"
}

type Options struct {
	Mode Mode

	// ServiceName is the primary's name as the sentinels know it
	ServiceName string

	// Bridge is the template for every data endpoint's bridges. Conn.Addr and
	// Role are set per bridge
	Bridge bridge.Options

	// SentinelUsername and SentinelPassword authenticate with the sentinels,
	// which usually don't share the data servers' credentials
	SentinelUsername string
	SentinelPassword string

	// OnChange runs after the routing table changes. It must not block
	OnChange func()

	Log *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	return o
}

// shard is a primary and its replicas.
type shard struct {
	primary  *Endpoint
	replicas []*Endpoint
}

// routes is an immutable routing table. Changes build a new one and swap it in.
type routes struct {
	main  shard
	slots []*shard
}

type Tracker struct {
	opts Options
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	endpoints *xsync.MapOf[string, *Endpoint]

	// routesMu serialises writers of routes, readers load it without locking
	routesMu sync.Mutex
	routes   atomic.Pointer[routes]
	next     uint64

	// reconfigureMu serialises discovery
	reconfigureMu sync.Mutex
	reconfiguring int32

	sentinel *sentinelState

	retired sync.WaitGroup
	closed  int32
}

func New(opts Options) *Tracker {
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	t := &Tracker{
		opts:      opts,
		log:       opts.Log.Named("topology").With(zap.Stringer("mode", opts.Mode)),
		ctx:       ctx,
		cancel:    cancel,
		endpoints: xsync.NewMapOf[string, *Endpoint](),
	}

	t.routes.Store(&routes{})

	if opts.Mode == Sentinel {
		t.sentinel = newSentinelState()
	}

	return t
}

func (t *Tracker) Mode() Mode {
	return t.opts.Mode
}

// Add registers a seed address. In sentinel mode seeds are sentinels, otherwise
// they are data endpoints and start connecting immediately.
func (t *Tracker) Add(addr string) {
	if t.opts.Mode == Sentinel {
		t.sentinel.add(t, addr)
		return
	}

	t.endpoint(addr, roleUnknown)
	t.rebuild()
}

// endpoint returns the data endpoint for addr, creating and starting it if needed.
func (t *Tracker) endpoint(addr string, role endpointRole) *Endpoint {
	ep, loaded := t.endpoints.LoadOrCompute(addr, func() *Endpoint {
		return t.newEndpoint(addr, role)
	})

	if !loaded {
		t.log.Debug("Added endpoint", zap.String("addr", addr))
		ep.interactive.Start()
	} else if role != roleUnknown {
		// Discovery is authoritative until the next handshake says otherwise
		ep.setRole(role)
	}

	return ep
}

func (t *Tracker) newEndpoint(addr string, role endpointRole) *Endpoint {
	ep := &Endpoint{addr: addr, role: int32(role)}

	opts := t.opts.Bridge
	opts.Conn.Addr = addr
	opts.Role = bridge.Interactive
	if opts.Log == nil {
		opts.Log = t.opts.Log
	}

	onConnected := opts.OnConnected
	opts.OnConnected = func(b *bridge.Bridge) {
		t.onConnected(ep, b)
		if onConnected != nil {
			onConnected(b)
		}
	}

	ep.interactive = bridge.New(opts)

	ep.subOpts = opts
	ep.subOpts.Role = bridge.Subscription
	ep.subOpts.QueueWhileDisconnected = true
	ep.subOpts.OnConnected = onConnected

	return ep
}

// onConnected learns the endpoint's role from its handshake. A failover can
// turn a primary into a replica, so the table is rebuilt when it changes.
func (t *Tracker) onConnected(ep *Endpoint, b *bridge.Bridge) {
	role := rolePrimary
	if b.Server().IsReplica() {
		role = roleReplica
	}

	prev := endpointRole(atomic.SwapInt32(&ep.role, int32(role)))
	if prev == role {
		return
	}

	t.log.Info("Endpoint role changed",
		zap.String("addr", ep.addr),
		zap.Bool("replica", role == roleReplica))

	if t.opts.Mode == Standalone {
		t.rebuild()
	} else if prev != roleUnknown {
		t.RequestReconfigure()
	}
}

// Endpoints returns the data endpoints, sorted by address.
func (t *Tracker) Endpoints() []*Endpoint {
	var eps []*Endpoint

	t.endpoints.Range(func(_ string, ep *Endpoint) bool {
		eps = append(eps, ep)
		return true
	})

	sort.Slice(eps, func(i, j int) bool { return eps[i].addr < eps[j].addr })

	return eps
}

// Endpoint looks up a data endpoint by address.
func (t *Tracker) Endpoint(addr string) (*Endpoint, bool) {
	return t.endpoints.Load(addr)
}

// EndpointAt returns the data endpoint for addr, connecting to it if it is
// new. Redirects use it to reach nodes discovery has not reported yet.
func (t *Tracker) EndpointAt(addr string) (*Endpoint, error) {
	if atomic.LoadInt32(&t.closed) == 1 {
		return nil, ErrClosed
	}

	return t.endpoint(addr, roleUnknown), nil
}

// Bridges returns every bridge the tracker owns, sentinels included.
func (t *Tracker) Bridges() []*bridge.Bridge {
	var bridges []*bridge.Bridge

	for _, ep := range t.Endpoints() {
		bridges = append(bridges, ep.Bridges()...)
	}

	if t.sentinel != nil {
		bridges = append(bridges, t.sentinel.bridges()...)
	}

	return bridges
}

// rebuild recomputes the standalone routing table from the endpoints' roles.
// Endpoints with an unknown role are treated as primaries so commands can
// queue on them before they connect.
func (t *Tracker) rebuild() {
	if t.opts.Mode != Standalone {
		return
	}

	t.routesMu.Lock()
	defer t.routesMu.Unlock()

	var main shard
	for _, ep := range t.Endpoints() {
		if ep.IsReplica() {
			main.replicas = append(main.replicas, ep)
			continue
		}

		if main.primary == nil || (!main.primary.IsConnected() && ep.IsConnected()) {
			main.primary = ep
		}
	}

	t.swap(&routes{main: main})
}

func (t *Tracker) swap(r *routes) {
	t.routes.Store(r)

	if t.opts.OnChange != nil {
		t.opts.OnChange()
	}
}

// Route picks the endpoint for cmd and returns cmd with its routing preference
// fixed to match where it is going.
func (t *Tracker) Route(cmd *command.Command) (*Endpoint, *command.Command, error) {
	if atomic.LoadInt32(&t.closed) == 1 {
		return nil, nil, ErrClosed
	}

	r := t.routes.Load()

	target := &r.main
	if key := cmd.Key(); key != nil && r.slots != nil {
		if s := r.slots[Slot(key)]; s != nil {
			target = s
		}
	}

	ep, err := t.pick(target, cmd.Flags)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", cmd.Name, err)
	}

	return ep, FixFlags(cmd, ep.IsReplica()), nil
}

func (t *Tracker) pick(s *shard, flags command.Flags) (*Endpoint, error) {
	replica := t.replica(s)

	switch {
	case flags.Has(command.DemandReplica):
		if replica == nil {
			return nil, ErrNoReplica
		}
		return replica, nil

	case flags.Has(command.DemandPrimary):
		if s.primary == nil {
			return nil, ErrNoEndpoint
		}
		return s.primary, nil

	case flags.Has(command.PreferReplica):
		if replica != nil {
			return replica, nil
		}
	}

	if s.primary != nil {
		return s.primary, nil
	}

	if replica != nil {
		return replica, nil
	}

	return nil, ErrNoEndpoint
}

// replica picks a connected replica round robin, or any replica if none is
// connected.
func (t *Tracker) replica(s *shard) *Endpoint {
	n := len(s.replicas)
	if n == 0 {
		return nil
	}

	start := int(atomic.AddUint64(&t.next, 1) % uint64(n))
	for i := 0; i < n; i++ {
		if ep := s.replicas[(start+i)%n]; ep.IsConnected() {
			return ep
		}
	}

	return s.replicas[start]
}

// FixFlags adjusts a command's routing preference to the kind of server it is
// actually sent to: PreferReplica sent to a primary becomes PreferPrimary and
// PreferPrimary sent to a replica becomes PreferReplica. Demands are never
// changed.
func FixFlags(cmd *command.Command, toReplica bool) *command.Command {
	role := cmd.Flags.Role()

	switch {
	case role == command.PreferReplica && !toReplica:
		return cmd.WithFlags(cmd.Flags.WithRole(command.PreferPrimary))
	case role == command.PreferPrimary && toReplica:
		return cmd.WithFlags(cmd.Flags.WithRole(command.PreferReplica))
	}

	return cmd
}

// Reconfigure rediscovers the topology. In standalone mode it waits for the
// endpoints to connect so their roles are known.
func (t *Tracker) Reconfigure(ctx context.Context) error {
	if atomic.LoadInt32(&t.closed) == 1 {
		return ErrClosed
	}

	t.reconfigureMu.Lock()
	defer t.reconfigureMu.Unlock()

	switch t.opts.Mode {
	case Cluster:
		return t.discoverCluster(ctx)
	case Sentinel:
		return t.discoverSentinel(ctx)
	}

	var err error
	for _, ep := range t.Endpoints() {
		err = multierr.Append(err, ep.interactive.WaitConnected(ctx))
	}

	t.rebuild()

	return err
}

// RequestReconfigure starts a reconfiguration in the background unless one is
// already running.
func (t *Tracker) RequestReconfigure() {
	if !atomic.CompareAndSwapInt32(&t.reconfiguring, 0, 1) {
		return
	}

	go func() {
		defer atomic.StoreInt32(&t.reconfiguring, 0)

		ctx, cancel := context.WithTimeout(t.ctx, DefaultReconfigureTimeout)
		defer cancel()

		if err := t.Reconfigure(ctx); err != nil && !errors.Is(err, ErrClosed) {
			t.log.Warn("Failed to reconfigure", zap.Error(err))
		}
	}()
}

// ApplyMoved records that slot now lives on addr and schedules a full
// rediscovery.
func (t *Tracker) ApplyMoved(slot int, addr string) *Endpoint {
	ep := t.endpoint(addr, rolePrimary)

	t.routesMu.Lock()
	defer t.routesMu.Unlock()

	old := t.routes.Load()

	r := &routes{main: old.main, slots: make([]*shard, SlotCount)}
	copy(r.slots, old.slots)
	r.slots[slot] = &shard{primary: ep}

	if r.main.primary == nil {
		r.main.primary = ep
	}

	t.swap(r)
	t.RequestReconfigure()

	return ep
}

// retire drains an endpoint that is no longer part of the topology. Commands
// already on it complete there.
func (t *Tracker) retire(ep *Endpoint) {
	removed := false
	t.endpoints.Compute(ep.addr, func(old *Endpoint, loaded bool) (*Endpoint, bool) {
		removed = loaded && old == ep
		return old, !loaded || removed
	})

	if !removed {
		return
	}

	t.log.Info("Retiring endpoint", zap.String("addr", ep.addr))

	t.retired.Add(1)
	go func() {
		defer t.retired.Done()

		ctx, cancel := context.WithTimeout(context.Background(), DefaultReconfigureTimeout)
		defer cancel()

		if err := ep.Close(ctx); err != nil {
			t.log.Debug("Retired endpoint closed with error", zap.String("addr", ep.addr), zap.Error(err))
		}
	}()
}

// Close closes every endpoint and sentinel.
func (t *Tracker) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}

	t.cancel()

	// Wait out a running reconfiguration so nothing is added after the endpoints close
	t.reconfigureMu.Lock()
	defer t.reconfigureMu.Unlock()

	var (
		mu  sync.Mutex
		err error
		wg  sync.WaitGroup
	)

	closeOne := func(close func(context.Context) error) {
		defer wg.Done()
		if cerr := close(ctx); cerr != nil {
			mu.Lock()
			err = multierr.Append(err, cerr)
			mu.Unlock()
		}
	}

	for _, ep := range t.Endpoints() {
		wg.Add(1)
		go closeOne(ep.Close)
	}

	if t.sentinel != nil {
		for _, ep := range t.sentinel.endpoints() {
			wg.Add(1)
			go closeOne(ep.Close)
		}
	}

	wg.Wait()
	t.retired.Wait()

	return err
}
