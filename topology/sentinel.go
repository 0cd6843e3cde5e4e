package topology

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/respmux/bridge"
	"github.com/luma/respmux/command"
	"github.com/luma/respmux/features"
	"github.com/luma/respmux/protocol"
)

// SwitchMasterChannel is where sentinels announce a failover.
const SwitchMasterChannel = "+switch-master"

type sentinelState struct {
	nodes *xsync.MapOf[string, *Endpoint]
}

func newSentinelState() *sentinelState {
	return &sentinelState{nodes: xsync.NewMapOf[string, *Endpoint]()}
}

// add connects to a sentinel and subscribes to its failover announcements.
func (s *sentinelState) add(t *Tracker, addr string) {
	s.nodes.LoadOrCompute(addr, func() *Endpoint {
		ep := &Endpoint{addr: addr}

		opts := t.opts.Bridge
		opts.Conn.Addr = addr
		opts.Conn.DB = 0
		opts.Conn.Username = t.opts.SentinelUsername
		opts.Conn.Password = t.opts.SentinelPassword
		opts.Role = bridge.Interactive
		opts.OnConnected = nil
		opts.OnPush = nil
		if opts.Log == nil {
			opts.Log = t.opts.Log
		}

		ep.interactive = bridge.New(opts)
		ep.interactive.Start()

		ep.subOpts = opts
		ep.subOpts.Role = bridge.Subscription
		ep.subOpts.QueueWhileDisconnected = true
		ep.subOpts.OnPush = func(f protocol.Frame) {
			if t.isSwitchMaster(f) {
				t.log.Info("Sentinel announced a failover", zap.String("sentinel", addr))
				t.RequestReconfigure()
			}
		}
		ep.subOpts.OnConnected = func(b *bridge.Bridge) {
			b.Submit(command.Keyless("SUBSCRIBE", SwitchMasterChannel).WithFlags(command.Internal))
		}

		// Connect now so failovers are heard from the start
		ep.Subscriber()

		t.log.Debug("Added sentinel", zap.String("addr", addr))

		return ep
	})
}

func (s *sentinelState) endpoints() []*Endpoint {
	var eps []*Endpoint

	s.nodes.Range(func(_ string, ep *Endpoint) bool {
		eps = append(eps, ep)
		return true
	})

	sort.Slice(eps, func(i, j int) bool { return eps[i].addr < eps[j].addr })

	return eps
}

func (s *sentinelState) bridges() []*bridge.Bridge {
	var bridges []*bridge.Bridge

	for _, ep := range s.endpoints() {
		bridges = append(bridges, ep.Bridges()...)
	}

	return bridges
}

// isSwitchMaster matches "message +switch-master <name> <old ip> <old port> <new ip> <new port>"
// for the tracked service.
func (t *Tracker) isSwitchMaster(f protocol.Frame) bool {
	if len(f.Elems) < 3 || !strings.EqualFold(f.Elems[0].Text(), "message") {
		return false
	}

	if f.Elems[1].Text() != SwitchMasterChannel {
		return false
	}

	fields := strings.Fields(f.Elems[2].Text())
	return len(fields) > 0 && fields[0] == t.opts.ServiceName
}

// discoverSentinel asks the sentinels, in turn, where the primary and its
// replicas are.
func (t *Tracker) discoverSentinel(ctx context.Context) error {
	var errs error

	for _, sentinel := range connectedFirst(t.sentinel.endpoints()) {
		primary, replicas, err := t.askSentinel(ctx, sentinel)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sentinel %s: %w", sentinel.addr, err))
			continue
		}

		t.applySentinel(primary, replicas)
		return nil
	}

	if errs == nil {
		errs = ErrNoEndpoint
	}

	return errs
}

func (t *Tracker) askSentinel(ctx context.Context, sentinel *Endpoint) (string, []string, error) {
	b := sentinel.interactive

	reply, err := command.Await[protocol.Frame](ctx, b.Submit(
		command.Keyless("SENTINEL", "GET-MASTER-ADDR-BY-NAME", t.opts.ServiceName).WithFlags(command.Internal)))
	if err != nil {
		return "", nil, err
	}

	if reply.IsNull() || len(reply.Elems) != 2 {
		return "", nil, fmt.Errorf("unknown service %q: %w", t.opts.ServiceName, ErrNoEndpoint)
	}

	primary := net.JoinHostPort(reply.Elems[0].Text(), reply.Elems[1].Text())

	sub := "SLAVES"
	if sentinel.Features().Has(features.ReplicaCommands) {
		sub = "REPLICAS"
	}

	reply, err = command.Await[protocol.Frame](ctx, b.Submit(
		command.Keyless("SENTINEL", sub, t.opts.ServiceName).WithFlags(command.Internal)))
	if err != nil {
		return "", nil, err
	}

	var replicas []string
	for _, node := range reply.Elems {
		fields := make(map[string]string, len(node.Elems)/2)
		for i := 0; i+1 < len(node.Elems); i += 2 {
			fields[node.Elems[i].Text()] = node.Elems[i+1].Text()
		}

		if fields["ip"] == "" || fields["port"] == "" || isDown(fields["flags"]) {
			continue
		}

		replicas = append(replicas, net.JoinHostPort(fields["ip"], fields["port"]))
	}

	return primary, replicas, nil
}

func isDown(flags string) bool {
	for _, flag := range strings.Split(flags, ",") {
		switch flag {
		case "s_down", "o_down", "disconnected":
			return true
		}
	}

	return false
}

func (t *Tracker) applySentinel(primary string, replicas []string) {
	keep := map[string]bool{primary: true}

	main := shard{primary: t.endpoint(primary, rolePrimary)}
	for _, addr := range replicas {
		if keep[addr] {
			continue
		}
		keep[addr] = true
		main.replicas = append(main.replicas, t.endpoint(addr, roleReplica))
	}

	t.routesMu.Lock()
	t.swap(&routes{main: main})
	t.routesMu.Unlock()

	t.log.Info("Sentinel topology updated",
		zap.String("primary", primary),
		zap.Strings("replicas", replicas))

	for _, ep := range t.Endpoints() {
		if !keep[ep.addr] {
			t.retire(ep)
		}
	}
}
