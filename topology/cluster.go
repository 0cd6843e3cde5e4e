package topology

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/respmux/command"
	"github.com/luma/respmux/protocol"
)

// discoverCluster asks the first endpoint that answers for CLUSTER SLOTS and
// rebuilds the slot table from it.
func (t *Tracker) discoverCluster(ctx context.Context) error {
	var errs error

	for _, ep := range connectedFirst(t.Endpoints()) {
		f := ep.interactive.Submit(command.Keyless("CLUSTER", "SLOTS").WithFlags(command.Internal))

		reply, err := command.Await[protocol.Frame](ctx, f)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("CLUSTER SLOTS on %s: %w", ep.addr, err))
			continue
		}

		host, _, _ := net.SplitHostPort(ep.addr)

		ranges, err := parseSlots(reply, host)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("CLUSTER SLOTS on %s: %w", ep.addr, err))
			continue
		}

		t.applySlots(ranges)
		return nil
	}

	if errs == nil {
		errs = ErrNoEndpoint
	}

	return errs
}

type slotRange struct {
	start, end int
	primary    string
	replicas   []string
}

func parseSlots(f protocol.Frame, defaultHost string) ([]slotRange, error) {
	if f.Kind != protocol.KindArray || f.IsNull() {
		return nil, fmt.Errorf("reply is %s: %w", f.Kind, command.ErrUnexpectedReply)
	}

	ranges := make([]slotRange, 0, len(f.Elems))

	for _, entry := range f.Elems {
		if len(entry.Elems) < 3 {
			return nil, fmt.Errorf("slot range has %d fields: %w", len(entry.Elems), command.ErrUnexpectedReply)
		}

		r := slotRange{start: int(entry.Elems[0].Int), end: int(entry.Elems[1].Int)}
		if r.start < 0 || r.end >= SlotCount || r.start > r.end {
			return nil, fmt.Errorf("slot range %d-%d: %w", r.start, r.end, command.ErrUnexpectedReply)
		}

		addr, err := nodeAddr(entry.Elems[2], defaultHost)
		if err != nil {
			return nil, err
		}
		r.primary = addr

		for _, node := range entry.Elems[3:] {
			addr, err := nodeAddr(node, defaultHost)
			if err != nil {
				return nil, err
			}
			r.replicas = append(r.replicas, addr)
		}

		ranges = append(ranges, r)
	}

	return ranges, nil
}

// nodeAddr reads a [host, port, id, ...] node. An empty host means the node
// that sent the reply.
func nodeAddr(f protocol.Frame, defaultHost string) (string, error) {
	if len(f.Elems) < 2 {
		return "", fmt.Errorf("node has %d fields: %w", len(f.Elems), command.ErrUnexpectedReply)
	}

	host := f.Elems[0].Text()
	if host == "" || host == "?" {
		host = defaultHost
	}

	port := f.Elems[1].Int
	if f.Elems[1].Kind != protocol.KindInteger {
		p, err := strconv.ParseInt(f.Elems[1].Text(), 10, 32)
		if err != nil {
			return "", fmt.Errorf("node port %q: %w", f.Elems[1].Text(), command.ErrUnexpectedReply)
		}
		port = p
	}

	return net.JoinHostPort(host, strconv.FormatInt(port, 10)), nil
}

func (t *Tracker) applySlots(ranges []slotRange) {
	shards := make(map[string]*shard)
	keep := make(map[string]bool)

	slots := make([]*shard, SlotCount)

	for _, r := range ranges {
		s, ok := shards[r.primary]
		if !ok {
			s = &shard{primary: t.endpoint(r.primary, rolePrimary)}
			shards[r.primary] = s
			keep[r.primary] = true
		}

		for _, addr := range r.replicas {
			if keep[addr] {
				continue
			}
			keep[addr] = true
			s.replicas = append(s.replicas, t.endpoint(addr, roleReplica))
		}

		for i := r.start; i <= r.end; i++ {
			slots[i] = s
		}
	}

	primaries := make([]string, 0, len(shards))
	for addr := range shards {
		primaries = append(primaries, addr)
	}
	sort.Strings(primaries)

	r := &routes{slots: slots}
	if len(primaries) > 0 {
		r.main = *shards[primaries[0]]
	}

	t.routesMu.Lock()
	t.swap(r)
	t.routesMu.Unlock()

	t.log.Info("Cluster slots updated",
		zap.Int("ranges", len(ranges)),
		zap.Strings("primaries", primaries))

	if len(keep) == 0 {
		return
	}

	for _, ep := range t.Endpoints() {
		if !keep[ep.addr] {
			t.retire(ep)
		}
	}
}

func connectedFirst(eps []*Endpoint) []*Endpoint {
	sort.SliceStable(eps, func(i, j int) bool {
		return eps[i].IsConnected() && !eps[j].IsConnected()
	})

	return eps
}
