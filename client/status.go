package client

import (
	"sort"
	"time"

	"github.com/luma/respmux/bridge"
)

type BridgeStatus struct {
	Role      string
	Connected bool
	LastError string

	// LastRead is when the live connection last received a frame
	LastRead time.Time

	Stats bridge.Stats
}

type EndpointStatus struct {
	Addr      string
	Connected bool
	Replica   bool
	Mode      string
	Version   string
	Protocol  int
	Features  []string
	Bridges   []BridgeStatus
}

// Status is a point in time view of a multiplexer.
type Status struct {
	Mode          string
	Connected     bool
	Endpoints     []EndpointStatus
	Subscriptions []string
}

func (m *Multiplexer) Status() Status {
	st := Status{
		Mode:          m.opts.Mode.String(),
		Subscriptions: m.Subscriptions(),
	}

	sort.Strings(st.Subscriptions)

	for _, ep := range m.tracker.Endpoints() {
		info := ep.Server()

		es := EndpointStatus{
			Addr:      ep.Addr(),
			Connected: ep.IsConnected(),
			Replica:   ep.IsReplica(),
			Mode:      info.Mode,
			Version:   info.Version.String(),
			Protocol:  int(info.Protocol),
			Features:  info.Features.Names(),
		}

		for _, b := range ep.Bridges() {
			bs := BridgeStatus{
				Role:      b.Role().String(),
				Connected: b.IsConnected(),
				Stats:     b.Stats(),
			}

			if c := b.Conn(); c != nil {
				bs.LastRead = c.LastRead()
			}

			if err := b.LastError(); err != nil {
				bs.LastError = err.Error()
			}

			es.Bridges = append(es.Bridges, bs)
		}

		st.Connected = st.Connected || es.Connected
		st.Endpoints = append(st.Endpoints, es)
	}

	return st
}
