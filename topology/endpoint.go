package topology

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/luma/respmux/bridge"
	"github.com/luma/respmux/conn"
	"github.com/luma/respmux/features"
)

type endpointRole int32

const (
	roleUnknown endpointRole = iota
	rolePrimary
	roleReplica
)

// Endpoint is one server and the bridges that serve it.
type Endpoint struct {
	addr string

	role int32

	interactive *bridge.Bridge

	subOpts bridge.Options
	subMu   sync.Mutex
	sub     *bridge.Bridge
	closed  bool
}

func (e *Endpoint) Addr() string {
	return e.addr
}

// Bridge is the endpoint's bridge for ordinary commands.
func (e *Endpoint) Bridge() *bridge.Bridge {
	return e.interactive
}

// Subscriber is the endpoint's pub/sub bridge. It is created on first use.
func (e *Endpoint) Subscriber() *bridge.Bridge {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	if e.sub == nil {
		e.sub = bridge.New(e.subOpts)
		if e.closed {
			// Submissions fail with bridge.ErrClosed
			e.sub.Close(context.Background())
		} else {
			e.sub.Start()
		}
	}

	return e.sub
}

func (e *Endpoint) subscriber() *bridge.Bridge {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	return e.sub
}

// Bridges returns every bridge the endpoint has created.
func (e *Endpoint) Bridges() []*bridge.Bridge {
	bridges := []*bridge.Bridge{e.interactive}
	if sub := e.subscriber(); sub != nil {
		bridges = append(bridges, sub)
	}

	return bridges
}

// IsReplica reports the role from the last handshake, or from discovery if the
// endpoint has not connected yet.
func (e *Endpoint) IsReplica() bool {
	return endpointRole(atomic.LoadInt32(&e.role)) == roleReplica
}

func (e *Endpoint) setRole(r endpointRole) {
	atomic.StoreInt32(&e.role, int32(r))
}

func (e *Endpoint) IsConnected() bool {
	return e.interactive.IsConnected()
}

func (e *Endpoint) Server() conn.ServerInfo {
	return e.interactive.Server()
}

func (e *Endpoint) Version() features.Version {
	return e.Server().Version
}

func (e *Endpoint) Features() features.Set {
	return e.Server().Features
}

// Close drains and closes the endpoint's bridges.
func (e *Endpoint) Close(ctx context.Context) error {
	e.subMu.Lock()
	e.closed = true
	sub := e.sub
	e.subMu.Unlock()

	err := e.interactive.Close(ctx)

	if sub != nil {
		err = multierr.Append(err, sub.Close(ctx))
	}

	return err
}
