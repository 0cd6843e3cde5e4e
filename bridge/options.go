package bridge

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/luma/respmux/conn"
	"github.com/luma/respmux/protocol"
)

var (
	ErrNoConnectionAvailable = errors.New("No connection is available and commands are not queued while disconnected")
	ErrBacklogOverflow       = errors.New("Backlog is full")
	ErrHeartbeatTimeout      = errors.New("Server did not answer heartbeats")
	ErrClosed                = errors.New("Bridge is closed")
	ErrSimulatedFailure      = errors.New("Simulated connection failure")
)

const (
	DefaultBacklogCapacity = 1024
	DefaultMinBackoff      = 100 * time.Millisecond
	DefaultMaxBackoff      = 10 * time.Second
	DefaultHeartbeatMisses = 3
)

// Role separates ordinary command traffic from pub/sub traffic, which needs a
// connection of its own.
type Role int

const (
	Interactive Role = iota
	Subscription
)

func (r Role) String() string {
	if r == Subscription {
		return "subscription"
	}

	return "interactive"
}

type Options struct {
	// Conn is the template for every connection the bridge dials. Its OnFailed,
	// OnPush and Subscriber fields are set by the bridge
	Conn conn.Options

	Role Role

	// QueueWhileDisconnected holds commands in the backlog while there is no
	// connection, instead of failing them with ErrNoConnectionAvailable
	QueueWhileDisconnected bool

	// BacklogCapacity bounds the backlog, defaults to DefaultBacklogCapacity
	BacklogCapacity int

	BacklogPolicy Policy

	// ReplayOnReconnect puts commands that were outstanding on a failed
	// connection back at the front of the backlog instead of failing them
	ReplayOnReconnect bool

	// CommandTimeout is measured from submission. Zero means no timeout
	CommandTimeout time.Duration

	// MinBackoff and MaxBackoff bound the delay between reconnect attempts
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// HeartbeatMisses is how many consecutive unanswered heartbeats fail the
	// connection
	HeartbeatMisses int

	// OnPush receives out of band frames. It runs on the connection's read loop
	OnPush func(protocol.Frame)

	// OnConnected runs after every successful (re)connect, once the backlog has
	// been flushed
	OnConnected func(b *Bridge)

	// OnFailed runs after the connection fails
	OnFailed func(b *Bridge, err error)

	Log *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.BacklogCapacity <= 0 {
		o.BacklogCapacity = DefaultBacklogCapacity
	}

	if o.MinBackoff <= 0 {
		o.MinBackoff = DefaultMinBackoff
	}

	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = DefaultMaxBackoff
		if o.MaxBackoff < o.MinBackoff {
			o.MaxBackoff = o.MinBackoff
		}
	}

	if o.HeartbeatMisses <= 0 {
		o.HeartbeatMisses = DefaultHeartbeatMisses
	}

	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	return o
}
