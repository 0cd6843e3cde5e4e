package client

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"

	"github.com/luma/respmux/bridge"
	"github.com/luma/respmux/conn"
	"github.com/luma/respmux/protocol"
	"github.com/luma/respmux/topology"
)

const (
	DefaultHeartbeatInterval = time.Second
	DefaultMaxRedirects      = 5
)

// ConnectionEvent describes a bridge losing or regaining its connection.
type ConnectionEvent struct {
	Addr string
	Role bridge.Role

	// Err is why the connection failed. It is nil for restorations
	Err error
}

type Options struct {
	// Endpoints are the seed addresses. In sentinel mode they are sentinels
	Endpoints []string

	Mode topology.Mode

	// ServiceName is the sentinel service to follow
	ServiceName string

	Username string
	Password string

	SentinelUsername string
	SentinelPassword string

	ClientName string

	// DefaultDB is used by commands that don't name a database
	DefaultDB int

	// Protocol to negotiate. Zero prefers RESP3 and falls back to RESP2
	Protocol protocol.Protocol

	TLS *tls.Config

	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	// AbortOnConnectFail makes Open fail when nothing connects within
	// ConnectTimeout. Otherwise Open returns and keeps trying in the background
	AbortOnConnectFail bool

	QueueWhileDisconnected bool
	BacklogCapacity        int
	BacklogPolicy          bridge.Policy
	ReplayOnReconnect      bool

	MinBackoff time.Duration
	MaxBackoff time.Duration

	// HeartbeatInterval is how often every bridge is pinged. Negative disables
	// heartbeats
	HeartbeatInterval time.Duration
	HeartbeatMisses   int

	// MaxRedirects bounds how many MOVED or ASK replies one command follows
	MaxRedirects int

	// OnConnectionFailed and OnConnectionRestored must not block
	OnConnectionFailed   func(ConnectionEvent)
	OnConnectionRestored func(ConnectionEvent)

	Log *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = conn.DefaultConnectTimeout
	}

	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if o.MaxRedirects <= 0 {
		o.MaxRedirects = DefaultMaxRedirects
	}

	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	return o
}

// bridgeOptions is the template the tracker creates every data bridge from.
func (m *Multiplexer) bridgeOptions() bridge.Options {
	o := m.opts

	return bridge.Options{
		Conn: conn.Options{
			ConnectTimeout: o.ConnectTimeout,
			Protocol:       o.Protocol,
			Username:       o.Username,
			Password:       o.Password,
			ClientName:     o.ClientName,
			DB:             o.DefaultDB,
			TLS:            o.TLS,
			Log:            o.Log,
		},
		QueueWhileDisconnected: o.QueueWhileDisconnected,
		BacklogCapacity:        o.BacklogCapacity,
		BacklogPolicy:          o.BacklogPolicy,
		ReplayOnReconnect:      o.ReplayOnReconnect,
		CommandTimeout:         o.CommandTimeout,
		MinBackoff:             o.MinBackoff,
		MaxBackoff:             o.MaxBackoff,
		HeartbeatMisses:        o.HeartbeatMisses,
		OnPush:                 m.onPush,
		OnConnected:            m.onConnected,
		OnFailed:               m.onFailed,
		Log:                    o.Log,
	}
}
