package fakeserver

import (
	"go.uber.org/zap"

	"github.com/luma/respmux/protocol"
)

type Options struct {
	// Host to listen on, defaults to 127.0.0.1
	Host string

	// Port to listen on. Zero picks a free port
	Port int

	// Version reported by INFO and HELLO
	Version string

	// Mode is standalone, cluster or sentinel
	Mode string

	// Role is master or slave
	Role string

	// MaxProtocol is the highest RESP revision HELLO accepts. RESP2 makes the
	// server reject HELLO like a pre 6.0 server would
	MaxProtocol protocol.Protocol

	// Password required by AUTH or HELLO ... AUTH
	Password string

	// DisableScan makes SCAN an unknown command
	DisableScan bool

	Store Store

	Log *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}

	if o.Version == "" {
		o.Version = "7.2.4"
	}

	if o.Mode == "" {
		o.Mode = "standalone"
	}

	if o.Role == "" {
		o.Role = "master"
	}

	if o.MaxProtocol == 0 {
		o.MaxProtocol = protocol.RESP3
	}

	if o.Store == nil {
		o.Store = NewInmemoryStore()
	}

	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	return o
}
