package conn

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/luma/respmux/protocol"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultDrainTimeout   = 2 * time.Second
	DefaultKeepAlive      = 60 * time.Second

	// LibraryName is reported to servers that support CLIENT SETINFO.
	LibraryName = "respmux"
)

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options configure a single physical connection.
type Options struct {
	// Addr is host:port, or a unix socket path
	Addr string

	// Network defaults to tcp, or unix when Addr is a path
	Network string

	// ConnectTimeout bounds dialling plus the handshake
	ConnectTimeout time.Duration

	// WriteTimeout bounds each flush of the write loop. Zero means no timeout
	WriteTimeout time.Duration

	// DrainTimeout is the grace period Drain gives outstanding commands
	DrainTimeout time.Duration

	// Protocol is the revision to negotiate. Zero tries RESP3 and falls back to
	// RESP2 for servers that don't support HELLO
	Protocol protocol.Protocol

	Username string
	Password string

	// ClientName is set with CLIENT SETNAME, or as part of HELLO
	ClientName string

	// DB is selected during the handshake when positive
	DB int

	TLS *tls.Config

	// Subscriber connections treat RESP2 message arrays as push frames
	Subscriber bool

	// OnPush receives out of band frames. It runs on the read loop and must not block
	OnPush func(protocol.Frame)

	// OnFailed is called once when the connection fails, with every entry that
	// was still waiting: written entries first, in write order, then unwritten ones
	OnFailed func(c *Conn, err error, entries []*Entry)

	Dialer DialFunc

	Log *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Network == "" {
		o.Network = "tcp"
		if strings.HasPrefix(o.Addr, "/") {
			o.Network = "unix"
		}
	}

	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}

	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}

	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	if o.Dialer == nil {
		d := &net.Dialer{KeepAlive: DefaultKeepAlive}
		o.Dialer = d.DialContext
	}

	return o
}
