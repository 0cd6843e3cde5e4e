package conn

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/luma/respmux/command"
	"github.com/luma/respmux/features"
	"github.com/luma/respmux/internal/meta"
	"github.com/luma/respmux/protocol"
)

const (
	ModeStandalone = "standalone"
	ModeCluster    = "cluster"
	ModeSentinel   = "sentinel"
)

var ErrResp3Unsupported = errors.New("Server does not support RESP3")

func tlsClient(nc net.Conn, opts Options) *tls.Conn {
	cfg := opts.TLS.Clone()

	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(opts.Addr); err == nil {
			cfg.ServerName = host
		}
	}

	return tls.Client(nc, cfg)
}

// roundTrip writes one command and reads its reply. It is only used before the
// loops start, while the handshake owns the socket.
func (c *Conn) roundTrip(args ...interface{}) (protocol.Frame, error) {
	cmd := command.Keyless(args[0].(string), args[1:]...)

	if _, err := c.nc.Write(cmd.AppendTo(nil)); err != nil {
		return protocol.Frame{}, err
	}

	for {
		f, err := c.reader.ReadFrame()
		if err != nil {
			return protocol.Frame{}, err
		}

		// Invalidation pushes can arrive at any time on RESP3
		if f.Kind == protocol.KindPush {
			continue
		}

		if f.IsError() {
			return f, command.ParseServerError(f)
		}

		return f, nil
	}
}

func (c *Conn) handshake() error {
	c.server.Mode = ModeStandalone
	c.server.Role = "master"
	c.server.Protocol = protocol.RESP2
	c.server.Version = features.Unknown

	resp3 := false

	if c.opts.Protocol != protocol.RESP2 {
		err := c.hello()

		var serr *command.ServerError
		switch {
		case err == nil:
			resp3 = true

		case errors.As(err, &serr) && isUnknownHello(serr):
			if c.opts.Protocol == protocol.RESP3 {
				return fmt.Errorf("%v: %w", serr, ErrResp3Unsupported)
			}
			c.reader.SetProtocol(protocol.RESP2)
			c.log.Debug("Server does not support HELLO, falling back to RESP2", zap.Error(err))

		default:
			return err
		}
	}

	if !resp3 {
		if err := c.legacyHandshake(); err != nil {
			return err
		}
	}

	c.server.Features = features.For(c.server.Version)

	if c.server.Features.Has(features.ClientSetInfo) {
		// Informational only, older patch releases reject it
		if _, err := c.roundTrip("CLIENT", "SETINFO", "LIB-NAME", LibraryName); err != nil {
			c.log.Debug("CLIENT SETINFO rejected", zap.Error(err))
		}

		if v := meta.Version; v != "" {
			if _, err := c.roundTrip("CLIENT", "SETINFO", "LIB-VER", v); err != nil {
				c.log.Debug("CLIENT SETINFO rejected", zap.Error(err))
			}
		}
	}

	if c.opts.DB > 0 && c.server.Mode != ModeSentinel {
		if _, err := c.roundTrip("SELECT", c.opts.DB); err != nil {
			return fmt.Errorf("Failed to select database %d: %w", c.opts.DB, err)
		}
		c.db = c.opts.DB
	}

	return nil
}

func isUnknownHello(err *command.ServerError) bool {
	if err.Prefix == "NOPROTO" {
		return true
	}

	msg := strings.ToLower(err.Message)
	return strings.Contains(msg, "unknown command") || strings.Contains(msg, "unknown subcommand")
}

// hello negotiates RESP3, authenticating and naming the connection in the same
// round trip.
func (c *Conn) hello() error {
	args := []interface{}{"HELLO", 3}

	if c.opts.Password != "" {
		user := c.opts.Username
		if user == "" {
			user = "default"
		}
		args = append(args, "AUTH", user, c.opts.Password)
	}

	if c.opts.ClientName != "" {
		args = append(args, "SETNAME", c.opts.ClientName)
	}

	// The reply to HELLO 3 is already a RESP3 map
	c.reader.SetProtocol(protocol.RESP3)

	f, err := c.roundTrip(args...)
	if err != nil {
		return err
	}

	if f.Kind != protocol.KindMap && f.Kind != protocol.KindArray {
		return fmt.Errorf("HELLO replied with %s: %w", f.Kind, command.ErrUnexpectedReply)
	}

	for i := 0; i+1 < len(f.Elems); i += 2 {
		value := f.Elems[i+1]

		switch strings.ToLower(f.Elems[i].Text()) {
		case "version":
			if v, err := features.ParseVersion(value.Text()); err == nil {
				c.server.Version = v
			}
		case "proto":
			c.server.Protocol = protocol.Protocol(value.Int)
		case "id":
			c.server.ID = value.Int
		case "mode":
			c.server.Mode = value.Text()
		case "role":
			c.server.Role = value.Text()
		}
	}

	if c.server.Protocol != protocol.RESP3 {
		return fmt.Errorf("HELLO negotiated %s: %w", c.server.Protocol, ErrResp3Unsupported)
	}

	return nil
}

func (c *Conn) legacyHandshake() error {
	if c.opts.Password != "" {
		args := []interface{}{"AUTH"}
		if c.opts.Username != "" {
			args = append(args, c.opts.Username)
		}
		args = append(args, c.opts.Password)

		if _, err := c.roundTrip(args...); err != nil {
			return fmt.Errorf("Failed to authenticate: %w", err)
		}
	}

	if c.opts.ClientName != "" {
		if _, err := c.roundTrip("CLIENT", "SETNAME", c.opts.ClientName); err != nil {
			c.log.Debug("CLIENT SETNAME rejected", zap.Error(err))
		}
	}

	f, err := c.roundTrip("INFO")
	if err != nil {
		// Some proxies refuse INFO, carry on with the defaults
		c.log.Debug("INFO rejected", zap.Error(err))
		c.server.Version = features.Unknown
		return nil
	}

	info := ParseInfo(f.Str)

	c.server.Version = features.Unknown
	if v, err := features.ParseVersion(info["redis_version"]); err == nil {
		c.server.Version = v
	}

	if mode := info["redis_mode"]; mode != "" {
		c.server.Mode = mode
	}

	if role := info["role"]; role != "" {
		c.server.Role = role
	}

	if id, err := strconv.ParseInt(info["client_id"], 10, 64); err == nil {
		c.server.ID = id
	}

	return nil
}

// ParseInfo reads the key:value lines of an INFO reply. Section headers and
// blank lines are skipped.
func ParseInfo(raw []byte) map[string]string {
	info := make(map[string]string)

	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if i := strings.IndexByte(line, ':'); i > 0 {
			info[line[:i]] = line[i+1:]
		}
	}

	return info
}
