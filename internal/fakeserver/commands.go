package fakeserver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/luma/respmux/protocol"
)

func errorf(format string, args ...interface{}) []protocol.Frame {
	return []protocol.Frame{protocol.Error(fmt.Sprintf(format, args...))}
}

func reply(f protocol.Frame) []protocol.Frame {
	return []protocol.Frame{f}
}

var okReply = reply(protocol.SimpleString("OK"))

var allowedWhileSubscribed = map[string]bool{
	"SUBSCRIBE":   true,
	"UNSUBSCRIBE": true,
	"PING":        true,
	"QUIT":        true,
	"RESET":       true,
}

func builtin(s *Server, c *Client, req protocol.Request) []protocol.Frame {
	ctx := c.ctx
	name := req.Name()

	if !c.isAuthed() && name != "AUTH" && name != "HELLO" && name != "QUIT" {
		return errorf("NOAUTH Authentication required.")
	}

	if c.Protocol() == protocol.RESP2 && c.subscriptionCount() > 0 && !allowedWhileSubscribed[name] {
		return errorf("ERR Can't execute '%s': only (P|S)SUBSCRIBE / (P|S)UNSUBSCRIBE / PING / QUIT / RESET are allowed in this context", strings.ToLower(name))
	}

	switch name {
	case "PING":
		msg := "PONG"
		if req.NArgs() > 0 {
			msg = string(req.Arg(0))
		}
		if c.Protocol() == protocol.RESP2 && c.subscriptionCount() > 0 {
			return reply(protocol.Strings("pong", string(req.Arg(0))))
		}
		if req.NArgs() > 0 {
			return reply(protocol.BulkString(msg))
		}
		return reply(protocol.SimpleString(msg))

	case "ECHO":
		return reply(protocol.Bulk(req.Arg(0)))

	case "QUIT":
		return okReply

	case "HELLO":
		return hello(s, c, req)

	case "AUTH":
		pass := req.Arg(req.NArgs() - 1)
		if s.opts.Password == "" {
			return errorf("ERR AUTH <password> called without any password configured for the default user.")
		}
		if string(pass) != s.opts.Password {
			return errorf("WRONGPASS invalid username-password pair or user is disabled.")
		}
		c.setAuthed()
		return okReply

	case "CLIENT":
		switch strings.ToUpper(string(req.Arg(0))) {
		case "SETNAME":
			c.mu.Lock()
			c.name = string(req.Arg(1))
			c.mu.Unlock()
			return okReply
		case "GETNAME":
			return reply(protocol.BulkString(c.Name()))
		case "SETINFO":
			return okReply
		case "ID":
			return reply(protocol.Integer(1))
		}
		return errorf("ERR unknown subcommand '%s'", req.Arg(0))

	case "SELECT":
		db, err := strconv.Atoi(string(req.Arg(0)))
		if err != nil || db < 0 || db > 15 {
			return errorf("ERR DB index is out of range")
		}
		c.mu.Lock()
		c.db = db
		c.mu.Unlock()
		return okReply

	case "INFO":
		return reply(protocol.BulkString(s.info()))

	case "ROLE":
		return reply(protocol.Array(protocol.BulkString(s.opts.Role), protocol.Integer(0), protocol.Array()))

	case "GET":
		v, found := s.store.Get(ctx, c.DB(), string(req.Arg(0)))
		if !found {
			return reply(c.null())
		}
		return reply(protocol.Bulk(v))

	case "SET":
		if req.NArgs() < 2 {
			return errorf("ERR wrong number of arguments for 'set' command")
		}
		s.store.Set(ctx, c.DB(), string(req.Arg(0)), req.Arg(1))
		return okReply

	case "INCR":
		key := string(req.Arg(0))
		v, _ := s.store.Get(ctx, c.DB(), key)
		n := int64(0)
		if v != nil {
			parsed, err := strconv.ParseInt(string(v), 10, 64)
			if err != nil {
				return errorf("ERR value is not an integer or out of range")
			}
			n = parsed
		}
		n++
		s.store.Set(ctx, c.DB(), key, []byte(strconv.FormatInt(n, 10)))
		return reply(protocol.Integer(n))

	case "DEL", "UNLINK":
		keys := make([]string, req.NArgs())
		for i := range keys {
			keys[i] = string(req.Arg(i))
		}
		return reply(protocol.Integer(int64(s.store.Del(ctx, c.DB(), keys...))))

	case "DBSIZE":
		return reply(protocol.Integer(int64(s.store.Size(ctx, c.DB()))))

	case "FLUSHDB":
		s.store.Flush(ctx, c.DB())
		return okReply

	case "KEYS":
		return reply(protocol.Strings(s.store.Keys(ctx, c.DB(), string(req.Arg(0)))...))

	case "SCAN":
		if s.opts.DisableScan {
			break
		}
		return scan(s, c, req)

	case "SUBSCRIBE":
		var out []protocol.Frame
		for i := 0; i < req.NArgs(); i++ {
			channel := string(req.Arg(i))
			c.mu.Lock()
			c.subscribed[channel] = struct{}{}
			count := len(c.subscribed)
			c.mu.Unlock()
			out = append(out, c.pushFrame(protocol.BulkString("subscribe"), protocol.BulkString(channel), protocol.Integer(int64(count))))
		}
		return out

	case "UNSUBSCRIBE":
		var out []protocol.Frame
		for i := 0; i < req.NArgs(); i++ {
			channel := string(req.Arg(i))
			c.mu.Lock()
			delete(c.subscribed, channel)
			count := len(c.subscribed)
			c.mu.Unlock()
			out = append(out, c.pushFrame(protocol.BulkString("unsubscribe"), protocol.BulkString(channel), protocol.Integer(int64(count))))
		}
		return out

	case "PUBLISH":
		n, _ := s.Publish(string(req.Arg(0)), req.Arg(1))
		return reply(protocol.Integer(int64(n)))
	}

	return errorf("ERR unknown command '%s', with args beginning with: ", strings.ToLower(name))
}

func hello(s *Server, c *Client, req protocol.Request) []protocol.Frame {
	if s.opts.MaxProtocol < protocol.RESP3 {
		return errorf("ERR unknown command 'hello', with args beginning with: ")
	}

	proto := protocol.RESP2
	if req.NArgs() > 0 {
		v, err := strconv.Atoi(string(req.Arg(0)))
		if err != nil || v < 2 || v > 3 {
			return errorf("NOPROTO unsupported protocol version")
		}
		proto = protocol.Protocol(v)
	}

	for i := 1; i < req.NArgs(); i++ {
		switch strings.ToUpper(string(req.Arg(i))) {
		case "AUTH":
			if string(req.Arg(i+2)) != s.opts.Password {
				return errorf("WRONGPASS invalid username-password pair or user is disabled.")
			}
			c.setAuthed()
			i += 2
		case "SETNAME":
			c.mu.Lock()
			c.name = string(req.Arg(i + 1))
			c.mu.Unlock()
			i++
		}
	}

	if !c.isAuthed() {
		return errorf("NOAUTH HELLO must be called with the client already authenticated, otherwise the HELLO <proto> AUTH <user> <pass> option can be used to authenticate the client and select the RESP protocol version at the same time")
	}

	c.setProtocol(proto)

	fields := []protocol.Frame{
		protocol.BulkString("server"), protocol.BulkString("redis"),
		protocol.BulkString("version"), protocol.BulkString(s.opts.Version),
		protocol.BulkString("proto"), protocol.Integer(int64(proto)),
		protocol.BulkString("id"), protocol.Integer(1),
		protocol.BulkString("mode"), protocol.BulkString(s.opts.Mode),
		protocol.BulkString("role"), protocol.BulkString(s.opts.Role),
		protocol.BulkString("modules"), protocol.Array(),
	}

	if proto == protocol.RESP3 {
		return reply(protocol.Map(fields...))
	}

	return reply(protocol.Array(fields...))
}

func scan(s *Server, c *Client, req protocol.Request) []protocol.Frame {
	cursor, err := strconv.ParseUint(string(req.Arg(0)), 10, 64)
	if err != nil {
		return errorf("ERR invalid cursor")
	}

	pattern, count := "*", 10

	for i := 1; i+1 < req.NArgs(); i += 2 {
		switch strings.ToUpper(string(req.Arg(i))) {
		case "MATCH":
			pattern = string(req.Arg(i + 1))
		case "COUNT":
			count, err = strconv.Atoi(string(req.Arg(i + 1)))
			if err != nil || count < 1 {
				return errorf("ERR syntax error")
			}
		}
	}

	next, keys := s.store.Scan(c.ctx, c.DB(), cursor, pattern, count)

	return reply(protocol.Array(
		protocol.BulkString(strconv.FormatUint(next, 10)),
		protocol.Strings(keys...),
	))
}

func (s *Server) info() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Server\r\nredis_version:%s\r\nredis_mode:%s\r\n\r\n", s.opts.Version, s.opts.Mode)
	fmt.Fprintf(&b, "# Replication\r\nrole:%s\r\nconnected_slaves:0\r\n", s.opts.Role)

	return b.String()
}

func (c *Client) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.authed
}

func (c *Client) setAuthed() {
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
}
