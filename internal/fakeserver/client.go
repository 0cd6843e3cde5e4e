package fakeserver

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/luma/respmux/protocol"
)

var ErrClientClosed = errors.New("Client connection is closed")

// Client is the server side of one connection. Like a real server it reads
// requests on one loop and writes replies, in order, on another.
type Client struct {
	ctx        context.Context
	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup
	closeOnce  sync.Once

	server *Server
	conn   net.Conn
	reader *protocol.Reader

	writeMu    sync.Mutex
	writeQueue chan []byte

	proto int32

	mu         sync.Mutex
	db         int
	name       string
	authed     bool
	subscribed map[string]struct{}

	log *zap.Logger
}

func newClient(s *Server, nc net.Conn) *Client {
	ctx, cancel := context.WithCancel(s.ctx)

	return &Client{
		ctx:        ctx,
		cancel:     cancel,
		server:     s,
		conn:       nc,
		reader:     protocol.NewReader(nc, protocol.RESP3),
		writeQueue: make(chan []byte, 127),
		proto:      int32(protocol.RESP2),
		authed:     s.opts.Password == "",
		subscribed: make(map[string]struct{}),
		log:        s.log.Named("conn").With(zap.String("remote", nc.RemoteAddr().String())),
	}
}

func (c *Client) Protocol() protocol.Protocol {
	return protocol.Protocol(atomic.LoadInt32(&c.proto))
}

func (c *Client) setProtocol(p protocol.Protocol) {
	atomic.StoreInt32(&c.proto, int32(p))
}

// Start runs the read and write loops until the connection closes.
func (c *Client) Start() {
	c.loopWaiter.Add(2)

	go func() {
		defer c.loopWaiter.Done()
		defer c.Close()
		c.ReadLoop()
	}()

	go func() {
		defer c.loopWaiter.Done()
		c.WriteLoop()
	}()

	c.loopWaiter.Wait()
}

func (c *Client) Close() error {
	var err error

	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})

	return err
}

func (c *Client) ReadLoop() {
	log := c.log.Named("readLoop")

	for {
		f, err := c.reader.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("Failed to read client request", zap.Error(err))
			}
			return
		}

		req, err := protocol.ParseRequest(f)
		if err != nil {
			c.writeFrames(protocol.Error("ERR Protocol error: " + err.Error()))
			return
		}

		replies := c.server.dispatch(c, req)

		if c.server.isPaused() {
			continue
		}

		if err := c.writeFrames(replies...); err != nil {
			return
		}

		if req.Name() == "QUIT" {
			return
		}
	}
}

func (c *Client) WriteLoop() {
	log := c.log.Named("writeLoop")

	for {
		select {
		case <-c.ctx.Done():
			return

		case data := <-c.writeQueue:
			if _, err := c.conn.Write(data); err != nil {
				log.Debug("Failed to write reply", zap.Error(err))
				c.Close()
				return
			}
		}
	}
}

// writeFrames queues frames for the write loop.
func (c *Client) writeFrames(frames ...protocol.Frame) error {
	if len(frames) == 0 {
		return nil
	}

	var buf []byte
	for _, f := range frames {
		buf = protocol.AppendFrame(buf, f)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.ctx.Done():
		return ErrClientClosed
	case c.writeQueue <- buf:
		return nil
	}
}

// pushFrame wraps out of band data the way the client's protocol expects.
func (c *Client) pushFrame(elems ...protocol.Frame) protocol.Frame {
	if c.Protocol() == protocol.RESP3 {
		return protocol.Push(elems...)
	}

	return protocol.Array(elems...)
}

func (c *Client) null() protocol.Frame {
	if c.Protocol() == protocol.RESP3 {
		return protocol.Null()
	}

	return protocol.NullBulk()
}

func (c *Client) DB() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.db
}

func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.name
}

func (c *Client) isSubscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.subscribed[channel]
	return ok
}

func (c *Client) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.subscribed)
}

// WriteRaw queues bytes verbatim, for tests that need a malformed stream.
func (c *Client) WriteRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.ctx.Done():
		return ErrClientClosed
	case c.writeQueue <- b:
		return nil
	}
}
