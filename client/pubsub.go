package client

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/luma/respmux/bridge"
	"github.com/luma/respmux/command"
	"github.com/luma/respmux/protocol"
)

// DefaultMessageBuffer is the capacity of channels returned by SubscribeChan.
const DefaultMessageBuffer = 255

type Message struct {
	Channel string
	Payload []byte
}

// Handler receives the messages of a subscription. It runs on the
// connection's read loop and must not block.
type Handler func(msg *Message)

type subscription struct {
	channel string
	handler Handler
	onClose func()

	mu     sync.Mutex
	addr   string
	closed bool
}

func (s *subscription) deliver(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.handler(msg)
	}
}

func (s *subscription) endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addr
}

func (s *subscription) moveTo(addr string) (old string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, s.addr = s.addr, addr
	return old
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	if s.onClose != nil {
		s.onClose()
	}
}

// Subscribe registers h for messages published to channel and waits for the
// server to confirm. Subscriptions survive reconnects and failovers.
// Subscribing to a channel again replaces its handler.
func (m *Multiplexer) Subscribe(ctx context.Context, channel string, h Handler) error {
	return m.subscribe(ctx, &subscription{channel: channel, handler: h})
}

// SubscribeChan is Subscribe with the messages delivered on a buffered
// channel. Messages that arrive while the buffer is full are dropped. The
// channel is closed by Unsubscribe and Close.
func (m *Multiplexer) SubscribeChan(ctx context.Context, channel string) (<-chan *Message, error) {
	ch := make(chan *Message, DefaultMessageBuffer)

	sub := &subscription{channel: channel, onClose: func() { close(ch) }}
	sub.handler = func(msg *Message) {
		select {
		case ch <- msg:
		default:
			m.log.Warn("Dropped message, subscriber is not keeping up", zap.String("channel", msg.Channel))
		}
	}

	if err := m.subscribe(ctx, sub); err != nil {
		return nil, err
	}

	return ch, nil
}

func (m *Multiplexer) subscribe(ctx context.Context, sub *subscription) error {
	if m.isClosed() {
		return ErrClosed
	}

	ep, _, err := m.tracker.Route(command.New("SUBSCRIBE", sub.channel))
	if err != nil {
		return err
	}

	sub.addr = ep.Addr()

	// Registered before subscribing so no message is missed
	if prev, loaded := m.subs.LoadAndStore(sub.channel, sub); loaded {
		prev.close()
	}

	f := ep.Subscriber().Submit(command.Keyless("SUBSCRIBE", sub.channel))
	if _, err := f.Wait(ctx); err != nil {
		m.subs.Compute(sub.channel, func(old *subscription, loaded bool) (*subscription, bool) {
			return old, !loaded || old == sub
		})
		sub.close()

		return err
	}

	m.log.Debug("Subscribed", zap.String("channel", sub.channel), zap.String("addr", sub.addr))

	return nil
}

// Unsubscribe drops the subscription to channel.
func (m *Multiplexer) Unsubscribe(ctx context.Context, channel string) error {
	sub, found := m.subs.LoadAndDelete(channel)
	if !found {
		return nil
	}

	sub.close()

	ep, found := m.tracker.Endpoint(sub.endpoint())
	if !found {
		return nil
	}

	_, err := ep.Subscriber().Submit(command.Keyless("UNSUBSCRIBE", channel)).Wait(ctx)
	return err
}

// Publish sends msg to channel and returns how many subscribers received it.
func (m *Multiplexer) Publish(ctx context.Context, channel string, msg []byte) (int64, error) {
	cmd := command.New("PUBLISH", channel, msg).WithProcessor(command.Int64)

	return command.Await[int64](ctx, m.Submit(cmd))
}

// Subscriptions lists the channels currently subscribed to.
func (m *Multiplexer) Subscriptions() []string {
	var channels []string

	m.subs.Range(func(channel string, _ *subscription) bool {
		channels = append(channels, channel)
		return true
	})

	return channels
}

// onPush dispatches out of band frames from every bridge.
func (m *Multiplexer) onPush(f protocol.Frame) {
	if len(f.Elems) < 3 || !strings.EqualFold(f.Elems[0].Text(), "message") {
		m.log.Debug("Ignored push", zap.Stringer("frame", f))
		return
	}

	channel := f.Elems[1].Text()

	sub, found := m.subs.Load(channel)
	if !found {
		return
	}

	sub.deliver(&Message{Channel: channel, Payload: f.Elems[2].Str})
}

// resubscribe restores the subscriptions held by a subscription bridge that
// has just reconnected.
func (m *Multiplexer) resubscribe(b *bridge.Bridge) {
	m.subs.Range(func(channel string, sub *subscription) bool {
		if sub.endpoint() == b.Addr() {
			b.Submit(command.Keyless("SUBSCRIBE", channel).WithFlags(command.Internal))
		}
		return true
	})
}

// rehome moves subscriptions whose channel now routes to another endpoint,
// after a failover or a slot migration.
func (m *Multiplexer) rehome() {
	m.subs.Range(func(channel string, sub *subscription) bool {
		ep, _, err := m.tracker.Route(command.New("SUBSCRIBE", channel))
		if err != nil || ep.Addr() == sub.endpoint() {
			return true
		}

		old := sub.moveTo(ep.Addr())

		m.log.Info("Moving subscription",
			zap.String("channel", channel),
			zap.String("from", old),
			zap.String("to", ep.Addr()))

		ep.Subscriber().Submit(command.Keyless("SUBSCRIBE", channel).WithFlags(command.Internal))

		if prev, found := m.tracker.Endpoint(old); found {
			prev.Subscriber().Submit(command.Keyless("UNSUBSCRIBE", channel).WithFlags(command.Internal))
		}

		return true
	})
}
