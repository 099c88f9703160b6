// Package redisnotify carries change events between service instances over
// Redis pub/sub.
package redisnotify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"lms/library"
)

const (
	DefaultChannel = "library::dataUpdate"
	DefaultTimeout = 2 * time.Second
)

// Message is the wire form of an event. Origin identifies the publishing
// instance so relays can skip their own events.
type Message struct {
	Origin string        `json:"origin"`
	Event  library.Event `json:"event"`
}

func (m Message) MarshalBinary() ([]byte, error) {
	return sonic.Marshal(m)
}

// Notifier publishes events to a Redis channel without blocking the caller.
type Notifier struct {
	cli     *redis.Client
	channel string
	origin  string
	timeout time.Duration
	log     *zap.Logger

	wg sync.WaitGroup
}

var _ library.Notifier = (*Notifier)(nil)

type Option func(*Notifier)

func WithChannel(ch string) Option       { return func(n *Notifier) { n.channel = ch } }
func WithTimeout(d time.Duration) Option { return func(n *Notifier) { n.timeout = d } }
func WithLogger(l *zap.Logger) Option    { return func(n *Notifier) { n.log = l } }
func WithOrigin(origin string) Option    { return func(n *Notifier) { n.origin = origin } }

func New(cli *redis.Client, opts ...Option) *Notifier {
	n := &Notifier{
		cli:     cli,
		channel: DefaultChannel,
		origin:  uuid.NewString(),
		timeout: DefaultTimeout,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Publish hands e to a goroutine and returns immediately. A failed publish is
// logged and otherwise ignored.
func (n *Notifier) Publish(ctx context.Context, e library.Event) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()
		if err := n.cli.Publish(ctx, n.channel, Message{Origin: n.origin, Event: e}).Err(); err != nil {
			n.log.Warn("publish change event",
				zap.String("channel", n.channel),
				zap.String("type", string(e.Type)),
				zap.Error(err))
		}
	}()
}

// Wait blocks until every in-flight publish has finished.
func (n *Notifier) Wait() { n.wg.Wait() }

// Run relays events published by other instances into sink until ctx is done.
func (n *Notifier) Run(ctx context.Context, sink library.Notifier) error {
	pubsub := n.cli.Subscribe(ctx, n.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", n.channel, err)
	}
	defer func() { _ = pubsub.Close() }()
	ch := pubsub.Channel()

	n.log.Info("relaying change events", zap.String("channel", n.channel))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			n.relay(ctx, msg.Payload, sink)
		}
	}
}

// relay decodes one channel payload and forwards it unless this instance sent it.
func (n *Notifier) relay(ctx context.Context, payload string, sink library.Notifier) {
	var m Message
	if err := sonic.UnmarshalString(payload, &m); err != nil {
		n.log.Warn("unmarshal change event", zap.Error(err))
		return
	}
	if m.Origin == n.origin {
		return
	}
	sink.Publish(ctx, m.Event)
}
