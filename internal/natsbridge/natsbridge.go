// Package natsbridge shares live query invalidations between mesh instances
// over NATS.
package natsbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	eventbus "github.com/hanpama/gqlmesh/internal/eventbus"
	events "github.com/hanpama/gqlmesh/internal/events"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "gqlmesh.livequery.invalidate"

// Conn is the part of a NATS connection the bridge uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (unsubscribe func() error, err error)
}

// NATS adapts a *nats.Conn to Conn.
type NATS struct {
	Conn *nats.Conn
}

func (n NATS) Publish(subject string, data []byte) error { return n.Conn.Publish(subject, data) }

func (n NATS) Subscribe(subject string, handler func(data []byte)) (func() error, error) {
	sub, err := n.Conn.Subscribe(subject, func(msg *nats.Msg) { handler(msg.Data) })
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

// Connect dials url with reconnects and connection state logging.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("gqlmesh.livequery"),
		nats.ReconnectJitter(500*time.Millisecond, 2*time.Second),
		nats.ConnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection established", zap.String("url", nc.ConnectedUrlRedacted()))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected; will attempt to reconnect", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrlRedacted()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			if errors.Is(err, nats.ErrSlowConsumer) {
				logger.Warn("NATS slow consumer detected; invalidations are being dropped", zap.Error(err))
				return
			}
			logger.Error("NATS error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return nc, nil
}

// RemoteInvalidator receives invalidations from other instances.
type RemoteInvalidator interface {
	InvalidateRemote(ctx context.Context, ids ...string)
}

type message struct {
	Origin string   `json:"origin"`
	IDs    []string `json:"ids"`
}

// Bridge publishes local invalidations and applies remote ones.
type Bridge struct {
	conn    Conn
	subject string
	origin  string
	store   RemoteInvalidator
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	stop   []func()
}

// Options configure Start.
type Options struct {
	Subject string
	Logger  *zap.Logger
}

// Start relays events.LiveQueryInvalidated from bus to conn, and messages
// from conn to store. It stops on events.Destroy or Close.
func Start(bus *eventbus.Bus, store RemoteInvalidator, conn Conn, opts Options) (*Bridge, error) {
	subject := opts.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bridge{
		conn:    conn,
		subject: subject,
		origin:  uuid.NewString(),
		store:   store,
		logger:  logger.Named("natsbridge").With(zap.String("subject", subject)),
	}
	unsubscribe, err := conn.Subscribe(subject, b.receive)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	b.stop = append(b.stop,
		func() {
			if err := unsubscribe(); err != nil {
				b.logger.Error("unsubscribing from NATS subject", zap.Error(err))
			}
		},
		eventbus.Subscribe(bus, b.publish),
		eventbus.Subscribe(bus, func(context.Context, events.Destroy) { b.Close() }),
	)
	return b, nil
}

func (b *Bridge) publish(_ context.Context, e events.LiveQueryInvalidated) {
	if e.Remote || len(e.IDs) == 0 {
		return
	}
	data, err := json.Marshal(message{Origin: b.origin, IDs: e.IDs})
	if err != nil {
		b.logger.Error("encoding invalidation", zap.Error(err))
		return
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		b.logger.Error("publishing invalidation", zap.Error(err), zap.Strings("ids", e.IDs))
	}
}

func (b *Bridge) receive(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		b.logger.Warn("dropping malformed invalidation", zap.Error(err))
		return
	}
	if msg.Origin == b.origin || len(msg.IDs) == 0 {
		return
	}
	b.logger.Debug("remote invalidation", zap.String("origin", msg.Origin), zap.Strings("ids", msg.IDs))
	b.store.InvalidateRemote(context.Background(), msg.IDs...)
}

// Close stops relaying. It is safe to call more than once.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	stop := b.stop
	b.stop = nil
	b.mu.Unlock()
	for _, s := range stop {
		s()
	}
}
