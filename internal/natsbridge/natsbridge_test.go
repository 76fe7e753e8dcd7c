package natsbridge

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	eventbus "github.com/hanpama/gqlmesh/internal/eventbus"
	events "github.com/hanpama/gqlmesh/internal/events"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// hub delivers every published message to every subscriber synchronously.
type hub struct {
	mu       sync.Mutex
	next     int
	handlers map[int]func([]byte)
	subject  string
	fail     bool
}

func newHub() *hub { return &hub{handlers: make(map[int]func([]byte))} }

func (h *hub) Publish(subject string, data []byte) error {
	if h.fail {
		return errors.New("not connected")
	}
	h.mu.Lock()
	hs := make([]func([]byte), 0, len(h.handlers))
	for _, fn := range h.handlers {
		hs = append(hs, fn)
	}
	h.mu.Unlock()
	for _, fn := range hs {
		fn(data)
	}
	return nil
}

func (h *hub) Subscribe(subject string, handler func([]byte)) (func() error, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subject = subject
	id := h.next
	h.next++
	h.handlers[id] = handler
	return func() error {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.handlers, id)
		return nil
	}, nil
}

func (h *hub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handlers)
}

type recorder struct {
	mu  sync.Mutex
	ids [][]string
}

func (r *recorder) InvalidateRemote(_ context.Context, ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, ids)
}

func (r *recorder) got() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.ids...)
}

func TestBridge_RelaysBetweenInstances(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHub()
	busA, busB := eventbus.New(), eventbus.New()
	storeA, storeB := &recorder{}, &recorder{}

	a, err := Start(busA, storeA, h, Options{})
	require.NoError(t, err)
	defer a.Close()
	b, err := Start(busB, storeB, h, Options{})
	require.NoError(t, err)
	defer b.Close()
	require.Equal(t, DefaultSubject, h.subject)

	eventbus.Publish(context.Background(), busA, events.LiveQueryInvalidated{IDs: []string{"User:1"}})
	require.Empty(t, storeA.got())
	require.Equal(t, [][]string{{"User:1"}}, storeB.got())

	// Remote invalidations are not sent back out.
	eventbus.Publish(context.Background(), busB, events.LiveQueryInvalidated{IDs: []string{"User:1"}, Remote: true})
	require.Empty(t, storeA.got())
}

func TestBridge_DestroyStops(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHub()
	bus := eventbus.New()
	_, err := Start(bus, &recorder{}, h, Options{Subject: "custom"})
	require.NoError(t, err)
	require.Equal(t, "custom", h.subject)
	require.Equal(t, 1, h.subscribers())

	eventbus.Publish(context.Background(), bus, events.Destroy{})
	require.Zero(t, h.subscribers())
	require.Zero(t, eventbus.Len[events.LiveQueryInvalidated](bus))
	require.Zero(t, eventbus.Len[events.Destroy](bus))
}

func TestBridge_IgnoresMalformedAndPublishFailures(t *testing.T) {
	h := newHub()
	store := &recorder{}
	b, err := Start(eventbus.New(), store, h, Options{})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, h.Publish(DefaultSubject, []byte("{not json")))
	require.NoError(t, h.Publish(DefaultSubject, []byte(`{"origin":"other","ids":[]}`)))
	require.Empty(t, store.got())

	h.fail = true
	b.publish(context.Background(), events.LiveQueryInvalidated{IDs: []string{"x"}})
}

func TestBridge_NATS(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	ncA, err := Connect(url, nil)
	require.NoError(t, err)
	defer ncA.Close()
	ncB, err := Connect(url, nil)
	require.NoError(t, err)
	defer ncB.Close()

	busA := eventbus.New()
	storeB := &recorder{}
	a, err := Start(busA, &recorder{}, NATS{Conn: ncA}, Options{Subject: "gqlmesh.test"})
	require.NoError(t, err)
	defer a.Close()
	b, err := Start(eventbus.New(), storeB, NATS{Conn: ncB}, Options{Subject: "gqlmesh.test"})
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, ncB.Flush())

	eventbus.Publish(context.Background(), busA, events.LiveQueryInvalidated{IDs: []string{"User:1"}})
	require.Eventually(t, func() bool { return len(storeB.got()) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestConnect_BadURL(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", nil)
	require.ErrorContains(t, err, "connect to nats")
}
