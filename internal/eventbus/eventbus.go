package eventbus

import (
	"context"
	"reflect"
	"sync"
)

// Handler processes events of type T.
type Handler[T any] func(context.Context, T)

type entry struct {
	id uint64
	fn func(context.Context, any)
}

// Bus is an in-process event dispatcher. Handlers run synchronously on the
// publishing goroutine, in registration order per event type.
type Bus struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[reflect.Type][]entry
}

// New creates a new Bus.
func New() *Bus { return &Bus{handlers: make(map[reflect.Type][]entry)} }

func (b *Bus) subscribe(t reflect.Type, fn func(context.Context, any)) (unsubscribe func()) {
	b.mu.Lock()
	b.next++
	id := b.next
	b.handlers[t] = append(b.handlers[t], entry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			hs := b.handlers[t]
			for i, e := range hs {
				if e.id == id {
					hs = append(hs[:i:i], hs[i+1:]...)
					break
				}
			}
			if len(hs) == 0 {
				delete(b.handlers, t)
			} else {
				b.handlers[t] = hs
			}
		})
	}
}

// emit dispatches e to all handlers of its dynamic type.
func (b *Bus) emit(ctx context.Context, t reflect.Type, e any) {
	b.mu.RLock()
	hs := b.handlers[t]
	b.mu.RUnlock()
	for _, h := range hs {
		h.fn(ctx, e)
	}
}

// Len reports how many handlers are registered for events of type T.
func Len[T any](b *Bus) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[typeOf[T]()])
}

// Subscribe registers h for events of type T. A nil bus accepts the
// registration and never delivers.
func Subscribe[T any](b *Bus, h Handler[T]) (unsubscribe func()) {
	if b == nil {
		return func() {}
	}
	return b.subscribe(typeOf[T](), func(ctx context.Context, v any) { h(ctx, v.(T)) })
}

// Publish sends e to the handlers registered for T. Publishing on a nil bus
// is a no-op.
func Publish[T any](ctx context.Context, b *Bus, e T) {
	if b == nil {
		return
	}
	b.emit(ctx, typeOf[T](), e)
}

func typeOf[T any]() reflect.Type { return reflect.TypeOf((*T)(nil)).Elem() }
