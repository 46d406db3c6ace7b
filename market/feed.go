package market

import (
	"context"
	"sync"
)

// Feed is an ordered, explicitly terminable event subscription. A single
// producer goroutine emits events; Events is closed when the producer returns.
type Feed[T any] struct {
	events chan T
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Emit delivers an event to the consumer. It returns false once the feed has
// been stopped; the producer must return at that point.
type Emit[T any] func(T) bool

// StartFeed runs produce in its own goroutine and returns the feed it fills.
func StartFeed[T any](ctx context.Context, buffer int, produce func(ctx context.Context, emit Emit[T])) *Feed[T] {
	ctx, cancel := context.WithCancel(ctx)
	f := &Feed[T]{
		events: make(chan T, buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	emit := func(v T) bool {
		select {
		case f.events <- v:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(f.done)
		defer close(f.events)
		produce(ctx, emit)
	}()

	return f
}

// Events returns the delivery channel.
func (f *Feed[T]) Events() <-chan T {
	return f.events
}

// Done is closed once the producer has exited.
func (f *Feed[T]) Done() <-chan struct{} {
	return f.done
}

// Stop unsubscribes and waits for the producer to exit. Safe to call more than once.
func (f *Feed[T]) Stop() {
	f.once.Do(f.cancel)
	<-f.done
}

// Filter returns a feed carrying only the events of src accepted by keep.
// Stopping the returned feed also stops src.
func Filter[T any](ctx context.Context, src *Feed[T], keep func(T) bool) *Feed[T] {
	return StartFeed(ctx, cap(src.events), func(ctx context.Context, emit Emit[T]) {
		defer src.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-src.Events():
				if !ok {
					return
				}
				if keep(v) && !emit(v) {
					return
				}
			}
		}
	})
}

// FromSlice returns a feed that emits items in order and then stays open until
// stopped. Mostly useful for tests and replay.
func FromSlice[T any](ctx context.Context, items []T) *Feed[T] {
	return StartFeed(ctx, len(items), func(ctx context.Context, emit Emit[T]) {
		for _, item := range items {
			if !emit(item) {
				return
			}
		}
		<-ctx.Done()
	})
}
