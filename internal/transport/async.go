package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("async worker closed")

// Async funnels items through a single goroutine (fan-in). Submit never blocks:
// when the internal buffer is full the OnDrop hook decides what the caller sees.
//
//	a := NewAsync(ctx, buf, handle, hooks)
//	a.Submit(item)
//	a.Close()
//
// Items still queued when Close runs are handed to OnDiscard so owners can
// reclaim resources attached to them.
type Async[T any] struct {
	mu     sync.Mutex
	ch     chan T
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	handle func(T) error
	hooks  Hooks[T]
	closed atomic.Bool
}

// Hooks customize Async behavior.
type Hooks[T any] struct {
	// OnError is called when handle returns a non-nil error.
	OnError func(T, error)
	// OnAfter is called only after a successful handle.
	OnAfter func(T)
	// OnDrop is called when the buffer is full; its returned error is returned
	// from Submit. If nil, the overflow is silent.
	OnDrop func(T) error
	// OnDiscard receives items left in the queue at Close.
	OnDiscard func(T)
}

// NewAsync constructs an Async with a buffered channel of size buf.
func NewAsync[T any](parent context.Context, buf int, handle func(T) error, hooks Hooks[T]) *Async[T] {
	ctx, cancel := context.WithCancel(parent)
	a := &Async[T]{
		ch:     make(chan T, buf),
		ctx:    ctx,
		cancel: cancel,
		handle: handle,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *Async[T]) loop() {
	defer a.wg.Done()
	for {
		if a.ctx.Err() != nil {
			return
		}
		select {
		case it, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.handle(it); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(it, err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter(it)
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Submit queues it for the worker or returns the drop error if the buffer is full.
func (a *Async[T]) Submit(it T) error {
	if a.closed.Load() {
		return ErrClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrClosed
	}
	select {
	case a.ch <- it:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop(it)
		}
		return nil
	}
}

// Len reports how many items are waiting.
func (a *Async[T]) Len() int { return len(a.ch) }

// Close stops the worker, waits for it and discards whatever is still queued.
func (a *Async[T]) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
	for it := range a.ch {
		if a.hooks.OnDiscard != nil {
			a.hooks.OnDiscard(it)
		}
	}
}
