package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener runs handler for every value received from in on its own goroutine.
type Listener[T any] struct {
	handler      func(input T) error
	stopHandler  func()
	errorHandler func(error)

	in <-chan T
	wg sync.WaitGroup

	mu      sync.Mutex
	cancel  func()
	stopped bool
}

type Option[T any] func(*Listener[T])

// WithStopHandler runs fn after the listener goroutine exited.
func WithStopHandler[T any](fn func()) Option[T] {
	return func(l *Listener[T]) { l.stopHandler = fn }
}

// WithErrorHandler replaces the default behaviour of panicking on a handler error.
func WithErrorHandler[T any](fn func(error)) Option[T] {
	return func(l *Listener[T]) { l.errorHandler = fn }
}

func New[T any](
	in <-chan T,
	handler func(T) error,
	opts ...Option[T],
) *Listener[T] {
	l := &Listener[T]{
		in:          in,
		handler:     handler,
		stopHandler: func() {},
		errorHandler: func(err error) {
			panic("channel listener error: " + err.Error())
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start is a no-op once Stop has been called.
func (l *Listener[T]) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}

	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				l.errorHandler(err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		if err := l.handler(inp); err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

// Stop may run before Start and more than once; the stop handler runs once.
func (l *Listener[T]) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()

	l.wg.Wait()
	l.stopHandler()
}
