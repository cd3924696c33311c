// Package listener provides a single-consumer channel drain loop, the
// teacher's own concurrency primitive (pkg/listener) reused verbatim: the
// WAL drives one handler off one input channel on a dedicated goroutine.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var errListenerStopped = errors.New("listener stopped")

// Listener drains in, calling handler for each item, until Stop is called.
type Listener[T any] struct {
	handler     func(T) error
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

// New builds a Listener over in. stopHandler, if given, runs once after
// the drain loop exits.
func New[T any](in <-chan T, handler func(T) error, stopHandler ...func()) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}
	return &Listener[T]{in: in, handler: handler, cancel: func() {}, stopHandler: stopHandler[0]}
}

// Start begins draining in on its own goroutine.
func (l *Listener[T]) Start(ctx context.Context) {
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
				panic("listener: handler error: " + err.Error())
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case in := <-l.in:
		if err := l.handler(in); err != nil {
			return fmt.Errorf("listener: handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}
	return nil
}

// Stop cancels the drain loop, waits for it to exit, then runs stopHandler.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
