package listener

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestListener_HandlesInput(t *testing.T) {
	in := make(chan int)
	var sum atomic.Int64
	var stopped atomic.Bool

	l := New(in, func(v int) error {
		sum.Add(int64(v))
		return nil
	}, WithStopHandler[int](func() { stopped.Store(true) }))
	l.Start(context.Background())

	for i := 1; i <= 10; i++ {
		in <- i
	}
	l.Stop()

	if sum.Load() != 55 {
		t.Fatalf("expected 55, got %d", sum.Load())
	}
	if !stopped.Load() {
		t.Fatal("stop handler was not called")
	}
}

func TestListener_ErrorHandler(t *testing.T) {
	in := make(chan int)
	errs := make(chan error, 1)

	l := New(in, func(int) error {
		return errors.New("boom")
	}, WithErrorHandler[int](func(err error) { errs <- err }))
	l.Start(context.Background())
	defer l.Stop()

	in <- 1
	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected handler error")
		}
	case <-time.After(time.Second):
		t.Fatal("error handler was not called")
	}
}

func TestListener_StopsOnClosedChannel(t *testing.T) {
	in := make(chan int)
	l := New(in, func(int) error { return nil })
	l.Start(context.Background())

	close(in)
	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestListener_StopBeforeStart(t *testing.T) {
	in := make(chan int, 1)
	var handled, stops atomic.Int64

	l := New(in, func(int) error {
		handled.Add(1)
		return nil
	}, WithStopHandler[int](func() { stops.Add(1) }))

	l.Stop()
	l.Start(context.Background())
	l.Stop()

	in <- 1
	time.Sleep(20 * time.Millisecond)

	if handled.Load() != 0 {
		t.Fatalf("listener started after Stop handled %d inputs", handled.Load())
	}
	if stops.Load() != 1 {
		t.Fatalf("expected stop handler to run once, ran %d times", stops.Load())
	}
}
