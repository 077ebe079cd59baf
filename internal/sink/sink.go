// Package sink provides generic pipeline-stage types: a Sink interface that
// accepts items one at a time, a Stream interface that produces them one at
// a time, and two adapters that apply a transform to items pushed via Send
// and expose the results as a Stream. Adapter applies the transform
// synchronously inside Send; StreamingAdapter runs it concurrently on a
// goroutine pool. Both yield exactly one result per item, in send order
// (FIFO within one adapter; no ordering guarantee is made across separate
// adapters chained together). Neither adapter implements the Sink
// interface: their write side is Send and Close, not the Poll* methods.
package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

// Sink is the write half of a pipeline stage.
type Sink[In any] interface {
	// PollReady reports whether the sink can accept another item without
	// blocking. Callers should not call StartSend until it returns nil.
	PollReady(ctx context.Context) error
	// StartSend hands one item to the sink.
	StartSend(ctx context.Context, item In) error
	// PollFlush waits for previously sent items to be fully processed.
	PollFlush(ctx context.Context) error
	// PollClose flushes and releases any resources held by the sink.
	PollClose(ctx context.Context) error
}

// Stream is the read half of a pipeline stage.
type Stream[Out any] interface {
	// PollNext returns the next item, or ok=false once the stream is
	// exhausted.
	PollNext(ctx context.Context) (item Out, ok bool, err error)
}

// Adapter runs fn over items pushed via Send, synchronously and in order,
// and exposes the results as a Stream.
type Adapter[In, Out any] struct {
	fn  func(context.Context, In) (Out, error)
	out chan adapterResult[Out]
}

type adapterResult[Out any] struct {
	val Out
	err error
}

// NewAdapter builds an Adapter that applies fn to each sent item in the
// order received.
func NewAdapter[In, Out any](fn func(context.Context, In) (Out, error)) *Adapter[In, Out] {
	return &Adapter[In, Out]{fn: fn, out: make(chan adapterResult[Out], 1)}
}

// Send applies fn to item and makes the result available from PollNext.
func (a *Adapter[In, Out]) Send(ctx context.Context, item In) error {
	val, err := a.fn(ctx, item)

	select {
	case a.out <- adapterResult[Out]{val: val, err: err}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals that no further items will be sent.
func (a *Adapter[In, Out]) Close() {
	close(a.out)
}

// PollNext implements Stream.
func (a *Adapter[In, Out]) PollNext(ctx context.Context) (Out, bool, error) {
	select {
	case r, ok := <-a.out:
		if !ok {
			var zero Out
			return zero, false, nil
		}

		return r.val, true, r.err
	case <-ctx.Done():
		var zero Out
		return zero, false, ctx.Err()
	}
}

// StreamingAdapter runs fn over a bounded pool of goroutines, preserving
// the order items were sent in its output stream even though the
// transforms themselves may complete out of order.
type StreamingAdapter[In, Out any] struct {
	fn   func(context.Context, In) (Out, error)
	pool *pool.Pool

	mu      sync.Mutex
	pending []chan adapterResult[Out]
	closed  bool

	results chan chan adapterResult[Out]
}

// NewStreamingAdapter builds a StreamingAdapter with up to maxWorkers
// concurrent invocations of fn in flight at once. maxWorkers <= 0 means
// unbounded concurrency.
func NewStreamingAdapter[In, Out any](maxWorkers int, fn func(context.Context, In) (Out, error)) *StreamingAdapter[In, Out] {
	p := pool.New()
	if maxWorkers > 0 {
		p = p.WithMaxGoroutines(maxWorkers)
	}

	return &StreamingAdapter[In, Out]{
		fn:      fn,
		pool:    p,
		results: make(chan chan adapterResult[Out], 64),
	}
}

// Send schedules fn(item) to run concurrently; results are delivered from
// PollNext in the same order Send was called.
func (a *StreamingAdapter[In, Out]) Send(ctx context.Context, item In) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("sink: Send called after Close")
	}

	slot := make(chan adapterResult[Out], 1)
	a.mu.Unlock()

	select {
	case a.results <- slot:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.pool.Go(func() {
		val, err := a.fn(ctx, item)
		slot <- adapterResult[Out]{val: val, err: err}
	})

	return nil
}

// Close waits for all in-flight work to finish and signals end of stream.
func (a *StreamingAdapter[In, Out]) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	a.pool.Wait()
	close(a.results)
}

// PollNext implements Stream, yielding results in send order.
func (a *StreamingAdapter[In, Out]) PollNext(ctx context.Context) (Out, bool, error) {
	select {
	case slot, ok := <-a.results:
		if !ok {
			var zero Out
			return zero, false, nil
		}

		select {
		case r := <-slot:
			return r.val, true, r.err
		case <-ctx.Done():
			var zero Out
			return zero, false, ctx.Err()
		}
	case <-ctx.Done():
		var zero Out
		return zero, false, ctx.Err()
	}
}
