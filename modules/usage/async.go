package usage

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"diarygate/modules/worker"
)

var (
	ErrQueueFull = errors.New("usage: async queue full")
	ErrClosed    = errors.New("usage: accountant closed")
)

// AsyncAccountant hands records to a bounded queue drained by a worker pool,
// so slow backends never hold up a response. Record never blocks: a full
// queue drops the record with ErrQueueFull.
type AsyncAccountant struct {
	next    Accountant
	jobs    chan Record
	onError func(Record, error)

	mu     sync.RWMutex
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

var _ Accountant = (*AsyncAccountant)(nil)

type AsyncOption func(*AsyncAccountant)

// WithErrorHandler is called from a worker for every record next failed to store.
func WithErrorHandler(fn func(Record, error)) AsyncOption {
	return func(a *AsyncAccountant) { a.onError = fn }
}

func NewAsyncAccountant(next Accountant, queueSize, workers int, opts ...AsyncOption) *AsyncAccountant {
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &AsyncAccountant{
		next:   next,
		jobs:   make(chan Record, queueSize),
		cancel: cancel,
		done:   make(chan struct{}),
		onError: func(rec Record, err error) {
			slog.Warn("usage record dropped",
				slog.String("key", rec.Key),
				slog.Any("error", err),
			)
		},
	}
	for _, opt := range opts {
		opt(a)
	}

	go func() {
		defer close(a.done)
		worker.BlockingPool(ctx, workers, a.jobs, func(ctx context.Context, rec Record) {
			if err := a.next.Record(ctx, rec); err != nil {
				a.onError(rec, err)
			}
		})
	}()
	return a
}

func (a *AsyncAccountant) Record(_ context.Context, rec Record) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.jobs <- rec:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting records and waits for the queue to drain. When ctx
// ends first the remaining records are abandoned and ctx.Err is returned.
func (a *AsyncAccountant) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.jobs)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		<-a.done
		return ctx.Err()
	}
}
