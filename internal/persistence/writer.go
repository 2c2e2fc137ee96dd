package persistence

import (
	"context"
	"log/slog"
	"time"
)

const (
	writeAttempts   = 3
	writeRetryDelay = 250 * time.Millisecond
)

// storeWrite is one labelled mutation of the device store. The label names
// the protocol event that produced it (group reassignment, peer sighting)
// so retry logs stay attributable.
type storeWrite struct {
	label string
	apply func(context.Context) error
}

// WriterQueue serializes store writes behind the radio and transport loops.
// Enqueue never blocks the caller: a saturated queue spills into a goroutine
// rather than stalling packet handling, since losing a sighting is cheaper
// than missing a sync deadline.
type WriterQueue struct {
	logger *slog.Logger
	writes chan storeWrite
}

func NewWriterQueue(logger *slog.Logger, capacity int) *WriterQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &WriterQueue{
		logger: logger,
		writes: make(chan storeWrite, capacity),
	}
}

func (w *WriterQueue) Enqueue(label string, apply func(context.Context) error) {
	write := storeWrite{label: label, apply: apply}
	select {
	case w.writes <- write:
	default:
		w.logger.Warn("store queue saturated, write deferred", "write", label)
		go func() { w.writes <- write }()
	}
}

// Start drains the queue until ctx ends. Writes run strictly in order; a
// failed write is retried with linear backoff and dropped after the last
// attempt so one bad row cannot wedge the queue.
func (w *WriterQueue) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case write := <-w.writes:
				w.run(ctx, write)
			}
		}
	}()
}

func (w *WriterQueue) run(ctx context.Context, write storeWrite) {
	for attempt := 1; ; attempt++ {
		err := write.apply(ctx)
		if err == nil {
			return
		}
		if attempt == writeAttempts {
			w.logger.Error("store write dropped", "write", write.label, "attempts", attempt, "error", err)
			return
		}
		w.logger.Warn("store write failed, retrying", "write", write.label, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * writeRetryDelay):
		}
	}
}
