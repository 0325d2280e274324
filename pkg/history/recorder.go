package history

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/dotchat/pkg/logger"
)

const (
	enqueueTimeout = 100 * time.Millisecond
	appendTimeout  = 10 * time.Second
)

// Recorder writes records in the background. Record never blocks the
// caller for longer than enqueueTimeout and never reports storage errors
// back; failures are logged and counted.
type Recorder struct {
	store   Store
	queue   chan Record
	done    chan struct{}
	closed  bool
	dropped atomic.Uint64
	failed  atomic.Uint64
	written atomic.Uint64
	mu      sync.RWMutex
}

func NewRecorder(store Store, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &Recorder{
		store: store,
		queue: make(chan Record, queueSize),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) Record(rec Record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}

	select {
	case r.queue <- rec:
	default:
		timer := time.NewTimer(enqueueTimeout)
		defer timer.Stop()
		select {
		case r.queue <- rec:
		case <-timer.C:
			r.dropped.Add(1)
			logger.WarnCF("history", "History queue full, dropping record", map[string]interface{}{
				"session_id": rec.SessionID,
			})
		}
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		stored, err := r.store.Append(ctx, rec)
		cancel()
		if err != nil {
			r.failed.Add(1)
			logger.ErrorCF("history", "Failed to persist chat turn", map[string]interface{}{
				"session_id": rec.SessionID,
				"error":      err.Error(),
			})
			continue
		}
		r.written.Add(1)
		logger.DebugCF("history", "Chat turn persisted", map[string]interface{}{
			"session_id": stored.SessionID,
			"record_id":  stored.ID,
		})
	}
}

// Close stops accepting records and waits for the queue to drain or ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }
func (r *Recorder) Failed() uint64  { return r.failed.Load() }
func (r *Recorder) Written() uint64 { return r.written.Load() }
