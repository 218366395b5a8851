package deployments

import (
	"context"
	"errors"
	"sync"

	"github.com/prezel/prezel/pkg/log"
)

// ErrWorkerStopped is returned by TriggerAndWait when the worker shut down
// before the awaited pass completed.
var ErrWorkerStopped = errors.New("worker stopped")

// WorkFunc is one reconciliation pass. It must be idempotent: the runtime
// coalesces triggers, so one pass may serve many.
type WorkFunc func(ctx context.Context)

// Worker is a background task driven by a trigger counter and a notify
// channel rather than a queue of parameters. A trigger received mid-pass
// schedules another full pass, so no trigger is ever lost.
type Worker struct {
	name string
	work WorkFunc

	mu         sync.Mutex
	cond       *sync.Cond
	triggerSeq uint64
	doneSeq    uint64
	closed     bool

	notify chan struct{}
}

// NewWorker creates a worker. Run must be called for triggers to have any
// effect.
func NewWorker(name string, work WorkFunc) *Worker {
	w := &Worker{
		name:   name,
		work:   work,
		notify: make(chan struct{}, 1),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Trigger schedules a pass. Fire-and-forget, coalesced.
func (w *Worker) Trigger() {
	w.mu.Lock()
	w.triggerSeq++
	w.mu.Unlock()
	w.wake()
}

// TriggerAndWait schedules a pass and blocks until a pass that began no
// earlier than this call has completed.
func (w *Worker) TriggerAndWait() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWorkerStopped
	}
	w.triggerSeq++
	target := w.triggerSeq
	w.mu.Unlock()
	w.wake()

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.doneSeq < target && !w.closed {
		w.cond.Wait()
	}
	if w.doneSeq < target {
		return ErrWorkerStopped
	}
	return nil
}

func (w *Worker) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Run loops until ctx is done, executing one pass whenever triggers are
// pending. The pending count is settled only after the pass completes.
func (w *Worker) Run(ctx context.Context) {
	logger := log.WithComponent("worker").With().Str("worker", w.name).Logger()
	logger.Debug().Msg("worker started")
	defer w.shutdown()

	for {
		w.mu.Lock()
		for w.triggerSeq == w.doneSeq {
			w.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-w.notify:
			}
			w.mu.Lock()
		}
		seq := w.triggerSeq
		w.mu.Unlock()

		w.work(ctx)

		w.mu.Lock()
		w.doneSeq = seq
		w.cond.Broadcast()
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
	}
}

func (w *Worker) shutdown() {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
}
