// Package sync contains the serialized worker and the two event consumers
// built on it: the local event handler (native store events) and the remote
// reconciler (CMS deliveries). One event is processed at a time, in arrival
// order, so snapshot and ledger updates never interleave.
package sync

import (
	"context"

	"go.uber.org/zap"

	"github.com/aferraz/cmsync/internal/status"
)

// Engine is the single background worker every sync entry point is
// serialized through: watcher polls, remote deliveries and report flushes.
type Engine struct {
	tasks   chan func()
	machine *status.Machine
	logger  *zap.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEngine creates the worker. machine may be nil in tests.
func NewEngine(machine *status.Machine, logger *zap.Logger) *Engine {
	return &Engine{
		tasks:   make(chan func(), 64),
		machine: machine,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	go func() {
		defer close(e.done)
		for {
			select {
			case fn := <-e.tasks:
				e.run(fn)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the worker. Queued tasks that have not started are discarded;
// the native watcher re-derives their effects on the next start.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Do enqueues a task for serialized execution. Blocks while the queue is
// full rather than dropping: sync events must not be lost.
func (e *Engine) Do(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.done:
	}
}

// run executes one task behind a panic barrier. One bad event must not
// stop all future synchronization.
func (e *Engine) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("sync task panicked", zap.Any("panic", r))
			if e.machine != nil {
				_ = e.machine.Transition(status.Degraded)
			}
			return
		}
		if e.machine != nil {
			_ = e.machine.Transition(status.Running)
		}
	}()
	fn()
}
