package agent

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/m4xw311/mcprelay/errors"
)

// ErrQueueFull is returned by Submit when the session already has the
// maximum number of inputs waiting.
var ErrQueueFull = stderrors.New("too many queued messages for this session")

type job struct {
	input string
	cb    ProcessCallbacks
	done  func(error)
}

// Runner feeds user inputs to one Agent strictly one at a time. Inputs
// arriving mid-turn wait in a bounded queue.
type Runner struct {
	agent      *Agent
	queue      chan job
	archiveDir string
	log        *slog.Logger

	mu         sync.Mutex
	cancelTurn context.CancelFunc
}

// NewRunner creates a runner with room for queueDepth waiting inputs. When
// archiveDir is set the transcript is archived there once Run returns.
func NewRunner(a *Agent, queueDepth int, archiveDir string, log *slog.Logger) *Runner {
	if queueDepth < 1 {
		queueDepth = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		agent:      a,
		queue:      make(chan job, queueDepth),
		archiveDir: archiveDir,
		log:        log.With("component", "runner", "session_id", a.Session.ID()),
	}
}

// Agent returns the agent driven by the runner.
func (r *Runner) Agent() *Agent { return r.agent }

// Submit queues input. done, if not nil, is called with the turn's error
// once it has been processed or discarded.
func (r *Runner) Submit(input string, cb ProcessCallbacks, done func(error)) error {
	select {
	case r.queue <- job{input: input, cb: cb, done: done}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel aborts the turn in progress, if any. Queued inputs are kept.
func (r *Runner) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelTurn == nil {
		return false
	}
	r.cancelTurn()
	return true
}

// Run processes queued inputs until ctx is done. Inputs still queued then
// are discarded as canceled.
func (r *Runner) Run(ctx context.Context) {
	defer r.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-r.queue:
			if ctx.Err() != nil {
				r.discard(j)
				return
			}
			r.process(ctx, j)
		}
	}
}

func (r *Runner) process(ctx context.Context, j job) {
	turnCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancelTurn = cancel
	r.mu.Unlock()

	err := r.agent.ProcessUserInput(turnCtx, j.input, j.cb)

	r.mu.Lock()
	r.cancelTurn = nil
	r.mu.Unlock()
	cancel()

	if j.done != nil {
		j.done(err)
	}
}

func (r *Runner) discard(j job) {
	if j.done != nil {
		j.done(errors.Mark(context.Canceled, errors.ErrCanceled))
	}
}

func (r *Runner) shutdown() {
	for drained := false; !drained; {
		select {
		case j := <-r.queue:
			r.discard(j)
		default:
			drained = true
		}
	}

	if pending := r.agent.Session.PendingCalls(); len(pending) > 0 {
		r.log.Warn("session closed with unanswered tool calls", "correlation_ids", pending)
	}
	if r.archiveDir == "" {
		return
	}
	path, err := r.agent.Session.Archive(r.archiveDir)
	if err != nil {
		r.log.Error("failed to archive session", "error", err)
		return
	}
	r.log.Info("session archived", "path", path, "turns", r.agent.Session.Len())
}
