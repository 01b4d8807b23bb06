package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hollowmq/relay/internal/metrics"
)

// Worker is a supervised unit of work bound to at most one channel. It runs
// caller-supplied work against the channel, survives channel invalidation by
// asking its supervisor for a replacement, and gates work on broker
// flow-control according to its policy.
type Worker struct {
	name   string
	policy Policy
	init   func(ch Channel) error
	sup    *Supervisor
	logger *slog.Logger

	mailbox   chan workerMsg
	quit      chan struct{}
	stoppedCh chan struct{}
	stopOnce  sync.Once

	// Owned by the run loop.
	ch      Channel
	blocked bool
	pending []Work
}

type workerMsg interface{}

type channelMsg struct {
	ch Channel
}

type invalidateMsg struct{}

type workerFlowMsg struct {
	sig BlockedSignal
}

type workMsg struct {
	fn       Work
	accepted chan error
}

const defaultMailboxSize = 256

func newWorker(name string, opts WorkerOptions, sup *Supervisor, logger *slog.Logger) *Worker {
	size := opts.MailboxSize
	if size <= 0 {
		size = defaultMailboxSize
	}
	return &Worker{
		name:      name,
		policy:    opts.Policy,
		init:      opts.Init,
		sup:       sup,
		logger:    logger,
		mailbox:   make(chan workerMsg, size),
		quit:      make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Name returns the worker's identity.
func (w *Worker) Name() string { return w.name }

// Submit hands the worker a unit of work to run against its channel. Work is
// executed in submission order. The returned error reports acceptance only:
// with DropPolicy, ErrUnavailable or ErrBlocked when the work cannot run
// right now; with QueuePolicy, nil once the work is queued. Execution errors
// are reported through the work function itself.
func (w *Worker) Submit(ctx context.Context, fn Work) error {
	accepted := make(chan error, 1)

	select {
	case w.mailbox <- workMsg{fn: fn, accepted: accepted}:
	case <-w.quit:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-accepted:
		return err
	case <-w.quit:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the worker down and deregisters it from its supervisor.
// Pending queued work is dropped.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		close(w.quit)
		go w.sup.enqueue(removeWorkerCmd{name: w.name})
	})

	select {
	case <-w.stoppedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop is the supervisor-side teardown path; the supervisor removes the
// registry entry itself.
func (w *Worker) stop() {
	w.stopOnce.Do(func() {
		close(w.quit)
	})
}

// deliverChannel hands the worker a fresh channel. Called only by the
// supervisor run loop.
func (w *Worker) deliverChannel(ch Channel) {
	select {
	case w.mailbox <- channelMsg{ch: ch}:
	case <-w.quit:
		_ = ch.Close()
	}
}

// deliverInvalidate tells the worker its channel must not be used anymore.
func (w *Worker) deliverInvalidate() {
	select {
	case w.mailbox <- invalidateMsg{}:
	case <-w.quit:
	}
}

// deliverFlow forwards a broker flow-control signal.
func (w *Worker) deliverFlow(sig BlockedSignal) {
	select {
	case w.mailbox <- workerFlowMsg{sig: sig}:
	case <-w.quit:
	}
}

// run is the worker's single-writer event loop.
func (w *Worker) run() {
	defer close(w.stoppedCh)

	for {
		select {
		case <-w.quit:
			if n := len(w.pending); n > 0 {
				w.logger.Warn("dropping pending work on stop", "count", n)
			}
			if w.ch != nil {
				_ = w.ch.Close()
				w.ch = nil
			}
			return
		case m := <-w.mailbox:
			w.handle(m)
		}
	}
}

func (w *Worker) handle(m workerMsg) {
	switch m := m.(type) {
	case channelMsg:
		if w.ch != nil {
			_ = w.ch.Close()
		}
		w.ch = m.ch
		if w.init != nil {
			if err := w.init(m.ch); err != nil {
				w.logger.Warn("channel init failed", "error", err)
			}
		}
		w.logger.Debug("channel attached", "pending", len(w.pending))
		w.drain()

	case invalidateMsg:
		// The owning connection is gone; the channel must not be
		// closed, only discarded. Flow-control state died with the
		// connection too.
		w.ch = nil
		w.blocked = false
		w.logger.Debug("channel invalidated, requesting replacement")
		w.requestChannel()

	case workerFlowMsg:
		w.blocked = m.sig.Active
		if m.sig.Active {
			w.logger.Debug("publishing paused", "reason", m.sig.Reason)
		} else {
			w.logger.Debug("publishing resumed", "pending", len(w.pending))
			w.drain()
		}

	case workMsg:
		switch {
		case w.ch != nil && !w.blocked:
			m.accepted <- nil
			w.execute(m.fn)
		case w.policy == DropPolicy:
			metrics.WorkDropped.Inc()
			if w.ch == nil {
				m.accepted <- ErrUnavailable
			} else {
				m.accepted <- ErrBlocked
			}
		default:
			m.accepted <- nil
			w.pending = append(w.pending, m.fn)
		}
	}
}

// drain runs queued work while a channel is present and publishing is not
// blocked.
func (w *Worker) drain() {
	for len(w.pending) > 0 && w.ch != nil && !w.blocked {
		fn := w.pending[0]
		w.pending = w.pending[1:]
		w.execute(fn)
	}
}

func (w *Worker) execute(fn Work) {
	if err := fn(w.ch); err != nil {
		metrics.WorkFailed.Inc()
		w.logger.Warn("work failed", "error", err)
		return
	}
	metrics.WorkExecuted.Inc()
}

// requestChannel asks the supervisor for a replacement channel. The request
// is fire-and-forget: while disconnected the supervisor ignores it, and the
// worker is re-provisioned proactively after reconnection.
func (w *Worker) requestChannel() {
	go func() {
		w.sup.enqueue(provideChannelCmd{w: w})
	}()
}
