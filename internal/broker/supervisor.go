package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hollowmq/relay/internal/metrics"
)

// Supervisor owns a single logical broker connection and the set of Channel
// Workers riding on it. All state is confined to the run loop goroutine;
// public methods communicate with it by message only.
type Supervisor struct {
	cfg     SupervisorConfig
	factory Factory
	logger  *slog.Logger

	cmds   chan command
	events chan StateEvent

	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// Everything below is owned by the run loop. conn == nil means
	// Disconnected; conn != nil means Connected.
	conn          Connection
	blockedReason *string
	workers       map[string]*Worker
	retry         *time.Timer
	gen           uint64
}

// Supervisor commands. Each public method maps to exactly one of these.
type command interface{}

type connectCmd struct{}

type createWorkerCmd struct {
	opts  WorkerOptions
	reply chan createReply
}

type createReply struct {
	w   *Worker
	err error
}

type provideChannelCmd struct {
	w *Worker
}

type removeWorkerCmd struct {
	name string
}

type shutdownCmd struct {
	gen uint64
	sig ShutdownSignal
}

// flowCmd carries a broker flow-control signal. gen is zero for signals
// injected by the caller rather than observed on a connection.
type flowCmd struct {
	gen uint64
	sig BlockedSignal
}

type statusCmd struct {
	reply chan Status
}

type stopCmd struct{}

// NewSupervisor creates a Connection Supervisor. The supervisor starts
// disconnected; Start launches the run loop and issues the first Connect.
func NewSupervisor(cfg SupervisorConfig, factory Factory, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultSupervisorConfig().ReconnectDelay
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultSupervisorConfig().EventBuffer
	}

	return &Supervisor{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		cmds:    make(chan command, 32),
		events:  make(chan StateEvent, cfg.EventBuffer),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		workers: make(map[string]*Worker),
	}
}

// Start launches the run loop and attempts the initial connection.
func (s *Supervisor) Start(ctx context.Context) error {
	go s.run()
	s.Connect()

	s.logger.Info("supervisor started",
		"reconnect_delay", s.cfg.ReconnectDelay,
	)
	return nil
}

// Stop tears the supervisor down: the connection is closed if currently
// open, all workers are stopped, and the run loop exits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.cmds <- stopCmd{}
	})

	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect asks the supervisor to establish a connection. A no-op while
// already connected; on failure a retry is scheduled automatically, so a
// single Connect is enough to keep the supervisor trying forever.
func (s *Supervisor) Connect() {
	s.enqueue(connectCmd{})
}

// CreateChannel spawns a new Channel Worker. The worker is always created
// and acknowledged, whether or not a channel could be provided: while
// disconnected (or if channel creation fails) the worker starts channel-less
// and is provisioned after the next successful connect.
func (s *Supervisor) CreateChannel(ctx context.Context, opts WorkerOptions) (*Worker, error) {
	reply := make(chan createReply, 1)
	if !s.enqueue(createWorkerCmd{opts: opts, reply: reply}) {
		return nil, ErrSupervisorDown
	}

	select {
	case r := <-reply:
		return r.w, r.err
	case <-s.quit:
		return nil, ErrSupervisorDown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueueBlocked injects a broker flow-control pause. Signals observed on the
// live connection arrive through the same path. No-op while disconnected.
func (s *Supervisor) QueueBlocked(reason string) {
	s.enqueue(flowCmd{sig: BlockedSignal{Active: true, Reason: reason}})
}

// QueueUnblocked injects a broker flow-control resume.
func (s *Supervisor) QueueUnblocked() {
	s.enqueue(flowCmd{sig: BlockedSignal{Active: false}})
}

// Events returns the state event feed. Events are dropped when the feed is
// not consumed fast enough; the feed is never a source of backpressure.
func (s *Supervisor) Events() <-chan StateEvent {
	return s.events
}

// Status returns a snapshot of supervisor state. Blocks while the run loop
// is inside a synchronous dial.
func (s *Supervisor) Status() Status {
	reply := make(chan Status, 1)
	if !s.enqueue(statusCmd{reply: reply}) {
		return Status{}
	}
	select {
	case st := <-reply:
		return st
	case <-s.quit:
		return Status{}
	}
}

// enqueue delivers a command to the run loop. Returns false once the
// supervisor is shutting down.
func (s *Supervisor) enqueue(c command) bool {
	select {
	case s.cmds <- c:
		return true
	case <-s.quit:
		return false
	}
}

// run is the supervisor's single-writer event loop.
func (s *Supervisor) run() {
	defer close(s.stopped)

	for cmd := range s.cmds {
		switch c := cmd.(type) {
		case connectCmd:
			s.handleConnect()
		case createWorkerCmd:
			s.handleCreateWorker(c)
		case provideChannelCmd:
			s.handleProvideChannel(c)
		case removeWorkerCmd:
			delete(s.workers, c.name)
			metrics.Workers.Set(float64(len(s.workers)))
		case shutdownCmd:
			s.handleShutdown(c)
		case flowCmd:
			s.handleFlow(c)
		case statusCmd:
			c.reply <- s.status()
		case stopCmd:
			s.teardown()
			return
		}
	}
}

func (s *Supervisor) status() Status {
	st := Status{
		Connected: s.conn != nil,
		Workers:   len(s.workers),
	}
	if s.blockedReason != nil {
		st.BlockedReason = *s.blockedReason
	}
	return st
}

// handleConnect attempts connection establishment. Idempotent while
// connected. The dial is synchronous and serializes all other supervisor
// message processing for its duration.
func (s *Supervisor) handleConnect() {
	if s.conn != nil {
		s.logger.Debug("connect ignored, already connected")
		return
	}

	conn, err := s.factory.Dial()
	if err != nil {
		s.logger.Warn("connection attempt failed",
			"error", err,
			"retry_in", s.cfg.ReconnectDelay,
		)
		metrics.ConnectFailures.Inc()
		s.armRetry(s.cfg.ReconnectDelay)
		return
	}

	s.gen++
	s.watch(s.gen, conn)

	if s.cfg.Setup != nil {
		s.cfg.Setup(conn, s)
	}

	s.cancelRetry()
	s.conn = conn
	s.blockedReason = nil

	// Re-provision every existing worker with a fresh channel. A worker
	// whose channel cannot be created gets an invalidation signal instead.
	for _, w := range s.workers {
		ch, err := conn.Channel()
		if err != nil {
			s.logger.Warn("channel provisioning failed",
				"worker", w.name,
				"error", err,
			)
			w.deliverInvalidate()
			continue
		}
		w.deliverChannel(ch)
	}

	metrics.ConnectionUp.Set(1)
	metrics.Blocked.Set(0)
	s.emit(EventConnected, "")
	s.logger.Info("connected", "workers", len(s.workers))
}

func (s *Supervisor) handleCreateWorker(c createWorkerCmd) {
	name := c.opts.Name
	if name == "" {
		name = "worker-" + uuid.NewString()[:8]
	}
	if _, exists := s.workers[name]; exists {
		c.reply <- createReply{err: ErrWorkerExists}
		return
	}

	w := newWorker(name, c.opts, s, s.logger.With("worker", name))
	s.workers[name] = w
	go w.run()

	if s.conn != nil {
		ch, err := s.conn.Channel()
		if err != nil {
			// The connection is presumed broken. The worker is kept
			// and acknowledged; it gets a channel after reconnection.
			s.logger.Warn("channel creation failed",
				"worker", name,
				"error", err,
			)
			s.disconnect("channel creation failed: " + err.Error())
		} else {
			w.deliverChannel(ch)
			if s.blockedReason != nil {
				w.deliverFlow(BlockedSignal{Active: true, Reason: *s.blockedReason})
			}
		}
	}

	metrics.Workers.Set(float64(len(s.workers)))
	s.emit(EventWorkerAdded, name)
	c.reply <- createReply{w: w}
}

// handleProvideChannel serves a channel-recovery request from an existing
// worker. No reply is sent on failure: the worker is re-provisioned
// proactively once the connection comes back.
func (s *Supervisor) handleProvideChannel(c provideChannelCmd) {
	if s.conn == nil {
		s.logger.Debug("channel request while disconnected", "worker", c.w.name)
		return
	}

	ch, err := s.conn.Channel()
	if err != nil {
		s.logger.Warn("channel creation failed",
			"worker", c.w.name,
			"error", err,
		)
		s.disconnect("channel creation failed: " + err.Error())
		return
	}
	c.w.deliverChannel(ch)
	if s.blockedReason != nil {
		c.w.deliverFlow(BlockedSignal{Active: true, Reason: *s.blockedReason})
	}
}

func (s *Supervisor) handleShutdown(c shutdownCmd) {
	if s.conn == nil || c.gen != s.gen {
		s.logger.Debug("shutdown signal ignored",
			"reason", c.sig.Reason,
			"stale", c.gen != s.gen,
		)
		return
	}

	if c.sig.Initiated {
		// Intentional local close: no reconnection, wait for an
		// explicit Connect.
		s.conn = nil
		s.blockedReason = nil
		metrics.ConnectionUp.Set(0)
		metrics.Blocked.Set(0)
		s.emit(EventDisconnected, c.sig.Reason)
		s.logger.Info("connection closed", "reason", c.sig.Reason)
		return
	}

	s.logger.Warn("connection lost", "reason", c.sig.Reason)
	s.disconnect(c.sig.Reason)
}

// disconnect runs the reconnect procedure: close the broken connection
// best-effort, invalidate every worker's channel, and schedule a new
// connection attempt. The stale-generation guard on shutdown signals keeps
// it from running twice for the same broken connection.
func (s *Supervisor) disconnect(reason string) {
	if s.conn != nil {
		if s.conn.IsOpen() {
			_ = s.conn.Close()
		}
		s.conn = nil
	}
	s.blockedReason = nil

	s.armRetry(0)

	for _, w := range s.workers {
		w.deliverInvalidate()
	}

	metrics.ConnectionUp.Set(0)
	metrics.Blocked.Set(0)
	metrics.Reconnects.Inc()
	s.emit(EventDisconnected, reason)
}

func (s *Supervisor) handleFlow(c flowCmd) {
	if s.conn == nil || (c.gen != 0 && c.gen != s.gen) {
		s.logger.Debug("flow-control signal ignored",
			"active", c.sig.Active,
		)
		return
	}

	if c.sig.Active {
		reason := c.sig.Reason
		s.blockedReason = &reason
		metrics.Blocked.Set(1)
		s.emit(EventBlocked, c.sig.Reason)
		s.logger.Warn("broker blocked publishing", "reason", c.sig.Reason)
	} else {
		s.blockedReason = nil
		metrics.Blocked.Set(0)
		s.emit(EventUnblocked, "")
		s.logger.Info("broker unblocked publishing")
	}

	for _, w := range s.workers {
		w.deliverFlow(c.sig)
	}
}

// watch forwards shutdown and flow-control signals from a connection into
// the run loop, tagged with the connection's generation so signals from a
// replaced connection are ignored.
func (s *Supervisor) watch(gen uint64, conn Connection) {
	closes := conn.NotifyClose(make(chan ShutdownSignal, 1))
	blocks := conn.NotifyBlocked(make(chan BlockedSignal, 8))

	go func() {
		for {
			select {
			case sig, ok := <-closes:
				if !ok {
					return
				}
				s.enqueue(shutdownCmd{gen: gen, sig: sig})
			case sig, ok := <-blocks:
				if !ok {
					return
				}
				s.enqueue(flowCmd{gen: gen, sig: sig})
			case <-s.quit:
				return
			}
		}
	}()
}

// armRetry schedules a Connect after delay, replacing any pending timer.
// At most one retry timer is outstanding at any time.
func (s *Supervisor) armRetry(delay time.Duration) {
	s.cancelRetry()
	s.retry = time.AfterFunc(delay, func() {
		s.enqueue(connectCmd{})
	})
}

func (s *Supervisor) cancelRetry() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *Supervisor) teardown() {
	s.cancelRetry()
	close(s.quit)

	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
		metrics.ConnectionUp.Set(0)
	}

	for _, w := range s.workers {
		w.stop()
	}
	for _, w := range s.workers {
		<-w.stoppedCh
	}
	s.workers = map[string]*Worker{}

	close(s.events)
	s.logger.Info("supervisor stopped")
}

func (s *Supervisor) emit(kind EventKind, reason string) {
	ev := StateEvent{
		Kind:    kind,
		Reason:  reason,
		Workers: len(s.workers),
		At:      time.Now(),
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("event feed full, dropping", "kind", kind)
	}
}
