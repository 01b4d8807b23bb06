package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hollowmq/relay/internal/broker"
	"github.com/hollowmq/relay/internal/metrics"
)

// Source provides undelivered rows to the poller.
type Source interface {
	Pending(ctx context.Context, limit int) ([]Message, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) error
}

// Submitter accepts publish work. Satisfied by *broker.Worker.
type Submitter interface {
	Submit(ctx context.Context, fn broker.Work) error
}

// Config holds poller configuration.
type Config struct {
	PollInterval time.Duration // Interval between outbox scans
	BatchSize    int           // Max rows claimed per scan
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 1 * time.Second,
		BatchSize:    100,
	}
}

// Poller periodically claims pending outbox rows and submits them to a
// supervised channel worker for publishing.
type Poller struct {
	cfg    Config
	store  Source
	worker Submitter
	logger *slog.Logger

	// Rows submitted but not yet resolved, so a slow publish is not
	// re-submitted by the next scan.
	inflightMu sync.Mutex
	inflight   map[uuid.UUID]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Poller.
func New(cfg Config, store Source, worker Submitter, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		cfg:      cfg,
		store:    store,
		worker:   worker,
		logger:   logger,
		inflight: make(map[uuid.UUID]struct{}),
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("outbox poller started",
		"interval", p.cfg.PollInterval,
		"batch_size", p.cfg.BatchSize,
	)
	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("outbox poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

// poll claims one batch of pending rows and submits each as publish work.
func (p *Poller) poll() {
	msgs, err := p.store.Pending(p.ctx, p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("outbox scan failed", "error", err)
		return
	}

	submitted := 0
	for _, m := range msgs {
		if !p.claim(m.ID) {
			continue
		}
		if err := p.submit(m); err != nil {
			p.release(m.ID)
			p.logger.Warn("submit failed, row stays pending",
				"id", m.ID,
				"error", err,
			)
			continue
		}
		submitted++
	}

	if submitted > 0 {
		metrics.OutboxPolled.Add(float64(submitted))
		p.logger.Debug("submitted outbox batch", "count", submitted)
	}
}

// submit hands one row to the worker. The work closure publishes and then
// marks the row delivered; any failure leaves the row pending for the next
// scan.
func (p *Poller) submit(m Message) error {
	return p.worker.Submit(p.ctx, func(ch broker.Channel) error {
		defer p.release(m.ID)

		err := ch.Publish(p.ctx, m.Exchange, m.RoutingKey, broker.Publishing{
			ContentType: "application/json",
			MessageID:   m.ID.String(),
			Body:        m.Body,
		})
		if err != nil {
			return fmt.Errorf("publish outbox row %s: %w", m.ID, err)
		}

		if err := p.store.MarkDelivered(p.ctx, m.ID); err != nil {
			// The publish stands; the row is re-published next scan.
			return err
		}
		metrics.OutboxDelivered.Inc()
		return nil
	})
}

func (p *Poller) claim(id uuid.UUID) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if _, ok := p.inflight[id]; ok {
		return false
	}
	p.inflight[id] = struct{}{}
	return true
}

func (p *Poller) release(id uuid.UUID) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	delete(p.inflight, id)
}
