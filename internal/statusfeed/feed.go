// Package statusfeed streams supervisor state transitions to websocket
// clients for dashboards and ops tooling.
package statusfeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hollowmq/relay/internal/broker"
)

// Snapshotter provides the current supervisor state for newly connected
// clients. Satisfied by *broker.Supervisor.
type Snapshotter interface {
	Status() broker.Status
}

// Config configures the feed.
type Config struct {
	PingInterval time.Duration // Keepalive ping cadence
	WriteTimeout time.Duration // Write deadline for sends
	ClientBuffer int           // Per-client frame buffer
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval: 30 * time.Second,
		WriteTimeout: 5 * time.Second,
		ClientBuffer: 32,
	}
}

// Frame is the wire format of the feed.
type Frame struct {
	Type   string             `json:"type"` // "snapshot" or "event"
	Status *broker.Status     `json:"status,omitempty"`
	Event  *broker.StateEvent `json:"event,omitempty"`
}

// Feed fans supervisor state events out to websocket clients. Slow clients
// lose frames; they never slow the supervisor down.
type Feed struct {
	cfg      Config
	snap     Snapshotter
	events   <-chan broker.StateEvent
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// New creates a Feed consuming the given event channel.
func New(cfg Config, snap Snapshotter, events <-chan broker.StateEvent, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if cfg.ClientBuffer == 0 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}

	return &Feed{
		cfg:    cfg,
		snap:   snap,
		events: events,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Start begins fanning events out to clients.
func (f *Feed) Start(ctx context.Context) error {
	f.ctx, f.cancel = context.WithCancel(ctx)

	f.wg.Add(1)
	go f.fanout()

	f.logger.Info("status feed started")
	return nil
}

// Stop disconnects all clients and shuts the feed down.
func (f *Feed) Stop(ctx context.Context) error {
	if f.cancel != nil {
		f.cancel()
	}

	f.mu.Lock()
	for c := range f.clients {
		c.close()
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		f.logger.Info("status feed stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP upgrades the request and streams frames until the client
// disconnects.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, f.cfg.ClientBuffer),
		done: make(chan struct{}),
	}

	// Snapshot first so the client starts from known state.
	st := f.snap.Status()
	if data, err := json.Marshal(Frame{Type: "snapshot", Status: &st}); err == nil {
		c.send <- data
	}

	f.mu.Lock()
	f.clients[c] = struct{}{}
	count := len(f.clients)
	f.mu.Unlock()

	f.logger.Debug("status client connected", "clients", count)

	go f.writeLoop(c)
	go f.readLoop(c)
}

// fanout forwards supervisor events to every connected client.
func (f *Feed) fanout() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		case ev, ok := <-f.events:
			if !ok {
				return
			}
			data, err := json.Marshal(Frame{Type: "event", Event: &ev})
			if err != nil {
				continue
			}

			f.mu.Lock()
			for c := range f.clients {
				select {
				case c.send <- data:
				default:
					// Slow client: drop the frame.
				}
			}
			f.mu.Unlock()
		}
	}
}

// writeLoop drains the client's send buffer and keeps the connection alive
// with pings.
func (f *Feed) writeLoop(c *client) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()
	defer f.drop(c)

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(f.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames; its job is to notice disconnects.
func (f *Feed) readLoop(c *client) {
	defer f.drop(c)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) drop(c *client) {
	c.close()

	f.mu.Lock()
	_, present := f.clients[c]
	delete(f.clients, c)
	f.mu.Unlock()

	if present {
		f.logger.Debug("status client disconnected")
	}
}
