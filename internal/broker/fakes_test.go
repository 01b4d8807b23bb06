package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeChannel records publishes and exchange declarations.
type fakeChannel struct {
	mu         sync.Mutex
	published  []Publishing
	declared   []string
	closed     bool
	publishErr error
}

func (c *fakeChannel) Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) ExchangeDeclare(name, kind string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, name)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) publishCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

// fakeConn is a scriptable Connection. Tests drive shutdown and
// flow-control signals through lose, appClose, block, and unblock.
type fakeConn struct {
	mu         sync.Mutex
	open       bool
	channels   []*fakeChannel
	channelErr error

	closeCh   chan ShutdownSignal
	blockCh   chan BlockedSignal
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{open: true}
}

func (c *fakeConn) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	ch := &fakeChannel{}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) Close() error {
	c.deliverShutdown(ShutdownSignal{Reason: "connection closed", Initiated: true})
	return nil
}

func (c *fakeConn) NotifyClose(ch chan ShutdownSignal) chan ShutdownSignal {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCh = ch
	return ch
}

func (c *fakeConn) NotifyBlocked(ch chan BlockedSignal) chan BlockedSignal {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockCh = ch
	return ch
}

// lose simulates broker- or network-initiated connection loss.
func (c *fakeConn) lose(reason string) {
	c.deliverShutdown(ShutdownSignal{Reason: reason})
}

// appClose simulates an intentional local close observed on the connection.
func (c *fakeConn) appClose() {
	c.deliverShutdown(ShutdownSignal{Reason: "connection closed", Initiated: true})
}

func (c *fakeConn) deliverShutdown(sig ShutdownSignal) {
	c.mu.Lock()
	c.open = false
	ch := c.closeCh
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		if ch != nil {
			ch <- sig
			close(ch)
		}
	})
}

func (c *fakeConn) block(reason string) {
	c.mu.Lock()
	ch := c.blockCh
	c.mu.Unlock()
	ch <- BlockedSignal{Active: true, Reason: reason}
}

func (c *fakeConn) unblock() {
	c.mu.Lock()
	ch := c.blockCh
	c.mu.Unlock()
	ch <- BlockedSignal{Active: false}
}

// setChannelErr makes subsequent Channel calls fail.
func (c *fakeConn) setChannelErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelErr = err
}

// lastChannel returns the most recently opened channel.
func (c *fakeConn) lastChannel() *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[len(c.channels)-1]
}

// fakeFactory produces fakeConns, optionally failing the first N dials.
type fakeFactory struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConn
}

func (f *fakeFactory) Dial() (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.dials <= f.failures {
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *fakeFactory) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeFactory) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.conns) {
		return nil
	}
	return f.conns[i]
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func testConfig() SupervisorConfig {
	return SupervisorConfig{
		ReconnectDelay: 20 * time.Millisecond,
		EventBuffer:    128,
	}
}

// startSupervisor starts a supervisor and registers cleanup.
func startSupervisor(t *testing.T, cfg SupervisorConfig, f Factory) *Supervisor {
	t.Helper()
	s := NewSupervisor(cfg, f, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}
