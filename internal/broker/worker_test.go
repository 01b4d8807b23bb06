package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorker_QueuePolicyHoldsAcrossBlockCycle(t *testing.T) {
	factory := &fakeFactory{}
	s := startSupervisor(t, testConfig(), factory)

	waitFor(t, time.Second, func() bool {
		return s.Status().Connected
	}, "connection")

	w, err := s.CreateChannel(context.Background(), WorkerOptions{
		Name:   "pub",
		Policy: QueuePolicy,
	})
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	var executed int64
	work := func(ch Channel) error {
		atomic.AddInt64(&executed, 1)
		return nil
	}
	submit := func(n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			if err := w.Submit(context.Background(), work); err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
		}
	}

	submit(33)
	waitFor(t, time.Second, func() bool {
		return atomic.LoadInt64(&executed) == 33
	}, "first batch")

	s.QueueBlocked("maintenance")
	waitFor(t, time.Second, func() bool {
		return s.Status().BlockedReason == "maintenance"
	}, "blocked state")

	// Work submitted while blocked is accepted but deferred.
	submit(33)
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt64(&executed); got != 33 {
		t.Errorf("executed = %d while blocked, want 33", got)
	}

	s.QueueUnblocked()
	waitFor(t, time.Second, func() bool {
		return s.Status().BlockedReason == ""
	}, "unblocked state")

	submit(33)
	waitFor(t, time.Second, func() bool {
		return atomic.LoadInt64(&executed) == 99
	}, "all 99 items to be processed")
}

func TestWorker_QueuePolicyDrainsAfterReconnect(t *testing.T) {
	// Work queued while disconnected runs once a channel arrives.
	factory := &fakeFactory{failures: 1}
	s := startSupervisor(t, testConfig(), factory)

	w, err := s.CreateChannel(context.Background(), WorkerOptions{
		Name:   "pub",
		Policy: QueuePolicy,
	})
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	var executed int64
	for i := 0; i < 5; i++ {
		if err := w.Submit(context.Background(), func(ch Channel) error {
			atomic.AddInt64(&executed, 1)
			return nil
		}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	waitFor(t, time.Second, func() bool {
		return atomic.LoadInt64(&executed) == 5
	}, "queued work to drain after connect")
}

func TestWorker_DropPolicyRejectsWithoutChannel(t *testing.T) {
	// The factory never succeeds, so the worker never has a channel.
	factory := &fakeFactory{failures: 1 << 30}
	s := startSupervisor(t, testConfig(), factory)

	w, err := s.CreateChannel(context.Background(), WorkerOptions{
		Name:   "dropper",
		Policy: DropPolicy,
	})
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	if err := w.Submit(context.Background(), func(ch Channel) error { return nil }); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Submit = %v, want ErrUnavailable", err)
	}
}

func TestWorker_InitRunsOnEveryChannel(t *testing.T) {
	factory := &fakeFactory{}
	s := startSupervisor(t, testConfig(), factory)

	waitFor(t, time.Second, func() bool {
		return s.Status().Connected
	}, "connection")

	var inits int64
	_, err := s.CreateChannel(context.Background(), WorkerOptions{
		Name: "declaring",
		Init: func(ch Channel) error {
			atomic.AddInt64(&inits, 1)
			return ch.ExchangeDeclare("events", "topic")
		},
	})
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return atomic.LoadInt64(&inits) == 1
	}, "init on first channel")

	factory.conn(0).lose("EOF")
	waitFor(t, time.Second, func() bool {
		return atomic.LoadInt64(&inits) >= 2
	}, "init on replacement channel")
}

func TestWorker_StopDeregisters(t *testing.T) {
	factory := &fakeFactory{}
	s := startSupervisor(t, testConfig(), factory)

	waitFor(t, time.Second, func() bool {
		return s.Status().Connected
	}, "connection")

	w, err := s.CreateChannel(context.Background(), WorkerOptions{Name: "transient"})
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if err := w.Submit(context.Background(), func(ch Channel) error { return nil }); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("Submit after Stop = %v, want ErrWorkerStopped", err)
	}

	waitFor(t, time.Second, func() bool {
		return s.Status().Workers == 0
	}, "worker deregistration")

	// The name is reusable once the worker is gone.
	if _, err := s.CreateChannel(context.Background(), WorkerOptions{Name: "transient"}); err != nil {
		t.Errorf("CreateChannel after Stop = %v, want nil", err)
	}
}
