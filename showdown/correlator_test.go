package showdown

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"battlehub/protocol"
)

func testConn(name string) *Connection {
	return NewConnection(Config{Name: name})
}

func (c *Connection) observerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.observers)
}

func TestWatchSettlesOnce(t *testing.T) {
	c := testConn("bot1")
	var calls atomic.Int32
	w := c.Watch(context.Background(), time.Second, func(m protocol.Message) Verdict {
		calls.Add(1)
		if m.Type == "init" {
			return Matched()
		}
		return Skip()
	})

	c.dispatch(protocol.Message{Type: "chat"})
	c.dispatch(protocol.Message{Room: "battle-x-1", Type: "init", Args: []string{"battle"}})
	c.dispatch(protocol.Message{Room: "battle-x-1", Type: "init", Args: []string{"battle"}})

	msg, err := w.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if msg.Room != "battle-x-1" {
		t.Errorf("unexpected room %q", msg.Room)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("predicate ran %d times, want 2 (settled observers must not fire)", got)
	}
	if n := c.observerCount(); n != 0 {
		t.Errorf("%d observers left attached after settlement", n)
	}
}

func TestWatchRejectsWithPredicateReason(t *testing.T) {
	c := testConn("bot1")
	w := c.Watch(context.Background(), time.Second, func(m protocol.Message) Verdict {
		if m.Type == "queryresponse" {
			return Rejectf("user %s is offline", "alice")
		}
		return Skip()
	})
	c.dispatch(protocol.Message{Type: "queryresponse"})

	_, err := w.Wait()
	if err == nil || !strings.Contains(err.Error(), "user alice is offline") {
		t.Fatalf("expected rejection diagnostic, got %v", err)
	}
	if n := c.observerCount(); n != 0 {
		t.Errorf("%d observers left attached after rejection", n)
	}
}

func TestWatchTimesOutAtConfiguredTimeout(t *testing.T) {
	c := testConn("bot1")
	const timeout = 80 * time.Millisecond

	done := make(chan struct{})
	go func() {
		// A stream that never contains a matching message.
		for {
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
				c.dispatch(protocol.Message{Type: "chat"})
			}
		}
	}()
	defer close(done)

	start := time.Now()
	_, err := c.AwaitMatch(context.Background(), timeout, func(protocol.Message) Verdict {
		return Skip()
	})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrMatchTimeout) {
		t.Fatalf("expected ErrMatchTimeout, got %v", err)
	}
	if elapsed < timeout {
		t.Errorf("wait settled after %s, before the %s timeout", elapsed, timeout)
	}
	if n := c.observerCount(); n != 0 {
		t.Errorf("%d observers left attached after timeout", n)
	}
}

func TestLateMessageDoesNotFireAfterTimeout(t *testing.T) {
	c := testConn("bot1")
	var calls atomic.Int32
	w := c.Watch(context.Background(), 10*time.Millisecond, func(m protocol.Message) Verdict {
		calls.Add(1)
		return Matched()
	})

	if _, err := w.Wait(); !errors.Is(err, ErrMatchTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	c.dispatch(protocol.Message{Type: "init"})
	if got := calls.Load(); got != 0 {
		t.Errorf("predicate fired %d times after timeout", got)
	}
}

func TestShutdownSettlesAllPendingWatches(t *testing.T) {
	c := testConn("bot1")
	const n = 5

	pending := make([]Pending, 0, n)
	for i := 0; i < n; i++ {
		pending = append(pending, c.Watch(context.Background(), time.Minute, func(protocol.Message) Verdict {
			return Skip()
		}))
	}

	c.Shutdown(errors.New("socket lost"))
	// Repeat shutdowns must be harmless.
	c.Shutdown(errors.New("again"))

	for i, w := range pending {
		if _, err := w.Wait(); !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("watch %d: expected ErrConnectionClosed, got %v", i, err)
		}
	}
	if got := c.observerCount(); got != 0 {
		t.Errorf("%d observers left attached after shutdown", got)
	}
	if c.State() != StateClosed {
		t.Errorf("state = %s, want closed", c.State())
	}
}

func TestWatchHonorsContextCancellation(t *testing.T) {
	c := testConn("bot1")
	ctx, cancel := context.WithCancel(context.Background())
	w := c.Watch(ctx, time.Minute, func(protocol.Message) Verdict { return Skip() })

	cancel()
	if _, err := w.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := c.observerCount(); n != 0 {
		t.Errorf("%d observers left attached after cancellation", n)
	}
}

func TestCancelWithdrawsWatch(t *testing.T) {
	c := testConn("bot1")
	var calls atomic.Int32
	w := c.Watch(context.Background(), time.Minute, func(protocol.Message) Verdict {
		calls.Add(1)
		return Matched()
	})

	w.Cancel()
	w.Cancel() // repeat cancels are harmless

	if n := c.observerCount(); n != 0 {
		t.Errorf("%d observers left attached after cancel", n)
	}
	c.dispatch(protocol.Message{Type: "init"})
	if got := calls.Load(); got != 0 {
		t.Errorf("predicate fired %d times after cancel", got)
	}
}

func TestWatchOnClosedConnectionSettlesImmediately(t *testing.T) {
	c := testConn("bot1")
	c.Shutdown(fmt.Errorf("gone"))

	w := c.Watch(context.Background(), time.Minute, func(protocol.Message) Verdict { return Matched() })
	if _, err := w.Wait(); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
