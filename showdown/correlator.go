package showdown

import (
	"context"
	"errors"
	"fmt"
	"time"

	"battlehub/protocol"
)

// ErrMatchTimeout is returned by a wait whose timeout elapsed with no
// matching message.
var ErrMatchTimeout = errors.New("timed out waiting for a matching message")

// ErrConnectionClosed settles every wait still pending when its connection
// shuts down.
var ErrConnectionClosed = errors.New("connection closed")

type verdictKind int

const (
	verdictSkipped verdictKind = iota
	verdictMatched
	verdictRejected
)

// Verdict is a predicate's judgement of one inbound message: claim it,
// reject the whole wait with a diagnostic, or keep listening.
type Verdict struct {
	kind   verdictKind
	reason string
}

func Matched() Verdict { return Verdict{kind: verdictMatched} }

func Skip() Verdict { return Verdict{kind: verdictSkipped} }

func Rejectf(format string, args ...any) Verdict {
	return Verdict{kind: verdictRejected, reason: fmt.Sprintf(format, args...)}
}

// IsMatched reports whether the predicate claimed the message.
func (v Verdict) IsMatched() bool { return v.kind == verdictMatched }

// Rejection returns the diagnostic reason when the predicate rejected.
func (v Verdict) Rejection() (string, bool) { return v.reason, v.kind == verdictRejected }

// Predicate inspects one inbound message. Predicates run on the connection's
// reader goroutine, in arrival order, so they may carry state without locking.
type Predicate func(protocol.Message) Verdict

// Pending is a registered correlator. Wait blocks until a message is claimed,
// the predicate rejects, the timeout elapses, or the context is cancelled.
// It settles exactly once no matter how many messages arrive afterwards.
// Cancel withdraws a watch that will never be waited on, for example when the
// command meant to trigger the reply could not be sent.
type Pending interface {
	Wait() (protocol.Message, error)
	Cancel()
}

type matchResult struct {
	msg protocol.Message
	err error
}

// observer is one registered correlator on a connection's inbound stream.
// settled is guarded by Connection.mu; once true the result channel has been
// written and the observer never fires again.
type observer struct {
	id      uint64
	pred    Predicate
	result  chan matchResult
	settled bool
}

type watch struct {
	c       *Connection
	o       *observer
	ctx     context.Context
	timeout time.Duration
	timer   *time.Timer
}

func (w *watch) Wait() (protocol.Message, error) {
	defer w.timer.Stop()
	select {
	case r := <-w.o.result:
		return r.msg, r.err
	case <-w.ctx.Done():
		w.c.deregister(w.o)
		if r, ok := w.takeResult(); ok {
			return r.msg, r.err
		}
		return protocol.Message{}, w.ctx.Err()
	case <-w.timer.C:
		w.c.deregister(w.o)
		if r, ok := w.takeResult(); ok {
			return r.msg, r.err
		}
		return protocol.Message{}, fmt.Errorf("%w after %s", ErrMatchTimeout, w.timeout)
	}
}

// Cancel deregisters the observer and stops the timer. Idempotent, and safe
// alongside a racing settlement.
func (w *watch) Cancel() {
	w.timer.Stop()
	w.c.deregister(w.o)
}

// takeResult drains a settlement that raced with cancellation; the match wins.
func (w *watch) takeResult() (matchResult, bool) {
	select {
	case r := <-w.o.result:
		return r, true
	default:
		return matchResult{}, false
	}
}
