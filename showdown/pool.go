package showdown

import (
	"context"
	"fmt"
	"log"
	"sync"

	"battlehub/utils"
)

// Pool owns the two bot connections a battle choreography borrows, plus the
// shared cancellation scope tying their fates together: a fatal transport
// error on either connection aborts the scope, which settles every pending
// wait on both and closes both sockets.
type Pool struct {
	A *Connection
	B *Connection

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	down bool

	// One choreography run in flight per connection pair. Waiters queue on
	// the slot channel; the runtime wakes them in order, effectively FIFO.
	slot chan struct{}
}

func NewPool(parent context.Context, a, b Config) (*Pool, error) {
	if utils.SameUser(a.Name, b.Name) {
		return nil, fmt.Errorf("bot accounts must be distinct, both resolve to %q", utils.ToID(a.Name))
	}
	ctx, cancel := context.WithCancel(parent)
	p := &Pool{
		A:      NewConnection(a),
		B:      NewConnection(b),
		ctx:    ctx,
		cancel: cancel,
		slot:   make(chan struct{}, 1),
	}
	p.A.onFatal = p.fatal
	p.B.onFatal = p.fatal
	return p, nil
}

// Connect brings both accounts to Ready. A failure on either aborts the
// shared scope so the sibling never lingers half-connected.
func (p *Pool) Connect(ctx context.Context) error {
	if err := p.A.Connect(ctx); err != nil {
		p.Shutdown(err)
		return fmt.Errorf("connect %s: %w", p.A.Username(), err)
	}
	if err := p.B.Connect(ctx); err != nil {
		p.Shutdown(err)
		return fmt.Errorf("connect %s: %w", p.B.Username(), err)
	}
	return nil
}

// Context is the shared scope; it is done once the pool has shut down.
func (p *Pool) Context() context.Context { return p.ctx }

func (p *Pool) fatal(err error) {
	log.Printf("pool: fatal transport error: %v", err)
	p.Shutdown(err)
}

// Shutdown aborts the shared scope and closes both connections. Idempotent;
// repeat calls are logged no-ops.
func (p *Pool) Shutdown(reason error) {
	p.mu.Lock()
	if p.down {
		p.mu.Unlock()
		log.Printf("pool: shutdown (already down): %v", reason)
		return
	}
	p.down = true
	p.mu.Unlock()

	p.cancel()
	p.A.Shutdown(reason)
	p.B.Shutdown(reason)
}

// Acquire claims the single choreography slot, blocking behind earlier
// claimants until the context or the shared scope is cancelled. A shut-down
// pool never hands out the slot, even when it is free.
func (p *Pool) Acquire(ctx context.Context) error {
	if p.ctx.Err() != nil {
		return fmt.Errorf("acquire: %w", ErrConnectionClosed)
	}
	select {
	case p.slot <- struct{}{}:
		// The select picks among ready cases at random, so winning the slot
		// can race a concurrent shutdown. Give it back if the scope is down.
		if p.ctx.Err() != nil {
			p.Release()
			return fmt.Errorf("acquire: %w", ErrConnectionClosed)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return fmt.Errorf("acquire: %w", ErrConnectionClosed)
	}
}

// Release frees the choreography slot. Safe to call without a held slot.
func (p *Pool) Release() {
	select {
	case <-p.slot:
	default:
	}
}
