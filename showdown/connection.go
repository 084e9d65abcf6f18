package showdown

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"battlehub/protocol"

	"github.com/gorilla/websocket"
)

// ConnectionState tracks one bot connection's lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAwaitingChallenge
	StateAuthenticating
	StateReady
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingChallenge:
		return "awaiting-challenge"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TransportError wraps a fatal socket failure. It aborts the shared scope of
// the pool owning the connection.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport failure: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// Config identifies one bot account and where it logs in.
type Config struct {
	Host      string `yaml:"host"`      // websocket host, e.g. sim3.psim.us
	ActionURL string `yaml:"actionUrl"` // login endpoint
	Name      string `yaml:"name"`
	Password  string `yaml:"password"`
}

const challstrTimeout = 30 * time.Second

// Connection owns one account's socket: connect, authenticate, idle-listen,
// close. Observers registered through Watch consume its inbound stream.
type Connection struct {
	cfg Config

	mu          sync.Mutex
	state       ConnectionState
	conn        *websocket.Conn
	observers   []*observer
	nextID      uint64
	closed      bool
	closeReason error

	writeMu sync.Mutex

	// scheme overrides the wss dial scheme; only tests set it.
	scheme string

	// onFatal, when set by the owning pool, routes transport errors to the
	// shared scope instead of tearing down just this connection.
	onFatal func(error)
}

func NewConnection(cfg Config) *Connection {
	return &Connection{cfg: cfg, state: StateDisconnected}
}

func (c *Connection) Username() string { return c.cfg.Name }

func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect dials the server, completes the challstr/login handshake and leaves
// the connection Ready. Any failure tears the connection down and is returned
// to the caller; retry policy belongs to the caller.
func (c *Connection) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	scheme := c.scheme
	if scheme == "" {
		scheme = "wss"
	}
	// Random path segments spread connections across server workers; they
	// carry no meaning beyond that.
	endpoint := fmt.Sprintf("%s://%s/showdown/%03d/%s/websocket",
		scheme, c.cfg.Host, rand.Intn(1000), randomSegment(8))
	log.Printf("[%s] dialing %s", c.cfg.Name, endpoint)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		err = fmt.Errorf("dial %s: %w", c.cfg.Host, err)
		c.Shutdown(err)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateAwaitingChallenge
	c.mu.Unlock()
	go c.readLoop(conn)

	msg, err := c.AwaitMatch(ctx, challstrTimeout, func(m protocol.Message) Verdict {
		if m.Type == "challstr" {
			return Matched()
		}
		return Skip()
	})
	if err != nil {
		err = fmt.Errorf("waiting for challstr: %w", err)
		c.Shutdown(err)
		return err
	}
	challstr := strings.Join(msg.Args, "|")

	c.setState(StateAuthenticating)
	assertion, err := login(ctx, c.cfg, challstr)
	if err != nil {
		c.Shutdown(err)
		return err
	}

	if err := c.Send(fmt.Sprintf("/trn %s,0,%s", c.cfg.Name, assertion)); err != nil {
		c.Shutdown(err)
		return err
	}

	c.setState(StateReady)
	log.Printf("[%s] connection ready", c.cfg.Name)
	return nil
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.fatal(&TransportError{Err: err})
			return
		}
		frame := string(data)
		if !protocol.IsDataFrame(frame) {
			continue // "o" open frame, heartbeats
		}
		msgs, err := protocol.Parse(frame)
		if err != nil {
			log.Printf("[%s] %v", c.cfg.Name, err)
			continue
		}
		for _, m := range msgs {
			c.dispatch(m)
		}
	}
}

// dispatch offers one inbound message to every live observer in registration
// order. Only the reader goroutine calls it, so predicates never race.
func (c *Connection) dispatch(m protocol.Message) {
	c.mu.Lock()
	obs := make([]*observer, len(c.observers))
	copy(obs, c.observers)
	c.mu.Unlock()

	claimed := false
	for _, o := range obs {
		c.mu.Lock()
		dead := o.settled
		c.mu.Unlock()
		if dead {
			continue
		}
		switch v := o.pred(m); v.kind {
		case verdictMatched:
			if c.settle(o, matchResult{msg: m}) {
				claimed = true
			}
		case verdictRejected:
			if c.settle(o, matchResult{err: errors.New(v.reason)}) {
				claimed = true
			}
		}
	}

	if !claimed && c.State() == StateReady {
		log.Printf("[%s] unmatched message: room=%q type=%q", c.cfg.Name, m.Room, m.Type)
	}
}

// settle resolves one observer exactly once and removes it.
func (c *Connection) settle(o *observer, r matchResult) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o.settled {
		return false
	}
	o.settled = true
	o.result <- r
	c.removeObserverLocked(o.id)
	return true
}

// deregister removes an observer without delivering a result, so a late
// message can never fire it after timeout or cancellation. Idempotent.
func (c *Connection) deregister(o *observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o.settled {
		return
	}
	o.settled = true
	c.removeObserverLocked(o.id)
}

func (c *Connection) removeObserverLocked(id uint64) {
	for i, o := range c.observers {
		if o.id == id {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			return
		}
	}
}

// Watch registers a correlator on the inbound stream immediately and returns
// a handle to wait on. Registering before sending the command that triggers
// the reply closes the send-then-listen race window.
func (c *Connection) Watch(ctx context.Context, timeout time.Duration, pred Predicate) Pending {
	o := &observer{pred: pred, result: make(chan matchResult, 1)}
	c.mu.Lock()
	if c.closed {
		o.settled = true
		o.result <- matchResult{err: fmt.Errorf("%w: %v", ErrConnectionClosed, c.closeReason)}
	} else {
		c.nextID++
		o.id = c.nextID
		c.observers = append(c.observers, o)
	}
	c.mu.Unlock()
	return &watch{c: c, o: o, ctx: ctx, timeout: timeout, timer: time.NewTimer(timeout)}
}

// AwaitMatch is Watch followed by Wait, for steps with no triggering command.
func (c *Connection) AwaitMatch(ctx context.Context, timeout time.Duration, pred Predicate) (protocol.Message, error) {
	return c.Watch(ctx, timeout, pred).Wait()
}

// Send writes one global command.
func (c *Connection) Send(text string) error { return c.SendRoom("", text) }

// SendRoom writes one room-scoped command in the wire envelope.
func (c *Connection) SendRoom(room, text string) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed || conn == nil {
		return fmt.Errorf("send %q: %w", text, ErrConnectionClosed)
	}

	frame, err := protocol.EncodeFrame(room, text)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		terr := &TransportError{Err: err}
		c.fatal(terr)
		return terr
	}
	return nil
}

// fatal reports an unrecoverable transport failure to the owning pool, or
// tears down just this connection when it has no owner.
func (c *Connection) fatal(err error) {
	c.mu.Lock()
	alreadyClosed := c.closed
	onFatal := c.onFatal
	c.mu.Unlock()
	if alreadyClosed {
		return
	}
	log.Printf("[%s] %v", c.cfg.Name, err)
	if onFatal != nil {
		onFatal(err)
		return
	}
	c.Shutdown(err)
}

// Shutdown closes the socket and settles every pending wait with the reason.
// Safe to call concurrently and more than once; later calls are logged no-ops.
func (c *Connection) Shutdown(reason error) {
	if reason == nil {
		reason = errors.New("shutting down")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		log.Printf("[%s] shutdown (already closed): %v", c.cfg.Name, reason)
		return
	}
	c.closed = true
	c.closeReason = reason
	c.state = StateClosed
	for _, o := range c.observers {
		o.settled = true
		o.result <- matchResult{err: fmt.Errorf("%w: %v", ErrConnectionClosed, reason)}
	}
	c.observers = nil
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		log.Printf("[%s] shutdown (no socket): %v", c.cfg.Name, reason)
		return
	}
	log.Printf("[%s] shutdown: %v", c.cfg.Name, reason)
	_ = conn.Close()
}

func randomSegment(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))]
	}
	return string(b)
}
