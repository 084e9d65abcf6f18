package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"battlehub/models"
	"battlehub/protocol"
	"battlehub/showdown"
	"battlehub/utils"
)

// Step-scoped failures. They leave both connections Ready; retrying the whole
// choreography is the caller's decision, never this service's.
var (
	ErrInvalidSpec           = errors.New("invalid battle spec")
	ErrOfflineOrUnregistered = errors.New("player offline or unregistered")
	ErrChallengeTimeout      = errors.New("challenge was not accepted in time")
	ErrSessionInitTimeout    = errors.New("battle room did not initialize in time")
	ErrOutcomeTimeout        = errors.New("battle did not reach an outcome in time")
	ErrResultLinkTimeout     = errors.New("replay link was not provided in time")
)

// BattleConn is the slice of a bot connection the choreography drives.
// *showdown.Connection satisfies it.
type BattleConn interface {
	Username() string
	Send(text string) error
	SendRoom(room, text string) error
	Watch(ctx context.Context, timeout time.Duration, pred showdown.Predicate) showdown.Pending
}

// BattleStore archives completed battles. A nil store disables archiving.
type BattleStore interface {
	InsertBattle(ctx context.Context, rec *models.BattleRecord) error
	FinishBattle(ctx context.Context, roomID, winner, replayURL string) error
}

// BattleService choreographs one battle between the two bot accounts: confirm
// the named players are online, submit teams, challenge and accept, bind the
// players into the resulting room, then hand back the room URL right away and
// a future for the replay link once the battle ends.
type BattleService struct {
	base  context.Context // outlives callers; bounds the backgrounded tail
	a, b  BattleConn
	rooms string // room URL base, room id appended
	store BattleStore

	lookupTimeout    time.Duration
	challengeTimeout time.Duration
	initTimeout      time.Duration
	outcomeTimeout   time.Duration
	resultTimeout    time.Duration
}

func NewBattleService(base context.Context, a, b BattleConn, roomURLBase string, store BattleStore) *BattleService {
	return &BattleService{
		base:             base,
		a:                a,
		b:                b,
		rooms:            roomURLBase,
		store:            store,
		lookupTimeout:    30 * time.Second,
		challengeTimeout: 30 * time.Second,
		initTimeout:      30 * time.Second,
		outcomeTimeout:   time.Hour,
		resultTimeout:    60 * time.Second,
	}
}

// BattleSession is the immediate result of a choreography run. Result settles
// separately, once the battle reaches an outcome and the replay is saved.
type BattleSession struct {
	RoomID  string
	RoomURL string
	Result  *ResultFuture
}

// ResultFuture resolves with the persisted replay link. Await it with Link.
type ResultFuture struct {
	done chan struct{}
	link string
	err  error
}

func newResultFuture() *ResultFuture {
	return &ResultFuture{done: make(chan struct{})}
}

func (f *ResultFuture) settle(link string, err error) {
	f.link = link
	f.err = err
	close(f.done)
}

// Link blocks until the replay link lands or ctx is cancelled. Safe to call
// from any number of goroutines.
func (f *ResultFuture) Link(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.link, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run drives the full choreography. On success the session URL is usable
// immediately; the (potentially hours-long) outcome wait continues in the
// background and settles session.Result.
func (s *BattleService) Run(ctx context.Context, spec *models.BattleSpec) (*BattleSession, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	if err := s.awaitPlayers(ctx, spec); err != nil {
		return nil, err
	}
	if err := s.challenge(ctx, spec); err != nil {
		return nil, err
	}
	room, err := s.acceptAndAwaitInit(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.setupRoom(room, spec); err != nil {
		return nil, err
	}

	session := &BattleSession{
		RoomID:  room,
		RoomURL: s.rooms + room,
		Result:  newResultFuture(),
	}
	s.insertRecord(spec, session)

	// Register the outcome watch before returning so nothing can slip
	// between the URL resolving and the background wait starting.
	outcome := s.a.Watch(s.base, s.outcomeTimeout, outcomePredicate(room))
	go s.awaitResult(room, outcome, session.Result)

	log.Printf("battle %s started: %s vs %s", room, spec.Sides[0].Confirmed, spec.Sides[1].Confirmed)
	return session, nil
}

func validateSpec(spec *models.BattleSpec) error {
	if spec == nil {
		return fmt.Errorf("%w: no spec", ErrInvalidSpec)
	}
	if spec.Message == "" {
		return fmt.Errorf("%w: missing message", ErrInvalidSpec)
	}
	if spec.ChalCode == "" {
		return fmt.Errorf("%w: missing chalcode", ErrInvalidSpec)
	}
	for i := range spec.Sides {
		side := &spec.Sides[i]
		if side.Team == "" {
			return fmt.Errorf("%w: side %d has no team", ErrInvalidSpec, i+1)
		}
		if len(side.Usernames) == 0 {
			return fmt.Errorf("%w: side %d has no candidate usernames", ErrInvalidSpec, i+1)
		}
		if side.Confirmed != "" {
			return fmt.Errorf("%w: side %d is already confirmed", ErrInvalidSpec, i+1)
		}
	}
	return nil
}

// awaitPlayers looks up every candidate on connection A and waits for one
// online candidate per side. A single stateful correlator handles all replies
// for the step; it writes the Confirmed fields from the reader goroutine.
func (s *BattleService) awaitPlayers(ctx context.Context, spec *models.BattleSpec) error {
	w := s.a.Watch(ctx, s.lookupTimeout, confirmPlayers(spec))
	for i := range spec.Sides {
		for _, name := range spec.Sides[i].Usernames {
			if err := s.a.Send("/cmd userdetails " + name); err != nil {
				w.Cancel()
				return err
			}
		}
	}

	_, err := w.Wait()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, showdown.ErrConnectionClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		// Timeout or the predicate's per-user offline diagnostic.
		return fmt.Errorf("%w: %v", ErrOfflineOrUnregistered, err)
	}
}

// confirmPlayers accumulates lookup replies until both sides are confirmed.
// First online candidate observed in reply order claims its side; replies for
// an already-confirmed side are ignored.
func confirmPlayers(spec *models.BattleSpec) showdown.Predicate {
	return func(m protocol.Message) showdown.Verdict {
		if m.Type != "queryresponse" || m.Arg(0) != "userdetails" {
			return showdown.Skip()
		}
		var details struct {
			Name  string          `json:"name"`
			Rooms json.RawMessage `json:"rooms"`
		}
		if err := m.JSONArg(1, &details); err != nil {
			return showdown.Skip()
		}
		side, candidate := claimSide(spec, details.Name)
		if side == nil || side.Confirmed != "" {
			return showdown.Skip()
		}
		if !hasRooms(details.Rooms) {
			return showdown.Rejectf("user %s is offline or unregistered", details.Name)
		}
		side.Confirmed = candidate
		if spec.Sides[0].Confirmed != "" && spec.Sides[1].Confirmed != "" {
			return showdown.Matched()
		}
		return showdown.Skip()
	}
}

// claimSide resolves a reported name to the side listing it as a candidate,
// returning the candidate spelling from the spec so Confirmed always stays a
// member of the candidate set.
func claimSide(spec *models.BattleSpec, name string) (*models.SideSpec, string) {
	for i := range spec.Sides {
		for _, candidate := range spec.Sides[i].Usernames {
			if utils.SameUser(candidate, name) {
				return &spec.Sides[i], candidate
			}
		}
	}
	return nil, ""
}

// hasRooms reports whether a userdetails payload carries active-room data;
// the server reports offline accounts with rooms absent or false.
func hasRooms(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "false" && trimmed != "null" && trimmed != "{}"
}

// challenge submits both teams, issues the challenge from A and waits for the
// challenge notice to reach B. The acceptance watch is registered before any
// command goes out.
func (s *BattleService) challenge(ctx context.Context, spec *models.BattleSpec) error {
	notice := s.b.Watch(ctx, s.challengeTimeout, challengeNotice(s.a.Username(), s.b.Username()))
	if err := s.a.Send("/utm " + spec.Sides[0].Team); err != nil {
		notice.Cancel()
		return err
	}
	if err := s.b.Send("/utm " + spec.Sides[1].Team); err != nil {
		notice.Cancel()
		return err
	}
	if err := s.a.Send(fmt.Sprintf("/challenge %s, %s", s.b.Username(), spec.ChalCode)); err != nil {
		notice.Cancel()
		return err
	}
	if _, err := notice.Wait(); err != nil {
		return stepErr(ErrChallengeTimeout, err)
	}
	return nil
}

func challengeNotice(from, to string) showdown.Predicate {
	return func(m protocol.Message) showdown.Verdict {
		if m.Type != "pm" || len(m.Args) < 3 {
			return showdown.Skip()
		}
		// PM senders carry a rank prefix; ID comparison strips it.
		if !utils.SameUser(m.Arg(0), from) || !utils.SameUser(m.Arg(1), to) {
			return showdown.Skip()
		}
		if strings.HasPrefix(m.Arg(2), "/challenge") {
			return showdown.Matched()
		}
		return showdown.Skip()
	}
}

// acceptAndAwaitInit accepts the challenge from B and waits on A for the
// battle room to initialize, extracting the room id from the envelope.
func (s *BattleService) acceptAndAwaitInit(ctx context.Context) (string, error) {
	init := s.a.Watch(ctx, s.initTimeout, func(m protocol.Message) showdown.Verdict {
		if m.Type == "init" && strings.HasPrefix(m.Room, "battle-") {
			return showdown.Matched()
		}
		return showdown.Skip()
	})
	if err := s.b.Send("/accept " + s.a.Username()); err != nil {
		init.Cancel()
		return "", err
	}
	msg, err := init.Wait()
	if err != nil {
		return "", stepErr(ErrSessionInitTimeout, err)
	}
	return msg.Room, nil
}

// setupRoom binds the confirmed players to their sides and pulls both bot
// accounts out of the battle. A stays in the room as a spectator to observe
// the outcome; B leaves entirely.
func (s *BattleService) setupRoom(room string, spec *models.BattleSpec) error {
	sends := []struct {
		conn BattleConn
		text string
	}{
		{s.a, spec.Message},
		{s.a, "/timer on"},
		{s.a, "/leavebattle"},
		{s.b, "/leavebattle"},
		{s.a, fmt.Sprintf("/addplayer %s, p1", spec.Sides[0].Confirmed)},
		{s.a, fmt.Sprintf("/addplayer %s, p2", spec.Sides[1].Confirmed)},
	}
	for _, step := range sends {
		if err := step.conn.SendRoom(room, step.text); err != nil {
			return err
		}
	}
	return s.b.Send("/noreply /leave " + room)
}

func outcomePredicate(room string) showdown.Predicate {
	return func(m protocol.Message) showdown.Verdict {
		if m.Room != room {
			return showdown.Skip()
		}
		if m.Type == "win" || m.Type == "tie" {
			return showdown.Matched()
		}
		return showdown.Skip()
	}
}

var hrefPattern = regexp.MustCompile(`href="([^"]+)"`)

func resultLink(room string) showdown.Predicate {
	return func(m protocol.Message) showdown.Verdict {
		if m.Room != room {
			return showdown.Skip()
		}
		if m.Type != "raw" && m.Type != "html" {
			return showdown.Skip()
		}
		if hrefPattern.MatchString(strings.Join(m.Args, "|")) {
			return showdown.Matched()
		}
		return showdown.Skip()
	}
}

// awaitResult is the backgrounded tail of the choreography: wait for the
// terminal outcome, ask the server to persist the replay, extract the link
// from the confirmation notice and settle the future.
func (s *BattleService) awaitResult(room string, outcome showdown.Pending, fut *ResultFuture) {
	msg, err := outcome.Wait()
	if err != nil {
		fut.settle("", stepErr(ErrOutcomeTimeout, err))
		return
	}
	winner := ""
	if msg.Type == "win" {
		winner = msg.Arg(0)
	}
	log.Printf("battle %s finished: winner=%q", room, winner)

	link := s.a.Watch(s.base, s.resultTimeout, resultLink(room))
	if err := s.a.SendRoom(room, "/savereplay"); err != nil {
		link.Cancel()
		fut.settle("", err)
		return
	}
	linkMsg, err := link.Wait()
	if err != nil {
		fut.settle("", stepErr(ErrResultLinkTimeout, err))
		return
	}
	replayURL := hrefPattern.FindStringSubmatch(strings.Join(linkMsg.Args, "|"))[1]

	if err := s.a.Send("/noreply /leave " + room); err != nil {
		log.Printf("battle %s: leaving room: %v", room, err)
	}
	fut.settle(replayURL, nil)
	s.finishRecord(room, winner, replayURL)
}

// stepErr tags a wait timeout with the step's failure kind; other errors
// (cancellation, closed connection) propagate as they are.
func stepErr(kind, err error) error {
	if errors.Is(err, showdown.ErrMatchTimeout) {
		return fmt.Errorf("%w: %v", kind, err)
	}
	return err
}

func (s *BattleService) insertRecord(spec *models.BattleSpec, session *BattleSession) {
	if s.store == nil {
		return
	}
	rec := &models.BattleRecord{
		RoomID:    session.RoomID,
		RoomURL:   session.RoomURL,
		Players:   []string{spec.Sides[0].Confirmed, spec.Sides[1].Confirmed},
		Message:   spec.Message,
		ChalCode:  spec.ChalCode,
		StartedAt: time.Now(),
	}
	if err := s.store.InsertBattle(context.Background(), rec); err != nil {
		log.Printf("battle %s: saving record: %v", session.RoomID, err)
	}
}

func (s *BattleService) finishRecord(room, winner, replayURL string) {
	if s.store == nil {
		return
	}
	if err := s.store.FinishBattle(context.Background(), room, winner, replayURL); err != nil {
		log.Printf("battle %s: updating record: %v", room, err)
	}
}
