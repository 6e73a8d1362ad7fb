package selection

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionsStopped = errors.New("sessions stopped")
)

// sessionRequest is the single message type the owner goroutine reads.
// create, get and dispatch are all expressed through it so the loop
// stays a flat switch.
type sessionRequest struct {
	op     sessionOp
	id     string
	action Action
	reply  chan sessionReply
}

type sessionOp int

const (
	opCreate sessionOp = iota
	opGet
	opDispatch
	opCount
)

type sessionReply struct {
	id    string
	state State
	count int
	err   error
}

type session struct {
	state    State
	lastSeen time.Time
}

// Sessions keeps one State per viewer.  A dedicated goroutine owns the
// map, so every action for a viewer is applied in arrival order without
// mutexes.
type Sessions struct {
	requests chan sessionRequest
	quit     chan struct{}
	clock    clockwork.Clock
	idleTTL  time.Duration
	zoom     float64
	onChange func(active int)
}

// SessionsOptions tunes the owner goroutine.
type SessionsOptions struct {
	// IdleTTL drops sessions not touched for this long; zero keeps them
	// for the life of the process.
	IdleTTL time.Duration
	// InitialZoom seeds every new session.
	InitialZoom float64
	// Clock drives pruning; nil means the real clock.
	Clock clockwork.Clock
	// OnChange, when set, receives the live session count after every
	// create or prune.  It runs on the owner goroutine and must not block.
	OnChange func(active int)
}

// NewSessions starts the owner goroutine.  Call Close to stop it.
func NewSessions(opts SessionsOptions) *Sessions {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.InitialZoom <= 0 {
		opts.InitialZoom = DefaultZoom
	}
	s := &Sessions{
		requests: make(chan sessionRequest),
		quit:     make(chan struct{}),
		clock:    opts.Clock,
		idleTTL:  opts.IdleTTL,
		zoom:     opts.InitialZoom,
		onChange: opts.OnChange,
	}
	go s.loop()
	return s
}

// Close stops the owner goroutine.  Safe to call more than once.
func (s *Sessions) Close() {
	select {
	case <-s.quit:
		return
	default:
	}
	close(s.quit)
}

// Create opens a session in the initial state and returns its id.
func (s *Sessions) Create(ctx context.Context) (string, State, error) {
	rep, err := s.do(ctx, sessionRequest{op: opCreate})
	return rep.id, rep.state, err
}

// Get returns the current state of a session.
func (s *Sessions) Get(ctx context.Context, id string) (State, error) {
	rep, err := s.do(ctx, sessionRequest{op: opGet, id: id})
	return rep.state, err
}

// Dispatch reduces a into the session's state and returns the result.
func (s *Sessions) Dispatch(ctx context.Context, id string, a Action) (State, error) {
	rep, err := s.do(ctx, sessionRequest{op: opDispatch, id: id, action: a})
	return rep.state, err
}

// Len returns the number of live sessions.
func (s *Sessions) Len(ctx context.Context) (int, error) {
	rep, err := s.do(ctx, sessionRequest{op: opCount})
	return rep.count, err
}

func (s *Sessions) do(ctx context.Context, req sessionRequest) (sessionReply, error) {
	req.reply = make(chan sessionReply, 1)
	select {
	case <-ctx.Done():
		return sessionReply{}, ctx.Err()
	case <-s.quit:
		return sessionReply{}, ErrSessionsStopped
	case s.requests <- req:
	}
	select {
	case <-ctx.Done():
		return sessionReply{}, ctx.Err()
	case <-s.quit:
		return sessionReply{}, ErrSessionsStopped
	case rep := <-req.reply:
		return rep, rep.err
	}
}

func (s *Sessions) loop() {
	store := make(map[string]*session)

	var tick <-chan time.Time
	if s.idleTTL > 0 {
		ticker := s.clock.NewTicker(s.idleTTL / 2)
		defer ticker.Stop()
		tick = ticker.Chan()
	}

	for {
		select {
		case <-s.quit:
			return
		case <-tick:
			now := s.clock.Now()
			pruned := 0
			for id, sess := range store {
				if now.Sub(sess.lastSeen) >= s.idleTTL {
					delete(store, id)
					pruned++
				}
			}
			if pruned > 0 {
				s.changed(len(store))
			}
		case req := <-s.requests:
			now := s.clock.Now()
			switch req.op {
			case opCreate:
				id := uuid.NewString()
				sess := &session{state: Initial(s.zoom), lastSeen: now}
				store[id] = sess
				req.reply <- sessionReply{id: id, state: sess.state}
				s.changed(len(store))
			case opGet:
				sess, ok := store[req.id]
				if !ok {
					req.reply <- sessionReply{err: ErrSessionNotFound}
					continue
				}
				sess.lastSeen = now
				req.reply <- sessionReply{id: req.id, state: sess.state}
			case opDispatch:
				sess, ok := store[req.id]
				if !ok {
					req.reply <- sessionReply{err: ErrSessionNotFound}
					continue
				}
				sess.state = Reduce(sess.state, req.action)
				sess.lastSeen = now
				req.reply <- sessionReply{id: req.id, state: sess.state}
			case opCount:
				req.reply <- sessionReply{count: len(store)}
			}
		}
	}
}

func (s *Sessions) changed(active int) {
	if s.onChange != nil {
		s.onChange(active)
	}
}
