package api

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrTooManyRequests is returned when one client already has a full queue.
var ErrTooManyRequests = errors.New("too many queued requests")

// RequestKind separates cheap session actions from session creation,
// which holds memory until the idle TTL and gets a per-client cooldown.
type RequestKind int

const (
	RequestAction RequestKind = iota
	RequestCreate
)

const (
	perClientQueue  = 16
	defaultIdleTime = 10 * time.Minute
)

// RateLimiter sequences requests per client IP.  Each IP gets its own
// goroutine fed by a small queue; the dispatcher goroutine owns the map
// of queues and retires idle ones.
type RateLimiter struct {
	createCooldown time.Duration
	idleAfter      time.Duration
	clock          clockwork.Clock
	requests       chan keyedRequest
	retire         chan retireRequest
}

type keyedRequest struct {
	ip  string
	req ipRequest
}

type retireRequest struct {
	ip    string
	queue chan ipRequest
}

type ipRequest struct {
	ctx      context.Context
	kind     RequestKind
	arrived  time.Time
	response chan acquireResponse
}

type acquireResponse struct {
	release chan struct{}
	wait    time.Duration
	err     error
}

// Permit is a granted slot.  Release it when the handler is done.
type Permit struct {
	release chan struct{}
	// Waited is how long the request queued or cooled down.
	Waited time.Duration
}

// Release frees the slot.  Safe on nil and safe to call twice.
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	close(p.release)
	p.release = nil
}

// NewRateLimiter starts the dispatcher.  clock may be nil.
func NewRateLimiter(createCooldown time.Duration, clock clockwork.Clock) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	l := &RateLimiter{
		createCooldown: createCooldown,
		idleAfter:      defaultIdleTime,
		clock:          clock,
		requests:       make(chan keyedRequest),
		retire:         make(chan retireRequest),
	}
	go l.loop()
	return l
}

// Acquire waits for the client's turn.  A nil limiter grants immediately.
func (l *RateLimiter) Acquire(ctx context.Context, ip string, kind RequestKind) (*Permit, error) {
	if l == nil {
		return nil, nil
	}

	respCh := make(chan acquireResponse, 1)
	req := ipRequest{ctx: ctx, kind: kind, arrived: l.clock.Now(), response: respCh}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l.requests <- keyedRequest{ip: ip, req: req}:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-respCh:
		if resp.err != nil {
			return nil, resp.err
		}
		return &Permit{release: resp.release, Waited: resp.wait}, nil
	}
}

func (l *RateLimiter) loop() {
	queues := make(map[string]chan ipRequest)
	for {
		select {
		case keyed := <-l.requests:
			q, ok := queues[keyed.ip]
			if !ok {
				q = make(chan ipRequest, perClientQueue)
				queues[keyed.ip] = q
				go l.runClient(keyed.ip, q)
			}
			select {
			case q <- keyed.req:
			default:
				keyed.req.response <- acquireResponse{err: ErrTooManyRequests}
			}
		case r := <-l.retire:
			if queues[r.ip] == r.queue {
				delete(queues, r.ip)
				close(r.queue)
			}
		}
	}
}

func (l *RateLimiter) runClient(ip string, queue chan ipRequest) {
	var lastCreate time.Time
	idle := l.clock.NewTimer(l.idleAfter)
	defer idle.Stop()

	for {
		select {
		case req, ok := <-queue:
			if !ok {
				return
			}
			l.serve(req, &lastCreate)
			idle.Reset(l.idleAfter)
		case <-idle.Chan():
			for {
				select {
				case l.retire <- retireRequest{ip: ip, queue: queue}:
					for req := range queue {
						l.serve(req, &lastCreate)
					}
					return
				case req, ok := <-queue:
					if !ok {
						return
					}
					l.serve(req, &lastCreate)
				}
			}
		}
	}
}

// serve grants one request and blocks until its permit is released.
func (l *RateLimiter) serve(req ipRequest, lastCreate *time.Time) {
	if err := req.ctx.Err(); err != nil {
		req.response <- acquireResponse{err: err}
		return
	}

	waited := l.clock.Since(req.arrived)
	if waited < 0 {
		waited = 0
	}

	if req.kind == RequestCreate && !lastCreate.IsZero() {
		readyAt := lastCreate.Add(l.createCooldown)
		if now := l.clock.Now(); now.Before(readyAt) {
			cooldown := readyAt.Sub(now)
			timer := l.clock.NewTimer(cooldown)
			select {
			case <-req.ctx.Done():
				timer.Stop()
				req.response <- acquireResponse{err: req.ctx.Err()}
				return
			case <-timer.Chan():
				waited += cooldown
			}
		}
	}

	release := make(chan struct{})
	select {
	case <-req.ctx.Done():
		req.response <- acquireResponse{err: req.ctx.Err()}
		return
	case req.response <- acquireResponse{release: release, wait: waited}:
	}

	select {
	case <-release:
	case <-req.ctx.Done():
	}

	if req.kind == RequestCreate {
		*lastCreate = l.clock.Now()
	}
}
