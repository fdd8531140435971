package session

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrPoolSizeExceeded is returned by NewPool for an unreasonably large
// pool size.
var ErrPoolSizeExceeded = errors.New("session: pool size exceeds session limit")

const maxPoolSize = 16

// Pool maintains a fixed number of independent, already-authenticated
// Sessions against the same credential, refilling any that age past
// their message-count budget. Refill runs via an explicit Tick rather
// than a free-running goroutine, so callers (e.g. the CLI's
// long-running mode) control the cadence themselves.
type Pool struct {
	mu       sync.Mutex
	sessions []*Session

	factory  TransportFactory
	cfg      Config
	poolSize int
}

// NewPool opens poolSize sessions against factory/cfg and returns once
// all have authenticated (or failed to).
func NewPool(ctx context.Context, factory TransportFactory, cfg Config, poolSize int) (*Pool, error) {
	if poolSize > maxPoolSize {
		return nil, ErrPoolSizeExceeded
	}
	p := &Pool{factory: factory, cfg: cfg, poolSize: poolSize}
	p.refill(ctx)
	return p, nil
}

// refill closes out any session past 90% of its message budget and
// opens new sessions to bring the pool back up to poolSize, waiting for
// every connection attempt to finish before returning.
func (p *Pool) refill(ctx context.Context) {
	p.mu.Lock()
	live := p.sessions[:0]
	for _, s := range p.sessions {
		if s.MessageCount() > uint64(float64(sessionMessageBudget)*0.9) {
			go s.Close(ctx)
			continue
		}
		live = append(live, s)
	}
	p.sessions = live
	need := p.poolSize - len(p.sessions)
	p.mu.Unlock()

	if need <= 0 {
		return
	}

	var wg sync.WaitGroup
	results := make([]*Session, need)
	for i := 0; i < need; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := Open(ctx, p.factory, p.cfg)
			if err != nil {
				return
			}
			results[i] = s
		}(i)
	}
	wg.Wait()

	p.mu.Lock()
	for _, s := range results {
		if s != nil {
			p.sessions = append(p.sessions, s)
		}
	}
	p.mu.Unlock()
}

// sessionMessageBudget mirrors securechannel.MaxMessagesPerSession
// without importing securechannel into a math.Float context; kept as a
// plain constant since the pool only needs the number, not the type.
const sessionMessageBudget = 10000

// Tick runs one refill pass; callers drive this periodically (a ticker
// in a long-running process, or once per CLI invocation that uses a
// pool).
func (p *Pool) Tick(ctx context.Context) {
	p.refill(ctx)
}

// Get returns a pseudo-randomly chosen live session from the pool.
func (p *Pool) Get() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil, errors.New("session: no sessions available in pool")
	}
	return p.sessions[rand.Intn(len(p.sessions))], nil
}

// Close closes every session in the pool, swallowing individual errors.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = nil
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close(ctx)
		}(s)
	}
	wg.Wait()
}

// autoRefill runs Tick on interval until ctx is cancelled. It runs only
// when started through StartAutoRefill, never implicitly, so tests and
// single-shot CLI invocations don't pay for a background goroutine they
// don't need.
func (p *Pool) autoRefill(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// StartAutoRefill launches a background goroutine that calls Tick every
// interval until ctx is cancelled. Opt-in: callers that only need Tick
// on their own schedule can skip this entirely.
func (p *Pool) StartAutoRefill(ctx context.Context, interval time.Duration) {
	go p.autoRefill(ctx, interval)
}
