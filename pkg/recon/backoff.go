package recon

import (
	"math/rand/v2"
	"sync"
	"time"
)

// BackoffPolicy decides when a failed event becomes eligible for automated replay again.
type BackoffPolicy struct {
	// Base is the delay after the first failed attempt.
	Base time.Duration `validate:"gt=0"`
	// Max caps the delay.
	Max time.Duration `validate:"gtefield=Base"`
	// Jitter is the fraction of the delay randomized in both directions (0.2 = ±20%).
	Jitter float64 `validate:"gte=0,lt=1"`

	mu  sync.Mutex
	rnd *rand.Rand
}

// DefaultBackoffPolicy returns 30s doubling up to 1h with ±20% jitter.
func DefaultBackoffPolicy() *BackoffPolicy {
	return &BackoffPolicy{
		Base:   30 * time.Second,
		Max:    time.Hour,
		Jitter: 0.2,
	}
}

// Delay returns the wait before the next automated replay after attempts attempts.
func (p *BackoffPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.Base
	for i := 1; i < attempts && d < p.Max; i++ {
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}
	if p.Jitter <= 0 {
		return d
	}

	p.mu.Lock()
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	f := p.rnd.Float64()
	p.mu.Unlock()

	spread := float64(d) * p.Jitter
	return d + time.Duration(spread*(2*f-1))
}

// NextAt returns the instant the event becomes due again.
func (p *BackoffPolicy) NextAt(now time.Time, attempts int) time.Time {
	return now.Add(p.Delay(attempts))
}

// WithSeed makes the jitter deterministic. Intended for tests.
func (p *BackoffPolicy) WithSeed(seed uint64) *BackoffPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rnd = rand.New(rand.NewPCG(seed, seed))
	return p
}
