package stockcount

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// PacerConfig tunes how fast a run hits the record store.
type PacerConfig struct {
	// Every pauses after this many items; zero disables the pause.
	Every int
	// Pause is the length of each pause.
	Pause time.Duration
	// RatePerSecond, when positive, replaces the fixed pause with a steady
	// item rate.
	RatePerSecond float64
}

// DefaultPacerConfig pauses half a second after every ten items.
func DefaultPacerConfig() PacerConfig {
	return PacerConfig{Every: 10, Pause: 500 * time.Millisecond}
}

// Pacer throttles item processing for one run.
type Pacer struct {
	cfg     PacerConfig
	limiter *rate.Limiter
	sleep   func(context.Context, time.Duration) error
}

// NewPacer builds a Pacer. Each run should use its own Pacer.
func NewPacer(cfg PacerConfig) *Pacer {
	p := &Pacer{cfg: cfg, sleep: sleepContext}
	if cfg.RatePerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return p
}

// After is called once an item has been handled; processed is the number of
// items handled so far in the run.
func (p *Pacer) After(ctx context.Context, processed int) error {
	if p == nil {
		return nil
	}
	if p.limiter != nil {
		return p.limiter.Wait(ctx)
	}
	if p.cfg.Every <= 0 || p.cfg.Pause <= 0 || processed == 0 || processed%p.cfg.Every != 0 {
		return nil
	}
	return p.sleep(ctx, p.cfg.Pause)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
