package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces out outbound dispatches.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Constant waits a fixed Delay before every dispatch. A zero Delay returns
// immediately, which is what tests want.
type Constant struct {
	Delay time.Duration
}

func (c Constant) Wait(ctx context.Context) error {
	if c.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(c.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// None disables pacing.
func None() Pacer {
	return Constant{}
}

// Limiter is a token-bucket Pacer.
type Limiter struct {
	lim *rate.Limiter
}

func New(reqPerSec float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(reqPerSec), burst)}
}

func (l *Limiter) Wait(ctx context.Context) error {
	return l.lim.Wait(ctx)
}

// Chain waits on every pacer in order.
type Chain []Pacer

func (c Chain) Wait(ctx context.Context) error {
	for _, p := range c {
		if err := p.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
