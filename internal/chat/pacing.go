package chat

import (
	"context"
	"math/rand/v2"
	"time"
	"unicode/utf8"

	"github.com/ashureev/farm-intake/internal/config"
)

// Jitter returns a random duration in [0, limit).
type Jitter func(limit time.Duration) time.Duration

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}

// Pacer spaces chunk delivery like a person typing.
type Pacer struct {
	cfg    config.DeliveryConfig
	jitter Jitter
}

// NewPacer creates a Pacer. A nil jitter uses math/rand.
func NewPacer(cfg config.DeliveryConfig, jitter Jitter) *Pacer {
	if jitter == nil {
		jitter = randomJitter
	}
	return &Pacer{cfg: cfg, jitter: jitter}
}

// Delay returns how long to wait before sending chunk number index. The
// first chunk waits the think pause; later chunks wait for their typing
// time. Delays never exceed MaxDelay when it is set.
func (p *Pacer) Delay(chunk string, index int) time.Duration {
	var d time.Duration
	if index == 0 {
		d = p.cfg.ThinkPause
	} else {
		d = time.Duration(utf8.RuneCountInString(chunk)) * p.cfg.TypingSpeed
	}
	d += p.jitter(p.cfg.JitterMax)
	if p.cfg.MaxDelay > 0 && d > p.cfg.MaxDelay {
		d = p.cfg.MaxDelay
	}
	return d
}

// Wait blocks for d or until ctx is done.
func (p *Pacer) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
