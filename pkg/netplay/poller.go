package netplay

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is how often the native status is sampled
const DefaultPollInterval = 100 * time.Millisecond

// Poller samples a StatusSource until it reports ready. OnReady fires at
// most once per Poller no matter how often ready is observed.
type Poller struct {
	Source   StatusSource
	Interval time.Duration
	// OnStatus receives every non-ready sample
	OnStatus func(Status)
	OnReady  func()

	fired atomic.Bool
}

// Run polls until the session is ready or ctx is done. The first sample is
// taken immediately.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if p.sample() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// sample reports whether polling is finished
func (p *Poller) sample() bool {
	if p.fired.Load() {
		return true
	}

	st := Status(p.Source.NetplayStatus())
	if st == StatusReady {
		if p.fired.CompareAndSwap(false, true) && p.OnReady != nil {
			p.OnReady()
		}
		return true
	}
	if p.OnStatus != nil {
		p.OnStatus(st)
	}
	return false
}

// Fired reports whether OnReady already ran
func (p *Poller) Fired() bool {
	return p.fired.Load()
}
