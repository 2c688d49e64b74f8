package discovery

import (
	"context"
	"net/netip"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/cenkalti/backoff/v5"
)

type Config struct {
	// Bounds a single announce.
	AnnounceTimeout time.Duration
	// Used when a source doesn't suggest its own interval.
	DefaultInterval time.Duration
	// Sources asking for shorter intervals are throttled to this.
	MinInterval time.Duration
	// Retry delays after failed announces.
	InitialRetryInterval time.Duration
	MaxRetryInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		AnnounceTimeout:      15 * time.Second,
		DefaultInterval:      5 * time.Minute,
		MinInterval:          time.Minute,
		InitialRetryInterval: 5 * time.Second,
		MaxRetryInterval:     5 * time.Minute,
	}
}

// Announces to each source on its own schedule for as long as Run's context is alive.
type Discoverer struct {
	Config
	Sources []Source
	// Supplies the current state for each announce.
	Request func() Request
	// Receives the peers from each successful announce.
	OnPeers func(src Source, peers []netip.AddrPort)
	Logger  log.Logger

	reannounce chansync.BroadcastCond
}

// Asks every source for peers again without waiting for their intervals.
func (d *Discoverer) Reannounce() {
	d.reannounce.Broadcast()
}

// Blocks until ctx is done and every source has sent its stopped announce.
func (d *Discoverer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, src := range d.Sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runSource(ctx, src)
		}()
	}
	wg.Wait()
}

func (d *Discoverer) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.InitialRetryInterval
	b.MaxInterval = d.MaxRetryInterval
	return b
}

func (d *Discoverer) announce(ctx context.Context, src Source, event Event) (Result, error) {
	req := d.Request()
	req.Event = event
	if d.AnnounceTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.AnnounceTimeout)
		defer cancel()
	}
	return src.Announce(ctx, req)
}

func (d *Discoverer) runSource(ctx context.Context, src Source) {
	logger := d.Logger.WithContextValue(src)
	b := d.newBackoff()
	event := EventStarted
	announced := false
	for {
		// Get the signal before announcing so a Reannounce during the announce isn't lost.
		reannounce := d.reannounce.Signaled()
		res, err := d.announce(ctx, src, event)
		if ctx.Err() != nil {
			break
		}
		var wait time.Duration
		if err != nil {
			wait = b.NextBackOff()
			logger.Levelf(log.Debug, "announce failed, retrying in %v: %v", wait, err)
		} else {
			b.Reset()
			event = EventNone
			announced = true
			logger.Levelf(log.Debug, "announce returned %v peers", len(res.Peers))
			if len(res.Peers) != 0 && d.OnPeers != nil {
				d.OnPeers(src, res.Peers)
			}
			wait = res.Interval
			if wait == 0 {
				wait = d.DefaultInterval
			}
			wait = max(wait, d.MinInterval)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
		case <-t.C:
		case <-reannounce:
		}
		t.Stop()
		if ctx.Err() != nil {
			break
		}
	}
	if !announced {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, err := d.announce(stopCtx, src, EventStopped)
	if err != nil {
		logger.Levelf(log.Debug, "stopped announce: %v", err)
	}
}
