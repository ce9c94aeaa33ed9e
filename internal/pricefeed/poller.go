package pricefeed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"tokenlive/internal/model"
)

// defaultPollInterval is the fixed delay between scheduled refreshes.
const defaultPollInterval = 30 * time.Second

// Source is the upstream the poller fetches windows from.
type Source interface {
	PriceHistory(ctx context.Context, tokenID int) (model.PriceWindow, error)
}

// Snapshot is the poller's observable state after the latest refresh.
type Snapshot struct {
	Window      model.PriceWindow
	Change      model.PriceChange
	LastUpdated time.Time
	Err         error // last fetch error; stale Window/Change retained alongside it
}

// Poller drives periodic price-history synchronization for one token.
//
// Every refresh carries a monotonically increasing sequence number and only
// the highest-numbered completed response may mutate state, so a slow stale
// response can never overwrite fresher data. Fetch failures set the error
// flag and retain the previous window; the schedule keeps ticking.
type Poller struct {
	source   Source
	interval time.Duration

	seq atomic.Uint64 // last issued refresh sequence

	mu      sync.RWMutex
	applied uint64 // highest sequence that mutated state, guarded by mu
	state   Snapshot

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPoller creates a poller over the given source. A zero interval selects
// the default 30s schedule.
func NewPoller(source Source, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{source: source, interval: interval}
}

// Start performs an immediate refresh and then repeats on the fixed interval
// until Stop or context cancellation.
func (p *Poller) Start(ctx context.Context, tokenID int) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("poller already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		logger := log.With().Str("component", "pricefeed").Int("tokenId", tokenID).Logger()
		logger.Info().Dur("interval", p.interval).Msg("starting price poller")
		defer logger.Info().Msg("price poller stopped")

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Refresh(ctx, tokenID)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Refresh(ctx, tokenID)
			}
		}
	}()

	return nil
}

// Stop cancels the schedule and waits for the poll goroutine to exit.
// Safe to call multiple times.
func (p *Poller) Stop() {
	if !p.started.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	p.wg.Wait()
}

// Refresh fetches the window once and applies it under the stale-discard
// rule. It may be called concurrently with the schedule (e.g. a manual
// refresh action); the highest-numbered completed request wins.
func (p *Poller) Refresh(ctx context.Context, tokenID int) {
	seq := p.seq.Add(1)

	window, err := p.source.PriceHistory(ctx, tokenID)
	p.apply(seq, window, err)
}

// apply mutates state iff seq is newer than every previously applied
// response. Stale completions are discarded whole. The check and the
// mutation share one critical section so a stale response can never slip in
// between them.
func (p *Poller) apply(seq uint64, window model.PriceWindow, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if seq <= p.applied {
		log.Debug().Uint64("seq", seq).Uint64("applied", p.applied).Msg("discarding stale price response")
		return
	}
	p.applied = seq

	if err != nil {
		// Retain the previously displayed window and change; only flag the error.
		p.state.Err = err
		log.Warn().Err(err).Msg("price refresh failed, retaining stale window")
		return
	}

	p.state = Snapshot{
		Window:      window,
		Change:      ChangeOf(window),
		LastUpdated: time.Now(),
		Err:         nil,
	}
}

// State returns the latest snapshot.
func (p *Poller) State() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := p.state
	out.Window = make(model.PriceWindow, len(p.state.Window))
	copy(out.Window, p.state.Window)
	return out
}
