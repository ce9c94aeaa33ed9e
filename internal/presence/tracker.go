// Package presence maintains the viewer-count and like-count state of a live
// stream session.
//
// Without an authoritative remote feed the viewer count follows a bounded
// random walk around its initial value; this is a presentation fallback, not
// a real count, and any remote value overrides it. The like toggle applies
// its local mutation optimistically and never rolls it back when remote
// propagation fails: the inconsistency window is accepted, the caller only
// surfaces the propagation error.
package presence

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tokenlive/internal/model"
)

const (
	// Fallback viewer count starts in [minInitialViewers, maxInitialViewers).
	minInitialViewers = 50
	maxInitialViewers = 250

	// Each tick moves the fallback count by a step in [-maxStep, +maxStep].
	maxStep = 2

	// The fallback never drops more than floorSlack below the initial count.
	floorSlack = 20

	// Initial like count is seeded in [minInitialLikes, maxInitialLikes).
	minInitialLikes = 100
	maxInitialLikes = 600
)

// Tracker holds the presence and engagement counters for one session.
type Tracker struct {
	mu          sync.Mutex
	rng         *rand.Rand
	initial     int
	floor       int
	viewerCount int
	likeCount   int
	hasLiked    bool
	remote      bool // authoritative count received, fallback walk suspended
}

// NewTracker seeds a tracker with randomized initial counters.
func NewTracker() *Tracker {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return newTracker(rng)
}

// newTracker allows tests to inject a deterministic source.
func newTracker(rng *rand.Rand) *Tracker {
	initial := minInitialViewers + rng.Intn(maxInitialViewers-minInitialViewers)
	return &Tracker{
		rng:         rng,
		initial:     initial,
		floor:       initial - floorSlack,
		viewerCount: initial,
		likeCount:   minInitialLikes + rng.Intn(maxInitialLikes-minInitialLikes),
	}
}

// Tick advances the fallback random walk by one signed step.
//
// The walk is floored at initial-20 and has no explicit ceiling. Once an
// authoritative remote count has been applied the walk is suspended.
func (t *Tracker) Tick() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.remote {
		return
	}

	step := t.rng.Intn(2*maxStep+1) - maxStep
	next := t.viewerCount + step
	if next < t.floor {
		next = t.floor
	}
	t.viewerCount = next
}

// ApplyRemoteViewerCount overrides the fallback with an authoritative value.
// Negative values are ignored.
func (t *Tracker) ApplyRemoteViewerCount(n int) {
	if n < 0 {
		log.Warn().Int("count", n).Msg("ignoring negative remote viewer count")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = true
	t.viewerCount = n
}

// ToggleLike flips the like state and moves the like count by exactly one.
//
// The local mutation is applied before propagate runs. A propagation error
// is returned to the caller but the local state stays: this component never
// reverts the optimistic update.
func (t *Tracker) ToggleLike(propagate func(liked bool) error) (bool, error) {
	t.mu.Lock()
	if t.hasLiked {
		t.hasLiked = false
		if t.likeCount > 0 {
			t.likeCount--
		}
	} else {
		t.hasLiked = true
		t.likeCount++
	}
	liked := t.hasLiked
	t.mu.Unlock()

	if propagate == nil {
		return liked, nil
	}
	if err := propagate(liked); err != nil {
		log.Warn().Err(err).Bool("liked", liked).Msg("like propagation failed, keeping optimistic state")
		return liked, err
	}
	return liked, nil
}

// State returns a snapshot of the presence counters.
func (t *Tracker) State() model.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return model.PresenceState{
		ViewerCount: t.viewerCount,
		LikeCount:   t.likeCount,
		HasLiked:    t.hasLiked,
	}
}

// Floor returns the fallback walk's lower bound. Exposed for observability.
func (t *Tracker) Floor() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.floor
}
