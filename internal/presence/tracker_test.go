package presence

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deterministicTracker(seed int64) *Tracker {
	return newTracker(rand.New(rand.NewSource(seed)))
}

func TestInitialCountersAreInRange(t *testing.T) {
	for seed := int64(0); seed < 50; seed++ {
		tr := deterministicTracker(seed)
		state := tr.State()

		assert.GreaterOrEqual(t, state.ViewerCount, minInitialViewers)
		assert.Less(t, state.ViewerCount, maxInitialViewers)
		assert.GreaterOrEqual(t, state.LikeCount, minInitialLikes)
		assert.Less(t, state.LikeCount, maxInitialLikes)
		assert.False(t, state.HasLiked)
		assert.Equal(t, state.ViewerCount-floorSlack, tr.Floor())
	}
}

func TestViewerWalkNeverDropsBelowFloor(t *testing.T) {
	for seed := int64(0); seed < 10; seed++ {
		tr := deterministicTracker(seed)
		floor := tr.Floor()

		for i := 0; i < 5000; i++ {
			tr.Tick()
			require.GreaterOrEqual(t, tr.State().ViewerCount, floor,
				"walk dropped below floor at seed %d tick %d", seed, i)
		}
	}
}

func TestViewerWalkStepIsBounded(t *testing.T) {
	tr := deterministicTracker(7)
	prev := tr.State().ViewerCount
	for i := 0; i < 1000; i++ {
		tr.Tick()
		cur := tr.State().ViewerCount
		diff := cur - prev
		if diff < 0 {
			diff = -diff
		}
		require.LessOrEqual(t, diff, maxStep)
		prev = cur
	}
}

func TestApplyRemoteViewerCountOverridesFallback(t *testing.T) {
	tr := deterministicTracker(1)

	tr.ApplyRemoteViewerCount(7)
	assert.Equal(t, 7, tr.State().ViewerCount)

	// The fallback walk is suspended once an authoritative value arrived.
	for i := 0; i < 100; i++ {
		tr.Tick()
	}
	assert.Equal(t, 7, tr.State().ViewerCount)

	// Negative values are ignored.
	tr.ApplyRemoteViewerCount(-1)
	assert.Equal(t, 7, tr.State().ViewerCount)
}

func TestToggleLikeRoundTrip(t *testing.T) {
	tr := deterministicTracker(2)
	before := tr.State().LikeCount

	liked, err := tr.ToggleLike(nil)
	require.NoError(t, err)
	assert.True(t, liked)
	assert.Equal(t, before+1, tr.State().LikeCount)
	assert.True(t, tr.State().HasLiked)

	liked, err = tr.ToggleLike(nil)
	require.NoError(t, err)
	assert.False(t, liked)
	assert.Equal(t, before, tr.State().LikeCount)
	assert.False(t, tr.State().HasLiked)
}

func TestToggleLikeKeepsOptimisticStateOnPropagationFailure(t *testing.T) {
	tr := deterministicTracker(3)
	before := tr.State().LikeCount

	propErr := errors.New("emit failed")
	liked, err := tr.ToggleLike(func(bool) error { return propErr })

	// The error is surfaced but the local mutation is not rolled back.
	assert.ErrorIs(t, err, propErr)
	assert.True(t, liked)
	assert.Equal(t, before+1, tr.State().LikeCount)
	assert.True(t, tr.State().HasLiked)
}

func TestPropagateSeesAppliedState(t *testing.T) {
	tr := deterministicTracker(4)

	var sawLiked bool
	_, err := tr.ToggleLike(func(liked bool) error {
		sawLiked = liked
		// Local state is already mutated when propagation runs.
		assert.True(t, tr.State().HasLiked)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sawLiked)
}
