package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenlive/internal/model"
)

// historyServer serves a canned /price-history response.
func historyServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/price-history/")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
}

func TestPriceHistoryConvertsWei(t *testing.T) {
	srv := historyServer(t, http.StatusOK, `[
		{"timestamp":"2024-01-01T00:00:00Z","priceInWei":"1000000000000000000"},
		{"timestamp":"2024-01-01T01:00:00Z","priceInWei":"1200000000000000000"}
	]`)
	defer srv.Close()

	window, err := NewClient(srv.URL, time.Second).PriceHistory(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, window, 2)

	assert.True(t, window[0].Price.Equal(decimal.NewFromInt(1)), "got %s", window[0].Price)
	assert.True(t, window[1].Price.Equal(decimal.RequireFromString("1.2")), "got %s", window[1].Price)

	change := ChangeOf(window)
	assert.True(t, change.Delta.Equal(decimal.RequireFromString("0.2")), "delta %s", change.Delta)
	assert.True(t, change.Percentage.Equal(decimal.NewFromInt(20)), "pct %s", change.Percentage)
	assert.True(t, change.Positive)
}

func TestPriceHistorySkipsMalformedSamples(t *testing.T) {
	srv := historyServer(t, http.StatusOK, `[
		{"timestamp":"2024-01-01T00:00:00Z","priceInWei":"1000000000000000000"},
		{"timestamp":"not-a-time","priceInWei":"1000000000000000000"},
		{"timestamp":"2024-01-01T02:00:00Z","priceInWei":"abc"},
		{"timestamp":"2024-01-01T03:00:00Z","priceInWei":"3000000000000000000"}
	]`)
	defer srv.Close()

	window, err := NewClient(srv.URL, time.Second).PriceHistory(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, window, 2)
}

func TestPriceHistoryFetchErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: "boom"},
		{name: "not found", status: http.StatusNotFound, body: "missing"},
		{name: "invalid json", status: http.StatusOK, body: "{not json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := historyServer(t, tt.status, tt.body)
			defer srv.Close()

			_, err := NewClient(srv.URL, time.Second).PriceHistory(context.Background(), 1)
			assert.ErrorIs(t, err, ErrFetchFailed)
		})
	}
}

func TestChangeOfNegativeAndDegenerateWindows(t *testing.T) {
	down := model.PriceWindow{
		{Price: decimal.NewFromInt(4)},
		{Price: decimal.NewFromInt(3)},
	}
	change := ChangeOf(down)
	assert.True(t, change.Delta.Equal(decimal.NewFromInt(-1)))
	assert.True(t, change.Percentage.Equal(decimal.NewFromInt(-25)))
	assert.False(t, change.Positive)

	flat := ChangeOf(model.PriceWindow{{Price: decimal.NewFromInt(4)}, {Price: decimal.NewFromInt(4)}})
	assert.True(t, flat.Positive, "zero delta counts as positive")

	empty := ChangeOf(nil)
	assert.True(t, empty.Delta.IsZero())

	single := ChangeOf(model.PriceWindow{{Price: decimal.NewFromInt(4)}})
	assert.True(t, single.Delta.IsZero())
}

// fakeSource lets tests control fetch outcomes and timing.
type fakeSource struct {
	mu      sync.Mutex
	results []func() (model.PriceWindow, error)
	calls   int
}

func (f *fakeSource) PriceHistory(ctx context.Context, tokenID int) (model.PriceWindow, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	var next func() (model.PriceWindow, error)
	if idx < len(f.results) {
		next = f.results[idx]
	}
	f.mu.Unlock()

	if next == nil {
		return nil, errors.New("no scripted result")
	}
	return next()
}

func windowOf(prices ...int64) model.PriceWindow {
	w := make(model.PriceWindow, 0, len(prices))
	for _, p := range prices {
		w = append(w, model.PriceSample{Timestamp: time.Now(), Price: decimal.NewFromInt(p)})
	}
	return w
}

func TestPollerRetainsStaleDataOnFailure(t *testing.T) {
	src := &fakeSource{results: []func() (model.PriceWindow, error){
		func() (model.PriceWindow, error) { return windowOf(1, 2), nil },
		func() (model.PriceWindow, error) { return nil, errors.New("upstream down") },
	}}

	p := NewPoller(src, time.Hour)
	p.Refresh(context.Background(), 1)

	state := p.State()
	require.NoError(t, state.Err)
	require.Len(t, state.Window, 2)
	updated := state.LastUpdated

	p.Refresh(context.Background(), 1)

	state = p.State()
	assert.Error(t, state.Err, "failure must set the error flag")
	assert.Len(t, state.Window, 2, "stale window must be retained")
	assert.Equal(t, updated, state.LastUpdated, "failed refresh must not move the update time")
}

func TestPollerDiscardsStaleCompletion(t *testing.T) {
	release := make(chan struct{})
	src := &fakeSource{results: []func() (model.PriceWindow, error){
		// Refresh N: slow, completes after N+1.
		func() (model.PriceWindow, error) {
			<-release
			return windowOf(100), nil
		},
		// Refresh N+1: fast.
		func() (model.PriceWindow, error) { return windowOf(7, 8), nil },
	}}

	p := NewPoller(src, time.Hour)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Refresh(context.Background(), 1) // sequence N, blocked
	}()

	// Wait until the slow request is actually in flight so it holds seq N.
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.calls == 1
	}, time.Second, time.Millisecond)

	p.Refresh(context.Background(), 1) // sequence N+1, completes first

	state := p.State()
	require.Len(t, state.Window, 2)

	close(release)
	wg.Wait()

	// The N result completed after N+1 and must have been discarded.
	state = p.State()
	require.Len(t, state.Window, 2)
	assert.True(t, state.Window[0].Price.Equal(decimal.NewFromInt(7)))
}

func TestPollerStartRefreshesImmediatelyAndStops(t *testing.T) {
	src := &fakeSource{results: []func() (model.PriceWindow, error){
		func() (model.PriceWindow, error) { return windowOf(1), nil },
	}}

	p := NewPoller(src, time.Hour)
	require.NoError(t, p.Start(context.Background(), 9))
	assert.Error(t, p.Start(context.Background(), 9), "double start must be rejected")

	require.Eventually(t, func() bool {
		return len(p.State().Window) == 1
	}, time.Second, time.Millisecond)

	p.Stop()
	p.Stop() // idempotent
}
