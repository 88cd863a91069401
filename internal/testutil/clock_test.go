package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_DefaultsToEpoch(t *testing.T) {
	c := NewClock(time.Time{})
	assert.Equal(t, Epoch, c.Now())
}

func TestClock_Advance(t *testing.T) {
	c := NewClock(time.Time{})

	got := c.Advance(90 * time.Second)
	assert.Equal(t, Epoch.Add(90*time.Second), got)
	assert.Equal(t, got, c.Now())

	c.Set(Epoch)
	assert.Equal(t, Epoch, c.Now())
}

func TestClock_DoesNotMoveOnItsOwn(t *testing.T) {
	c := NewClock(time.Time{})
	first := c.Now()
	time.Sleep(2 * time.Millisecond)
	assert.Equal(t, first, c.Now())
}

func TestSequentialIDs_Generate(t *testing.T) {
	g := NewSequentialIDs("snap")
	assert.Equal(t, "snap-1", g.Generate())
	assert.Equal(t, "snap-2", g.Generate())

	assert.Equal(t, "id-1", NewSequentialIDs("").Generate())
}

func TestSequentialIDs_ConcurrentUnique(t *testing.T) {
	g := NewSequentialIDs("x")
	const goroutines = 50

	var wg sync.WaitGroup
	results := make(chan string, goroutines)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- g.Generate()
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for id := range results {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, goroutines)
}

func TestRecordingSleeper_Records(t *testing.T) {
	var s RecordingSleeper
	ctx := context.Background()

	assert.NoError(t, s.Sleep(ctx, 10*time.Millisecond))
	assert.NoError(t, s.Sleep(ctx, 20*time.Millisecond))

	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, s.Delays())
	assert.Equal(t, 30*time.Millisecond, s.Total())
}

func TestRecordingSleeper_CancelledContext(t *testing.T) {
	var s RecordingSleeper
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Sleep(ctx, time.Second), context.Canceled)
	assert.Empty(t, s.Delays())
}
