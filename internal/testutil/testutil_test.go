package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClock_StartsAtEpoch(t *testing.T) {
	clock := NewFakeClock()
	assert.Equal(t, Epoch, clock.Now())
}

func TestFakeClock_Advance(t *testing.T) {
	clock := NewFakeClock()
	clock.Advance(25 * time.Hour)
	assert.Equal(t, Epoch.Add(25*time.Hour), clock.Now())

	later := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	clock.Set(later)
	assert.Equal(t, later, clock.Now())
}

func TestSequentialGenerator(t *testing.T) {
	gen := NewSequentialGenerator("rec")
	assert.Equal(t, "rec-1", gen.Generate())
	assert.Equal(t, "rec-2", gen.Generate())

	assert.Equal(t, "id-1", NewSequentialGenerator("").Generate())
}

func TestSequentialGenerator_ConcurrentUnique(t *testing.T) {
	gen := NewSequentialGenerator("c")

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := gen.Generate()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
}

func TestFixedGenerator_Exhaustion(t *testing.T) {
	gen := NewFixedGenerator("a", "b")
	require.Equal(t, "a", gen.Generate())
	require.Equal(t, "b", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}
