package reputation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func addr(i int) string {
	return fmt.Sprintf("10.0.%d.%d", i/256, i%256)
}

func TestTouchInsertsAndRefreshes(t *testing.T) {
	clk := newFakeClock()
	c := New(WithClock(clk.Now))

	_, ok := c.Lookup("1.2.3.4")
	assert.False(t, ok)

	c.Touch("1.2.3.4", 10)
	e, ok := c.Lookup("1.2.3.4")
	require.True(t, ok)
	assert.Equal(t, "1.2.3.4", e.Addr)
	assert.Equal(t, clk.Now(), e.LastSeen)

	clk.Advance(time.Minute)
	c.Touch("1.2.3.4", 10)
	e, ok = c.Lookup("1.2.3.4")
	require.True(t, ok)
	assert.Equal(t, clk.Now(), e.LastSeen)
	assert.Equal(t, 1, c.Len())
}

func TestFreshnessBoundary(t *testing.T) {
	clk := newFakeClock()
	c := New(WithClock(clk.Now))
	validity := 172800 * time.Second

	stale := Entry{Addr: "1.2.3.4", LastSeen: clk.Now().Add(-validity)}
	assert.False(t, c.IsFresh(stale, validity), "entry exactly validity old is stale")

	fresh := Entry{Addr: "1.2.3.4", LastSeen: clk.Now().Add(-validity + time.Second)}
	assert.True(t, c.IsFresh(fresh, validity))
}

func TestExpiredEntryIsKept(t *testing.T) {
	clk := newFakeClock()
	c := New(WithClock(clk.Now))

	c.Touch("1.2.3.4", 10)
	clk.Advance(time.Hour)

	e, ok := c.Lookup("1.2.3.4")
	require.True(t, ok, "lookup does not purge expired entries")
	assert.False(t, c.IsFresh(e, time.Minute))

	c.Touch("1.2.3.4", 10)
	e, _ = c.Lookup("1.2.3.4")
	assert.True(t, c.IsFresh(e, time.Minute))
}

func TestEvictionKeepsSizeBounded(t *testing.T) {
	clk := newFakeClock()
	c := New(WithClock(clk.Now))
	const maxSize = 100

	for i := 0; i < 95; i++ {
		c.Touch(addr(i), maxSize)
		clk.Advance(time.Second)
		require.LessOrEqual(t, c.Len(), maxSize)
	}
	// inserts past 90 already made room for the budget of 10
	assert.Equal(t, 91, c.Len())

	for i := 95; i < 300; i++ {
		c.Touch(addr(i), maxSize)
		clk.Advance(time.Second)
		require.LessOrEqual(t, c.Len(), maxSize)
	}

	// least recently touched entries go first
	_, ok := c.Lookup(addr(0))
	assert.False(t, ok)
	_, ok = c.Lookup(addr(299))
	assert.True(t, ok)
}

func TestEvictionPrefersLeastRecentlyTouched(t *testing.T) {
	clk := newFakeClock()
	c := New(WithClock(clk.Now))
	const maxSize = 10 // budget of 1

	for i := 0; i < 10; i++ {
		c.Touch(addr(i), maxSize)
		clk.Advance(time.Second)
	}
	require.Equal(t, 10, c.Len())
	// refresh the oldest one so it is no longer first in line
	c.Touch(addr(0), maxSize)

	c.Touch(addr(100), maxSize)
	assert.Equal(t, 10, c.Len())

	_, ok := c.Lookup(addr(0))
	assert.True(t, ok, "refreshed entry survives")
	_, ok = c.Lookup(addr(1))
	assert.False(t, ok, "oldest untouched entry evicted")
}

func TestLookupDoesNotChangeRecency(t *testing.T) {
	c := New()
	const maxSize = 3 // budget of 1

	c.Touch("a", maxSize)
	c.Touch("b", maxSize)
	c.Touch("c", maxSize)
	_, _ = c.Lookup("a")
	c.Touch("d", maxSize)

	_, ok := c.Lookup("a")
	assert.False(t, ok)
	assert.Equal(t, 3, c.Len())
}

func TestTinyCacheNeverOverflows(t *testing.T) {
	c := New()
	for i := 0; i < 20; i++ {
		c.Touch(addr(i), 1)
		assert.Equal(t, 1, c.Len())
	}
	_, ok := c.Lookup(addr(19))
	assert.True(t, ok)
}

func TestShrinkingMaxSize(t *testing.T) {
	c := New()
	for i := 0; i < 50; i++ {
		c.Touch(addr(i), 100)
	}
	require.Equal(t, 50, c.Len())

	// a scope with a smaller cache sweeps down on its next insert
	c.Touch("192.0.2.1", 20)
	assert.LessOrEqual(t, c.Len(), 20)
}

func TestClampSize(t *testing.T) {
	assert.Equal(t, DefaultMaxSize, clampSize(0))
	assert.Equal(t, DefaultMaxSize, clampSize(-5))
	assert.Equal(t, MaxSize, clampSize(MaxSize+1))
	assert.Equal(t, 42, clampSize(42))
}

func TestPurge(t *testing.T) {
	c := New()
	c.Touch("1.2.3.4", 10)
	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestConcurrentTouch(t *testing.T) {
	c := New()
	const maxSize = 64

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				a := addr(g*1000 + i)
				c.Touch(a, maxSize)
				if e, ok := c.Lookup(a); ok {
					_ = c.IsFresh(e, time.Hour)
				}
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), maxSize)
}
