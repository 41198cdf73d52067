package kv

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryStoreBasicOperations(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "a", []byte("1"), 0))
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "a"), "deleting an absent key is not an error")
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	value := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", value, 0))
	value[0] = 'z'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStoreWithClock(clock.Now)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	clock.Advance(59 * time.Second)
	_, err := s.Get(ctx, "k")
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStoreInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStoreWithClock(clock.Now)

	ok, err := s.InsertIfAbsent(ctx, "k", []byte("first"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.InsertIfAbsent(ctx, "k", []byte("second"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := s.Get(ctx, "k")
	assert.Equal(t, "first", string(got))

	clock.Advance(2 * time.Minute)
	ok, err = s.InsertIfAbsent(ctx, "k", []byte("third"), 0)
	require.NoError(t, err)
	assert.True(t, ok, "expired keys count as absent")
}

func TestMemoryStoreInsertIfAbsentIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.InsertIfAbsent(ctx, "contended", []byte("x"), 0)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, SetJSON(ctx, s, JobKey("j1"), record{Name: "a", Count: 2}, 0))

	var out record
	require.NoError(t, GetJSON(ctx, s, JobKey("j1"), &out))
	assert.Equal(t, record{Name: "a", Count: 2}, out)

	ok, err := InsertJSONIfAbsent(ctx, s, JobKey("j1"), record{Name: "b"}, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "bad", []byte("{"), 0))
	assert.Error(t, GetJSON(ctx, s, "bad", &out))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "scry.job.abc", JobKey("abc"))
	assert.Equal(t, "scry.batch.abc_1", BatchKey("abc_1"))
	assert.Equal(t, "scry.lock.batch.abc_1", LockKey("batch.abc_1"))
	assert.Equal(t, "scry.content.quiz.item-9", ContentKey("quiz", "item-9"))
}
