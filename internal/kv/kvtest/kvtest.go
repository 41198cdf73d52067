// Package kvtest holds the behaviour every kv.Store implementation must share.
package kvtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/scry-batch/internal/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Suite describes a store under test.
type Suite struct {
	// New returns an empty store. It is called once per subtest.
	New func(t *testing.T) kv.Store

	// Advance moves the store's notion of time forward. Stores without a
	// controllable clock sleep.
	Advance func(t *testing.T, d time.Duration)

	// TTL is the shortest expiry the store supports reliably.
	TTL time.Duration
}

// Run runs the shared store tests.
func Run(t *testing.T, s Suite) {
	if s.TTL == 0 {
		s.TTL = time.Second
	}
	if s.Advance == nil {
		s.Advance = func(_ *testing.T, d time.Duration) { time.Sleep(d) }
	}

	t.Run("basic", func(t *testing.T) { basic(t, s.New(t)) })
	t.Run("ttl", func(t *testing.T) { ttl(t, s) })
	t.Run("insert_if_absent", func(t *testing.T) { insertIfAbsent(t, s.New(t)) })
	t.Run("insert_if_absent_exclusive", func(t *testing.T) { exclusive(t, s.New(t)) })
	t.Run("json", func(t *testing.T) { jsonHelpers(t, s.New(t)) })
}

func basic(t *testing.T, s kv.Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "scry.test.missing")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, s.Set(ctx, "scry.test.a", []byte("1"), 0))
	got, err := s.Get(ctx, "scry.test.a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	require.NoError(t, s.Set(ctx, "scry.test.a", []byte("2"), 0))
	got, err = s.Get(ctx, "scry.test.a")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)

	require.NoError(t, s.Delete(ctx, "scry.test.a"))
	require.NoError(t, s.Delete(ctx, "scry.test.a"), "deleting an absent key is not an error")
	_, err = s.Get(ctx, "scry.test.a")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	_, err = s.Get(ctx, "")
	assert.ErrorIs(t, err, kv.ErrInvalidKey)
	assert.ErrorIs(t, s.Set(ctx, "", []byte("x"), 0), kv.ErrInvalidKey)
}

func ttl(t *testing.T, suite Suite) {
	ctx := context.Background()
	s := suite.New(t)

	require.NoError(t, s.Set(ctx, "scry.test.ttl", []byte("v"), suite.TTL))
	require.NoError(t, s.Set(ctx, "scry.test.forever", []byte("v"), 0))
	_, err := s.Get(ctx, "scry.test.ttl")
	require.NoError(t, err)

	suite.Advance(t, 2*suite.TTL)

	_, err = s.Get(ctx, "scry.test.ttl")
	assert.ErrorIs(t, err, kv.ErrNotFound)
	_, err = s.Get(ctx, "scry.test.forever")
	assert.NoError(t, err)

	ok, err := s.InsertIfAbsent(ctx, "scry.test.ttl", []byte("again"), 0)
	require.NoError(t, err)
	assert.True(t, ok, "expired keys count as absent")
}

func insertIfAbsent(t *testing.T, s kv.Store) {
	ctx := context.Background()

	ok, err := s.InsertIfAbsent(ctx, "scry.test.k", []byte("first"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.InsertIfAbsent(ctx, "scry.test.k", []byte("second"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, "scry.test.k")
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	require.NoError(t, s.Delete(ctx, "scry.test.k"))
	ok, err = s.InsertIfAbsent(ctx, "scry.test.k", []byte("third"), 0)
	require.NoError(t, err)
	assert.True(t, ok, "deleted keys count as absent")
}

func exclusive(t *testing.T, s kv.Store) {
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.InsertIfAbsent(ctx, "scry.test.contended", []byte(fmt.Sprint(i)), 0)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func jsonHelpers(t *testing.T, s kv.Store) {
	ctx := context.Background()

	type record struct {
		Name string `json:"name"`
	}
	require.NoError(t, kv.SetJSON(ctx, s, kv.JobKey("j1"), record{Name: "a"}, 0))

	var out record
	require.NoError(t, kv.GetJSON(ctx, s, kv.JobKey("j1"), &out))
	assert.Equal(t, "a", out.Name)
}
