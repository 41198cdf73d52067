package deferred

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestKeyIsCanonical(t *testing.T) {
	a := Key("job.aggregate", Args{"job_id": "j", "batch_id": "b"})
	b := Key("job.aggregate", Args{"batch_id": "b", "job_id": "j"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Key("job.finalize", Args{"job_id": "j", "batch_id": "b"}))
	assert.Equal(t, Key("polling.sweep", nil), Key("polling.sweep", Args{}))
}

func TestMemoryQueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	require.NoError(t, q.ScheduleAt(ctx, t0.Add(time.Minute), "batch.execute", Args{"batch_id": "b2"}))
	require.NoError(t, q.ScheduleAt(ctx, t0, "batch.execute", Args{"batch_id": "b1"}))
	require.NoError(t, q.ScheduleAt(ctx, t0.Add(time.Hour), "polling.sweep", nil))

	ok, err := q.IsScheduled(ctx, "batch.execute", Args{"batch_id": "b2"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.IsScheduled(ctx, "batch.execute", Args{"batch_id": "b3"})
	require.NoError(t, err)
	assert.False(t, ok)

	due, err := q.Due(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "b1", due[0].Args["batch_id"])
	assert.Equal(t, "b2", due[1].Args["batch_id"])
	assert.Equal(t, 1, q.Len())

	due, err = q.Due(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "claimed entries are removed")
}

func TestMemoryQueueLimit(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.ScheduleAt(ctx, t0.Add(time.Duration(i)*time.Second), "x", Args{"i": string(rune('a' + i))}))
	}

	due, err := q.Due(ctx, t0.Add(time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].Args["i"])
	assert.Equal(t, 3, q.Len())
}

type statusErr int

func (e statusErr) Error() string   { return "status" }
func (e statusErr) StatusCode() int { return int(e) }

func TestDispatcherTick(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	d := NewDispatcher(q, time.Minute, discard(), WithClock(func() time.Time { return t0 }))

	var seen []string
	d.Register("ok", func(_ context.Context, args Args) error {
		seen = append(seen, args["id"])
		return nil
	})
	d.Register("later", func(context.Context, Args) error { return ErrRetryLater })
	d.Register("transient", func(context.Context, Args) error { return statusErr(503) })
	d.Register("fatal", func(context.Context, Args) error { return errors.New("bad input") })
	d.Register("panics", func(context.Context, Args) error { panic("boom") })

	for _, cb := range []string{"ok", "later", "transient", "fatal", "panics", "unknown"} {
		require.NoError(t, q.ScheduleAt(ctx, t0, cb, Args{"id": cb}))
	}

	res, err := d.Tick(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Run: 5, Failed: 4, Rescheduled: 2, Dropped: 1}, res)
	assert.Equal(t, []string{"ok"}, seen)

	pending := q.Pending()
	require.Len(t, pending, 2)
	for _, e := range pending {
		assert.Equal(t, t0.Add(time.Minute), e.RunAt)
		assert.Contains(t, []string{"later", "transient"}, e.Callback)
	}
	assert.Equal(t, []string{"fatal", "later", "ok", "panics", "transient"}, d.Callbacks())
}

func TestDispatcherHandlerSeesLogger(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	d := NewDispatcher(q, time.Minute, discard())

	called := false
	d.Register("x", func(ctx context.Context, _ Args) error {
		called = true
		assert.NotNil(t, ctx)
		return nil
	})
	require.NoError(t, d.Run(ctx, "x", nil))
	assert.True(t, called)
	assert.Error(t, d.Run(ctx, "missing", nil))
}

func TestDispatcherReturnsEntriesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewMemoryQueue()
	d := NewDispatcher(q, time.Minute, discard(), WithClock(func() time.Time { return t0 }))

	d.Register("first", func(context.Context, Args) error { cancel(); return nil })
	d.Register("second", func(context.Context, Args) error { t.Fatal("must not run"); return nil })

	require.NoError(t, q.ScheduleAt(context.Background(), t0, "first", nil))
	require.NoError(t, q.ScheduleAt(context.Background(), t0, "second", nil))

	res, err := d.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Run)
	require.Equal(t, 1, q.Len())
	assert.Equal(t, "second", q.Pending()[0].Callback)
}
