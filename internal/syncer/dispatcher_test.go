package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRunsTasks(t *testing.T) {
	d := NewDispatcher(discardLogger(), 2, 10, time.Second)

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.True(t, d.TrySubmit("count", func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, int32(5), ran.Load())
}

func TestDispatcherIsolatesFailures(t *testing.T) {
	d := NewDispatcher(discardLogger(), 1, 10, time.Second)

	var ran atomic.Int32
	require.True(t, d.TrySubmit("fails", func(context.Context) error { return errors.New("boom") }))
	require.True(t, d.TrySubmit("panics", func(context.Context) error { panic("unexpected") }))
	require.True(t, d.TrySubmit("succeeds", func(context.Context) error {
		ran.Add(1)
		return nil
	}))
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, int32(1), ran.Load(), "worker must survive failing and panicking tasks")
}

func TestDispatcherAppliesTaskTimeout(t *testing.T) {
	d := NewDispatcher(discardLogger(), 1, 1, 20*time.Millisecond)

	result := make(chan error, 1)
	require.True(t, d.TrySubmit("slow", func(ctx context.Context) error {
		<-ctx.Done()
		result <- ctx.Err()
		return ctx.Err()
	}))
	require.NoError(t, d.Close(context.Background()))
	assert.ErrorIs(t, <-result, context.DeadlineExceeded)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher(discardLogger(), 1, 1, time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, d.TrySubmit("blocker", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	require.True(t, d.TrySubmit("queued", func(context.Context) error { return nil }))
	require.False(t, d.TrySubmit("overflow", func(context.Context) error { return nil }))

	close(release)
	require.NoError(t, d.Close(context.Background()))
	require.False(t, d.TrySubmit("after-close", func(context.Context) error { return nil }))
}

func TestDispatcherCloseCancelsOnDeadline(t *testing.T) {
	d := NewDispatcher(discardLogger(), 1, 1, time.Minute)

	started := make(chan struct{})
	require.True(t, d.TrySubmit("waits", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
}
