package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLanesFIFOPerKey(t *testing.T) {
	l := NewLanes(nil)
	defer l.Close()

	var mu sync.Mutex
	var got []int
	for i := range 20 {
		require.NoError(t, l.Submit("!a", func(context.Context) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	l.Wait()

	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
	assert.Zero(t, l.Active())
}

func TestLanesRunKeysInParallel(t *testing.T) {
	l := NewLanes(nil)
	defer l.Close()

	block := make(chan struct{})
	ran := make(chan string, 1)
	require.NoError(t, l.Submit("!a", func(context.Context) { <-block }))
	require.NoError(t, l.Submit("!b", func(context.Context) { ran <- "!b" }))

	select {
	case key := <-ran:
		assert.Equal(t, "!b", key)
	case <-time.After(time.Second):
		t.Fatal("blocked lane held up another chat")
	}
	assert.Equal(t, 1, l.Active())
	close(block)
	l.Wait()
}

func TestLanesSurvivePanic(t *testing.T) {
	l := NewLanes(nil)
	defer l.Close()

	after := make(chan struct{})
	require.NoError(t, l.Submit("!a", func(context.Context) { panic("boom") }))
	require.NoError(t, l.Submit("!a", func(context.Context) { close(after) }))

	select {
	case <-after:
	case <-time.After(time.Second):
		t.Fatal("work after a panic did not run")
	}
}

func TestLanesClose(t *testing.T) {
	l := NewLanes(nil)
	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, l.Submit("!a", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}))
	<-started

	l.Close()
	<-cancelled
	assert.ErrorIs(t, l.Submit("!a", func(context.Context) {}), ErrClosed)
	l.Close()
}
