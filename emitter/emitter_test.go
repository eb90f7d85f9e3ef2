package emitter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatch_RegistrationOrder(t *testing.T) {
	e := New()

	var got []int
	e.On("evt", func(any) { got = append(got, 1) })
	e.On("evt", func(any) { got = append(got, 2) })
	e.On("evt", func(any) { got = append(got, 3) })

	e.Dispatch("evt", nil)
	require.Equal(t, []int{1, 2, 3}, got)
}

func TestDispatch_ExactNameOnly(t *testing.T) {
	e := New()

	var specific, wildcard int
	e.On("server.response.created", func(any) { specific++ })
	e.On("server.*", func(any) { wildcard++ })

	// The wildcard is a literal name, not a pattern: it only fires when
	// dispatched under that exact name.
	e.Dispatch("server.response.created", nil)
	require.Equal(t, 1, specific)
	require.Equal(t, 0, wildcard)

	e.Dispatch("server.*", nil)
	require.Equal(t, 1, wildcard)
}

func TestOnAsync_DoesNotBlockDispatch(t *testing.T) {
	e := New()

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	e.OnAsync("evt", func(any) {
		<-release
		wg.Done()
	})

	var inline bool
	e.On("evt", func(any) { inline = true })

	done := make(chan struct{})
	go func() {
		e.Dispatch("evt", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on async handler")
	}
	require.True(t, inline)

	close(release)
	wg.Wait()
}

func TestWaitForNext_OneShot(t *testing.T) {
	e := New()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		e.Dispatch("evt", 1)
	}()

	payload, err := e.WaitForNext(ctx, "evt")
	require.NoError(t, err)
	require.Equal(t, 1, payload)

	// The one-shot handler must be gone.
	e.Dispatch("evt", 2)

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	_, err = e.WaitForNext(shortCtx, "evt")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForNext_ContextCancelled(t *testing.T) {
	e := New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.WaitForNext(ctx, "evt")
	require.ErrorIs(t, err, context.Canceled)
}

func TestClear(t *testing.T) {
	e := New()

	var calls int
	e.On("evt", func(any) { calls++ })
	e.Clear()

	e.Dispatch("evt", nil)
	require.Equal(t, 0, calls)
}
