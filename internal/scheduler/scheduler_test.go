package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnlimitedAdmitsImmediately(t *testing.T) {
	s := New(0)
	for i := 0; i < 10; i++ {
		tok, err := s.Schedule(context.Background())
		require.NoError(t, err)
		defer tok.Done()
	}
	assert.EqualValues(t, 10, s.Stats().InFlight)
}

func TestCeilingQueuesUntilDone(t *testing.T) {
	s := New(1)

	first, err := s.Schedule(context.Background())
	require.NoError(t, err)

	admitted := make(chan Token, 1)
	go func() {
		tok, err := s.Schedule(context.Background())
		if err == nil {
			admitted <- tok
		}
	}()

	select {
	case <-admitted:
		t.Fatal("second request admitted above the ceiling")
	case <-time.After(20 * time.Millisecond):
	}

	first.Done()
	first.Done()

	select {
	case tok := <-admitted:
		tok.Done()
	case <-time.After(time.Second):
		t.Fatal("second request never admitted")
	}

	st := s.Stats()
	assert.EqualValues(t, 2, st.Admitted)
	assert.EqualValues(t, 0, st.InFlight)
}

func TestCancelWhileQueued(t *testing.T) {
	s := New(1)
	held, err := s.Schedule(context.Background())
	require.NoError(t, err)
	defer held.Done()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tok, err := s.Schedule(ctx)
	assert.Nil(t, tok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, s.Stats().Cancelled)
}

func TestRateLimit(t *testing.T) {
	s := New(0, WithRateLimit(1, 1))

	tok, err := s.Schedule(context.Background())
	require.NoError(t, err)
	tok.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Schedule(ctx)
	assert.Error(t, err, "second admission must wait for the limiter")
}

func TestClosed(t *testing.T) {
	s := New(2)
	s.Close()
	_, err := s.Schedule(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
