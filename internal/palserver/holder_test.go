package palserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolderRedialReplacesTerminatedSession(t *testing.T) {
	first := Start(&fakeExecutor{}, quietOptions())
	dials := 0
	h := NewHolder(first, func(ctx context.Context) (*Client, error) {
		dials++
		return Start(&fakeExecutor{}, quietOptions()), nil
	})

	replaced, err := h.Redial(context.Background())
	require.NoError(t, err)
	assert.False(t, replaced, "live session is kept")
	assert.Same(t, first, h.Current())

	first.Close()
	<-first.Done()

	replaced, err = h.Redial(context.Background())
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.NotSame(t, first, h.Current())
	assert.Equal(t, 1, dials)

	resp, err := h.Current().Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "reply to Info", resp)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.Close(ctx)
	assert.False(t, h.Current().Alive())
}

func TestHolderRedialFailureKeepsOldSession(t *testing.T) {
	first := Start(&fakeExecutor{}, quietOptions())
	first.Close()
	<-first.Done()

	h := NewHolder(first, func(ctx context.Context) (*Client, error) {
		return nil, errors.New("connection refused")
	})

	replaced, err := h.Redial(context.Background())
	assert.Error(t, err)
	assert.False(t, replaced)
	assert.Same(t, first, h.Current())

	_, err = h.Current().Info(context.Background())
	assert.ErrorIs(t, err, ErrSessionTerminated)
}

func TestHolderWithoutDialer(t *testing.T) {
	first := Start(&fakeExecutor{}, quietOptions())
	first.Close()
	<-first.Done()

	h := NewHolder(first, nil)
	replaced, err := h.Redial(context.Background())
	assert.NoError(t, err)
	assert.False(t, replaced)
}
