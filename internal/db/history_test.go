package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palboard-project/gateway/internal/events"
)

func newTestHistory(t *testing.T, keepalives bool) *History {
	t.Helper()
	h, err := NewHistory(filepath.Join(t.TempDir(), "history.db"), keepalives)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestRecordAndListCommands(t *testing.T) {
	h := newTestHistory(t, false)
	ctx := context.Background()

	require.NoError(t, h.RecordCommand(ctx, CommandRecord{Command: "Info", Response: "Welcome to Pal Server", DurationMS: 3}))
	require.NoError(t, h.RecordCommand(ctx, CommandRecord{Command: "Save", Error: "rcon: connection closed unexpectedly"}))

	records, err := h.RecentCommands(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "Save", records[0].Command, "newest first")
	assert.Equal(t, "rcon: connection closed unexpectedly", records[0].Error)
	assert.Equal(t, "Info", records[1].Command)
	assert.Equal(t, int64(3), records[1].DurationMS)
	assert.WithinDuration(t, time.Now(), records[1].ExecutedAt, time.Minute)

	limited, err := h.RecentCommands(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecordUpdate(t *testing.T) {
	h := newTestHistory(t, false)
	ctx := context.Background()
	started := time.Now().Add(-time.Minute).Truncate(time.Millisecond)

	require.NoError(t, h.RecordUpdate(ctx, UpdateRecord{
		SessionID:  "abc",
		Kind:       "game_validate",
		Result:     "success",
		ExitCode:   0,
		StartedAt:  started,
		DurationMS: 60000,
	}))

	records, err := h.RecentUpdates(ctx, 5)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "abc", records[0].SessionID)
	assert.True(t, started.Equal(records[0].StartedAt))
}

func TestPrune(t *testing.T) {
	h := newTestHistory(t, false)
	ctx := context.Background()

	require.NoError(t, h.RecordCommand(ctx, CommandRecord{Command: "old", ExecutedAt: time.Now().Add(-48 * time.Hour)}))
	require.NoError(t, h.RecordCommand(ctx, CommandRecord{Command: "new"}))
	require.NoError(t, h.RecordTermination(ctx, TerminationRecord{Address: "pal:25575", Cause: "eof", OccurredAt: time.Now().Add(-72 * time.Hour)}))

	removed, err := h.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	records, err := h.RecentCommands(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "new", records[0].Command)
}

func TestAttachRecordsBusEvents(t *testing.T) {
	h := newTestHistory(t, false)
	bus := events.NewEventBus()
	defer bus.Stop()
	h.Attach(bus)

	ctx := context.Background()
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type: events.EventCommandExecuted,
		Payload: events.CommandExecutedPayload{
			Command:  "Broadcast hi",
			Response: "Broadcasted: hi",
			Duration: 5 * time.Millisecond,
		},
	}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventCommandExecuted,
		Payload: events.CommandExecutedPayload{Command: "ShowPlayers", Keepalive: true},
	}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventSessionTerminated,
		Payload: events.SessionTerminatedPayload{Address: "pal:25575", Cause: errors.New("keepalive failed")},
	}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type: events.EventUpdateFinished,
		Payload: events.UpdateFinishedPayload{
			SessionID: "s1",
			Kind:      "steam_runtime",
			Result:    events.UpdateResultSuccess,
			StartedAt: time.Now(),
		},
	}))

	commands, err := h.RecentCommands(ctx, 10)
	require.NoError(t, err)
	require.Len(t, commands, 1, "keepalives are skipped by default")
	assert.Equal(t, "Broadcast hi", commands[0].Command)

	terminations, err := h.RecentTerminations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, terminations, 1)
	assert.Equal(t, "keepalive failed", terminations[0].Cause)

	updates, err := h.RecentUpdates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "success", updates[0].Result)
}

func TestInMemoryDatabase(t *testing.T) {
	h, err := NewHistory(":memory:", true)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.RecordCommand(context.Background(), CommandRecord{Command: "Info"}))
	records, err := h.RecentCommands(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
