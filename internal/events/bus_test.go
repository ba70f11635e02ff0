package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitReachesSubscribers(t *testing.T) {
	bus := NewEventBus()

	var calls atomic.Int32
	bus.Subscribe(EventCommandExecuted, "a", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	bus.Subscribe(EventCommandExecuted, "b", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	bus.Subscribe(EventUpdateFinished, "other", func(ctx context.Context, e Event) error {
		t.Error("unexpected event delivered")
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventCommandExecuted, Source: "test"})
	bus.Stop()

	assert.Equal(t, int32(2), calls.Load())
}

func TestEmitSyncReturnsHandlerError(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	boom := errors.New("boom")
	bus.Subscribe(EventShutdown, "failing", func(ctx context.Context, e Event) error { return boom })
	bus.Subscribe(EventShutdown, "panicking", func(ctx context.Context, e Event) error { panic("oops") })

	err := bus.EmitSync(context.Background(), Event{Type: EventShutdown})
	require.ErrorIs(t, err, boom)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	bus.Subscribe(EventHealthChanged, "x", func(ctx context.Context, e Event) error { return nil })
	bus.Subscribe(EventHealthChanged, "y", func(ctx context.Context, e Event) error { return nil })
	bus.Unsubscribe(EventHealthChanged, "x")

	assert.Equal(t, 1, bus.HandlerCount(EventHealthChanged))
}

func TestNilBusAndStoppedBusDropEvents(t *testing.T) {
	var nilBus *EventBus
	nilBus.Emit(context.Background(), Event{Type: EventShutdown})
	require.NoError(t, nilBus.EmitSync(context.Background(), Event{Type: EventShutdown}))

	bus := NewEventBus()
	bus.Subscribe(EventShutdown, "late", func(ctx context.Context, e Event) error {
		t.Error("handler ran after stop")
		return nil
	})
	bus.Stop()
	bus.Stop()

	bus.Emit(context.Background(), Event{Type: EventShutdown})
	require.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventShutdown}))

	select {
	case <-bus.StopCh():
	default:
		t.Fatal("stop channel not closed")
	}
}
