package palserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palboard-project/gateway/internal/events"
	"github.com/palboard-project/gateway/internal/rcon"
)

type fakeExecutor struct {
	mu       sync.Mutex
	commands []string
	handle   func(command string) (string, error)

	inFlight atomic.Int32
	overlap  atomic.Bool
	closed   atomic.Bool
}

func (f *fakeExecutor) Execute(command string) (string, error) {
	if f.inFlight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inFlight.Add(-1)

	f.mu.Lock()
	f.commands = append(f.commands, command)
	handle := f.handle
	f.mu.Unlock()

	if handle != nil {
		return handle(command)
	}
	return "reply to " + command, nil
}

func (f *fakeExecutor) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeExecutor) count(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if c == command {
			n++
		}
	}
	return n
}

func quietOptions() Options {
	return Options{KeepaliveInterval: time.Hour}
}

func TestConcurrentExecuteRoutesReplies(t *testing.T) {
	exec := &fakeExecutor{}
	client := Start(exec, quietOptions())
	defer client.Close()

	const callers = 64
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := fmt.Sprintf("Broadcast caller-%d", i)
			resp, err := client.Execute(context.Background(), cmd)
			if err != nil {
				errs <- err
				return
			}
			if resp != "reply to "+cmd {
				errs <- fmt.Errorf("caller %d got %q", i, resp)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	for i := 0; i < callers; i++ {
		assert.Equal(t, 1, exec.count(fmt.Sprintf("Broadcast caller-%d", i)))
	}
	assert.False(t, exec.overlap.Load(), "executor used concurrently")
}

func TestKeepaliveAfterIdle(t *testing.T) {
	exec := &fakeExecutor{}
	client := Start(exec, Options{KeepaliveInterval: 20 * time.Millisecond})
	defer client.Close()

	require.Eventually(t, func() bool {
		return exec.count(DefaultKeepaliveCommand) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, client.Alive())
}

func TestKeepaliveWaitsFullInterval(t *testing.T) {
	exec := &fakeExecutor{}
	client := Start(exec, Options{KeepaliveInterval: 200 * time.Millisecond})
	defer client.Close()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, exec.count(DefaultKeepaliveCommand))
}

func TestKeepaliveFailureTerminates(t *testing.T) {
	boom := errors.New("connection lost")
	exec := &fakeExecutor{handle: func(string) (string, error) { return "", boom }}
	client := Start(exec, Options{KeepaliveInterval: 10 * time.Millisecond})

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
	}

	assert.True(t, exec.closed.Load())
	require.ErrorIs(t, client.Err(), boom)

	_, err := client.Execute(context.Background(), "Info")
	require.ErrorIs(t, err, ErrSessionTerminated)
	assert.ErrorIs(t, err, boom)
}

func TestCloseTerminates(t *testing.T) {
	exec := &fakeExecutor{}
	client := Start(exec, quietOptions())

	_, err := client.Info(context.Background())
	require.NoError(t, err)

	client.Close()
	client.Close()
	<-client.Done()

	assert.True(t, exec.closed.Load())
	assert.False(t, client.Alive())

	_, err = client.Save(context.Background())
	require.ErrorIs(t, err, ErrSessionTerminated)
}

func TestFatalCommandErrorTerminates(t *testing.T) {
	exec := &fakeExecutor{handle: func(string) (string, error) {
		return "", fmt.Errorf("%w: read: EOF", rcon.ErrConnectionReset)
	}}
	client := Start(exec, quietOptions())

	_, err := client.Info(context.Background())
	require.ErrorIs(t, err, rcon.ErrConnectionReset)

	<-client.Done()
	_, err = client.Info(context.Background())
	require.ErrorIs(t, err, ErrSessionTerminated)
	assert.ErrorIs(t, err, rcon.ErrConnectionReset)
}

func TestOversizedCommandKeepsSession(t *testing.T) {
	exec := &fakeExecutor{handle: func(cmd string) (string, error) {
		if len(cmd) > 100 {
			return "", fmt.Errorf("%w: %w", rcon.ErrCommandTooLarge, rcon.ErrFrameTooLarge)
		}
		return "ok", nil
	}}
	client := Start(exec, quietOptions())
	defer client.Close()

	_, err := client.Broadcast(context.Background(), string(make([]byte, 200)))
	require.ErrorIs(t, err, rcon.ErrFrameTooLarge)

	resp, err := client.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.True(t, client.Alive())
}

func TestAbandonedReplyIsNotFatal(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{handle: func(cmd string) (string, error) {
		if cmd == "Save" {
			<-release
		}
		return "done", nil
	}}
	client := Start(exec, quietOptions())
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := client.Save(ctx)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return exec.count("Save") == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	close(release)

	resp, err := client.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", resp)
}

func TestEventsPublished(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	executed := make(chan events.CommandExecutedPayload, 4)
	terminated := make(chan events.SessionTerminatedPayload, 1)
	bus.Subscribe(events.EventCommandExecuted, "test", func(ctx context.Context, e events.Event) error {
		executed <- e.Payload.(events.CommandExecutedPayload)
		return nil
	})
	bus.Subscribe(events.EventSessionTerminated, "test", func(ctx context.Context, e events.Event) error {
		terminated <- e.Payload.(events.SessionTerminatedPayload)
		return nil
	})

	client := Start(&fakeExecutor{}, Options{KeepaliveInterval: time.Hour, Bus: bus, Address: "pal:25575"})
	_, err := client.Info(context.Background())
	require.NoError(t, err)

	select {
	case p := <-executed:
		assert.Equal(t, "Info", p.Command)
		assert.False(t, p.Keepalive)
	case <-time.After(time.Second):
		t.Fatal("no command event")
	}

	client.Close()
	select {
	case p := <-terminated:
		assert.Equal(t, "pal:25575", p.Address)
	case <-time.After(time.Second):
		t.Fatal("no termination event")
	}
}
