package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palboard-project/gateway/internal/config"
	"github.com/palboard-project/gateway/internal/palserver"
)

type recordingExecutor struct {
	mu       sync.Mutex
	commands []string
}

func (r *recordingExecutor) Execute(command string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	return "Complete Save", nil
}

func (r *recordingExecutor) Close() error { return nil }

func (r *recordingExecutor) saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.commands {
		if c == "Save" {
			n++
		}
	}
	return n
}

type countingPruner struct {
	calls     atomic.Int32
	retention atomic.Int64
}

func (p *countingPruner) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	p.calls.Add(1)
	p.retention.Store(int64(retention))
	return 3, nil
}

func TestAutoSaveSendsSave(t *testing.T) {
	exec := &recordingExecutor{}
	client := palserver.Start(exec, palserver.Options{KeepaliveInterval: time.Hour})
	defer client.Close()

	s := NewScheduler(config.SchedulerConfig{}, 0, palserver.NewHolder(client, nil), nil)
	s.runAutoSave(context.Background())

	assert.Equal(t, 1, exec.saves())
}

func TestAutoSaveSkipsTerminatedSession(t *testing.T) {
	exec := &recordingExecutor{}
	client := palserver.Start(exec, palserver.Options{KeepaliveInterval: time.Hour})
	client.Close()
	<-client.Done()

	s := NewScheduler(config.SchedulerConfig{}, 0, palserver.NewHolder(client, nil), nil)
	s.runAutoSave(context.Background())

	assert.Zero(t, exec.saves())
}

func TestHistoryCleanupUsesRetention(t *testing.T) {
	pruner := &countingPruner{}
	s := NewScheduler(config.SchedulerConfig{}, 48*time.Hour, nil, pruner)
	s.runHistoryCleanup(context.Background())

	assert.Equal(t, int32(1), pruner.calls.Load())
	assert.Equal(t, int64(48*time.Hour), pruner.retention.Load())
}

func TestStartRunsTasksUntilCancelled(t *testing.T) {
	pruner := &countingPruner{}
	s := NewScheduler(config.SchedulerConfig{HistoryCleanupIntervalSec: 1}, time.Hour, nil, pruner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return pruner.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
