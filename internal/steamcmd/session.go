package steamcmd

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/palboard-project/gateway/internal/events"
	"github.com/palboard-project/gateway/internal/util"
)

const (
	DefaultChunkBuffer = 128
	DefaultReadSize    = 4096

	maxLineSize = 64 * 1024
)

// ErrUpdateInProgress is returned by Begin while another session runs.
var ErrUpdateInProgress = errors.New("an update is already in progress")

// Conn is the client side of an update session. Raw output and events may
// be written from different goroutines, so implementations serialize their
// writes. Nothing is written after Close.
type Conn interface {
	WriteRaw(data []byte) error
	WriteEvent(e Event) error
	Close() error
}

// UpdaterConfig tunes update sessions. Zero values select the defaults.
type UpdaterConfig struct {
	Target      Target
	ChunkBuffer int
	ReadSize    int
	// KillAfter kills an updater that has closed its output but not exited
	// within this duration. Zero waits forever.
	KillAfter time.Duration
	Bus       *events.EventBus
}

// Updater admits one update session at a time.
type Updater struct {
	spawner Spawner
	cfg     UpdaterConfig
	parser  *Parser
	sem     *semaphore.Weighted
	logger  zerolog.Logger

	mu      sync.RWMutex
	current *Session
}

// NewUpdater creates an Updater launching processes through spawner.
func NewUpdater(spawner Spawner, cfg UpdaterConfig) *Updater {
	if cfg.Target.InstallDir == "" {
		cfg.Target.InstallDir = DefaultInstallDir
	}
	if cfg.Target.AppID == "" {
		cfg.Target.AppID = DefaultAppID
	}
	if cfg.ChunkBuffer <= 0 {
		cfg.ChunkBuffer = DefaultChunkBuffer
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = DefaultReadSize
	}
	return &Updater{
		spawner: spawner,
		cfg:     cfg,
		parser:  NewParser(),
		sem:     semaphore.NewWeighted(1),
		logger:  util.ComponentLogger("updater"),
	}
}

// Begin reserves the updater for a session of the given kind. The session
// must be finished with Run or Abort.
func (u *Updater) Begin(kind UpdateKind) (*Session, error) {
	if !u.sem.TryAcquire(1) {
		return nil, ErrUpdateInProgress
	}

	s := &Session{
		ID:      uuid.NewString(),
		Kind:    kind,
		updater: u,
	}
	s.logger = u.logger.With().
		Str("session", s.ID).
		Str("kind", kind.String()).
		Logger()

	u.mu.Lock()
	u.current = s
	u.mu.Unlock()

	return s, nil
}

// Current returns the running session, if any.
func (u *Updater) Current() (SessionInfo, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.current == nil {
		return SessionInfo{}, false
	}
	return u.current.Info(), true
}

// Target returns the installation updates apply to.
func (u *Updater) Target() Target {
	return u.cfg.Target
}

// SessionInfo is a snapshot of a session for status reporting.
type SessionInfo struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	StartedAt time.Time `json:"started_at"`
	Pid       int       `json:"pid,omitempty"`
	LastEvent *Event    `json:"last_event,omitempty"`
}

// Session is one update run.
type Session struct {
	ID   string
	Kind UpdateKind

	updater *Updater
	logger  zerolog.Logger
	release sync.Once

	mu        sync.Mutex
	startedAt time.Time
	pid       int
	lastEvent *Event
}

// Info snapshots the session state.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		ID:        s.ID,
		Kind:      s.Kind.String(),
		StartedAt: s.startedAt,
		Pid:       s.pid,
	}
	if s.lastEvent != nil {
		ev := *s.lastEvent
		info.LastEvent = &ev
	}
	return info
}

// Abort gives up a session that was never run.
func (s *Session) Abort() {
	s.finish()
}

func (s *Session) finish() {
	s.release.Do(func() {
		u := s.updater
		u.mu.Lock()
		if u.current == s {
			u.current = nil
		}
		u.mu.Unlock()
		u.sem.Release(1)
	})
}

type lineOutcome struct {
	completed bool
	failure   string
	events    int
}

// Run spawns the updater and streams it to conn until the process exits.
// conn is always closed when Run returns, and it is closed only after the
// last event was written. Cancelling ctx kills the updater.
func (s *Session) Run(ctx context.Context, conn Conn) error {
	defer s.finish()

	u := s.updater
	started := time.Now()
	s.mu.Lock()
	s.startedAt = started
	s.mu.Unlock()

	args := s.Kind.Args(u.cfg.Target)
	proc, err := u.spawner.Spawn(ctx, args)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to spawn updater")
		if werr := conn.WriteEvent(Failed(err.Error())); werr != nil {
			s.logger.Debug().Err(werr).Msg("failed to report spawn failure")
		}
		conn.Close()
		s.emitFinished(started, -1, lineOutcome{failure: err.Error()}, events.UpdateResultSpawnFailed)
		return err
	}

	s.mu.Lock()
	s.pid = proc.Pid()
	s.mu.Unlock()

	u.cfg.Bus.Emit(ctx, events.Event{
		Type:   events.EventUpdateStarted,
		Source: "steamcmd",
		Payload: events.UpdateStartedPayload{
			SessionID: s.ID,
			Kind:      s.Kind.String(),
			Args:      args,
		},
	})

	stopWatch := s.watchContext(ctx, proc)

	chunks := make(chan []byte, u.cfg.ChunkBuffer)
	lines := make(chan lineOutcome, 1)
	go s.readLines(chunks, conn, lines)

	s.pump(proc.Stdout(), chunks, conn)

	code, waitErr := s.wait(proc)
	stopWatch()
	if waitErr != nil {
		s.logger.Error().Err(waitErr).Msg("updater wait failed")
	} else {
		s.logger.Info().Int("exit_code", code).Msg("updater exited")
	}

	close(chunks)
	outcome := <-lines
	s.logger.Debug().
		Int("events", outcome.events).
		Bool("completed", outcome.completed).
		Msg("line reader joined")

	if err := conn.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("error closing update connection")
	}

	s.emitFinished(started, code, outcome, resultOf(code, waitErr, outcome))
	return waitErr
}

// pump forwards stdout to the client and then to the line channel until the
// stream ends or fails.
func (s *Session) pump(stdout io.Reader, chunks chan<- []byte, conn Conn) {
	buf := make([]byte, s.updater.cfg.ReadSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if werr := conn.WriteRaw(chunk); werr != nil {
				s.logger.Debug().Err(werr).Msg("failed to forward output")
			}

			// Blocks once the line reader is ChunkBuffer chunks behind.
			chunks <- chunk
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Error().Err(err).Msg("error reading updater output")
			}
			return
		}
	}
}

func (s *Session) readLines(chunks <-chan []byte, conn Conn, done chan<- lineOutcome) {
	var out lineOutcome
	defer func() { done <- out }()

	scanner := bufio.NewScanner(&chanReader{ch: chunks})
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		s.logger.Trace().Str("line", line).Msg("parsing line")

		ev, ok := s.updater.parser.Parse(line)
		if !ok {
			continue
		}
		out.events++
		switch ev.Kind {
		case EventCompleted:
			out.completed = true
		case EventFailed:
			out.failure = ev.Reason
		}

		s.mu.Lock()
		s.lastEvent = &ev
		s.mu.Unlock()

		if err := conn.WriteEvent(ev); err != nil {
			s.logger.Debug().Err(err).Msg("failed to send update event")
		}
		s.updater.cfg.Bus.Emit(context.Background(), events.Event{
			Type:   events.EventUpdateProgress,
			Source: "steamcmd",
			Payload: events.UpdateProgressPayload{
				SessionID: s.ID,
				Update:    ev,
			},
		})
	}

	if err := scanner.Err(); err != nil {
		s.logger.Warn().Err(err).Msg("line reader stopped")
		for range chunks {
		}
	}
}

func (s *Session) wait(proc Process) (int, error) {
	killAfter := s.updater.cfg.KillAfter
	if killAfter <= 0 {
		return proc.Wait()
	}

	type waitResult struct {
		code int
		err  error
	}
	waited := make(chan waitResult, 1)
	go func() {
		code, err := proc.Wait()
		waited <- waitResult{code, err}
	}()

	timer := time.NewTimer(killAfter)
	defer timer.Stop()

	select {
	case r := <-waited:
		return r.code, r.err
	case <-timer.C:
		s.logger.Warn().Dur("kill_after", killAfter).Msg("updater did not exit, killing")
		if err := proc.Kill(); err != nil {
			s.logger.Error().Err(err).Msg("failed to kill updater")
		}
		r := <-waited
		return r.code, r.err
	}
}

func (s *Session) watchContext(ctx context.Context, proc Process) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.logger.Warn().Msg("update cancelled, killing updater")
			if err := proc.Kill(); err != nil {
				s.logger.Error().Err(err).Msg("failed to kill updater")
			}
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (s *Session) emitFinished(started time.Time, code int, out lineOutcome, result events.UpdateResult) {
	s.updater.cfg.Bus.Emit(context.Background(), events.Event{
		Type:   events.EventUpdateFinished,
		Source: "steamcmd",
		Payload: events.UpdateFinishedPayload{
			SessionID: s.ID,
			Kind:      s.Kind.String(),
			ExitCode:  code,
			Result:    result,
			Reason:    out.failure,
			StartedAt: started,
			Duration:  time.Since(started),
		},
	})
}

func resultOf(code int, waitErr error, out lineOutcome) events.UpdateResult {
	switch {
	case waitErr != nil:
		return events.UpdateResultUnknown
	case out.failure != "" || code != 0:
		return events.UpdateResultFailed
	default:
		return events.UpdateResultSuccess
	}
}

// chanReader exposes a channel of chunks as a stream.
type chanReader struct {
	ch      <-chan []byte
	pending []byte
}

func (r *chanReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		chunk, ok := <-r.ch
		if !ok {
			return 0, io.EOF
		}
		r.pending = chunk
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}
