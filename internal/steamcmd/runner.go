package steamcmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/palboard-project/gateway/internal/util"
)

// ErrSpawnFailed is matched by every *SpawnError.
var ErrSpawnFailed = errors.New("failed to spawn updater")

// SpawnError reports a failed updater launch.
type SpawnError struct {
	Path string
	Args []string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn updater %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawnFailed, e.Err}
}

// Process is a running updater.
type Process interface {
	// Stdout yields the raw output. It reaches EOF once the process and
	// every child holding the pipe have exited.
	Stdout() io.Reader
	// Wait blocks until the process exits. A non-zero exit status is
	// reported through the exit code, not the error.
	Wait() (int, error)
	Kill() error
	Pid() int
}

// Spawner launches updater processes.
type Spawner interface {
	Spawn(ctx context.Context, args []string) (Process, error)
}

// Runner spawns the real updater executable, optionally behind an unbuffer
// wrapper.
type Runner struct {
	Executable string
	Unbuffer   []string
	WorkDir    string

	logger zerolog.Logger
}

// NewRunner creates a Runner. An empty executable selects
// DefaultExecutable; a nil unbuffer selects DefaultUnbuffer.
func NewRunner(executable string, unbuffer []string) *Runner {
	if executable == "" {
		executable = DefaultExecutable
	}
	if unbuffer == nil {
		unbuffer = DefaultUnbuffer
	}
	return &Runner{
		Executable: executable,
		Unbuffer:   unbuffer,
		logger:     util.ComponentLogger("steamcmd"),
	}
}

// Command returns the full argument vector for args, program first.
func (r *Runner) Command(args []string) []string {
	argv := make([]string, 0, len(r.Unbuffer)+1+len(args))
	argv = append(argv, r.Unbuffer...)
	argv = append(argv, r.Executable)
	return append(argv, args...)
}

// Spawn starts the updater with stdout piped, stdin closed and stderr
// discarded. The process is not tied to ctx: it is only checked before
// launching so a request finishing early cannot kill a running update.
func (r *Runner) Spawn(ctx context.Context, args []string) (Process, error) {
	argv := r.Command(args)
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Path: argv[0], Args: argv[1:], Err: err}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = r.WorkDir
	setPlatformProcessAttrs(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Path: argv[0], Args: argv[1:], Err: err}
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Path: argv[0], Args: argv[1:], Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Path: argv[0], Args: argv[1:], Err: err}
	}
	stdin.Close()

	r.logger.Info().
		Int("pid", cmd.Process.Pid).
		Str("command", strings.Join(argv, " ")).
		Msg("updater process started")

	return &execProcess{cmd: cmd, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader

	waitOnce sync.Once
	code     int
	err      error
}

func (p *execProcess) Stdout() io.Reader {
	return p.stdout
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			p.code = 0
		case errors.As(err, &exitErr):
			p.code = exitErr.ExitCode()
		default:
			p.code = -1
			p.err = fmt.Errorf("failed to wait for updater: %w", err)
		}
	})
	return p.code, p.err
}

func (p *execProcess) Kill() error {
	return killPlatform(p.cmd)
}
