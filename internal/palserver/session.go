// Package palserver multiplexes many concurrent callers onto the single RCON
// connection of a Palworld dedicated server.
//
// One goroutine owns the connection. Callers hold a *Client, enqueue
// commands through a bounded channel and wait on a private reply channel.
// When the connection has been idle for a while the owner sends a keepalive
// probe. A fatal connection error, a failed keepalive or Close terminate the
// session for good; a new one must be started with Dial or Start.
package palserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/palboard-project/gateway/internal/events"
	"github.com/palboard-project/gateway/internal/rcon"
	"github.com/palboard-project/gateway/internal/util"
)

const (
	DefaultKeepaliveInterval = 5 * time.Second
	DefaultKeepaliveCommand  = "ShowPlayers"
	DefaultQueueSize         = 32
)

// ErrSessionTerminated is returned by every call made after the session
// stopped. The termination cause is wrapped alongside it.
var ErrSessionTerminated = errors.New("command session terminated")

var errClosedByClient = errors.New("closed by client")

// Executor is a strictly request/response command channel. *rcon.Conn
// satisfies it.
type Executor interface {
	Execute(command string) (string, error)
	Close() error
}

// Options tunes the session actor. Zero values select the defaults.
type Options struct {
	KeepaliveInterval time.Duration
	KeepaliveCommand  string
	QueueSize         int
	Address           string
	Bus               *events.EventBus
}

func (o *Options) applyDefaults() {
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if o.KeepaliveCommand == "" {
		o.KeepaliveCommand = DefaultKeepaliveCommand
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
}

type result struct {
	body string
	err  error
}

type request struct {
	ctx     context.Context
	command string
	reply   chan result
}

// Client is the handle through which callers reach the session. It is safe
// for concurrent use and cheap to share.
type Client struct {
	requests chan request
	quit     chan struct{}
	done     chan struct{}
	once     sync.Once

	mu    sync.RWMutex
	cause error
}

type actor struct {
	exec    Executor
	opts    Options
	client  *Client
	logger  zerolog.Logger
	running bool
}

// DialConfig describes how to reach the RCON endpoint.
type DialConfig struct {
	Address string
	// Password is optional. A nil password skips authentication while an
	// empty one is still sent.
	Password *string
	Timeout  time.Duration
	Options  Options
}

// Dial connects, authenticates and starts a session.
func Dial(ctx context.Context, cfg DialConfig) (*Client, error) {
	var opts []rcon.DialOption
	if cfg.Password != nil {
		opts = append(opts, rcon.WithPassword(*cfg.Password))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, rcon.WithTimeout(cfg.Timeout))
	}

	conn, err := rcon.Dial(ctx, cfg.Address, opts...)
	if err != nil {
		return nil, err
	}

	sessionOpts := cfg.Options
	if sessionOpts.Address == "" {
		sessionOpts.Address = cfg.Address
	}
	return Start(conn, sessionOpts), nil
}

// Start takes ownership of exec and runs the session actor.
func Start(exec Executor, opts Options) *Client {
	opts.applyDefaults()

	c := &Client{
		requests: make(chan request, opts.QueueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	logger := util.ComponentLogger("palserver")
	if opts.Address != "" {
		logger = logger.With().Str("address", opts.Address).Logger()
	}

	a := &actor{
		exec:    exec,
		opts:    opts,
		client:  c,
		logger:  logger,
		running: true,
	}
	go a.run()

	return c
}

// Execute enqueues command and waits for its reply. It blocks while the
// queue is full. Cancelling ctx abandons the reply but does not stop a
// command that already reached the server.
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	req := request{
		ctx:     ctx,
		command: command,
		reply:   make(chan result, 1),
	}

	// A terminated session may still have free queue slots.
	select {
	case <-c.done:
		return "", c.terminatedErr()
	default:
	}

	select {
	case c.requests <- req:
	case <-c.done:
		return "", c.terminatedErr()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.body, res.err
	case <-c.done:
		select {
		case res := <-req.reply:
			return res.body, res.err
		default:
		}
		return "", c.terminatedErr()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close asks the session to stop. It returns immediately; use Done to wait.
func (c *Client) Close() {
	c.once.Do(func() { close(c.quit) })
}

// Done is closed once the session has terminated and released the
// connection.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the termination cause, or nil while the session runs.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cause
}

// Alive reports whether the session still accepts commands.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Client) terminatedErr() error {
	if cause := c.Err(); cause != nil {
		return fmt.Errorf("%w: %w", ErrSessionTerminated, cause)
	}
	return ErrSessionTerminated
}

func (a *actor) run() {
	a.logger.Info().
		Dur("keepalive_interval", a.opts.KeepaliveInterval).
		Int("queue_size", a.opts.QueueSize).
		Msg("command session started")

	idle := time.NewTimer(a.opts.KeepaliveInterval)
	defer idle.Stop()

	var cause error
	for a.running {
		select {
		case <-a.client.quit:
			cause = errClosedByClient
			a.running = false

		case req := <-a.client.requests:
			if err := a.serve(req); err != nil {
				cause = err
				a.running = false
			}

		case <-idle.C:
			if err := a.keepalive(); err != nil {
				cause = fmt.Errorf("keepalive failed: %w", err)
				a.running = false
			}
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(a.opts.KeepaliveInterval)
	}

	a.terminate(cause)
}

// serve executes one caller command. It returns a non-nil error only when
// the connection became unusable.
func (a *actor) serve(req request) error {
	start := time.Now()
	body, err := a.exec.Execute(req.command)
	a.publish(req.command, body, time.Since(start), err, false)

	if req.ctx != nil && req.ctx.Err() != nil {
		a.logger.Debug().
			Str("command", req.command).
			Msg("caller abandoned reply")
	}
	req.reply <- result{body: body, err: err}

	if err != nil && rcon.IsFatal(err) {
		return err
	}
	return nil
}

func (a *actor) keepalive() error {
	start := time.Now()
	body, err := a.exec.Execute(a.opts.KeepaliveCommand)
	a.publish(a.opts.KeepaliveCommand, body, time.Since(start), err, true)
	if err != nil {
		return err
	}
	a.logger.Trace().Msg("keepalive ok")
	return nil
}

func (a *actor) terminate(cause error) {
	if err := a.exec.Close(); err != nil {
		a.logger.Debug().Err(err).Msg("error closing rcon connection")
	}

	a.client.mu.Lock()
	a.client.cause = cause
	a.client.mu.Unlock()
	close(a.client.done)

	if errors.Is(cause, errClosedByClient) {
		a.logger.Info().Msg("command session closed")
	} else {
		a.logger.Error().Err(cause).Msg("command session terminated")
	}

	a.opts.Bus.Emit(context.Background(), events.Event{
		Type:   events.EventSessionTerminated,
		Source: "palserver",
		Payload: events.SessionTerminatedPayload{
			Address: a.opts.Address,
			Cause:   cause,
		},
	})
}

func (a *actor) publish(command, body string, d time.Duration, err error, keepalive bool) {
	a.opts.Bus.Emit(context.Background(), events.Event{
		Type:   events.EventCommandExecuted,
		Source: "palserver",
		Payload: events.CommandExecutedPayload{
			Command:   command,
			Response:  body,
			Duration:  d,
			Err:       err,
			Keepalive: keepalive,
		},
	})
}
