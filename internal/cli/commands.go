// Package cli implements the interactive operator console. It drives the
// same command session and updater as the HTTP API.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/palboard-project/gateway/internal/config"
	"github.com/palboard-project/gateway/internal/db"
	"github.com/palboard-project/gateway/internal/events"
	"github.com/palboard-project/gateway/internal/palserver"
	"github.com/palboard-project/gateway/internal/steamcmd"
)

// HistoryReader lists recent gateway activity.
type HistoryReader interface {
	RecentCommands(ctx context.Context, limit int) ([]db.CommandRecord, error)
	RecentUpdates(ctx context.Context, limit int) ([]db.UpdateRecord, error)
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      config.ConsoleConfig
	eventBus *events.EventBus
	sessions *palserver.Holder
	updater  *steamcmd.Updater
	history  HistoryReader
	out      io.Writer

	updates sync.WaitGroup
}

// NewCLI creates a console handler. history may be nil.
func NewCLI(cfg config.ConsoleConfig, eventBus *events.EventBus, sessions *palserver.Holder, updater *steamcmd.Updater, history HistoryReader) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		sessions: sessions,
		updater:  updater,
		history:  history,
		out:      os.Stdout,
	}
}

func newCompleter() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("info"),
		readline.PcItem("players"),
		readline.PcItem("broadcast"),
		readline.PcItem("kick"),
		readline.PcItem("ban"),
		readline.PcItem("save"),
		readline.PcItem("shutdown"),
		readline.PcItem("exit"),
		readline.PcItem("rcon"),
		readline.PcItem("update",
			readline.PcItem("runtime"),
			readline.PcItem("game",
				readline.PcItem("novalidate"),
			),
		),
		readline.PcItem("status"),
		readline.PcItem("history"),
		readline.PcItem("quit"),
	)
}

// Start runs the console loop until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.cfg.Prompt,
		HistoryFile:     c.cfg.HistoryFile,
		AutoComplete:    newCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		log.Warn().Err(err).Msg("CLI: failed to initialize line reader, CLI disabled")
		<-ctx.Done()
		return
	}
	defer rl.Close()
	c.out = rl.Stdout()

	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	fmt.Fprintln(c.out, "\nPalboard console ready. Type 'help' for available commands.")

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Warn().Err(err).Msg("CLI: read failed")
			}
			break
		}

		if err := c.Execute(ctx, line); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
	}

	c.updates.Wait()
}

// Execute runs one console line.
func (c *CLI) Execute(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), parts[0]))

	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "info":
		return c.run(ctx, func(ctx context.Context, cl *palserver.Client) (string, error) { return cl.Info(ctx) })
	case "players":
		return c.cmdPlayers(ctx)
	case "broadcast":
		if rest == "" {
			return fmt.Errorf("usage: broadcast <message>")
		}
		return c.run(ctx, func(ctx context.Context, cl *palserver.Client) (string, error) { return cl.Broadcast(ctx, rest) })
	case "kick", "ban":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <steamid>", cmd)
		}
		if cmd == "kick" {
			return c.run(ctx, func(ctx context.Context, cl *palserver.Client) (string, error) { return cl.KickPlayer(ctx, args[0]) })
		}
		return c.run(ctx, func(ctx context.Context, cl *palserver.Client) (string, error) { return cl.BanPlayer(ctx, args[0]) })
	case "save":
		return c.run(ctx, func(ctx context.Context, cl *palserver.Client) (string, error) { return cl.Save(ctx) })
	case "shutdown":
		return c.cmdShutdown(ctx, args)
	case "exit":
		return c.run(ctx, func(ctx context.Context, cl *palserver.Client) (string, error) { return cl.DoExit(ctx) })
	case "rcon":
		if rest == "" {
			return fmt.Errorf("usage: rcon <command>")
		}
		return c.run(ctx, func(ctx context.Context, cl *palserver.Client) (string, error) { return cl.Execute(ctx, rest) })
	case "update":
		return c.cmdUpdate(ctx, args)
	case "status":
		c.printStatus()
	case "history":
		return c.cmdHistory(ctx, args)
	case "quit", "q":
		fmt.Fprintln(c.out, "Shutting down gateway...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Command", "Description"})
	tw.SetAutoWrapText(false)
	tw.AppendBulk([][]string{
		{"info", "Show server name and version"},
		{"players", "List connected players"},
		{"broadcast <msg>", "Send a message to every player"},
		{"kick <steamid>", "Kick a player"},
		{"ban <steamid>", "Ban a player"},
		{"save", "Save the world"},
		{"shutdown <sec> <msg>", "Schedule a server shutdown"},
		{"exit", "Stop the server immediately"},
		{"rcon <command>", "Send a raw RCON command"},
		{"update [runtime|game [novalidate]]", "Run SteamCMD"},
		{"status", "Show session and update state"},
		{"history [n]", "Show recent commands and updates"},
		{"quit", "Shut down the gateway"},
	})
	tw.Render()
}

// run executes fn on the current session and prints the reply.
func (c *CLI) run(ctx context.Context, fn func(context.Context, *palserver.Client) (string, error)) error {
	client := c.sessions.Current()
	if client == nil {
		return palserver.ErrSessionTerminated
	}
	resp, err := fn(ctx, client)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, strings.TrimRight(resp, "\n"))
	return nil
}

func (c *CLI) cmdPlayers(ctx context.Context) error {
	client := c.sessions.Current()
	if client == nil {
		return palserver.ErrSessionTerminated
	}
	players, err := client.Players(ctx)
	if err != nil {
		return err
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Name", "Player UID", "Steam ID"})
	tw.SetAutoWrapText(false)
	for _, p := range players {
		tw.Append([]string{p.Name, p.PlayerUID, p.SteamID})
	}
	tw.Render()
	fmt.Fprintf(c.out, "%d player(s) online\n", len(players))
	return nil
}

func (c *CLI) cmdShutdown(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: shutdown <seconds> [message]")
	}
	seconds, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid seconds: %s", args[0])
	}
	message := strings.Join(args[1:], " ")
	return c.run(ctx, func(ctx context.Context, cl *palserver.Client) (string, error) {
		return cl.Shutdown(ctx, uint32(seconds), message)
	})
}

// parseUpdateKind maps console arguments to an update kind. Without
// arguments SteamCMD only updates itself.
func parseUpdateKind(args []string) (steamcmd.UpdateKind, error) {
	if len(args) == 0 {
		return steamcmd.SteamRuntimeUpdate(), nil
	}
	switch strings.ToLower(args[0]) {
	case "runtime", "steam":
		if len(args) > 1 {
			return steamcmd.UpdateKind{}, fmt.Errorf("usage: update runtime")
		}
		return steamcmd.SteamRuntimeUpdate(), nil
	case "game":
		validate := true
		for _, a := range args[1:] {
			if strings.ToLower(a) != "novalidate" {
				return steamcmd.UpdateKind{}, fmt.Errorf("unknown update option: %s", a)
			}
			validate = false
		}
		return steamcmd.GameUpdate(validate), nil
	}
	return steamcmd.UpdateKind{}, fmt.Errorf("unknown update target: %s", args[0])
}

// cmdUpdate starts an update in the background and prints its events.
func (c *CLI) cmdUpdate(ctx context.Context, args []string) error {
	kind, err := parseUpdateKind(args)
	if err != nil {
		return err
	}
	session, err := c.updater.Begin(kind)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "Update %s started (%s)\n", session.ID, kind)
	c.updates.Add(1)
	go func() {
		defer c.updates.Done()
		if err := session.Run(ctx, newConsoleConn(c.out)); err != nil {
			log.Warn().Err(err).Str("session", session.ID).Msg("console update failed")
		}
	}()
	return nil
}

func (c *CLI) printStatus() {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Component", "State"})
	tw.SetAutoWrapText(false)

	session := "terminated"
	if client := c.sessions.Current(); client != nil {
		if client.Alive() {
			session = "alive"
		} else if client.Err() != nil {
			session = "terminated: " + client.Err().Error()
		}
	}
	tw.Append([]string{"command session", session})

	update := "idle"
	if info, ok := c.updater.Current(); ok {
		update = fmt.Sprintf("%s %s since %s", info.Kind, info.ID, info.StartedAt.Format(time.RFC3339))
	}
	tw.Append([]string{"updater", update})
	tw.Render()
}

func (c *CLI) cmdHistory(ctx context.Context, args []string) error {
	if c.history == nil {
		return fmt.Errorf("history database is disabled")
	}
	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	commands, err := c.history.RecentCommands(ctx, limit)
	if err != nil {
		return err
	}
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Time", "Command", "Duration", "Error"})
	tw.SetAutoWrapText(false)
	for _, rec := range commands {
		tw.Append([]string{
			rec.ExecutedAt.Format(time.RFC3339),
			rec.Command,
			fmt.Sprintf("%dms", rec.DurationMS),
			rec.Error,
		})
	}
	tw.Render()

	updates, err := c.history.RecentUpdates(ctx, limit)
	if err != nil {
		return err
	}
	tw = tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Started", "Kind", "Result", "Exit", "Reason"})
	tw.SetAutoWrapText(false)
	for _, rec := range updates {
		tw.Append([]string{
			rec.StartedAt.Format(time.RFC3339),
			rec.Kind,
			rec.Result,
			strconv.Itoa(rec.ExitCode),
			rec.Reason,
		})
	}
	tw.Render()
	return nil
}

// consoleConn prints update events as text. Raw output is not shown.
type consoleConn struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsoleConn(out io.Writer) *consoleConn {
	return &consoleConn{out: out}
}

func (cc *consoleConn) WriteRaw(data []byte) error { return nil }

func (cc *consoleConn) WriteEvent(e steamcmd.Event) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	var err error
	switch e.Kind {
	case steamcmd.EventSelfUpdateStatus:
		_, err = fmt.Fprintf(cc.out, "[update] steam: %s\n", e.Status)
	case steamcmd.EventProgress:
		_, err = fmt.Fprintf(cc.out, "[update] %s %s%% (%d/%d)\n", e.StateName, e.Progress, e.Current, e.Total)
	case steamcmd.EventCompleted:
		_, err = fmt.Fprintln(cc.out, "[update] completed")
	case steamcmd.EventFailed:
		_, err = fmt.Fprintf(cc.out, "[update] failed: %s\n", e.Reason)
	}
	return err
}

func (cc *consoleConn) Close() error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	_, err := fmt.Fprintln(cc.out, "[update] finished")
	return err
}
