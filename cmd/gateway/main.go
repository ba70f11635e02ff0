// Palboard Gateway - Palworld dedicated server RCON and SteamCMD gateway.
//
// The gateway keeps one RCON session to the game server and shares it among
// HTTP clients, streams SteamCMD updates over WebSockets, records activity
// in a local history database and publishes telemetry via MQTT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/palboard-project/gateway/internal/api"
	"github.com/palboard-project/gateway/internal/cli"
	"github.com/palboard-project/gateway/internal/config"
	"github.com/palboard-project/gateway/internal/db"
	"github.com/palboard-project/gateway/internal/events"
	"github.com/palboard-project/gateway/internal/health"
	"github.com/palboard-project/gateway/internal/notify"
	"github.com/palboard-project/gateway/internal/palserver"
	"github.com/palboard-project/gateway/internal/scheduler"
	"github.com/palboard-project/gateway/internal/steamcmd"
	"github.com/palboard-project/gateway/internal/telemetry"
	"github.com/palboard-project/gateway/internal/util"
)

const (
	AppName    = "Palboard Gateway"
	AppVersion = "0.4.0"
	Banner     = `
  ___      _ _                      _
 | _ \__ _| | |__  ___  __ _ _ _ __| |
 |  _/ _' | | '_ \/ _ \/ _' | '_/ _' |
 |_| \__,_|_|_.__/\___/\__,_|_| \__,_|  v%s
 Palworld RCON & SteamCMD Gateway
`

	startupDialTimeout = 15 * time.Second
	stopTimeout        = 30 * time.Second
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	for _, name := range cfg.ApplyEnv(os.LookupEnv) {
		log.Info().Str("variable", name).Msg("configuration overridden from environment")
	}
	if cfg.Gateway.Version == "" {
		cfg.Gateway.Version = AppVersion
	}

	logging := cfg.GetLogging()
	if err := util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxBackups: logging.MaxBackups,
		Console:    logging.Console,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting " + AppName)

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	// History is optional; the interface values stay nil without it.
	var (
		history       *db.History
		apiHistory    api.HistoryReader
		cliHistory    cli.HistoryReader
		historyPruner scheduler.Pruner
	)
	dbCfg := cfg.GetDatabase()
	if dbCfg.Enabled {
		history, err = db.NewHistory(dbCfg.Path, dbCfg.RecordKeepalives)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open history database, history disabled")
		} else {
			history.Attach(eventBus)
			apiHistory, cliHistory, historyPruner = history, history, history
		}
	}

	dial := newDialer(cfg.GetRCON(), eventBus)
	dialCtx, dialCancel := context.WithTimeout(ctx, startupDialTimeout)
	client, err := dial(dialCtx)
	dialCancel()
	if err != nil {
		log.Fatal().Err(err).Str("address", cfg.GetRCON().Address).Msg("failed to connect to game server")
	}
	log.Info().Str("address", cfg.GetRCON().Address).Msg("Client dial succeeded")
	sessions := palserver.NewHolder(client, dial)

	steamCfg := cfg.GetSteamCMD()
	runner := steamcmd.NewRunner(steamCfg.Executable, steamCfg.Unbuffer)
	updater := steamcmd.NewUpdater(runner, steamcmd.UpdaterConfig{
		Target: steamcmd.Target{
			InstallDir: steamCfg.InstallDir,
			AppID:      steamCfg.AppID,
		},
		ChunkBuffer: steamCfg.ChunkBuffer,
		ReadSize:    steamCfg.ReadSize,
		KillAfter:   config.Seconds(steamCfg.KillAfterSec),
		Bus:         eventBus,
	})

	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetMQTT().Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg.GetMQTT(), eventBus, AppVersion)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	if cfg.GetNotify().Enabled {
		notifier, err := notify.NewDiscordNotifier(cfg.GetNotify())
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize notifications")
		} else {
			notifier.Attach(eventBus)
		}
	}

	healthCfg := cfg.GetHealth()
	healthMgr := health.NewManager(health.Settings{
		Health:            healthCfg,
		DiskPath:          steamCfg.InstallDir,
		ReconnectInterval: config.Seconds(cfg.GetRCON().ReconnectIntervalSec),
	}, eventBus, sessions)

	retention := time.Duration(dbCfg.RetentionDays) * 24 * time.Hour
	sched := scheduler.NewScheduler(cfg.GetScheduler(), retention, sessions, historyPruner)

	apiServer := api.NewServer(api.Dependencies{
		Config:   cfg,
		EventBus: eventBus,
		Sessions: sessions,
		Updater:  updater,
		History:  apiHistory,
		Health:   healthMgr,
	})

	shutdownCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main", func(ctx context.Context, e events.Event) error {
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
		return nil
	})

	// The API server is the only fatal task; its failure cancels the group.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.GetGateway().Address).Msg("starting API server")
		if err := startWithRetry(gctx, "API server", apiServer.Start, 5); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	if healthCfg.Enabled {
		g.Go(func() error {
			log.Info().Msg("starting health check manager")
			healthMgr.Start(gctx)
			return nil
		})
	}

	if mqttHandler != nil {
		g.Go(func() error {
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(gctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
			return nil
		})
	}

	g.Go(func() error {
		log.Info().Msg("starting task scheduler")
		sched.Start(gctx)
		return nil
	})

	if console := cfg.GetConsole(); console.Enabled {
		cliHandler := cli.NewCLI(console, eventBus, sessions, updater, cliHistory)
		g.Go(func() error {
			log.Info().Msg("starting interactive console")
			cliHandler.Start(gctx)
			return nil
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested from console")
	case <-gctx.Done():
		log.Error().Msg("critical task failed, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("task failed")
		} else {
			log.Info().Msg("all tasks stopped gracefully")
		}
	case <-time.After(stopTimeout):
		log.Warn().Dur("timeout", stopTimeout).Msg("shutdown timed out, forcing exit")
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	sessions.Close(closeCtx)
	closeCancel()

	eventBus.Stop()

	if history != nil {
		if err := history.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close history database")
		}
	}

	log.Info().Msg(AppName + " stopped")
}

// newDialer returns a DialFunc that connects, authenticates and probes the
// server with Info before handing out the session.
func newDialer(rcfg config.RCONConfig, bus *events.EventBus) palserver.DialFunc {
	dialCfg := palserver.DialConfig{
		Address:  rcfg.Address,
		Password: rcfg.Password,
		Timeout:  config.Seconds(rcfg.TimeoutSec),
		Options: palserver.Options{
			KeepaliveInterval: config.Seconds(rcfg.KeepaliveIntervalSec),
			KeepaliveCommand:  rcfg.KeepaliveCommand,
			QueueSize:         rcfg.QueueSize,
			Bus:               bus,
		},
	}

	return func(ctx context.Context) (*palserver.Client, error) {
		client, err := palserver.Dial(ctx, dialCfg)
		if err != nil {
			return nil, err
		}
		info, err := client.Info(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("info probe failed: %w", err)
		}
		log.Debug().Str("info", info).Msg("game server answered")
		return client, nil
	}
}

// startWithRetry retries startFn on failure, typically a port still held by
// a previous instance. Returns the last error after all retries fail.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return nil
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("start failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
