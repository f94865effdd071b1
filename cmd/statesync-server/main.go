// Command statesync-server runs a replication server for the demo components.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"pkg.world.dev/world-engine/statesync"
	"pkg.world.dev/world-engine/statesync/archive"
	"pkg.world.dev/world-engine/statesync/codec"
	"pkg.world.dev/world-engine/statesync/config"
	"pkg.world.dev/world-engine/statesync/example/components"
	"pkg.world.dev/world-engine/statesync/server"
	"pkg.world.dev/world-engine/statesync/statsd"
	"pkg.world.dev/world-engine/statesync/telemetry"
)

const (
	redisDialTimeout = 15 * time.Second
	archiveNamespace = "statesync"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg(eris.ToString(err, true))
	}
}

func run() error {
	fs := pflag.NewFlagSet("statesync-server", pflag.ExitOnError)
	config.ServerFlags(fs)
	configFile := fs.String("config", "", "optional TOML config file")
	entities := fs.Int("entities", 16, "number of demo entities spawned at startup")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return eris.Wrap(err, "")
	}

	cfg, err := config.LoadServer(fs, *configFile)
	if err != nil {
		return err
	}
	if err := config.SetupLogger(cfg.LogLevel, cfg.LogPretty); err != nil {
		return err
	}

	telemetryCfg, err := telemetry.LoadConfig()
	if err != nil {
		return err
	}
	tm, err := telemetry.New(telemetryCfg)
	if err != nil {
		return eris.Wrap(err, "failed to create telemetry manager")
	}
	defer func() {
		if err := tm.Shutdown(); err != nil {
			log.Error().Err(err).Msg("Failed to shut down telemetry")
		}
	}()

	if cfg.StatsdAddress != "" {
		if err := statsd.Init(cfg.StatsdAddress, []string{"service:statesync-server"}); err != nil {
			return err
		}
		defer func() {
			if err := statsd.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close statsd client")
			}
		}()
	}

	c, err := codec.Parse(cfg.Codec)
	if err != nil {
		return err
	}
	hub := server.NewHub()
	opts := []statesync.Option{
		statesync.WithCodec(c),
		statesync.WithComponents(components.Register),
		statesync.WithSystems(MovementSystem, BounceSystem),
		statesync.WithTickRate(cfg.TickRate),
		statesync.WithHistoryLimit(cfg.HistoryLimit),
		statesync.WithQueueSize(cfg.QueueSize),
		statesync.WithConnectionTimeout(cfg.ConnectionTimeout),
		statesync.WithPayloadCacheBytes(cfg.PayloadCacheBytes),
	}
	if cfg.RedisAddress != "" {
		storage := archive.NewRedisStorage(archive.Options{
			Addr:        cfg.RedisAddress,
			Password:    cfg.RedisPassword,
			DB:          0,
			DialTimeout: redisDialTimeout,
		}, archiveNamespace)
		opts = append(opts, statesync.WithArchive(storage, cfg.ArchiveInterval))
	}

	engine, err := statesync.NewEngine(hub, opts...)
	if err != nil {
		return eris.Wrap(err, "failed to create engine")
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Error().Err(err).Msg(eris.ToString(err, true))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RedisAddress != "" {
		if err := engine.Restore(ctx); err != nil {
			if !eris.Is(err, archive.ErrSnapshotNotFound) {
				return eris.Wrap(err, "failed to restore from archive")
			}
			log.Info().Msg("No archived snapshot, starting from an empty world")
		}
	}
	if engine.CurrentTick() == 0 {
		if err := SpawnDemoEntities(engine, *entities); err != nil {
			return err
		}
	}

	srv, err := server.New(engine, hub, server.WithPort(cfg.Port))
	if err != nil {
		return eris.Wrap(err, "failed to create server")
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.Serve(ctx)
	})
	eg.Go(func() error {
		return engine.Run(ctx)
	})
	return eg.Wait()
}
