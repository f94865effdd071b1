// Command statesync-client connects to a replication server and logs the interpolated demo world.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"pkg.world.dev/world-engine/statesync/client"
	"pkg.world.dev/world-engine/statesync/codec"
	"pkg.world.dev/world-engine/statesync/component"
	"pkg.world.dev/world-engine/statesync/config"
	"pkg.world.dev/world-engine/statesync/example/components"
	ecslog "pkg.world.dev/world-engine/statesync/log"
	"pkg.world.dev/world-engine/statesync/types"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg(eris.ToString(err, true))
	}
}

func run() error {
	fs := pflag.NewFlagSet("statesync-client", pflag.ExitOnError)
	config.ClientFlags(fs)
	configFile := fs.String("config", "", "optional TOML config file")
	renderEvery := fs.Duration("render-interval", time.Second, "how often the interpolated world is logged")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return eris.Wrap(err, "")
	}

	cfg, err := config.LoadClient(fs, *configFile)
	if err != nil {
		return err
	}
	if err := config.SetupLogger(cfg.LogLevel, cfg.LogPretty); err != nil {
		return err
	}

	c, err := codec.Parse(cfg.Codec)
	if err != nil {
		return err
	}
	registry := component.NewRegistry(c)
	if err := components.Register(registry); err != nil {
		return err
	}
	ecslog.Components(&log.Logger, registry, zerolog.DebugLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := client.Dial(ctx, cfg.ServerURL)
	if err != nil {
		return err
	}
	r := client.NewReconciler(registry, conn,
		client.WithCodec(c),
		client.WithHeldStates(cfg.HeldStates),
		client.WithTickInterval(cfg.TickInterval()),
		client.WithOnApplied(func(tick types.Tick, full bool) {
			if full {
				log.Info().Uint32("tick", uint32(tick)).Msg("Applied full state")
			}
		}),
	)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return conn.Run(ctx, r)
	})
	eg.Go(func() error {
		ticker := time.NewTicker(*renderEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				if r.Status() == client.Disconnected {
					return nil
				}
				render(r, now)
			}
		}
	})
	return eg.Wait()
}

// render logs the interpolated position of every replicated entity.
func render(r *client.Reconciler, now time.Time) {
	tick, ok := r.Tick()
	if !ok {
		log.Info().Str("status", r.Status().String()).Msg("Waiting for the first full state")
		return
	}
	alpha := r.Alpha(now)
	ids := r.Entities()
	arr := zerolog.Arr()
	for _, id := range ids {
		pos, err := client.Get[components.Position](r, id)
		if err != nil {
			continue
		}
		p := pos.Sample(alpha)
		arr.Dict(zerolog.Dict().Uint32("id", uint32(id)).Float64("x", p.X).Float64("y", p.Y))
	}
	log.Info().
		Uint32("tick", uint32(tick)).
		Float64("alpha", alpha).
		Int("entities", len(ids)).
		Strs("held", tickStrings(r.HeldTicks())).
		Array("positions", arr).
		Msg("World")
}

func tickStrings(ticks []types.Tick) []string {
	out := make([]string, len(ticks))
	for i, t := range ticks {
		out[i] = t.String()
	}
	return out
}
