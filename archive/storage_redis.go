package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pkg.world.dev/world-engine/statesync/codec"
)

// RedisStorage keeps the latest snapshot and the one before it under the namespace's keys.
type RedisStorage struct {
	Namespace string
	Client    *redis.Client
	Log       zerolog.Logger
}

var _ Storage = (*RedisStorage)(nil)

type Options = redis.Options

func NewRedisStorage(options Options, namespace string) *RedisStorage {
	return &RedisStorage{
		Namespace: namespace,
		Client:    redis.NewClient(&options),
		Log:       log.Logger.With().Str("module", "archive").Logger(),
	}
}

func (r *RedisStorage) latestKey() string {
	return fmt.Sprintf("%s:snapshot:latest", r.Namespace)
}

func (r *RedisStorage) previousKey() string {
	return fmt.Sprintf("%s:snapshot:previous", r.Namespace)
}

func (r *RedisStorage) Store(ctx context.Context, snapshot *Snapshot) error {
	bz, err := codec.MsgPack.Marshal(snapshot)
	if err != nil {
		return eris.Wrap(err, "failed to encode snapshot")
	}

	current, err := r.Client.Get(ctx, r.latestKey()).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return eris.Wrap(err, "failed to read current snapshot")
	}

	_, err = r.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if current != nil {
			pipe.Set(ctx, r.previousKey(), current, 0)
		}
		pipe.Set(ctx, r.latestKey(), bz, 0)
		return nil
	})
	if err != nil {
		return eris.Wrap(err, "failed to store snapshot")
	}
	r.Log.Debug().Uint32("tick", uint32(snapshot.Tick)).Int("bytes", len(bz)).Msg("Archived snapshot")
	return nil
}

func (r *RedisStorage) Load(ctx context.Context) (*Snapshot, error) {
	snapshot, err := r.load(ctx, r.latestKey())
	if err == nil {
		return snapshot, nil
	}
	if !eris.Is(err, ErrSnapshotNotFound) {
		r.Log.Warn().Err(err).Msg("Latest snapshot is unreadable, falling back to the previous one")
	}
	backup, backupErr := r.load(ctx, r.previousKey())
	if backupErr != nil {
		if eris.Is(backupErr, ErrSnapshotNotFound) {
			return nil, err
		}
		return nil, eris.Wrapf(backupErr, "latest snapshot failed with %v", err)
	}
	return backup, nil
}

func (r *RedisStorage) load(ctx context.Context, key string) (*Snapshot, error) {
	bz, err := r.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, eris.Wrapf(ErrSnapshotNotFound, "key %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", key)
	}
	snapshot, err := codec.DecodeWith[Snapshot](codec.MsgPack, bz)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to decode %s", key)
	}
	if snapshot.Version != CurrentVersion {
		return nil, eris.Wrapf(ErrUnsupportedVersion, "%s has version %d", key, snapshot.Version)
	}
	return &snapshot, nil
}

func (r *RedisStorage) Close() error {
	r.Log.Info().Msg("Closing storage connection.")
	if err := r.Client.Close(); err != nil {
		return eris.Wrap(err, "")
	}
	r.Log.Info().Msg("Successfully closed storage connection.")
	return nil
}
