package archive_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rotisserie/eris"
	"gotest.tools/v3/assert"

	"pkg.world.dev/world-engine/statesync/archive"
	"pkg.world.dev/world-engine/statesync/types"
)

func newRedisStorage(t *testing.T) (*archive.RedisStorage, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	rs := archive.NewRedisStorage(archive.Options{Addr: s.Addr()}, "test")
	t.Cleanup(func() {
		assert.NilError(t, rs.Close())
	})
	return rs, s
}

func snapshotAt(tick uint32) *archive.Snapshot {
	return &archive.Snapshot{
		Tick:      types.Tick(tick),
		Timestamp: time.Unix(int64(tick), 0).UTC(),
		Codec:     "json",
		Data:      []byte(`{"tick":1}`),
		Version:   archive.CurrentVersion,
	}
}

func TestRedisStoreAndLoad(t *testing.T) {
	ctx := context.Background()
	rs, _ := newRedisStorage(t)

	_, err := rs.Load(ctx)
	assert.Check(t, eris.Is(err, archive.ErrSnapshotNotFound))

	assert.NilError(t, rs.Store(ctx, snapshotAt(10)))
	assert.NilError(t, rs.Store(ctx, snapshotAt(20)))

	got, err := rs.Load(ctx)
	assert.NilError(t, err)
	assert.Equal(t, uint32(got.Tick), uint32(20))
	assert.Equal(t, got.Codec, "json")
	assert.Assert(t, got.Timestamp.Equal(time.Unix(20, 0)))
}

func TestRedisFallsBackToPrevious(t *testing.T) {
	ctx := context.Background()
	rs, s := newRedisStorage(t)

	assert.NilError(t, rs.Store(ctx, snapshotAt(10)))
	assert.NilError(t, rs.Store(ctx, snapshotAt(20)))
	assert.NilError(t, s.Set("test:snapshot:latest", "\xc1 not msgpack"))

	got, err := rs.Load(ctx)
	assert.NilError(t, err)
	assert.Equal(t, uint32(got.Tick), uint32(10))
}

func TestRedisRejectsUnknownVersion(t *testing.T) {
	ctx := context.Background()
	rs, _ := newRedisStorage(t)

	snap := snapshotAt(5)
	snap.Version = 99
	assert.NilError(t, rs.Store(ctx, snap))

	_, err := rs.Load(ctx)
	assert.Check(t, eris.Is(err, archive.ErrUnsupportedVersion))
}

func TestNopStorage(t *testing.T) {
	ctx := context.Background()
	nop := archive.NewNopStorage()
	assert.NilError(t, nop.Store(ctx, snapshotAt(1)))
	_, err := nop.Load(ctx)
	assert.Check(t, eris.Is(err, archive.ErrSnapshotNotFound))
	assert.NilError(t, nop.Close())
}

func TestParseStorageType(t *testing.T) {
	st, err := archive.ParseStorageType("redis")
	assert.NilError(t, err)
	assert.Equal(t, st, archive.StorageTypeRedis)
	assert.Assert(t, st.IsValid())
	assert.Equal(t, st.String(), "REDIS")

	st, err = archive.ParseStorageType("s3")
	assert.ErrorContains(t, err, "invalid storage type")
	assert.Assert(t, !st.IsValid())
}
