// Package archive persists the newest full snapshot so a restarted server can resume from it.
package archive

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/statesync/types"
)

// Snapshot is an archived full state payload.
type Snapshot struct {
	Tick      types.Tick `msgpack:"tick"`
	Timestamp time.Time  `msgpack:"timestamp"`
	// Codec names the codec Data was encoded with.
	Codec   string `msgpack:"codec"`
	Data    []byte `msgpack:"data"`
	Version uint32 `msgpack:"version"`
}

const CurrentVersion uint32 = 1

var (
	ErrSnapshotNotFound   = eris.New("snapshot not found")
	ErrUnsupportedVersion = eris.New("unsupported snapshot version")
)

// Storage provides persistence for snapshots.
type Storage interface {
	// Store saves the snapshot, replacing the current one. The replaced snapshot is kept as a backup.
	Store(ctx context.Context, snapshot *Snapshot) error

	// Load retrieves the current snapshot, falling back to the backup when the current one is unreadable.
	// Returns ErrSnapshotNotFound when neither exists.
	Load(ctx context.Context) (*Snapshot, error)

	Close() error
}

type StorageType uint8

const (
	StorageTypeUndefined StorageType = iota
	StorageTypeNop
	StorageTypeRedis
)

const (
	nopStorageString       = "NOP"
	redisStorageString     = "REDIS"
	undefinedStorageString = "UNDEFINED"
)

func (s StorageType) String() string {
	switch s {
	case StorageTypeUndefined:
		return undefinedStorageString
	case StorageTypeNop:
		return nopStorageString
	case StorageTypeRedis:
		return redisStorageString
	default:
		return undefinedStorageString
	}
}

func (s StorageType) IsValid() bool {
	return s == StorageTypeNop || s == StorageTypeRedis
}

func ParseStorageType(s string) (StorageType, error) {
	switch strings.ToUpper(s) {
	case nopStorageString:
		return StorageTypeNop, nil
	case redisStorageString:
		return StorageTypeRedis, nil
	default:
		return StorageTypeUndefined, eris.Errorf("invalid storage type: %s", s)
	}
}
