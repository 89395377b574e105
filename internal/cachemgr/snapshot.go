package cachemgr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.trai.ch/zerr"

	"github.com/bundle-hub/bundle-hub/internal/build"
	"github.com/bundle-hub/bundle-hub/internal/cache"
)

// FormatVersion 是元数据快照的格式版本，结构不兼容时递增。
const FormatVersion = 1

var (
	// ErrSnapshotVersion is returned when the snapshot was written by an incompatible format version.
	ErrSnapshotVersion = zerr.New("unsupported snapshot format version")
	// ErrSnapshotCorrupt is returned when the snapshot cannot be decompressed or decoded.
	ErrSnapshotCorrupt = zerr.New("corrupt snapshot")
)

// Snapshot 是 cache.metadata 的内容：版本号、指纹与全部缓存的可序列化副本。
type Snapshot struct {
	Version      int                               `json:"version"`
	SavedAt      time.Time                         `json:"saved_at"`
	Fingerprints Fingerprints                      `json:"fingerprints"`
	Cache        build.Snapshot                    `json:"cache"`
	Resources    map[string][]cache.ResourceRecord `json:"resources,omitempty"`
}

// versionHeader 只解析版本号，保证版本不兼容时不会因结构差异被误报为损坏。
type versionHeader struct {
	Version int `json:"version"`
}

func encodeSnapshot(snap *Snapshot) ([]byte, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, zerr.Wrap(err, "marshal snapshot")
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, zerr.Wrap(err, "create zstd encoder")
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, zerr.Wrap(err, "create zstd decoder")
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, zerr.Wrap(ErrSnapshotCorrupt, err.Error())
	}

	var header versionHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, zerr.Wrap(ErrSnapshotCorrupt, err.Error())
	}
	if header.Version != FormatVersion {
		return nil, zerr.Wrap(ErrSnapshotVersion, fmt.Sprintf("got %d, want %d", header.Version, FormatVersion))
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, zerr.Wrap(ErrSnapshotCorrupt, err.Error())
	}
	return &snap, nil
}

// readSnapshot 读取并解析快照文件；文件不存在时返回 cache.ErrNotFound。
func readSnapshot(store cache.Store) (*Snapshot, error) {
	data, err := store.ReadFile(cache.MetadataFile)
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(data)
}

func writeSnapshot(ctx context.Context, store cache.Store, snap *Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	if _, err := store.WriteFile(ctx, cache.MetadataFile, bytes.NewReader(data)); err != nil {
		return zerr.Wrap(err, "write snapshot")
	}
	return nil
}

func isMissing(err error) bool {
	return errors.Is(err, cache.ErrNotFound)
}
