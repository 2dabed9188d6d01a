package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	shardPrefixLen = 2
	entryExt       = ".zst"
)

// diskRecord is the serialized form of an Entry inside a compressed file.
type diskRecord struct {
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// diskTier stores one zstd-compressed file per key under a directory named
// after the key's first two hex characters, which bounds per-directory
// fan-out to 256 shards. The zstd encoder and decoder are safe for concurrent
// EncodeAll/DecodeAll calls.
type diskTier struct {
	root string
	enc  *zstd.Encoder
	dec  *zstd.Decoder

	// beforeRemove, when set, runs after the sweep has decided to remove a
	// file and before it does so.
	beforeRemove func(path string)
}

func newDiskTier(root string) (*diskTier, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &diskTier{root: root, enc: enc, dec: dec}, nil
}

func (d *diskTier) close() {
	d.enc.Close()
	d.dec.Close()
}

func (d *diskTier) path(key string) string {
	prefix := key
	if len(prefix) > shardPrefixLen {
		prefix = prefix[:shardPrefixLen]
	}
	return filepath.Join(d.root, prefix, key+entryExt)
}

// write stores e atomically: a temp file in the shard directory is renamed
// over the final path, so readers see either the old or the new file.
func (d *diskTier) write(e *Entry) error {
	raw, err := json.Marshal(diskRecord{
		Key:       e.Key,
		Payload:   e.Payload,
		CachedAt:  e.CachedAt,
		ExpiresAt: e.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	compressed := d.enc.EncodeAll(raw, nil)

	final := d.path(e.Key)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating shard dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming entry file: %w", err)
	}
	return nil
}

// read returns the entry for key. A missing file is reported as fs.ErrNotExist.
func (d *diskTier) read(key string) (*Entry, error) {
	return d.readFile(d.path(key))
}

func (d *diskTier) readFile(path string) (*Entry, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := d.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", filepath.Base(path), err)
	}
	var rec diskRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return &Entry{
		Key:       rec.Key,
		Payload:   rec.Payload,
		CachedAt:  rec.CachedAt,
		ExpiresAt: rec.ExpiresAt,
		Size:      int64(len(rec.Payload)),
		Source:    TierDisk,
	}, nil
}

func (d *diskTier) remove(key string) error {
	err := os.Remove(d.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// shards lists the shard directories currently present.
func (d *diskTier) shards() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, filepath.Join(d.root, e.Name()))
		}
	}
	return out, nil
}

// sweepShard removes expired and unreadable entries from one shard directory.
// lock is held around each file's read and removal so a concurrent write of
// the same key cannot be deleted after the sweep has read the old entry.
func (d *diskTier) sweepShard(dir string, now time.Time, lock func(key string) func()) (ShardSweep, error) {
	var s ShardSweep
	files, err := os.ReadDir(dir)
	if err != nil {
		return s, err
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), entryExt) {
			continue
		}
		s.Scanned++
		unlock := lock(strings.TrimSuffix(f.Name(), entryExt))
		d.sweepFile(filepath.Join(dir, f.Name()), now, &s)
		unlock()
	}
	return s, nil
}

func (d *diskTier) sweepFile(p string, now time.Time, s *ShardSweep) {
	e, err := d.readFile(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Removed concurrently.
		return
	case err != nil:
		s.Corrupt++
	case e.expired(now):
		s.Expired++
	default:
		return
	}
	info, statErr := os.Stat(p)
	if d.beforeRemove != nil {
		d.beforeRemove(p)
	}
	if rmErr := os.Remove(p); rmErr == nil || errors.Is(rmErr, fs.ErrNotExist) {
		s.Removed++
		if statErr == nil {
			s.BytesFreed += info.Size()
		}
	}
}

// ShardSweep counts what one sweep pass did in one shard.
type ShardSweep struct {
	Scanned    int
	Expired    int
	Corrupt    int
	Removed    int
	BytesFreed int64
}
