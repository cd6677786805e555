package memtable

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/devrev/pairdb/flushengine/internal/model"
	"github.com/devrev/pairdb/flushengine/internal/util"
	"github.com/klauspost/compress/zstd"
)

// WriteSnapshot persists the skip list in key order as a zstd-compressed
// stream of checksummed frames. The file appears atomically at path.
// It returns the number of bytes on disk.
func WriteSnapshot(path string, sl *SkipList) (int64, error) {
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create snapshot: %w", err)
	}
	defer os.Remove(tmp)

	enc, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("failed to create snapshot encoder: %w", err)
	}

	it := sl.Iterator()
	for it.Next() {
		data, err := json.Marshal(it.Entry())
		if err != nil {
			enc.Close()
			file.Close()
			return 0, fmt.Errorf("failed to marshal entry: %w", err)
		}
		if _, err := enc.Write(util.EncodeFrame(data)); err != nil {
			enc.Close()
			file.Close()
			return 0, fmt.Errorf("failed to write snapshot: %w", err)
		}
	}

	if err := enc.Close(); err != nil {
		file.Close()
		return 0, fmt.Errorf("failed to finish snapshot: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return 0, fmt.Errorf("failed to sync snapshot: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("failed to stat snapshot: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return info.Size(), nil
}

// ReadSnapshot calls fn for every entry of the snapshot at path, in key order
func ReadSnapshot(path string, fn func(*model.MemTableEntry) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer file.Close()

	dec, err := zstd.NewReader(file)
	if err != nil {
		return fmt.Errorf("failed to create snapshot decoder: %w", err)
	}
	defer dec.Close()

	for {
		payload, err := util.ReadFrame(dec)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read snapshot %s: %w", path, err)
		}

		var entry model.MemTableEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return fmt.Errorf("failed to unmarshal snapshot entry: %w", err)
		}
		if err := fn(&entry); err != nil {
			return err
		}
	}
}

// MergeSnapshots loads the snapshots at paths, oldest first, into one skip
// list. Later snapshots replace earlier entries for the same key.
func MergeSnapshots(paths []string) (*SkipList, error) {
	merged := NewSkipList()
	for _, path := range paths {
		err := ReadSnapshot(path, func(e *model.MemTableEntry) error {
			merged.Put(e)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return merged, nil
}
