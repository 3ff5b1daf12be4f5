package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"drrcrawler/pkg/types"
)

// JSONFileSink keeps records in a single JSON array file. Every append rewrites
// the array into a temporary file next to the target and renames it into place,
// so a crash mid-write leaves the previous array intact.
type JSONFileSink struct {
	path string
	mu   sync.Mutex
}

// NewJSONFileSink prepares path, creating its directory and an empty array if
// the file does not exist yet.
func NewJSONFileSink(path string) (*JSONFileSink, error) {
	if path == "" {
		return nil, errors.New("json sink: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("json sink: create directory: %w", err)
	}
	s := &JSONFileSink{path: path}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := writeAtomic(path, []byte("[]\n")); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("json sink: stat: %w", err)
	}
	return s, nil
}

// Path returns the output file.
func (s *JSONFileSink) Path() string {
	return s.path
}

// Append merges records into the array on disk.
func (s *JSONFileSink) Append(ctx context.Context, records []types.PageRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := readRawArray(s.path)
	if err != nil {
		return err
	}
	for _, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("json sink: encode record %s: %w", rec.URL, err)
		}
		existing = append(existing, raw)
	}
	data, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("json sink: encode array: %w", err)
	}
	return writeAtomic(s.path, append(data, '\n'))
}

// Close is a no-op; every append is already durable.
func (s *JSONFileSink) Close() error {
	return nil
}

// ReadJSONRecords loads a records file written by JSONFileSink. A missing file
// yields no records.
func ReadJSONRecords(path string) ([]types.PageRecord, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	var records []types.PageRecord
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode records %s: %w", path, err)
	}
	return records, nil
}

// readRawArray keeps existing elements verbatim so fields added by other tools survive.
func readRawArray(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("json sink: read: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var out []json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("json sink: decode %s: %w", path, err)
	}
	return out, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("json sink: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("json sink: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("json sink: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("json sink: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("json sink: rename: %w", err)
	}
	return nil
}
