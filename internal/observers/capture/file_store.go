package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fileDateLayout names one capture file per UTC day.
const (
	filePrefix     = "frames-"
	fileSuffix     = ".jsonl"
	fileDateLayout = "20060102"
)

// FileStore appends records as JSON lines, one file per UTC day. Sweep
// deletes whole day-files older than the cutoff.
type FileStore struct {
	dir string

	mu      sync.Mutex
	curName string
	cur     *os.File
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("capture: create dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Append writes one JSON line to the day file of rec.TS.
func (f *FileStore) Append(_ context.Context, rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("capture: marshal: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	name := filePrefix + rec.TS.UTC().Format(fileDateLayout) + fileSuffix
	if f.cur == nil || f.curName != name {
		if f.cur != nil {
			_ = f.cur.Close()
		}
		file, err := os.OpenFile(filepath.Join(f.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("capture: open %s: %w", name, err)
		}
		f.cur, f.curName = file, name
	}

	if _, err := f.cur.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("capture: write: %w", err)
	}
	return nil
}

// Sweep removes day files whose date is strictly before the cutoff's day.
func (f *FileStore) Sweep(_ context.Context, cutoff time.Time) error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("capture: read dir: %w", err)
	}

	cutoffDay := cutoff.UTC().Format(fileDateLayout)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || len(name) != len(filePrefix)+len(fileDateLayout)+len(fileSuffix) {
			continue
		}
		if name[:len(filePrefix)] != filePrefix || name[len(name)-len(fileSuffix):] != fileSuffix {
			continue
		}
		day := name[len(filePrefix) : len(filePrefix)+len(fileDateLayout)]
		if _, err := time.Parse(fileDateLayout, day); err != nil {
			continue
		}
		if day < cutoffDay {
			f.mu.Lock()
			if f.curName == name && f.cur != nil {
				_ = f.cur.Close()
				f.cur, f.curName = nil, ""
			}
			f.mu.Unlock()
			if err := os.Remove(filepath.Join(f.dir, name)); err != nil {
				return fmt.Errorf("capture: remove %s: %w", name, err)
			}
		}
	}
	return nil
}

// Close flushes the open day file.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cur != nil {
		err := f.cur.Close()
		f.cur, f.curName = nil, ""
		return err
	}
	return nil
}

var _ Store = (*FileStore)(nil)
