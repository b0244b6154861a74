package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/go-pkgz/lgr"
)

// FileKV keeps all entries in a single json file. Every Set rewrites the file
// through a temporary file and rename, so readers never see a partial write.
type FileKV struct {
	fname string
	mu    sync.Mutex
}

// NewFileKV makes FileKV for fname, creating its directory if needed
func NewFileKV(fname string) (*FileKV, error) {
	if err := os.MkdirAll(filepath.Dir(fname), 0o700); err != nil {
		return nil, fmt.Errorf("failed to make directory for %s: %w", fname, err)
	}
	return &FileKV{fname: fname}, nil
}

// Get returns value stored under key
func (f *FileKV) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := f.read()
	if err != nil {
		return nil, err
	}
	v, ok := entries[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return v, nil
}

// Set merges entries into the file
func (f *FileKV) Set(_ context.Context, entries map[string][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.read()
	if err != nil {
		return err
	}
	for k, v := range entries {
		if !json.Valid(v) {
			return fmt.Errorf("value of %s is not valid json", k)
		}
		current[k] = json.RawMessage(v)
	}

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", f.fname, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.fname), filepath.Base(f.fname)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), f.fname); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename %s: %w", tmp.Name(), err)
	}
	log.Printf("[DEBUG] saved %d entries to %s", len(entries), f.fname)
	return nil
}

// read loads all entries, missing file means no entries
func (f *FileKV) read() (map[string]json.RawMessage, error) {
	res := map[string]json.RawMessage{}
	data, err := os.ReadFile(f.fname)
	if errors.Is(err, os.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.fname, err)
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", f.fname, err)
	}
	return res, nil
}

// Close does nothing, the file is not kept open
func (f *FileKV) Close() error { return nil }

func (f *FileKV) String() string {
	return fmt.Sprintf("file:%s", f.fname)
}
