package checkpoint

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
)

// ContinuationKey is the config file key holding the cursor.
const ContinuationKey = "continuation-url"

// FileStore stores the cursor inside a JSON config file. Every other key of
// the file is preserved. The key argument of Load and Save is ignored: the
// file itself identifies the source.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store over the config file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the config file path.
func (f *FileStore) Path() string {
	return f.path
}

// Load implements Store.
func (f *FileStore) Load(_ context.Context, _ string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return "", false, err
	}

	raw, ok := doc[ContinuationKey]
	if !ok || string(raw) == "null" {
		return "", false, nil
	}

	var cursor string
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return "", false, fmt.Errorf("%s in %s is not a string: %w", ContinuationKey, f.path, err)
	}
	if cursor == "" {
		return "", false, nil
	}
	return cursor, true, nil
}

// Save implements Store. The file is rewritten through a temporary file that
// is synced and renamed over the original.
func (f *FileStore) Save(_ context.Context, _ string, cursor string) error {
	if cursor == "" {
		return ErrEmptyCursor
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.save(cursor)
	recordWrite("file", err)
	return err
}

func (f *FileStore) save(cursor string) error {
	doc, err := f.read()
	if err != nil {
		return err
	}

	value, err := encodeJSON(cursor, "")
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}
	doc[ContinuationKey] = bytes.TrimSuffix(value, []byte("\n"))

	// Map keys are sorted by encoding/json.
	data, err := encodeJSON(doc, "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.path, err)
	}

	return writeFileAtomic(f.path, data)
}

// encodeJSON encodes v followed by a newline, leaving '&', '<' and '>'
// unescaped so continuation URLs stay readable.
func encodeJSON(v any, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *FileStore) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(map[string]json.RawMessage), nil
		}
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}

	doc := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	if doc == nil {
		doc = make(map[string]json.RawMessage)
	}
	return doc, nil
}

func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)

	perm := fs.FileMode(0o600)
	if info, statErr := os.Stat(path); statErr == nil {
		perm = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}

	// Persist the rename itself; not every platform can sync a directory.
	if d, dirErr := os.Open(dir); dirErr == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
