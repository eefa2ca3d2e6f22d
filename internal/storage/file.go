package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// File keeps values as the top-level members of one JSON document. Edits
// made to the file by other programs are picked up and reported as changes.
type File struct {
	notifier
	path string

	mu      sync.Mutex
	doc     []byte
	written [sha256.Size]byte

	watcher *fsnotify.Watcher
	done    chan struct{}
}

var _ Store = (*File)(nil)

// OpenFile loads path, creating an empty document if it does not exist, and
// starts watching it.
func OpenFile(path string) (*File, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	doc, err := readDocument(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// editors replace files by rename, so watch the directory
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	f := &File{
		path:    path,
		doc:     doc,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go f.watch()
	return f, nil
}

func readDocument(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []byte("{}"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return parseDocument(path, data)
}

func parseDocument(path string, data []byte) ([]byte, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return []byte("{}"), nil
	}
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return nil, fmt.Errorf("%s is not a JSON object", path)
	}
	return data, nil
}

func (f *File) Get(_ context.Context, keys ...string) (map[string]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]json.RawMessage)
	if len(keys) == 0 {
		gjson.ParseBytes(f.doc).ForEach(func(key, value gjson.Result) bool {
			out[key.String()] = json.RawMessage(value.Raw)
			return true
		})
		return out, nil
	}
	for _, key := range keys {
		if v := gjson.GetBytes(f.doc, escapePath(key)); v.Exists() {
			out[key] = json.RawMessage(v.Raw)
		}
	}
	return out, nil
}

func (f *File) Set(_ context.Context, values map[string]any, silent bool) error {
	encoded, err := encode(values)
	if err != nil {
		return err
	}

	f.mu.Lock()
	doc := f.doc
	var changes []Change
	for key, value := range encoded {
		path := escapePath(key)
		old := gjson.GetBytes(doc, path)
		if !changed(json.RawMessage(old.Raw), value, old.Exists()) {
			continue
		}
		if doc, err = sjson.SetRawBytes(doc, path, value); err != nil {
			f.mu.Unlock()
			return fmt.Errorf("set %s: %w", key, err)
		}
		changes = append(changes, Change{Key: key, Value: value, Silent: silent})
	}
	if len(changes) > 0 {
		if err := f.write(doc); err != nil {
			f.mu.Unlock()
			return err
		}
		f.doc = doc
	}
	f.mu.Unlock()

	f.publish(changes)
	return nil
}

// write replaces the file atomically and remembers the content so the
// watcher can tell our writes from foreign ones.
func (f *File) write(doc []byte) error {
	pretty := []byte(gjson.GetBytes(doc, "@pretty").Raw)
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".ruleproxy-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(pretty); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	f.written = sha256.Sum256(pretty)
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	return nil
}

func (f *File) watch() {
	defer close(f.done)
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			f.reload()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Storage watcher error", slog.String("path", f.path), slog.Any("error", err))
		}
	}
}

// reload diffs the file against the loaded document and reports the keys
// that differ.
func (f *File) reload() {
	data, err := os.ReadFile(f.path)
	if err != nil {
		slog.Debug("Reload storage file", slog.String("path", f.path), slog.Any("error", err))
		return
	}
	// a truncated file is a write in progress
	if len(bytes.TrimSpace(data)) == 0 {
		return
	}

	f.mu.Lock()
	if sha256.Sum256(data) == f.written {
		f.mu.Unlock()
		return
	}
	doc, err := parseDocument(f.path, data)
	if err != nil {
		f.mu.Unlock()
		slog.Warn("Ignoring invalid storage file", slog.String("path", f.path), slog.Any("error", err))
		return
	}

	var changes []Change
	next := gjson.ParseBytes(doc)
	next.ForEach(func(key, value gjson.Result) bool {
		old := gjson.GetBytes(f.doc, escapePath(key.String()))
		if changed(compact(old.Raw), compact(value.Raw), old.Exists()) {
			changes = append(changes, Change{Key: key.String(), Value: json.RawMessage(value.Raw)})
		}
		return true
	})
	gjson.ParseBytes(f.doc).ForEach(func(key, _ gjson.Result) bool {
		if !next.Get(escapePath(key.String())).Exists() {
			changes = append(changes, Change{Key: key.String(), Value: json.RawMessage("null")})
		}
		return true
	})
	f.doc = doc
	f.written = sha256.Sum256(data)
	f.mu.Unlock()

	if len(changes) > 0 {
		slog.Info("Storage file changed", slog.String("path", f.path), slog.Int("keys", len(changes)))
	}
	f.publish(changes)
}

func (f *File) Close() error {
	err := f.watcher.Close()
	<-f.done
	return err
}

func compact(raw string) json.RawMessage {
	return json.RawMessage(gjson.Get(raw, "@ugly").Raw)
}

var pathEscaper = strings.NewReplacer(
	`\`, `\\`, `.`, `\.`, `*`, `\*`, `?`, `\?`, `|`, `\|`, `#`, `\#`, `@`, `\@`, `!`, `\!`, `:`, `\:`,
)

// escapePath makes key usable as a literal gjson/sjson path.
func escapePath(key string) string {
	return pathEscaper.Replace(key)
}
