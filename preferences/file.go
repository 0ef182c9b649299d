package preferences

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/gaborage/go-bricks-datalayer/logger"
)

const fileExt = ".json"

// FileBackend keeps one JSON file per key in a directory. Several processes may
// share the directory; each observes the others' writes through fsnotify.
type FileBackend struct {
	dir string
	log logger.Logger

	mu sync.Mutex
	// own records the last bytes this backend wrote per key (nil after a delete)
	// so its own writes are not reported as external changes.
	own     map[string][]byte
	watcher *fsnotify.Watcher
	subs    map[uint64]func(key string)
	nextID  uint64
	closed  bool
	done    chan struct{}
}

// NewFileBackend creates dir if needed and returns a backend over it.
func NewFileBackend(dir string, log logger.Logger) (*FileBackend, error) {
	if dir == "" {
		return nil, errors.New("preferences: file backend needs a directory")
	}
	if strings.Contains(dir, "\x00") {
		return nil, errors.New("preferences: directory contains null byte")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create preferences dir: %w", err)
	}
	return &FileBackend{
		dir:  dir,
		log:  logger.OrNop(log).Component("preferences.file"),
		own:  make(map[string][]byte),
		subs: make(map[uint64]func(key string)),
		done: make(chan struct{}),
	}, nil
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.dir, key+fileExt)
}

// Load implements Backend.
func (b *FileBackend) Load(key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read preference: %w", err)
	}
	return data, nil
}

// Store writes to a temp file first, then renames it into place.
func (b *FileBackend) Store(key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	tmp := filepath.Join(b.dir, "."+key+".tmp")
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, b.path(key)); err != nil {
		if rmErr := os.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
			b.log.Debug().Str("file", tmp).Err(rmErr).Msg("failed to remove temp file")
		}
		return fmt.Errorf("rename temp file: %w", err)
	}
	b.own[key] = slices.Clone(value)
	return nil
}

// Delete implements Backend.
func (b *FileBackend) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove preference: %w", err)
	}
	b.own[key] = nil
	return nil
}

// Keys implements Backend.
func (b *FileBackend) Keys(prefix string) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		key := strings.TrimSuffix(name, fileExt)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Watch starts the fsnotify watcher on first use.
func (b *FileBackend) Watch(fn func(key string)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create watcher: %w", err)
		}
		if err := w.Add(b.dir); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("watch %s: %w", b.dir, err)
		}
		b.watcher = w
		go b.loop(w)
	}

	b.nextID++
	id := b.nextID
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}, nil
}

// Close stops the watcher.
func (b *FileBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	w := b.watcher
	b.mu.Unlock()

	if w == nil {
		return nil
	}
	err := w.Close()
	<-b.done
	return err
}

func (b *FileBackend) loop(w *fsnotify.Watcher) {
	defer close(b.done)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			b.handle(ev)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			b.log.Warn().Err(err).Str("dir", b.dir).Msg("preference watcher error")
		}
	}
}

func (b *FileBackend) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
		return
	}
	key := strings.TrimSuffix(name, fileExt)

	current, err := os.ReadFile(ev.Name)
	if err != nil && !os.IsNotExist(err) {
		b.log.Debug().Str("file", ev.Name).Err(err).Msg("failed to read changed preference")
		return
	}

	b.mu.Lock()
	mine, known := b.own[key]
	if known && bytes.Equal(mine, current) {
		b.mu.Unlock()
		return
	}
	delete(b.own, key)
	subs := make([]func(string), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(key)
	}
}
