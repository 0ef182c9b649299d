// Package preferences persists small structured blobs under a namespaced key
// space so they survive restarts and are shared with other processes using the
// same backend.
package preferences

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/gaborage/go-bricks-datalayer/logger"
)

// DefaultMaxBytes emulates the storage quota of a browser origin.
const DefaultMaxBytes = 5 << 20

const probeKey = "__probe__"

var errStorageUnavailable = errors.New("preferences: storage unavailable")

// Listener receives the new raw value of a key; nil means the key was removed.
type Listener func(value json.RawMessage)

// ItemInfo describes one stored key.
type ItemInfo struct {
	Bytes int `json:"bytes"`
}

// Info summarizes the namespace.
type Info struct {
	Available  bool                `json:"available"`
	TotalBytes int                 `json:"totalBytes"`
	ItemCount  int                 `json:"itemCount"`
	Items      map[string]ItemInfo `json:"items"`
}

type subscriber struct {
	id uint64
	fn Listener
}

// Store is a namespaced view of a Backend. When the backend fails the
// availability probe at construction every operation becomes a no-op that
// returns defaults.
type Store struct {
	backend   Backend
	prefix    string
	maxBytes  int
	log       logger.Logger
	available bool

	mu        sync.Mutex
	subs      map[string][]subscriber
	nextID    uint64
	stopWatch func()
}

// Option configures a Store.
type Option func(*Store)

// WithMaxBytes caps the total encoded size of the namespace. Zero disables the cap.
func WithMaxBytes(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxBytes = n
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Store) {
		s.log = logger.OrNop(log).Component("preferences")
	}
}

// New returns a store whose keys live under "{app}_" in backend.
func New(backend Backend, app string, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		prefix:   app + "_",
		maxBytes: DefaultMaxBytes,
		log:      logger.Nop(),
		subs:     make(map[string][]subscriber),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.available = s.probe()
	if !s.available {
		s.log.Warn().Str("namespace", s.prefix).Msg("preference storage unavailable; using defaults")
	}
	return s
}

// probe round-trips a sentinel value through the backend.
func (s *Store) probe() bool {
	if s.backend == nil {
		return false
	}
	key := s.prefix + probeKey
	if err := s.backend.Store(key, []byte("1")); err != nil {
		return false
	}
	v, err := s.backend.Load(key)
	if err != nil || string(v) != "1" {
		return false
	}
	return s.backend.Delete(key) == nil
}

// Available reports the result of the availability probe.
func (s *Store) Available() bool {
	return s.available
}

// Namespace returns the key prefix.
func (s *Store) Namespace() string {
	return s.prefix
}

// Raw returns the stored bytes of key.
func (s *Store) Raw(key string) (json.RawMessage, bool) {
	if !s.available {
		return nil, false
	}
	v, err := s.backend.Load(s.prefix + key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Debug().Str("key", key).Err(err).Msg("preference read failed")
		}
		return nil, false
	}
	return v, true
}

// Get decodes key on top of a copy of def. Stored object fields win over the
// default's, fields absent from the stored value keep their default, and any
// read or parse failure yields def unchanged.
func Get[T any](s *Store, key string, def T) T {
	raw, ok := s.Raw(key)
	if !ok {
		return def
	}
	out, err := overlay(def, raw)
	if err != nil {
		s.log.Debug().Str("key", key).Err(err).Msg("stored preference does not parse; using default")
		return def
	}
	return out
}

// overlay deep-copies def through JSON and decodes raw over the copy, so nested
// objects merge key by key.
func overlay[T any](def T, raw []byte) (T, error) {
	var out T
	base, err := json.Marshal(def)
	if err != nil {
		return def, err
	}
	if err := json.Unmarshal(base, &out); err != nil {
		return def, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return def, err
	}
	return out, nil
}

// Set encodes value and stores it. Encoding failures, quota overruns and
// backend failures return false.
func (s *Store) Set(key string, value any) bool {
	if !s.available {
		return false
	}
	data, err := json.Marshal(value)
	if err != nil {
		s.log.Warn().Str("key", key).Err(err).Msg("preference does not encode")
		return false
	}
	if s.maxBytes > 0 {
		used, err := s.usedBytes(key)
		if err != nil || used+len(data) > s.maxBytes {
			s.log.Warn().Str("key", key).Int("bytes", len(data)).Int("used", used).Msg("preference quota exceeded")
			return false
		}
	}
	if err := s.backend.Store(s.prefix+key, data); err != nil {
		s.log.Warn().Str("key", key).Err(err).Msg("preference write failed")
		return false
	}
	s.deliver(key, data)
	return true
}

// Remove deletes key.
func (s *Store) Remove(key string) bool {
	if !s.available {
		return false
	}
	if err := s.backend.Delete(s.prefix + key); err != nil {
		s.log.Warn().Str("key", key).Err(err).Msg("preference delete failed")
		return false
	}
	s.deliver(key, nil)
	return true
}

// ClearNamespace removes every key under the prefix.
func (s *Store) ClearNamespace() bool {
	if !s.available {
		return false
	}
	keys, err := s.backend.Keys(s.prefix)
	if err != nil {
		s.log.Warn().Err(err).Msg("preference listing failed")
		return false
	}
	ok := true
	for _, full := range keys {
		if err := s.backend.Delete(full); err != nil {
			s.log.Warn().Str("key", full).Err(err).Msg("preference delete failed")
			ok = false
			continue
		}
		s.deliver(strings.TrimPrefix(full, s.prefix), nil)
	}
	return ok
}

// Subscribe registers fn for changes of key made by this store or by other
// writers on the same backend. The returned disposer is idempotent.
func (s *Store) Subscribe(key string, fn Listener) func() {
	if !s.available {
		return func() {}
	}
	s.mu.Lock()
	if s.stopWatch == nil {
		stop, err := s.backend.Watch(s.external)
		if err != nil {
			s.log.Warn().Err(err).Msg("external preference changes will not be observed")
			stop = func() {}
		}
		s.stopWatch = stop
	}
	s.nextID++
	id := s.nextID
	s.subs[key] = append(s.subs[key], subscriber{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			list := s.subs[key]
			for i, sub := range list {
				if sub.id == id {
					s.subs[key] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(s.subs[key]) == 0 {
				delete(s.subs, key)
			}
		})
	}
}

// Info reports the namespace contents.
func (s *Store) Info() Info {
	info := Info{Available: s.available, Items: map[string]ItemInfo{}}
	if !s.available {
		return info
	}
	keys, err := s.backend.Keys(s.prefix)
	if err != nil {
		return info
	}
	for _, full := range keys {
		v, err := s.backend.Load(full)
		if err != nil {
			continue
		}
		info.Items[strings.TrimPrefix(full, s.prefix)] = ItemInfo{Bytes: len(v)}
		info.TotalBytes += len(v)
		info.ItemCount++
	}
	return info
}

// Close stops watching for external changes and closes the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	stop := s.stopWatch
	s.stopWatch = nil
	s.subs = make(map[string][]subscriber)
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

// usedBytes sums the namespace size excluding key, which is about to be replaced.
func (s *Store) usedBytes(key string) (int, error) {
	keys, err := s.backend.Keys(s.prefix)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, full := range keys {
		if full == s.prefix+key {
			continue
		}
		v, err := s.backend.Load(full)
		if err != nil {
			continue
		}
		total += len(v)
	}
	return total, nil
}

func (s *Store) external(full string) {
	key, ok := strings.CutPrefix(full, s.prefix)
	if !ok || key == probeKey {
		return
	}
	v, err := s.backend.Load(full)
	if err != nil {
		v = nil
	}
	s.deliver(key, v)
}

func (s *Store) deliver(key string, value json.RawMessage) {
	s.mu.Lock()
	list := append([]subscriber(nil), s.subs[key]...)
	s.mu.Unlock()

	for _, sub := range list {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Str("key", key).Interface("panic", r).Msg("preference subscriber failed")
				}
			}()
			sub.fn(value)
		}()
	}
}
