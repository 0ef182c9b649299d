package preferences

import (
	"slices"
	"strings"
	"sync"
)

// MemoryOrigin is an in-process key space shared by several MemoryBackends, the
// way one browser origin is shared by its tabs. A write through one backend is
// reported to the watchers of every other backend on the same origin.
type MemoryOrigin struct {
	mu       sync.Mutex
	data     map[string][]byte
	watchers map[*MemoryBackend][]*memoryWatch
}

type memoryWatch struct {
	fn func(key string)
}

// NewMemoryOrigin creates an empty origin.
func NewMemoryOrigin() *MemoryOrigin {
	return &MemoryOrigin{
		data:     make(map[string][]byte),
		watchers: make(map[*MemoryBackend][]*memoryWatch),
	}
}

// Backend attaches a new backend (a "tab") to the origin.
func (o *MemoryOrigin) Backend() *MemoryBackend {
	return &MemoryBackend{origin: o}
}

// MemoryBackend stores preferences in a MemoryOrigin.
type MemoryBackend struct {
	origin *MemoryOrigin
	// failing makes every operation fail; used to emulate unavailable storage.
	failing bool
	closed  bool
}

// NewMemoryBackend returns a backend on a private origin.
func NewMemoryBackend() *MemoryBackend {
	return NewMemoryOrigin().Backend()
}

// Load implements Backend.
func (b *MemoryBackend) Load(key string) ([]byte, error) {
	o := b.origin
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := b.usable(); err != nil {
		return nil, err
	}
	v, ok := o.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

// Store implements Backend.
func (b *MemoryBackend) Store(key string, value []byte) error {
	o := b.origin
	o.mu.Lock()
	if err := b.usable(); err != nil {
		o.mu.Unlock()
		return err
	}
	o.data[key] = slices.Clone(value)
	targets := o.othersLocked(b)
	o.mu.Unlock()

	notify(targets, key)
	return nil
}

// Delete implements Backend.
func (b *MemoryBackend) Delete(key string) error {
	o := b.origin
	o.mu.Lock()
	if err := b.usable(); err != nil {
		o.mu.Unlock()
		return err
	}
	_, existed := o.data[key]
	delete(o.data, key)
	var targets []*memoryWatch
	if existed {
		targets = o.othersLocked(b)
	}
	o.mu.Unlock()

	notify(targets, key)
	return nil
}

// Keys implements Backend.
func (b *MemoryBackend) Keys(prefix string) ([]string, error) {
	o := b.origin
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := b.usable(); err != nil {
		return nil, err
	}
	var keys []string
	for k := range o.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Watch implements Backend.
func (b *MemoryBackend) Watch(fn func(key string)) (func(), error) {
	o := b.origin
	w := &memoryWatch{fn: fn}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := b.usable(); err != nil {
		return nil, err
	}
	o.watchers[b] = append(o.watchers[b], w)

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.watchers[b] = slices.DeleteFunc(o.watchers[b], func(x *memoryWatch) bool { return x == w })
		})
	}, nil
}

// Close detaches the backend from its origin.
func (b *MemoryBackend) Close() error {
	o := b.origin
	o.mu.Lock()
	defer o.mu.Unlock()
	b.closed = true
	delete(o.watchers, b)
	return nil
}

// Fail makes every later operation on b fail, emulating storage that is
// disabled or full.
func (b *MemoryBackend) Fail() {
	b.origin.mu.Lock()
	b.failing = true
	b.origin.mu.Unlock()
}

func (b *MemoryBackend) usable() error {
	if b.closed {
		return ErrClosed
	}
	if b.failing {
		return errStorageUnavailable
	}
	return nil
}

func (o *MemoryOrigin) othersLocked(self *MemoryBackend) []*memoryWatch {
	var out []*memoryWatch
	for owner, ws := range o.watchers {
		if owner != self {
			out = append(out, ws...)
		}
	}
	return out
}

// notify runs asynchronously, like a storage event arriving from another tab.
func notify(targets []*memoryWatch, key string) {
	if len(targets) == 0 {
		return
	}
	go func() {
		for _, w := range targets {
			w.fn(key)
		}
	}()
}
