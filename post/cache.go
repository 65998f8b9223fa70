package post

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/quillblog/quill/fsutil"
)

// entry is the per-identifier cache slot. Its mutex serializes renders for
// one post without blocking unrelated keys; gone marks slots that have been
// unlinked from the table while a claimant was waiting on the mutex.
type entry struct {
	mu   sync.Mutex
	gone bool
	rec  *Record
}

// Manager coordinates the cache table, the post store, and persistence.
type Manager struct {
	store      Store
	codec      *Codec
	ttl        time.Duration
	renderHash uint64
	logger     *slog.Logger
	caching    bool

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewManager constructs a cache manager. ttl of zero disables expiry.
func NewManager(store Store, codec *Codec, ttl time.Duration, renderHash uint64, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      store,
		codec:      codec,
		ttl:        ttl,
		renderHash: renderHash,
		logger:     logger,
		caching:    true,
		entries:    make(map[string]*entry),
	}
}

// DisableCaching turns the manager into a pass-through that loads from the
// store on every request. Sweeping and persistence become no-ops.
func (m *Manager) DisableCaching() {
	m.caching = false
}

// claim returns the entry for name with its mutex held, creating the slot if
// needed. Slots removed between lookup and lock are retried, so two
// concurrent callers can never hold claims on distinct slots for one name.
func (m *Manager) claim(name string) *entry {
	for {
		m.mu.RLock()
		e := m.entries[name]
		m.mu.RUnlock()

		if e == nil {
			m.mu.Lock()
			e = m.entries[name]
			if e == nil {
				e = &entry{}
				m.entries[name] = e
			}
			m.mu.Unlock()
		}

		e.mu.Lock()
		if e.gone {
			e.mu.Unlock()
			continue
		}
		return e
	}
}

// removeLocked unlinks e from the table. Caller holds e.mu.
func (m *Manager) removeLocked(name string, e *entry) {
	e.gone = true
	e.rec = nil
	m.mu.Lock()
	if m.entries[name] == e {
		delete(m.entries, name)
	}
	m.mu.Unlock()
}

func (m *Manager) expired(rec *Record) bool {
	return m.ttl > 0 && time.Since(rec.CachedAt) > m.ttl
}

// GetOrRender returns the cached record for name, re-rendering when the
// source file's mtime no longer matches the cached one. Concurrent calls for
// the same name serialize on the per-entry claim; at most one performs the
// render. The returned record is a copy the caller owns.
func (m *Manager) GetOrRender(ctx context.Context, name string) (*Record, error) {
	if !m.caching {
		return m.store.Load(ctx, name)
	}

	e := m.claim(name)
	defer e.mu.Unlock()

	mtime, err := m.store.Stat(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			m.removeLocked(name, e)
			return nil, err
		}
		// Transient stat failure: keep the entry, fail the request.
		return nil, err
	}

	if e.rec != nil && e.rec.SourceMtime.Equal(mtime) && !m.expired(e.rec) {
		rec := *e.rec
		return &rec, nil
	}

	rec, err := m.store.Load(ctx, name)
	if err != nil {
		// Failures are not cached: a corrected file re-renders next call.
		m.removeLocked(name, e)
		return nil, err
	}

	e.rec = rec
	out := *rec
	return &out, nil
}

// Invalidate unconditionally drops the entry for name. It waits for an
// in-flight render on the same name to finish first.
func (m *Manager) Invalidate(name string) {
	m.mu.RLock()
	e := m.entries[name]
	m.mu.RUnlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	if !e.gone {
		m.removeLocked(name, e)
	}
	e.mu.Unlock()
}

// Sweep drops entries whose backing file no longer exists, plus expired ones
// when a TTL is configured. Entries locked for rendering are skipped and left
// for the next pass rather than blocked on. Stat failures count as absent
// here; a transient error at worst evicts an entry that the next request
// re-renders.
func (m *Manager) Sweep() (removed, skipped int) {
	if !m.caching {
		return 0, 0
	}

	m.mu.RLock()
	names := make([]string, 0, len(m.entries))
	slots := make([]*entry, 0, len(m.entries))
	for name, e := range m.entries {
		names = append(names, name)
		slots = append(slots, e)
	}
	m.mu.RUnlock()

	for i, name := range names {
		e := slots[i]
		if !e.mu.TryLock() {
			skipped++
			continue
		}
		if e.gone {
			e.mu.Unlock()
			continue
		}

		evict := e.rec == nil || m.expired(e.rec)
		if !evict {
			if _, err := m.store.Stat(name); err != nil {
				evict = true
			}
		}
		if evict {
			m.removeLocked(name, e)
			removed++
			m.logger.Debug("swept cache entry", "post", name)
		}
		e.mu.Unlock()
	}
	return removed, skipped
}

// Len reports the number of cached identifiers.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// ListMetadata renders or fetches every post currently on disk and returns
// their metadata, newest first. Per-post failures are logged and skipped so
// one broken post cannot empty the index.
func (m *Manager) ListMetadata(ctx context.Context) ([]Metadata, error) {
	names, err := m.store.List()
	if err != nil {
		return nil, err
	}

	metas := make([]Metadata, 0, len(names))
	for _, name := range names {
		rec, err := m.GetOrRender(ctx, name)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			m.logger.Warn("skipping post in listing", "post", name, "error", err)
			continue
		}
		metas = append(metas, rec.Meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		a, b := metas[i].CreatedAt, metas[j].CreatedAt
		switch {
		case a == nil && b == nil:
			return metas[i].Name < metas[j].Name
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return metas[i].Name < metas[j].Name
		default:
			return a.After(*b)
		}
	})
	return metas, nil
}

// LoadFromDisk populates the table from a persisted image. A missing file is
// a cold start, not an error. A corrupt or stale image degrades to an empty
// table with a warning; decode errors never abort startup. Must not run
// concurrently with request handling.
func (m *Manager) LoadFromDisk(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			m.logger.Debug("no cache image, starting cold", "path", path)
			return nil
		}
		return fmt.Errorf("read cache image: %w", err)
	}

	entries, err := m.codec.Decode(data, m.renderHash)
	if err != nil {
		// Any decode failure starts the cache cold, even when a prefix of
		// the image decoded cleanly. Entries are cheap to re-render and a
		// partially trusted image is not worth reasoning about.
		if errors.Is(err, ErrStaleImage) {
			m.logger.Info("discarding cache image", "path", path, "reason", err)
		} else {
			m.logger.Warn("cache image corrupt, starting empty", "path", path, "error", err)
		}
		return nil
	}

	m.mu.Lock()
	m.entries = make(map[string]*entry, len(entries))
	for i := range entries {
		rec := entries[i].Record
		m.entries[entries[i].Name] = &entry{rec: &rec}
	}
	m.mu.Unlock()

	m.logger.Info("loaded cache image", "path", path, "entries", len(entries))
	return nil
}

// SaveToDisk writes the full table to path atomically (temp file + rename),
// so a crash mid-write never corrupts the previous good image. It waits for
// in-flight renders and blocks new claims for the duration; call it only
// after request handling has stopped.
func (m *Manager) SaveToDisk(path string) error {
	m.mu.Lock()
	snapshot := make([]ImageEntry, 0, len(m.entries))
	for name, e := range m.entries {
		e.mu.Lock()
		if e.rec != nil {
			snapshot = append(snapshot, ImageEntry{Name: name, Record: *e.rec})
		}
		e.mu.Unlock()
	}
	m.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Name < snapshot[j].Name })

	data, err := m.codec.Encode(snapshot, m.renderHash)
	if err != nil {
		return fmt.Errorf("encode cache image: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write cache image: %w", err)
	}

	m.logger.Info("wrote cache image", "path", path, "entries", len(snapshot), "bytes", len(data))
	return nil
}
