package post

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePost struct {
	mtime   time.Time
	html    string
	created *time.Time
}

// fakeStore counts Stat and Load calls so tests can assert exactly how many
// renders a sequence of cache operations caused.
type fakeStore struct {
	mu    sync.Mutex
	posts map[string]fakePost
	loads map[string]int
	stats map[string]int

	extraList []string
	loadDelay time.Duration
	loadErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		posts: make(map[string]fakePost),
		loads: make(map[string]int),
		stats: make(map[string]int),
	}
}

func (s *fakeStore) put(name, html string, mtime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts[name] = fakePost{mtime: mtime, html: html}
}

func (s *fakeStore) putCreated(name, html string, mtime, created time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts[name] = fakePost{mtime: mtime, html: html, created: &created}
}

func (s *fakeStore) remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.posts, name)
}

func (s *fakeStore) loadCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[name]
}

func (s *fakeStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.posts)+len(s.extraList))
	for name := range s.posts {
		names = append(names, name)
	}
	return append(names, s.extraList...), nil
}

func (s *fakeStore) Stat(name string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[name]++
	p, ok := s.posts[name]
	if !ok {
		return time.Time{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return p.mtime, nil
}

func (s *fakeStore) Load(ctx context.Context, name string) (*Record, error) {
	s.mu.Lock()
	s.loads[name]++
	p, ok := s.posts[name]
	delay := s.loadDelay
	loadErr := s.loadErr
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if loadErr != nil {
		return nil, loadErr
	}
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return &Record{
		Meta:         Metadata{Name: name, Title: name, Author: "test", CreatedAt: p.created},
		RenderedHTML: p.html,
		RawMarkdown:  "# " + name,
		SourceMtime:  p.mtime,
		CachedAt:     time.Now(),
	}, nil
}

func newTestManager(store Store, ttl time.Duration) *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(store, NewCodec(false, 3), ttl, 42, logger)
}

func TestGetOrRenderCachesSecondCall(t *testing.T) {
	store := newFakeStore()
	store.put("hello", "<h1>hello</h1>", time.Now())
	m := newTestManager(store, 0)

	first, err := m.GetOrRender(context.Background(), "hello")
	require.NoError(t, err)
	second, err := m.GetOrRender(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, first.RenderedHTML, second.RenderedHTML)
	assert.Equal(t, 1, store.loadCount("hello"), "second call must hit the cache")
	assert.Equal(t, 1, m.Len())
}

func TestGetOrRenderRerendersOnMtimeChange(t *testing.T) {
	store := newFakeStore()
	base := time.Now()
	store.put("hello", "<p>old</p>", base)
	m := newTestManager(store, 0)

	rec, err := m.GetOrRender(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "<p>old</p>", rec.RenderedHTML)

	store.put("hello", "<p>new</p>", base.Add(time.Second))
	rec, err = m.GetOrRender(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "<p>new</p>", rec.RenderedHTML)
	assert.Equal(t, 2, store.loadCount("hello"))
}

func TestGetOrRenderStableWhileUnchanged(t *testing.T) {
	store := newFakeStore()
	store.put("hello", "<p>stable</p>", time.Now())
	m := newTestManager(store, 0)

	first, err := m.GetOrRender(context.Background(), "hello")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		rec, err := m.GetOrRender(context.Background(), "hello")
		require.NoError(t, err)
		assert.Equal(t, first.RenderedHTML, rec.RenderedHTML)
	}
	assert.Equal(t, 1, store.loadCount("hello"))
}

func TestGetOrRenderConcurrentSingleLoad(t *testing.T) {
	store := newFakeStore()
	store.put("hot", "<p>hot</p>", time.Now())
	store.loadDelay = 20 * time.Millisecond
	m := newTestManager(store, 0)

	const workers = 50
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.GetOrRender(context.Background(), "hot")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.loadCount("hot"), "concurrent callers must share one render")
}

func TestGetOrRenderNotFoundDropsEntry(t *testing.T) {
	store := newFakeStore()
	store.put("doomed", "<p>x</p>", time.Now())
	m := newTestManager(store, 0)

	_, err := m.GetOrRender(context.Background(), "doomed")
	require.NoError(t, err)
	require.Equal(t, 1, m.Len())

	store.remove("doomed")
	_, err = m.GetOrRender(context.Background(), "doomed")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, m.Len(), "entry for a deleted post must not linger")
}

func TestGetOrRenderLoadFailureNotCached(t *testing.T) {
	store := newFakeStore()
	store.put("flaky", "<p>x</p>", time.Now())
	store.loadErr = fmt.Errorf("disk on fire")
	m := newTestManager(store, 0)

	_, err := m.GetOrRender(context.Background(), "flaky")
	require.Error(t, err)
	assert.Equal(t, 0, m.Len())

	store.mu.Lock()
	store.loadErr = nil
	store.mu.Unlock()

	rec, err := m.GetOrRender(context.Background(), "flaky")
	require.NoError(t, err)
	assert.Equal(t, "<p>x</p>", rec.RenderedHTML)
	assert.Equal(t, 2, store.loadCount("flaky"))
}

func TestInvalidateForcesReload(t *testing.T) {
	store := newFakeStore()
	store.put("hello", "<p>x</p>", time.Now())
	m := newTestManager(store, 0)

	_, err := m.GetOrRender(context.Background(), "hello")
	require.NoError(t, err)
	m.Invalidate("hello")
	assert.Equal(t, 0, m.Len())

	_, err = m.GetOrRender(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, 2, store.loadCount("hello"))
}

func TestSweepRemovesDeletedPosts(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	store.put("keep", "<p>keep</p>", now)
	store.put("drop", "<p>drop</p>", now)
	m := newTestManager(store, 0)

	_, err := m.GetOrRender(context.Background(), "keep")
	require.NoError(t, err)
	_, err = m.GetOrRender(context.Background(), "drop")
	require.NoError(t, err)

	store.remove("drop")
	removed, skipped := m.Sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, skipped)
	assert.Equal(t, 1, m.Len())

	// The survivor is still served from cache.
	_, err = m.GetOrRender(context.Background(), "keep")
	require.NoError(t, err)
	assert.Equal(t, 1, store.loadCount("keep"))
}

func TestSweepEmptyCache(t *testing.T) {
	m := newTestManager(newFakeStore(), 0)
	removed, skipped := m.Sweep()
	assert.Equal(t, 0, removed)
	assert.Equal(t, 0, skipped)
}

func TestSweepSkipsEntriesBeingRendered(t *testing.T) {
	store := newFakeStore()
	store.put("busy", "<p>busy</p>", time.Now())
	m := newTestManager(store, 0)

	e := m.claim("busy")
	defer e.mu.Unlock()

	removed, skipped := m.Sweep()
	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, skipped)
}

func TestSweepEvictsExpiredEntries(t *testing.T) {
	store := newFakeStore()
	store.put("old", "<p>old</p>", time.Now())
	m := newTestManager(store, 50*time.Millisecond)

	_, err := m.GetOrRender(context.Background(), "old")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	removed, _ := m.Sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, m.Len())
}

func TestTTLExpiryRerenders(t *testing.T) {
	store := newFakeStore()
	store.put("old", "<p>old</p>", time.Now())
	m := newTestManager(store, 30*time.Millisecond)

	_, err := m.GetOrRender(context.Background(), "old")
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)

	_, err = m.GetOrRender(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, 2, store.loadCount("old"))
}

func TestListMetadataSortsNewestFirst(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	store.putCreated("older", "<p>1</p>", now, now.Add(-2*time.Hour))
	store.putCreated("newest", "<p>2</p>", now, now)
	store.putCreated("middle", "<p>3</p>", now, now.Add(-time.Hour))
	store.put("undated", "<p>4</p>", now)
	m := newTestManager(store, 0)

	metas, err := m.ListMetadata(context.Background())
	require.NoError(t, err)
	require.Len(t, metas, 4)

	got := make([]string, len(metas))
	for i, meta := range metas {
		got[i] = meta.Name
	}
	// Undated posts sort last.
	assert.Equal(t, []string{"newest", "middle", "older", "undated"}, got)
}

func TestListMetadataSkipsBrokenPost(t *testing.T) {
	store := newFakeStore()
	store.put("good", "<p>good</p>", time.Now())
	m := newTestManager(store, 0)

	// A name that lists but fails Stat behaves like a racing deletion; the
	// listing must degrade, not fail.
	store.mu.Lock()
	store.extraList = append(store.extraList, "ghost")
	store.mu.Unlock()

	metas, err := m.ListMetadata(context.Background())
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "good", metas[0].Name)
}

func TestDisabledCachingAlwaysLoads(t *testing.T) {
	store := newFakeStore()
	store.put("hello", "<p>x</p>", time.Now())
	m := newTestManager(store, 0)
	m.DisableCaching()

	for i := 0; i < 3; i++ {
		_, err := m.GetOrRender(context.Background(), "hello")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, store.loadCount("hello"))
	assert.Equal(t, 0, m.Len())
}

func TestDraftWorkflow(t *testing.T) {
	// A post is published, read, edited, read again, then unpublished.
	store := newFakeStore()
	base := time.Now()
	store.put("draft", "<p>v1</p>", base)
	m := newTestManager(store, 0)

	rec, err := m.GetOrRender(context.Background(), "draft")
	require.NoError(t, err)
	assert.Equal(t, "<p>v1</p>", rec.RenderedHTML)

	store.put("draft", "<p>v2</p>", base.Add(time.Minute))
	rec, err = m.GetOrRender(context.Background(), "draft")
	require.NoError(t, err)
	assert.Equal(t, "<p>v2</p>", rec.RenderedHTML)

	store.remove("draft")
	_, err = m.GetOrRender(context.Background(), "draft")
	require.ErrorIs(t, err, ErrNotFound)

	removed, _ := m.Sweep()
	assert.Equal(t, 0, removed, "not-found lookup already dropped the entry")
}
