package content

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logbook/api/internal/sections"
	"logbook/api/internal/store"
)

type fixture struct {
	store    *store.MemoryStore
	resolver *Resolver
	gateway  *Gateway
}

func newFixture(t *testing.T, opts ...GatewayOption) fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	for _, u := range []store.User{
		{ID: "parent-1", Email: "p1@example.com"},
		{ID: "parent-2", Email: "p2@example.com"},
		{ID: "family-1", Email: "f1@example.com"},
		{ID: "friend-1", Email: "fr1@example.com"},
	} {
		require.NoError(t, s.CreateUser(ctx, u))
	}
	_, err := s.CreateLogbook(ctx, store.Logbook{ID: "lb1", Name: "Family", Slug: "family", Theme: "classic", CreatedBy: "parent-1"})
	require.NoError(t, err)
	require.NoError(t, s.AddMembership(ctx, store.Membership{LogbookID: "lb1", UserID: "parent-2", Role: "parent"}))
	require.NoError(t, s.AddMembership(ctx, store.Membership{LogbookID: "lb1", UserID: "family-1", Role: "family"}))
	require.NoError(t, s.AddMembership(ctx, store.Membership{LogbookID: "lb1", UserID: "friend-1", Role: "friend"}))

	registry := sections.Default()
	resolver := NewResolver(registry, s)
	opts = append([]GatewayOption{WithRetryPolicy(RetryPolicy{Attempts: 3, Backoff: time.Millisecond})}, opts...)
	return fixture{store: s, resolver: resolver, gateway: NewGateway(registry, s, s, resolver, opts...)}
}

func defaultsAsEffective(defs []sections.SectionDefinition) []EffectiveSection {
	out := make([]EffectiveSection, 0, len(defs))
	for _, def := range defs {
		out = append(out, EffectiveSection{Key: def.Key, Visible: def.Visible, Fields: def.DefaultValues()})
	}
	return out
}

func TestResolveWithoutOverridesReturnsDefaults(t *testing.T) {
	f := newFixture(t)
	for _, pageType := range sections.Default().PageTypes() {
		items, err := f.resolver.Resolve(context.Background(), pageType, "lb1")
		require.NoError(t, err)
		assert.Equal(t, defaultsAsEffective(sections.Default().DefaultSections(pageType)), items, "page %s", pageType)
	}
}

func TestResolveTwoSectionScenario(t *testing.T) {
	registry := sections.MustRegistry(sections.Page{Type: sections.PageHome, Sections: []sections.SectionDefinition{
		{Key: "hero", Visible: true, Fields: []sections.FieldDefinition{{Name: "title", Kind: sections.KindString, Default: "Hello"}}},
		{Key: "stats", Visible: false, Fields: []sections.FieldDefinition{{Name: "showMemberCount", Kind: sections.KindBool, Default: true}}},
	}})
	resolver := NewResolver(registry, store.NewMemoryStore())

	items, err := resolver.Resolve(context.Background(), sections.PageHome, "lb1")
	require.NoError(t, err)
	assert.Equal(t, []EffectiveSection{
		{Key: "hero", Visible: true, Fields: map[string]any{"title": "Hello"}},
		{Key: "stats", Visible: false, Fields: map[string]any{"showMemberCount": true}},
	}, items)
}

func TestResolveUnknownPageIsEmpty(t *testing.T) {
	f := newFixture(t)
	items, err := f.resolver.Resolve(context.Background(), sections.PageType("blog"), "lb1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRoundTripHiddenHero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hidden := false
	_, err := f.store.UpsertOverride(ctx, "lb1", "home", "hero", store.OverridePatch{Visible: &hidden, UpdatedBy: "parent-1"})
	require.NoError(t, err)

	items, err := f.resolver.Resolve(ctx, sections.PageHome, "lb1")
	require.NoError(t, err)
	defs := sections.Default().DefaultSections(sections.PageHome)
	require.Equal(t, "hero", items[0].Key)
	assert.False(t, items[0].Visible)
	assert.Equal(t, defs[0].DefaultValues(), items[0].Fields)
	assert.Equal(t, defaultsAsEffective(defs)[1:], items[1:])
}

func TestSequentialUpsertsMergeOntoDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	patches := []store.OverridePatch{
		{Fields: map[string]any{"title": "First"}},
		{Fields: map[string]any{"title": "Second"}},
		{Fields: map[string]any{"showCountdown": true}},
	}
	for _, patch := range patches {
		_, err := f.store.UpsertOverride(ctx, "lb1", "home", "hero", patch)
		require.NoError(t, err)
	}

	hero, err := f.resolver.ResolveSection(ctx, sections.PageHome, "lb1", "hero")
	require.NoError(t, err)
	assert.True(t, hero.Visible)
	assert.Equal(t, "Second", hero.Fields["title"])
	assert.Equal(t, true, hero.Fields["showCountdown"])
	assert.Equal(t, "Memories worth keeping, shared with the people who matter.", hero.Fields["subtitle"])
}

func TestResolveDropsStaleOverrides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.UpsertOverride(ctx, "lb1", "home", "retired", store.OverridePatch{Fields: map[string]any{"title": "gone"}})
	require.NoError(t, err)
	_, err = f.store.UpsertOverride(ctx, "lb1", "home", "hero", store.OverridePatch{Fields: map[string]any{"legacyBanner": "old"}})
	require.NoError(t, err)

	items, err := f.resolver.Resolve(ctx, sections.PageHome, "lb1")
	require.NoError(t, err)
	assert.Equal(t, defaultsAsEffective(sections.Default().DefaultSections(sections.PageHome)), items)
}

func TestResolveDoesNotLeakCatalogValues(t *testing.T) {
	f := newFixture(t)
	items, err := f.resolver.Resolve(context.Background(), sections.PageHome, "lb1")
	require.NoError(t, err)
	items[1].Fields["highlights"] = []any{"mutated"}

	again, err := f.resolver.Resolve(context.Background(), sections.PageHome, "lb1")
	require.NoError(t, err)
	assert.Equal(t, []any{}, again[1].Fields["highlights"])
}

func TestSetSectionVisibilityByNonParentIsDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before, err := f.resolver.Resolve(ctx, sections.PageHome, "lb1")
	require.NoError(t, err)

	for _, caller := range []string{"family-1", "friend-1", "stranger", ""} {
		_, err := f.gateway.SetSectionVisibility(ctx, "lb1", sections.PageHome, "hero", false, caller)
		assert.ErrorIs(t, err, ErrPermissionDenied, "caller %q", caller)
		_, err = f.gateway.SetSectionField(ctx, "lb1", sections.PageHome, "hero", "title", "x", caller)
		assert.ErrorIs(t, err, ErrPermissionDenied, "caller %q", caller)
	}

	after, err := f.resolver.Resolve(ctx, sections.PageHome, "lb1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	overrides, err := f.store.GetOverrides(ctx, "lb1", "home")
	require.NoError(t, err)
	assert.Empty(t, overrides)
}

func TestSetSectionVisibilityReturnsResolvedSection(t *testing.T) {
	f := newFixture(t)
	section, err := f.gateway.SetSectionVisibility(context.Background(), "lb1", sections.PageHome, "stats", true, "parent-1")
	require.NoError(t, err)
	assert.Equal(t, "stats", section.Key)
	assert.True(t, section.Visible)
	assert.Equal(t, true, section.Fields["showMemberCount"])
}

func TestSetSectionFieldValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gateway.SetSectionField(ctx, "lb1", sections.PageHome, "hero", "nope", "x", "parent-1")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "nope", verr.Field)

	_, err = f.gateway.SetSectionField(ctx, "lb1", sections.PageHome, "hero", "showCountdown", "yes", "parent-1")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "showCountdown", verr.Field)

	_, err = f.gateway.SetSectionField(ctx, "lb1", sections.PageHome, "missing", "title", "x", "parent-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.gateway.SetSectionField(ctx, "lb1", sections.PageType("blog"), "hero", "title", "x", "parent-1")
	assert.ErrorIs(t, err, ErrNotFound)

	section, err := f.gateway.SetSectionField(ctx, "lb1", sections.PageFAQ, "questions", "items", []any{
		map[string]any{"question": "Where?", "answer": "Here."},
	}, "parent-1")
	require.NoError(t, err)
	assert.Len(t, section.Fields["items"], 1)
}

type flakyWriter struct {
	mu       sync.Mutex
	inner    OverrideWriter
	failures int
	calls    int
}

func (w *flakyWriter) UpsertOverride(ctx context.Context, logbookID, pageType, sectionKey string, patch store.OverridePatch) (store.Override, error) {
	w.mu.Lock()
	w.calls++
	fail := w.calls <= w.failures
	w.mu.Unlock()
	if fail {
		return store.Override{}, &store.PersistenceError{Op: "upsert override", Err: errors.New("connection reset")}
	}
	return w.inner.UpsertOverride(ctx, logbookID, pageType, sectionKey, patch)
}

func TestGatewayRetriesPersistenceErrors(t *testing.T) {
	f := newFixture(t)
	writer := &flakyWriter{inner: f.store, failures: 2}
	gateway := NewGateway(sections.Default(), f.store, writer, f.resolver, WithRetryPolicy(RetryPolicy{Attempts: 3, Backoff: time.Millisecond}))

	section, err := gateway.SetSectionField(context.Background(), "lb1", sections.PageHome, "hero", "title", "Retried", "parent-1")
	require.NoError(t, err)
	assert.Equal(t, "Retried", section.Fields["title"])
	assert.Equal(t, 3, writer.calls)
}

func TestGatewaySurfacesPersistenceErrorAfterRetries(t *testing.T) {
	f := newFixture(t)
	writer := &flakyWriter{inner: f.store, failures: 10}
	gateway := NewGateway(sections.Default(), f.store, writer, f.resolver, WithRetryPolicy(RetryPolicy{Attempts: 2, Backoff: time.Millisecond}))

	_, err := gateway.SetSectionField(context.Background(), "lb1", sections.PageHome, "hero", "title", "x", "parent-1")
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, 2, writer.calls)
}

// memoryCache mirrors the Redis cache's generations: entries are keyed by
// generation and Invalidate moves the page to a new one.
type memoryCache struct {
	mu             sync.Mutex
	gens           map[string]int64
	items          map[string][]EffectiveSection
	invalidated    int
	failInvalidate bool
}

func newMemoryCache() *memoryCache {
	return &memoryCache{gens: map[string]int64{}, items: map[string][]EffectiveSection{}}
}

func (c *memoryCache) key(logbookID string, pageType sections.PageType) string {
	return logbookID + ":" + string(pageType)
}

func (c *memoryCache) Get(_ context.Context, logbookID string, pageType sections.PageType) ([]EffectiveSection, int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen := c.gens[c.key(logbookID, pageType)]
	items, ok := c.items[fmt.Sprintf("%s:%d", c.key(logbookID, pageType), gen)]
	return items, gen, ok, nil
}

func (c *memoryCache) Set(_ context.Context, logbookID string, pageType sections.PageType, generation int64, items []EffectiveSection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[fmt.Sprintf("%s:%d", c.key(logbookID, pageType), generation)] = items
	return nil
}

func (c *memoryCache) Invalidate(_ context.Context, logbookID string, pageType sections.PageType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated++
	if c.failInvalidate {
		return errors.New("redis: connection refused")
	}
	c.gens[c.key(logbookID, pageType)]++
	return nil
}

// gatedReader parks the first armed GetOverrides call after it has read the
// store, until release is closed.
type gatedReader struct {
	inner   OverrideReader
	armed   atomic.Bool
	fetched chan struct{}
	release chan struct{}
}

func newGatedReader(inner OverrideReader) *gatedReader {
	r := &gatedReader{inner: inner, fetched: make(chan struct{}), release: make(chan struct{})}
	r.armed.Store(true)
	return r
}

func (r *gatedReader) GetOverrides(ctx context.Context, logbookID, pageType string) ([]store.Override, error) {
	items, err := r.inner.GetOverrides(ctx, logbookID, pageType)
	if r.armed.CompareAndSwap(true, false) {
		close(r.fetched)
		<-r.release
	}
	return items, err
}

type countingObserver struct {
	mu        sync.Mutex
	hits      int
	misses    int
	mutations map[string]int
}

func (o *countingObserver) CacheLookup(hit bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if hit {
		o.hits++
	} else {
		o.misses++
	}
}

func (o *countingObserver) OverrideMutation(_ string, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mutations[outcome]++
}

func TestMutationInvalidatesCachedPage(t *testing.T) {
	f := newFixture(t)
	cache := newMemoryCache()
	observer := &countingObserver{mutations: map[string]int{}}
	resolver := NewResolver(sections.Default(), f.store, WithCache(cache), WithObserver(observer))
	gateway := NewGateway(sections.Default(), f.store, f.store, resolver, WithGatewayObserver(observer))
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, sections.PageHome, "lb1")
	require.NoError(t, err)
	_, err = resolver.Resolve(ctx, sections.PageHome, "lb1")
	require.NoError(t, err)
	assert.Equal(t, 1, observer.hits)
	assert.Equal(t, 1, observer.misses)

	_, err = gateway.SetSectionVisibility(ctx, "lb1", sections.PageHome, "hero", false, "parent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.invalidated)
	assert.Equal(t, 1, observer.mutations["ok"])

	items, err := resolver.Resolve(ctx, sections.PageHome, "lb1")
	require.NoError(t, err)
	assert.False(t, items[0].Visible)
}

func TestSlowReadDoesNotRepopulateCacheAfterMutation(t *testing.T) {
	f := newFixture(t)
	cache := newMemoryCache()
	reader := newGatedReader(f.store)
	resolver := NewResolver(sections.Default(), reader, WithCache(cache))
	gateway := NewGateway(sections.Default(), f.store, f.store, resolver)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := resolver.Resolve(ctx, sections.PageHome, "lb1")
		done <- err
	}()
	<-reader.fetched

	// The reader holds hero as visible while the mutation lands.
	section, err := gateway.SetSectionVisibility(ctx, "lb1", sections.PageHome, "hero", false, "parent-1")
	require.NoError(t, err)
	require.False(t, section.Visible)

	close(reader.release)
	require.NoError(t, <-done)

	items, err := resolver.Resolve(ctx, sections.PageHome, "lb1")
	require.NoError(t, err)
	require.Equal(t, "hero", items[0].Key)
	assert.False(t, items[0].Visible, "stale page from the slow read must not be served")
}

func TestMutationReturnsFreshSectionWhenInvalidationFails(t *testing.T) {
	f := newFixture(t)
	cache := newMemoryCache()
	resolver := NewResolver(sections.Default(), f.store, WithCache(cache))
	gateway := NewGateway(sections.Default(), f.store, f.store, resolver)
	ctx := context.Background()

	items, err := resolver.Resolve(ctx, sections.PageHome, "lb1")
	require.NoError(t, err)
	require.True(t, items[0].Visible)

	cache.failInvalidate = true
	section, err := gateway.SetSectionVisibility(ctx, "lb1", sections.PageHome, "hero", false, "parent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.invalidated)
	assert.False(t, section.Visible)

	items, err = resolver.Resolve(ctx, sections.PageHome, "lb1")
	require.NoError(t, err)
	assert.False(t, items[0].Visible)
}

type recordingListener struct {
	mu      sync.Mutex
	changed []string
}

func (l *recordingListener) SectionChanged(_ context.Context, logbookID string, pageType sections.PageType, section EffectiveSection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changed = append(l.changed, logbookID+"/"+string(pageType)+"/"+section.Key)
}

func TestMutationNotifiesListeners(t *testing.T) {
	listener := &recordingListener{}
	f := newFixture(t, WithChangeListener(listener))
	_, err := f.gateway.SetSectionField(context.Background(), "lb1", sections.PageVault, "intro", "body", "Keep safe", "parent-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"lb1/vault/intro"}, listener.changed)
}

func TestConcurrentDisjointFieldEditsBothSurvive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.gateway.SetSectionField(ctx, "lb1", sections.PageHome, "hero", "title", "From parent one", "parent-1")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.gateway.SetSectionField(ctx, "lb1", sections.PageHome, "hero", "subtitle", "From parent two", "parent-2")
	}()
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	hero, err := f.resolver.ResolveSection(ctx, sections.PageHome, "lb1", "hero")
	require.NoError(t, err)
	assert.Equal(t, "From parent one", hero.Fields["title"])
	assert.Equal(t, "From parent two", hero.Fields["subtitle"])
}

func TestConcurrentSameFieldEditsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	candidates := []string{"A", "B", "C", "D"}

	var wg sync.WaitGroup
	for i, value := range candidates {
		wg.Add(1)
		caller := "parent-1"
		if i%2 == 1 {
			caller = "parent-2"
		}
		go func(value, caller string) {
			defer wg.Done()
			_, err := f.gateway.SetSectionField(ctx, "lb1", sections.PageHome, "hero", "title", value, caller)
			assert.NoError(t, err)
		}(value, caller)
	}
	wg.Wait()

	first, err := f.resolver.ResolveSection(ctx, sections.PageHome, "lb1", "hero")
	require.NoError(t, err)
	assert.Contains(t, candidates, first.Fields["title"])

	second, err := f.resolver.ResolveSection(ctx, sections.PageHome, "lb1", "hero")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	overrides, err := f.store.GetOverrides(ctx, "lb1", "home")
	require.NoError(t, err)
	assert.Len(t, overrides, 1)
}

func TestCanEdit(t *testing.T) {
	f := newFixture(t)
	ok, err := f.gateway.CanEdit(context.Background(), "lb1", "parent-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.gateway.CanEdit(context.Background(), "lb1", "family-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
