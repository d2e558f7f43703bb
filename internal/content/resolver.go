// Package content merges section defaults with per-logbook overrides and is
// the only write path for overrides.
package content

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"logbook/api/internal/sections"
	"logbook/api/internal/store"
)

// EffectiveSection is a section as rendered: defaults with the logbook's
// override applied. It is never persisted.
type EffectiveSection struct {
	Key     string         `json:"key"`
	Visible bool           `json:"visible"`
	Fields  map[string]any `json:"fields"`
}

type OverrideReader interface {
	GetOverrides(ctx context.Context, logbookID, pageType string) ([]store.Override, error)
}

// SectionCache holds resolved pages keyed by logbook and page type. Entries
// belong to a generation: Get reports the current one even on a miss, Set
// stores under the generation the caller read, and Invalidate starts a new
// generation so entries written for an older one are never served.
type SectionCache interface {
	Get(ctx context.Context, logbookID string, pageType sections.PageType) (items []EffectiveSection, generation int64, ok bool, err error)
	Set(ctx context.Context, logbookID string, pageType sections.PageType, generation int64, items []EffectiveSection) error
	Invalidate(ctx context.Context, logbookID string, pageType sections.PageType) error
}

// Observer receives resolver and gateway events for metrics.
type Observer interface {
	CacheLookup(hit bool)
	OverrideMutation(pageType, outcome string)
}

type noopObserver struct{}

func (noopObserver) CacheLookup(bool)                {}
func (noopObserver) OverrideMutation(string, string) {}

type Resolver struct {
	registry  *sections.Registry
	overrides OverrideReader
	cache     SectionCache
	observer  Observer
	log       zerolog.Logger
}

type ResolverOption func(*Resolver)

func WithCache(cache SectionCache) ResolverOption {
	return func(r *Resolver) { r.cache = cache }
}

func WithObserver(observer Observer) ResolverOption {
	return func(r *Resolver) {
		if observer != nil {
			r.observer = observer
		}
	}
}

func WithLogger(log zerolog.Logger) ResolverOption {
	return func(r *Resolver) { r.log = log }
}

func NewResolver(registry *sections.Registry, overrides OverrideReader, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		registry:  registry,
		overrides: overrides,
		observer:  noopObserver{},
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the effective sections of a page in registry order. An
// unknown page type yields an empty slice. Cache failures are logged and
// bypassed.
func (r *Resolver) Resolve(ctx context.Context, pageType sections.PageType, logbookID string) ([]EffectiveSection, error) {
	return r.resolve(ctx, pageType, logbookID, true)
}

// resolve reads overrides from the store unless readCache is set and the
// current generation holds the page. The generation is taken before the
// store read, so a result computed from overrides older than a concurrent
// Invalidate lands in a retired generation.
func (r *Resolver) resolve(ctx context.Context, pageType sections.PageType, logbookID string, readCache bool) ([]EffectiveSection, error) {
	var (
		generation int64
		cacheable  bool
	)
	if r.cache != nil {
		items, gen, ok, err := r.cache.Get(ctx, logbookID, pageType)
		if err != nil {
			r.log.Warn().Err(err).Str("logbook_id", logbookID).Str("page_type", string(pageType)).Msg("section cache read failed")
		} else {
			generation, cacheable = gen, true
			if readCache {
				r.observer.CacheLookup(ok)
				if ok {
					return items, nil
				}
			}
		}
	}

	var (
		defaults  []sections.SectionDefinition
		overrides []store.Override
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defaults = r.registry.DefaultSections(pageType)
		return nil
	})
	g.Go(func() error {
		items, err := r.overrides.GetOverrides(gctx, logbookID, string(pageType))
		if err != nil {
			return err
		}
		overrides = items
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("resolve %s page: %w", pageType, err)
	}

	items := Merge(defaults, overrides)
	if cacheable {
		if err := r.cache.Set(ctx, logbookID, pageType, generation, items); err != nil {
			r.log.Warn().Err(err).Str("logbook_id", logbookID).Str("page_type", string(pageType)).Msg("section cache write failed")
		}
	}
	return items, nil
}

// ResolveSection resolves a page and picks one section from it.
func (r *Resolver) ResolveSection(ctx context.Context, pageType sections.PageType, logbookID, sectionKey string) (EffectiveSection, error) {
	return r.resolveSection(ctx, pageType, logbookID, sectionKey, true)
}

func (r *Resolver) resolveSection(ctx context.Context, pageType sections.PageType, logbookID, sectionKey string, readCache bool) (EffectiveSection, error) {
	items, err := r.resolve(ctx, pageType, logbookID, readCache)
	if err != nil {
		return EffectiveSection{}, err
	}
	for _, item := range items {
		if item.Key == sectionKey {
			return item, nil
		}
	}
	return EffectiveSection{}, fmt.Errorf("section %s/%s: %w", pageType, sectionKey, ErrNotFound)
}

// Invalidate retires the cached page's generation, if there is a cache.
func (r *Resolver) Invalidate(ctx context.Context, logbookID string, pageType sections.PageType) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Invalidate(ctx, logbookID, pageType)
}

// Merge applies overrides onto defaults. Overrides for keys missing from
// defaults are ignored, as are override fields the section no longer
// declares. The result follows the order of defaults.
func Merge(defaults []sections.SectionDefinition, overrides []store.Override) []EffectiveSection {
	byKey := make(map[string]store.Override, len(overrides))
	for _, override := range overrides {
		byKey[override.SectionKey] = override
	}

	items := make([]EffectiveSection, 0, len(defaults))
	for _, def := range defaults {
		item := EffectiveSection{Key: def.Key, Visible: def.Visible, Fields: def.DefaultValues()}
		if override, ok := byKey[def.Key]; ok {
			if override.Visible != nil {
				item.Visible = *override.Visible
			}
			for name, value := range override.Fields {
				if _, declared := def.Field(name); declared {
					item.Fields[name] = sections.CloneValue(value)
				}
			}
		}
		items = append(items, item)
	}
	return items
}
