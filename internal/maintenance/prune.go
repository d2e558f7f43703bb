// Package maintenance holds batch jobs that run outside the request path.
package maintenance

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"logbook/api/internal/sections"
	"logbook/api/internal/store"
)

type OverrideStore interface {
	ListOverrideKeys(ctx context.Context) ([]store.OverrideKey, error)
	DeleteOverride(ctx context.Context, key store.OverrideKey) error
}

type PruneObserver interface {
	OverridesPruned(n int)
}

type Pruner struct {
	registry  *sections.Registry
	overrides OverrideStore
	observer  PruneObserver
	log       zerolog.Logger
}

// NewPruner creates a pruner. observer may be nil.
func NewPruner(registry *sections.Registry, overrides OverrideStore, observer PruneObserver, log zerolog.Logger) *Pruner {
	return &Pruner{
		registry:  registry,
		overrides: overrides,
		observer:  observer,
		log:       log.With().Str("job", "prune_overrides").Logger(),
	}
}

// PruneStaleOverrides deletes override rows whose page type or section key
// the registry no longer declares and returns the keys it removed.
func (p *Pruner) PruneStaleOverrides(ctx context.Context) ([]store.OverrideKey, error) {
	keys, err := p.overrides.ListOverrideKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list override keys: %w", err)
	}

	var pruned []store.OverrideKey
	for _, key := range keys {
		if _, ok := p.registry.Section(sections.PageType(key.PageType), key.SectionKey); ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return pruned, err
		}
		if err := p.overrides.DeleteOverride(ctx, key); err != nil && !store.IsNotFound(err) {
			return pruned, fmt.Errorf("delete override %s/%s/%s: %w", key.LogbookID, key.PageType, key.SectionKey, err)
		}
		p.log.Info().
			Str("logbook_id", key.LogbookID).
			Str("page_type", key.PageType).
			Str("section_key", key.SectionKey).
			Msg("pruned stale override")
		pruned = append(pruned, key)
	}

	if p.observer != nil && len(pruned) > 0 {
		p.observer.OverridesPruned(len(pruned))
	}
	return pruned, nil
}
