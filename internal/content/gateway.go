package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"logbook/api/internal/rbac"
	"logbook/api/internal/sections"
	"logbook/api/internal/store"
)

type MembershipReader interface {
	GetMembership(ctx context.Context, logbookID, userID string) (store.Membership, error)
}

type OverrideWriter interface {
	UpsertOverride(ctx context.Context, logbookID, pageType, sectionKey string, patch store.OverridePatch) (store.Override, error)
}

// ChangeListener is told about every section a successful mutation produced.
type ChangeListener interface {
	SectionChanged(ctx context.Context, logbookID string, pageType sections.PageType, section EffectiveSection)
}

// RetryPolicy bounds retries of transient store failures. The nth retry
// waits n*Backoff.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 50 * time.Millisecond}

type Gateway struct {
	registry  *sections.Registry
	members   MembershipReader
	overrides OverrideWriter
	resolver  *Resolver
	retry     RetryPolicy
	observer  Observer
	listeners []ChangeListener
	log       zerolog.Logger
}

type GatewayOption func(*Gateway)

func WithRetryPolicy(policy RetryPolicy) GatewayOption {
	return func(g *Gateway) { g.retry = policy }
}

func WithChangeListener(listener ChangeListener) GatewayOption {
	return func(g *Gateway) {
		if listener != nil {
			g.listeners = append(g.listeners, listener)
		}
	}
}

func WithGatewayObserver(observer Observer) GatewayOption {
	return func(g *Gateway) {
		if observer != nil {
			g.observer = observer
		}
	}
}

func WithGatewayLogger(log zerolog.Logger) GatewayOption {
	return func(g *Gateway) { g.log = log }
}

func NewGateway(registry *sections.Registry, members MembershipReader, overrides OverrideWriter, resolver *Resolver, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		registry:  registry,
		members:   members,
		overrides: overrides,
		resolver:  resolver,
		retry:     DefaultRetryPolicy,
		observer:  noopObserver{},
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.retry.Attempts < 1 {
		g.retry.Attempts = 1
	}
	return g
}

func (g *Gateway) SetSectionVisibility(ctx context.Context, logbookID string, pageType sections.PageType, sectionKey string, visible bool, callerID string) (EffectiveSection, error) {
	if err := g.authorize(ctx, logbookID, callerID); err != nil {
		return EffectiveSection{}, err
	}
	if _, err := g.section(pageType, sectionKey); err != nil {
		return EffectiveSection{}, err
	}
	return g.apply(ctx, logbookID, pageType, sectionKey, store.OverridePatch{Visible: &visible, UpdatedBy: callerID})
}

func (g *Gateway) SetSectionField(ctx context.Context, logbookID string, pageType sections.PageType, sectionKey, fieldName string, value any, callerID string) (EffectiveSection, error) {
	if err := g.authorize(ctx, logbookID, callerID); err != nil {
		return EffectiveSection{}, err
	}
	def, err := g.section(pageType, sectionKey)
	if err != nil {
		return EffectiveSection{}, err
	}
	field, ok := def.Field(fieldName)
	if !ok {
		return EffectiveSection{}, &ValidationError{Field: fieldName, Reason: fmt.Sprintf("section %s has no such field", sectionKey)}
	}
	if err := field.Validate(value); err != nil {
		return EffectiveSection{}, &ValidationError{Field: fieldName, Reason: err.Error()}
	}
	patch := store.OverridePatch{
		Fields:    map[string]any{fieldName: sections.CloneValue(value)},
		UpdatedBy: callerID,
	}
	return g.apply(ctx, logbookID, pageType, sectionKey, patch)
}

// CanEdit reports whether userID may mutate overrides of the logbook.
func (g *Gateway) CanEdit(ctx context.Context, logbookID, userID string) (bool, error) {
	err := g.authorize(ctx, logbookID, userID)
	if errors.Is(err, ErrPermissionDenied) {
		return false, nil
	}
	return err == nil, err
}

func (g *Gateway) authorize(ctx context.Context, logbookID, callerID string) error {
	if callerID == "" {
		return ErrPermissionDenied
	}
	membership, err := g.members.GetMembership(ctx, logbookID, callerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrPermissionDenied
		}
		return fmt.Errorf("load membership: %w", err)
	}
	if !rbac.Can(rbac.Normalize(membership.Role), rbac.ActionEdit) {
		return ErrPermissionDenied
	}
	return nil
}

func (g *Gateway) section(pageType sections.PageType, sectionKey string) (sections.SectionDefinition, error) {
	if !g.registry.HasPage(pageType) {
		return sections.SectionDefinition{}, fmt.Errorf("page %q: %w", pageType, ErrNotFound)
	}
	def, ok := g.registry.Section(pageType, sectionKey)
	if !ok {
		return sections.SectionDefinition{}, fmt.Errorf("section %s/%s: %w", pageType, sectionKey, ErrNotFound)
	}
	return def, nil
}

func (g *Gateway) apply(ctx context.Context, logbookID string, pageType sections.PageType, sectionKey string, patch store.OverridePatch) (EffectiveSection, error) {
	if err := g.upsertWithRetry(ctx, logbookID, pageType, sectionKey, patch); err != nil {
		g.observer.OverrideMutation(string(pageType), outcomeOf(err))
		return EffectiveSection{}, err
	}
	g.observer.OverrideMutation(string(pageType), "ok")

	if err := g.resolver.Invalidate(ctx, logbookID, pageType); err != nil {
		g.log.Warn().Err(err).Str("logbook_id", logbookID).Str("page_type", string(pageType)).Msg("section cache invalidation failed")
	}
	// Always read the store here: a failed invalidation leaves the old page
	// cached, and the fresh result overwrites it.
	section, err := g.resolver.resolveSection(ctx, pageType, logbookID, sectionKey, false)
	if err != nil {
		return EffectiveSection{}, err
	}
	for _, listener := range g.listeners {
		listener.SectionChanged(ctx, logbookID, pageType, section)
	}
	return section, nil
}

func (g *Gateway) upsertWithRetry(ctx context.Context, logbookID string, pageType sections.PageType, sectionKey string, patch store.OverridePatch) error {
	var err error
	for attempt := 1; attempt <= g.retry.Attempts; attempt++ {
		_, err = g.overrides.UpsertOverride(ctx, logbookID, string(pageType), sectionKey, patch)
		if err == nil || !errors.Is(err, ErrPersistence) {
			return err
		}
		if attempt == g.retry.Attempts {
			break
		}
		g.log.Warn().Err(err).Int("attempt", attempt).Str("logbook_id", logbookID).Msg("override upsert failed, retrying")
		timer := time.NewTimer(time.Duration(attempt) * g.retry.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPersistence):
		return "persistence_error"
	default:
		return "error"
	}
}
