// Package editsession models the per-visit edit mode of a page. A session is
// never persisted; every page load starts in StateViewing.
package editsession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"logbook/api/internal/rbac"
)

type State string

const (
	StateViewing          State = "viewing"
	StateEditing          State = "editing"
	StateEditingPanelOpen State = "editing+panelOpen"
)

type Event string

const (
	EventEnterEdit   Event = "enterEdit"
	EventTogglePanel Event = "togglePanel"
	EventExitEdit    Event = "exitEdit"
)

var (
	ErrNotPermitted      = errors.New("edit mode is not available for this role")
	ErrInvalidTransition = errors.New("invalid edit session transition")
)

type Session struct {
	mu    sync.Mutex
	role  rbac.Role
	state State
}

func New(role string) *Session {
	return &Session{role: rbac.Normalize(role), state: StateViewing}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Role() rbac.Role {
	return s.role
}

// Controls lists the events the session can offer right now. The enterEdit
// control only exists for roles allowed to edit.
func (s *Session) Controls() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateViewing:
		if rbac.Can(s.role, rbac.ActionEdit) {
			return []Event{EventEnterEdit}
		}
		return []Event{}
	default:
		return []Event{EventTogglePanel, EventExitEdit}
	}
}

// Fire applies event. On error the state is unchanged.
func (s *Session) Fire(event Event) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.next(event)
	if err != nil {
		return s.state, err
	}
	s.state = next
	return next, nil
}

func (s *Session) next(event Event) (State, error) {
	switch event {
	case EventEnterEdit:
		if !rbac.Can(s.role, rbac.ActionEdit) {
			return "", ErrNotPermitted
		}
		if s.state == StateViewing {
			return StateEditing, nil
		}
	case EventTogglePanel:
		switch s.state {
		case StateEditing:
			return StateEditingPanelOpen, nil
		case StateEditingPanelOpen:
			return StateEditing, nil
		}
	case EventExitEdit:
		if s.state == StateEditing || s.state == StateEditingPanelOpen {
			return StateViewing, nil
		}
	}
	return "", fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, s.state)
}

// IsEditing reports whether the session is in either editing state.
func (s *Session) IsEditing() bool {
	state := s.State()
	return state == StateEditing || state == StateEditingPanelOpen
}

// CanEdit reports whether the section at path ("page/section" or
// "page/section/field") may be edited in the current state.
func (s *Session) CanEdit(path string) bool {
	if strings.Trim(path, "/") == "" {
		return false
	}
	return s.IsEditing()
}

// Snapshot is the wire shape of a session.
type Snapshot struct {
	State    State   `json:"state"`
	Controls []Event `json:"controls"`
	CanEdit  bool    `json:"canEdit"`
}

func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		State:    s.State(),
		Controls: s.Controls(),
		CanEdit:  rbac.Can(s.role, rbac.ActionEdit),
	}
}

type contextKey struct{}

func WithSession(ctx context.Context, session *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, session)
}

func FromContext(ctx context.Context) (*Session, bool) {
	session, ok := ctx.Value(contextKey{}).(*Session)
	return session, ok && session != nil
}
