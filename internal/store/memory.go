package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. It mirrors PostgresStore semantics
// (composite-key upserts, shallow field merge, foreign keys) for development
// and tests.
type MemoryStore struct {
	mu          sync.Mutex
	users       map[string]User
	logbooks    map[string]Logbook
	memberships map[string]map[string]Membership
	overrides   map[OverrideKey]Override
	invites     map[string]Invite
	media       map[string]Media
	refresh     map[string]refreshRecord
	now         func() time.Time
}

type refreshRecord struct {
	userID    string
	expiresAt time.Time
	revoked   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]User),
		logbooks:    make(map[string]Logbook),
		memberships: make(map[string]map[string]Membership),
		overrides:   make(map[OverrideKey]Override),
		invites:     make(map[string]Invite),
		media:       make(map[string]Media),
		refresh:     make(map[string]refreshRecord),
		now:         time.Now,
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user.Email = strings.ToLower(user.Email)
	if _, exists := s.users[user.ID]; exists {
		return fmt.Errorf("create user: %w", ErrConflict)
	}
	for _, existing := range s.users {
		if existing.Email == user.Email {
			return fmt.Errorf("create user: %w", ErrConflict)
		}
	}
	user.CreatedAt = s.now()
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = strings.ToLower(email)
	for _, user := range s.users {
		if user.Email == email {
			return user, nil
		}
	}
	return User{}, fmt.Errorf("get user by email: %w", ErrNotFound)
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, fmt.Errorf("get user: %w", ErrNotFound)
	}
	return user, nil
}

func (s *MemoryStore) CreateLogbook(_ context.Context, logbook Logbook) (Logbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[logbook.CreatedBy]; !ok {
		return Logbook{}, fmt.Errorf("insert logbook: %w", ErrNotFound)
	}
	if _, exists := s.logbooks[logbook.ID]; exists {
		return Logbook{}, fmt.Errorf("insert logbook: %w", ErrConflict)
	}
	for _, existing := range s.logbooks {
		if existing.Slug == logbook.Slug {
			return Logbook{}, fmt.Errorf("insert logbook: %w", ErrConflict)
		}
	}
	now := s.now()
	logbook.CreatedAt = now
	logbook.UpdatedAt = now
	s.logbooks[logbook.ID] = logbook
	s.memberships[logbook.ID] = map[string]Membership{
		logbook.CreatedBy: {LogbookID: logbook.ID, UserID: logbook.CreatedBy, Role: "parent", CreatedAt: now},
	}
	return logbook, nil
}

func (s *MemoryStore) GetLogbook(_ context.Context, logbookID string) (Logbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.logbooks[logbookID]
	if !ok {
		return Logbook{}, fmt.Errorf("get logbook: %w", ErrNotFound)
	}
	return item, nil
}

func (s *MemoryStore) GetLogbookBySlug(_ context.Context, slug string) (Logbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.logbooks {
		if item.Slug == slug {
			return item, nil
		}
	}
	return Logbook{}, fmt.Errorf("get logbook by slug: %w", ErrNotFound)
}

func (s *MemoryStore) UpdateLogbookTheme(_ context.Context, logbookID, theme string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.logbooks[logbookID]
	if !ok {
		return fmt.Errorf("update logbook theme: %w", ErrNotFound)
	}
	item.Theme = theme
	item.UpdatedAt = s.now()
	s.logbooks[logbookID] = item
	return nil
}

func (s *MemoryStore) ListLogbooksForUser(_ context.Context, userID string) ([]MemberLogbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]MemberLogbook, 0)
	for logbookID, members := range s.memberships {
		if member, ok := members[userID]; ok {
			items = append(items, MemberLogbook{Logbook: s.logbooks[logbookID], Role: member.Role})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (s *MemoryStore) GetMembership(_ context.Context, logbookID, userID string) (Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	member, ok := s.memberships[logbookID][userID]
	if !ok {
		return Membership{}, fmt.Errorf("get membership: %w", ErrNotFound)
	}
	return member, nil
}

func (s *MemoryStore) AddMembership(_ context.Context, membership Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logbooks[membership.LogbookID]; !ok {
		return fmt.Errorf("add membership: %w", ErrNotFound)
	}
	if _, ok := s.users[membership.UserID]; !ok {
		return fmt.Errorf("add membership: %w", ErrNotFound)
	}
	if _, exists := s.memberships[membership.LogbookID][membership.UserID]; exists {
		return fmt.Errorf("add membership: %w", ErrConflict)
	}
	if s.memberships[membership.LogbookID] == nil {
		s.memberships[membership.LogbookID] = make(map[string]Membership)
	}
	membership.CreatedAt = s.now()
	membership.DisplayName = ""
	membership.Email = ""
	s.memberships[membership.LogbookID][membership.UserID] = membership
	return nil
}

func (s *MemoryStore) UpdateMembershipRole(_ context.Context, logbookID, userID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	member, ok := s.memberships[logbookID][userID]
	if !ok {
		return fmt.Errorf("update membership role: %w", ErrNotFound)
	}
	member.Role = role
	s.memberships[logbookID][userID] = member
	return nil
}

func (s *MemoryStore) RemoveMembership(_ context.Context, logbookID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memberships[logbookID][userID]; !ok {
		return fmt.Errorf("remove membership: %w", ErrNotFound)
	}
	delete(s.memberships[logbookID], userID)
	return nil
}

func (s *MemoryStore) ListMembers(_ context.Context, logbookID string) ([]Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Membership, 0, len(s.memberships[logbookID]))
	for _, member := range s.memberships[logbookID] {
		user := s.users[member.UserID]
		member.DisplayName = user.DisplayName
		member.Email = user.Email
		items = append(items, member)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].UserID < items[j].UserID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (s *MemoryStore) GetOverrides(_ context.Context, logbookID, pageType string) ([]Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Override, 0)
	for key, item := range s.overrides {
		if key.LogbookID == logbookID && key.PageType == pageType {
			items = append(items, copyOverride(item))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].SectionKey < items[j].SectionKey })
	return items, nil
}

// UpsertOverride holds the lock for the whole read-merge-write, standing in
// for the row-level atomicity of the SQL upsert.
func (s *MemoryStore) UpsertOverride(_ context.Context, logbookID, pageType, sectionKey string, patch OverridePatch) (Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logbooks[logbookID]; !ok {
		return Override{}, fmt.Errorf("upsert override: %w", ErrNotFound)
	}
	key := OverrideKey{LogbookID: logbookID, PageType: pageType, SectionKey: sectionKey}
	item, exists := s.overrides[key]
	if !exists {
		item = Override{LogbookID: logbookID, PageType: pageType, SectionKey: sectionKey, Fields: map[string]any{}}
	}
	if patch.Visible != nil {
		v := *patch.Visible
		item.Visible = &v
	}
	for name, value := range patch.Fields {
		item.Fields[name] = value
	}
	item.UpdatedBy = patch.UpdatedBy
	item.UpdatedAt = s.now()
	s.overrides[key] = item
	return copyOverride(item), nil
}

func (s *MemoryStore) ListOverrideKeys(context.Context) ([]OverrideKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]OverrideKey, 0, len(s.overrides))
	for key := range s.overrides {
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *MemoryStore) DeleteOverride(_ context.Context, key OverrideKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, key)
	return nil
}

func (s *MemoryStore) CreateInvite(_ context.Context, invite Invite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logbooks[invite.LogbookID]; !ok {
		return fmt.Errorf("create invite: %w", ErrNotFound)
	}
	if _, exists := s.invites[invite.Token]; exists {
		return fmt.Errorf("create invite: %w", ErrConflict)
	}
	invite.Email = strings.ToLower(invite.Email)
	invite.CreatedAt = s.now()
	s.invites[invite.Token] = invite
	return nil
}

func (s *MemoryStore) GetInvite(_ context.Context, token string) (Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	invite, ok := s.invites[token]
	if !ok {
		return Invite{}, fmt.Errorf("get invite: %w", ErrNotFound)
	}
	return invite, nil
}

func (s *MemoryStore) MarkInviteRedeemed(_ context.Context, token, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	invite, ok := s.invites[token]
	if !ok || invite.RedeemedAt != nil {
		return false, nil
	}
	now := s.now()
	invite.RedeemedAt = &now
	invite.RedeemedBy = userID
	s.invites[token] = invite
	return true, nil
}

func (s *MemoryStore) InsertMedia(_ context.Context, item Media) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logbooks[item.LogbookID]; !ok {
		return fmt.Errorf("insert media: %w", ErrNotFound)
	}
	item.CreatedAt = s.now()
	s.media[item.ID] = item
	return nil
}

func (s *MemoryStore) ListMedia(_ context.Context, logbookID string) ([]Media, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Media, 0)
	for _, item := range s.media {
		if item.LogbookID == logbookID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

func (s *MemoryStore) GetMedia(_ context.Context, logbookID, mediaID string) (Media, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.media[mediaID]
	if !ok || item.LogbookID != logbookID {
		return Media{}, fmt.Errorf("get media: %w", ErrNotFound)
	}
	return item, nil
}

func (s *MemoryStore) DeleteMedia(_ context.Context, logbookID, mediaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.media[mediaID]
	if !ok || item.LogbookID != logbookID {
		return fmt.Errorf("delete media: %w", ErrNotFound)
	}
	delete(s.media, mediaID)
	return nil
}

func (s *MemoryStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[tokenHash] = refreshRecord{userID: userID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) LookupRefreshSession(_ context.Context, tokenHash string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.refresh[tokenHash]
	if !ok || record.revoked || !record.expiresAt.After(s.now()) {
		return User{}, fmt.Errorf("lookup refresh session: %w", ErrNotFound)
	}
	user, ok := s.users[record.userID]
	if !ok {
		return User{}, fmt.Errorf("lookup refresh session: %w", ErrNotFound)
	}
	return user, nil
}

func (s *MemoryStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.refresh[tokenHash]; ok {
		record.revoked = true
		s.refresh[tokenHash] = record
	}
	return nil
}

func copyOverride(item Override) Override {
	out := item
	if item.Visible != nil {
		v := *item.Visible
		out.Visible = &v
	}
	out.Fields = make(map[string]any, len(item.Fields))
	for name, value := range item.Fields {
		out.Fields[name] = value
	}
	return out
}
