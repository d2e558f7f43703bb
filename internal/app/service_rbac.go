package app

import (
	"context"
	"fmt"

	"logbook/api/internal/content"
	"logbook/api/internal/editsession"
	"logbook/api/internal/rbac"
	"logbook/api/internal/store"
)

// requireAction loads the caller's membership and checks the role allows
// action. Non-members are denied rather than told the logbook exists.
func (s *Service) requireAction(ctx context.Context, logbookID, userID string, action rbac.Action) (store.Membership, error) {
	if userID == "" {
		return store.Membership{}, content.ErrPermissionDenied
	}
	member, err := s.store.GetMembership(ctx, logbookID, userID)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Membership{}, content.ErrPermissionDenied
		}
		return store.Membership{}, fmt.Errorf("load membership: %w", err)
	}
	if !rbac.Can(rbac.Normalize(member.Role), action) {
		return store.Membership{}, content.ErrPermissionDenied
	}
	return member, nil
}

// EditSession opens a fresh edit session for a member of the logbook.
func (s *Service) EditSession(ctx context.Context, logbookID, userID string) (*editsession.Session, error) {
	member, err := s.requireAction(ctx, logbookID, userID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	return editsession.New(member.Role), nil
}

// ensureAnotherParent fails when memberID is the only parent left, so
// demoting or removing them would orphan the logbook.
func (s *Service) ensureAnotherParent(ctx context.Context, logbookID, memberID string) error {
	members, err := s.store.ListMembers(ctx, logbookID)
	if err != nil {
		return err
	}
	target := false
	parents := 0
	for _, m := range members {
		if rbac.Role(m.Role) != rbac.RoleParent {
			continue
		}
		parents++
		if m.UserID == memberID {
			target = true
		}
	}
	if target && parents <= 1 {
		return errLastParent
	}
	return nil
}
