package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash)
		VALUES ($1, $2, LOWER($3), $4)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash)
	return classify("create user", err)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at
		FROM users
		WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, classify("get user by email", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, classify("get user", err)
	}
	return user, nil
}

// CreateLogbook inserts the logbook and makes its creator a parent member in
// one transaction.
func (s *PostgresStore) CreateLogbook(ctx context.Context, logbook Logbook) (Logbook, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Logbook{}, classify("begin create logbook", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO logbooks (id, name, slug, theme, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, logbook.ID, logbook.Name, logbook.Slug, logbook.Theme, logbook.CreatedBy).Scan(&logbook.CreatedAt, &logbook.UpdatedAt)
	if err != nil {
		return Logbook{}, classify("insert logbook", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO logbook_memberships (logbook_id, user_id, role)
		VALUES ($1, $2, 'parent')
	`, logbook.ID, logbook.CreatedBy); err != nil {
		return Logbook{}, classify("insert creator membership", err)
	}

	if err := tx.Commit(); err != nil {
		return Logbook{}, classify("commit create logbook", err)
	}
	return logbook, nil
}

func (s *PostgresStore) GetLogbook(ctx context.Context, logbookID string) (Logbook, error) {
	return s.getLogbook(ctx, "get logbook", `WHERE id = $1`, logbookID)
}

func (s *PostgresStore) GetLogbookBySlug(ctx context.Context, slug string) (Logbook, error) {
	return s.getLogbook(ctx, "get logbook by slug", `WHERE slug = $1`, slug)
}

func (s *PostgresStore) getLogbook(ctx context.Context, op, where string, arg string) (Logbook, error) {
	var item Logbook
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, theme, created_by, created_at, updated_at
		FROM logbooks `+where, arg).Scan(
		&item.ID, &item.Name, &item.Slug, &item.Theme, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return Logbook{}, classify(op, err)
	}
	return item, nil
}

func (s *PostgresStore) UpdateLogbookTheme(ctx context.Context, logbookID, theme string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE logbooks SET theme = $2, updated_at = NOW() WHERE id = $1
	`, logbookID, theme)
	if err != nil {
		return classify("update logbook theme", err)
	}
	return requireAffected("update logbook theme", result)
}

func (s *PostgresStore) ListLogbooksForUser(ctx context.Context, userID string) ([]MemberLogbook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.name, l.slug, l.theme, l.created_by, l.created_at, l.updated_at, m.role
		FROM logbook_memberships m
		JOIN logbooks l ON l.id = m.logbook_id
		WHERE m.user_id = $1
		ORDER BY l.name ASC
	`, userID)
	if err != nil {
		return nil, classify("list logbooks", err)
	}
	defer rows.Close()

	items := make([]MemberLogbook, 0)
	for rows.Next() {
		var item MemberLogbook
		if err := rows.Scan(&item.ID, &item.Name, &item.Slug, &item.Theme, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt, &item.Role); err != nil {
			return nil, classify("scan logbook", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate logbooks", err)
	}
	return items, nil
}

func (s *PostgresStore) GetMembership(ctx context.Context, logbookID, userID string) (Membership, error) {
	var item Membership
	err := s.db.QueryRowContext(ctx, `
		SELECT logbook_id, user_id, role, created_at
		FROM logbook_memberships
		WHERE logbook_id = $1 AND user_id = $2
	`, logbookID, userID).Scan(&item.LogbookID, &item.UserID, &item.Role, &item.CreatedAt)
	if err != nil {
		return Membership{}, classify("get membership", err)
	}
	return item, nil
}

func (s *PostgresStore) AddMembership(ctx context.Context, membership Membership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logbook_memberships (logbook_id, user_id, role)
		VALUES ($1, $2, $3)
	`, membership.LogbookID, membership.UserID, membership.Role)
	return classify("add membership", err)
}

func (s *PostgresStore) UpdateMembershipRole(ctx context.Context, logbookID, userID, role string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE logbook_memberships SET role = $3 WHERE logbook_id = $1 AND user_id = $2
	`, logbookID, userID, role)
	if err != nil {
		return classify("update membership role", err)
	}
	return requireAffected("update membership role", result)
}

func (s *PostgresStore) RemoveMembership(ctx context.Context, logbookID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM logbook_memberships WHERE logbook_id = $1 AND user_id = $2
	`, logbookID, userID)
	if err != nil {
		return classify("remove membership", err)
	}
	return requireAffected("remove membership", result)
}

func (s *PostgresStore) ListMembers(ctx context.Context, logbookID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.logbook_id, m.user_id, m.role, m.created_at, u.display_name, u.email
		FROM logbook_memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.logbook_id = $1
		ORDER BY m.created_at ASC
	`, logbookID)
	if err != nil {
		return nil, classify("list members", err)
	}
	defer rows.Close()

	items := make([]Membership, 0)
	for rows.Next() {
		var item Membership
		if err := rows.Scan(&item.LogbookID, &item.UserID, &item.Role, &item.CreatedAt, &item.DisplayName, &item.Email); err != nil {
			return nil, classify("scan member", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate members", err)
	}
	return items, nil
}

func (s *PostgresStore) GetOverrides(ctx context.Context, logbookID, pageType string) ([]Override, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT logbook_id, page_type, section_key, visible, fields, updated_by, updated_at
		FROM section_overrides
		WHERE logbook_id = $1 AND page_type = $2
		ORDER BY section_key ASC
	`, logbookID, pageType)
	if err != nil {
		return nil, classify("get overrides", err)
	}
	defer rows.Close()

	items := make([]Override, 0)
	for rows.Next() {
		item, err := scanOverride(rows)
		if err != nil {
			return nil, classify("scan override", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate overrides", err)
	}
	return items, nil
}

// UpsertOverride relies on the composite primary key for atomicity. Fields are
// merged with jsonb concatenation, so keys absent from the patch survive.
func (s *PostgresStore) UpsertOverride(ctx context.Context, logbookID, pageType, sectionKey string, patch OverridePatch) (Override, error) {
	fields := patch.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return Override{}, fmt.Errorf("encode override fields: %w", err)
	}
	visible := sql.NullBool{}
	if patch.Visible != nil {
		visible = sql.NullBool{Bool: *patch.Visible, Valid: true}
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO section_overrides (logbook_id, page_type, section_key, visible, fields, updated_by)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		ON CONFLICT (logbook_id, page_type, section_key) DO UPDATE SET
			visible = COALESCE(EXCLUDED.visible, section_overrides.visible),
			fields = section_overrides.fields || EXCLUDED.fields,
			updated_by = EXCLUDED.updated_by,
			updated_at = NOW()
		RETURNING logbook_id, page_type, section_key, visible, fields, updated_by, updated_at
	`, logbookID, pageType, sectionKey, visible, string(fieldsJSON), patch.UpdatedBy)

	item, err := scanOverride(row)
	if err != nil {
		return Override{}, classify("upsert override", err)
	}
	return item, nil
}

func (s *PostgresStore) ListOverrideKeys(ctx context.Context) ([]OverrideKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT logbook_id, page_type, section_key FROM section_overrides
	`)
	if err != nil {
		return nil, classify("list override keys", err)
	}
	defer rows.Close()

	keys := make([]OverrideKey, 0)
	for rows.Next() {
		var key OverrideKey
		if err := rows.Scan(&key.LogbookID, &key.PageType, &key.SectionKey); err != nil {
			return nil, classify("scan override key", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate override keys", err)
	}
	return keys, nil
}

func (s *PostgresStore) DeleteOverride(ctx context.Context, key OverrideKey) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM section_overrides WHERE logbook_id = $1 AND page_type = $2 AND section_key = $3
	`, key.LogbookID, key.PageType, key.SectionKey)
	return classify("delete override", err)
}

func (s *PostgresStore) CreateInvite(ctx context.Context, invite Invite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logbook_invites (token, logbook_id, email, role, invited_by, expires_at)
		VALUES ($1, $2, LOWER($3), $4, $5, $6)
	`, invite.Token, invite.LogbookID, invite.Email, invite.Role, invite.InvitedBy, invite.ExpiresAt)
	return classify("create invite", err)
}

func (s *PostgresStore) GetInvite(ctx context.Context, token string) (Invite, error) {
	var item Invite
	var redeemedAt sql.NullTime
	var redeemedBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT token, logbook_id, email, role, invited_by, expires_at, redeemed_at, redeemed_by, created_at
		FROM logbook_invites
		WHERE token = $1
	`, token).Scan(&item.Token, &item.LogbookID, &item.Email, &item.Role, &item.InvitedBy, &item.ExpiresAt, &redeemedAt, &redeemedBy, &item.CreatedAt)
	if err != nil {
		return Invite{}, classify("get invite", err)
	}
	if redeemedAt.Valid {
		item.RedeemedAt = &redeemedAt.Time
	}
	item.RedeemedBy = redeemedBy.String
	return item, nil
}

// MarkInviteRedeemed reports false when the invite was already used.
func (s *PostgresStore) MarkInviteRedeemed(ctx context.Context, token, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE logbook_invites SET redeemed_at = NOW(), redeemed_by = $2
		WHERE token = $1 AND redeemed_at IS NULL
	`, token, userID)
	if err != nil {
		return false, classify("redeem invite", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, classify("redeem invite", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertMedia(ctx context.Context, item Media) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gallery_media (id, logbook_id, object_key, filename, content_type, size_bytes, caption, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.LogbookID, item.ObjectKey, item.Filename, item.ContentType, item.SizeBytes, item.Caption, item.UploadedBy)
	return classify("insert media", err)
}

func (s *PostgresStore) ListMedia(ctx context.Context, logbookID string) ([]Media, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, logbook_id, object_key, filename, content_type, size_bytes, caption, uploaded_by, created_at
		FROM gallery_media
		WHERE logbook_id = $1
		ORDER BY created_at DESC
	`, logbookID)
	if err != nil {
		return nil, classify("list media", err)
	}
	defer rows.Close()

	items := make([]Media, 0)
	for rows.Next() {
		var item Media
		if err := rows.Scan(&item.ID, &item.LogbookID, &item.ObjectKey, &item.Filename, &item.ContentType, &item.SizeBytes, &item.Caption, &item.UploadedBy, &item.CreatedAt); err != nil {
			return nil, classify("scan media", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate media", err)
	}
	return items, nil
}

func (s *PostgresStore) GetMedia(ctx context.Context, logbookID, mediaID string) (Media, error) {
	var item Media
	err := s.db.QueryRowContext(ctx, `
		SELECT id, logbook_id, object_key, filename, content_type, size_bytes, caption, uploaded_by, created_at
		FROM gallery_media
		WHERE logbook_id = $1 AND id = $2
	`, logbookID, mediaID).Scan(&item.ID, &item.LogbookID, &item.ObjectKey, &item.Filename, &item.ContentType, &item.SizeBytes, &item.Caption, &item.UploadedBy, &item.CreatedAt)
	if err != nil {
		return Media{}, classify("get media", err)
	}
	return item, nil
}

func (s *PostgresStore) DeleteMedia(ctx context.Context, logbookID, mediaID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM gallery_media WHERE logbook_id = $1 AND id = $2
	`, logbookID, mediaID)
	if err != nil {
		return classify("delete media", err)
	}
	return requireAffected("delete media", result)
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.display_name, u.email
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, classify("lookup refresh session", err)
	}
	return user, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOverride(row rowScanner) (Override, error) {
	var item Override
	var visible sql.NullBool
	var fields []byte
	if err := row.Scan(&item.LogbookID, &item.PageType, &item.SectionKey, &visible, &fields, &item.UpdatedBy, &item.UpdatedAt); err != nil {
		return Override{}, err
	}
	if visible.Valid {
		v := visible.Bool
		item.Visible = &v
	}
	item.Fields = map[string]any{}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &item.Fields); err != nil {
			return Override{}, fmt.Errorf("decode override fields: %w", err)
		}
	}
	return item, nil
}

func requireAffected(op string, result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

// IsNotFound is shorthand for errors.Is(err, ErrNotFound).
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
