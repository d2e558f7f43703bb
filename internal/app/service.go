package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"logbook/api/internal/auth"
	"logbook/api/internal/authpw"
	"logbook/api/internal/config"
	"logbook/api/internal/content"
	"logbook/api/internal/editsession"
	"logbook/api/internal/email"
	"logbook/api/internal/export"
	"logbook/api/internal/media"
	"logbook/api/internal/rbac"
	"logbook/api/internal/search"
	"logbook/api/internal/sections"
	"logbook/api/internal/store"
	"logbook/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

// DataStore is implemented by both store.PostgresStore and store.MemoryStore.
type DataStore interface {
	Ping(ctx context.Context) error
	CreateUser(ctx context.Context, user store.User) error
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	CreateLogbook(ctx context.Context, logbook store.Logbook) (store.Logbook, error)
	GetLogbook(ctx context.Context, logbookID string) (store.Logbook, error)
	GetLogbookBySlug(ctx context.Context, slug string) (store.Logbook, error)
	UpdateLogbookTheme(ctx context.Context, logbookID, theme string) error
	ListLogbooksForUser(ctx context.Context, userID string) ([]store.MemberLogbook, error)
	GetMembership(ctx context.Context, logbookID, userID string) (store.Membership, error)
	AddMembership(ctx context.Context, membership store.Membership) error
	UpdateMembershipRole(ctx context.Context, logbookID, userID, role string) error
	RemoveMembership(ctx context.Context, logbookID, userID string) error
	ListMembers(ctx context.Context, logbookID string) ([]store.Membership, error)
	GetOverrides(ctx context.Context, logbookID, pageType string) ([]store.Override, error)
	UpsertOverride(ctx context.Context, logbookID, pageType, sectionKey string, patch store.OverridePatch) (store.Override, error)
	CreateInvite(ctx context.Context, invite store.Invite) error
	GetInvite(ctx context.Context, token string) (store.Invite, error)
	MarkInviteRedeemed(ctx context.Context, token, userID string) (bool, error)
	InsertMedia(ctx context.Context, item store.Media) error
	ListMedia(ctx context.Context, logbookID string) ([]store.Media, error)
	GetMedia(ctx context.Context, logbookID, mediaID string) (store.Media, error)
	DeleteMedia(ctx context.Context, logbookID, mediaID string) error
}

// sessionStore keeps hashed refresh tokens. Redis when configured, the
// relational store otherwise.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// Deps collects the collaborators of Service. Only Config and Store are
// required; the rest default to in-process implementations.
type Deps struct {
	Config   config.Config
	Store    DataStore
	Sessions sessionStore
	Registry *sections.Registry
	Resolver *content.Resolver
	Gateway  *content.Gateway
	Media    *media.Service
	Search   *search.Service
	Export   *export.Service
	Email    *email.Service
	Logger   zerolog.Logger
}

type Service struct {
	cfg       config.Config
	store     DataStore
	sessions  sessionStore
	registry  *sections.Registry
	resolver  *content.Resolver
	gateway   *content.Gateway
	passwords *authpw.Service
	media     *media.Service
	search    *search.Service
	export    *export.Service
	email     *email.Service
	log       zerolog.Logger
	now       func() time.Time
}

func New(deps Deps) *Service {
	s := &Service{
		cfg:      deps.Config,
		store:    deps.Store,
		sessions: deps.Sessions,
		registry: deps.Registry,
		resolver: deps.Resolver,
		gateway:  deps.Gateway,
		media:    deps.Media,
		search:   deps.Search,
		export:   deps.Export,
		email:    deps.Email,
		log:      deps.Logger,
		now:      time.Now,
	}
	if s.sessions == nil {
		if fallback, ok := deps.Store.(sessionStore); ok {
			s.sessions = fallback
		}
	}
	if s.registry == nil {
		s.registry = sections.Default()
	}
	if s.resolver == nil {
		s.resolver = content.NewResolver(s.registry, s.store, content.WithLogger(s.log))
	}
	if s.search == nil {
		s.search = search.NewService(nil, nil, s.log)
	}
	if s.gateway == nil {
		s.gateway = content.NewGateway(s.registry, s.store, s.store, s.resolver,
			content.WithChangeListener(s.search),
			content.WithGatewayLogger(s.log))
	}
	if s.media == nil {
		s.media = media.NewService(nil, s.store, s.cfg.MaxUploadMB<<20, s.log)
	}
	if s.export == nil {
		s.export = export.NewService(s.registry, s.resolver, s.store, nil)
	}
	if s.email == nil {
		s.email = email.NewService(email.Config{})
	}
	s.passwords = authpw.NewService(s.store)
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SMTPConfigured() bool {
	return s.email.IsConfigured()
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, emailAddr, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	ref, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		if store.IsNotFound(err) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, ref.ID)
	if err != nil {
		if store.IsNotFound(err) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	jti := util.NewID("jti")
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, user.Email, jti, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken()
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, s.now().Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		JTI:          jti,
		ExpiresAt:    s.now().Add(s.cfg.AccessTTL),
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if store.IsNotFound(err) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	session := Session{
		Token:    token,
		UserID:   user.ID,
		UserName: user.DisplayName,
		Email:    user.Email,
		JTI:      claims.ID,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// Logout revokes the refresh token. Access tokens are short lived and simply
// expire.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

var themes = map[string]struct{}{
	"classic":  {},
	"sunrise":  {},
	"forest":   {},
	"midnight": {},
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	slug := strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if len(slug) > 48 {
		slug = strings.TrimRight(slug[:48], "-")
	}
	if slug == "" {
		slug = "logbook"
	}
	return slug
}

// CreateLogbook creates a logbook owned by userID. A taken slug is retried
// once with a random suffix.
func (s *Service) CreateLogbook(ctx context.Context, userID, name, theme string) (store.Logbook, error) {
	if theme == "" {
		theme = "classic"
	}
	if _, ok := themes[theme]; !ok {
		return store.Logbook{}, validationError("unknown theme", map[string]string{"theme": "must be one of: classic sunrise forest midnight"})
	}
	logbook := store.Logbook{
		ID:        util.NewID("lb"),
		Name:      strings.TrimSpace(name),
		Slug:      slugify(name),
		Theme:     theme,
		CreatedBy: userID,
	}
	created, err := s.store.CreateLogbook(ctx, logbook)
	if errors.Is(err, store.ErrConflict) {
		logbook.Slug = logbook.Slug + "-" + strings.ToLower(util.NewToken()[:6])
		created, err = s.store.CreateLogbook(ctx, logbook)
	}
	if err != nil {
		return store.Logbook{}, err
	}
	s.log.Info().Str("logbook_id", created.ID).Str("user_id", userID).Msg("logbook created")
	return created, nil
}

func (s *Service) ListLogbooks(ctx context.Context, userID string) ([]store.MemberLogbook, error) {
	return s.store.ListLogbooksForUser(ctx, userID)
}

func (s *Service) GetLogbook(ctx context.Context, logbookID, userID string) (store.Logbook, store.Membership, error) {
	member, err := s.requireAction(ctx, logbookID, userID, rbac.ActionRead)
	if err != nil {
		return store.Logbook{}, store.Membership{}, err
	}
	logbook, err := s.store.GetLogbook(ctx, logbookID)
	return logbook, member, err
}

// LogbookBySlug resolves a share link. Non-members get ErrNotFound so slugs
// cannot be enumerated.
func (s *Service) LogbookBySlug(ctx context.Context, slug, userID string) (store.Logbook, store.Membership, error) {
	logbook, err := s.store.GetLogbookBySlug(ctx, strings.ToLower(strings.TrimSpace(slug)))
	if err != nil {
		return store.Logbook{}, store.Membership{}, err
	}
	member, err := s.requireAction(ctx, logbook.ID, userID, rbac.ActionRead)
	if errors.Is(err, content.ErrPermissionDenied) {
		return store.Logbook{}, store.Membership{}, store.ErrNotFound
	}
	if err != nil {
		return store.Logbook{}, store.Membership{}, err
	}
	return logbook, member, nil
}

func (s *Service) UpdateTheme(ctx context.Context, logbookID, userID, theme string) error {
	if _, err := s.requireAction(ctx, logbookID, userID, rbac.ActionManage); err != nil {
		return err
	}
	if _, ok := themes[theme]; !ok {
		return validationError("unknown theme", map[string]string{"theme": "must be one of: classic sunrise forest midnight"})
	}
	return s.store.UpdateLogbookTheme(ctx, logbookID, theme)
}

func (s *Service) ListMembers(ctx context.Context, logbookID, userID string) ([]store.Membership, error) {
	if _, err := s.requireAction(ctx, logbookID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, logbookID)
}

func (s *Service) UpdateMemberRole(ctx context.Context, logbookID, callerID, memberID, role string) error {
	if _, err := s.requireAction(ctx, logbookID, callerID, rbac.ActionManage); err != nil {
		return err
	}
	if !rbac.Valid(role) {
		return validationError("unknown role", map[string]string{"role": "must be one of: parent family friend"})
	}
	if rbac.Role(role) != rbac.RoleParent {
		if err := s.ensureAnotherParent(ctx, logbookID, memberID); err != nil {
			return err
		}
	}
	return s.store.UpdateMembershipRole(ctx, logbookID, memberID, role)
}

func (s *Service) RemoveMember(ctx context.Context, logbookID, callerID, memberID string) error {
	if _, err := s.requireAction(ctx, logbookID, callerID, rbac.ActionManage); err != nil {
		return err
	}
	if err := s.ensureAnotherParent(ctx, logbookID, memberID); err != nil {
		return err
	}
	return s.store.RemoveMembership(ctx, logbookID, memberID)
}

type InviteInput struct {
	Email string `json:"email" validate:"required,email"`
	Role  string `json:"role" validate:"required,oneof=parent family friend"`
}

// CreateInvite records an invite and mails it when SMTP is configured. The
// returned bool reports whether an email went out.
func (s *Service) CreateInvite(ctx context.Context, logbookID string, session Session, input InviteInput) (store.Invite, bool, error) {
	if _, err := s.requireAction(ctx, logbookID, session.UserID, rbac.ActionManage); err != nil {
		return store.Invite{}, false, err
	}
	logbook, err := s.store.GetLogbook(ctx, logbookID)
	if err != nil {
		return store.Invite{}, false, err
	}

	invite := store.Invite{
		Token:     util.NewToken(),
		LogbookID: logbookID,
		Email:     strings.ToLower(strings.TrimSpace(input.Email)),
		Role:      input.Role,
		InvitedBy: session.UserID,
		ExpiresAt: s.now().Add(s.cfg.InviteTTL),
	}
	if err := s.store.CreateInvite(ctx, invite); err != nil {
		return store.Invite{}, false, err
	}

	if !s.email.IsConfigured() {
		return invite, false, nil
	}
	inviteURL := strings.TrimRight(s.cfg.PublicURL, "/") + "/invites/" + invite.Token
	if err := s.email.SendInvite(invite.Email, session.UserName, logbook.Name, invite.Role, inviteURL, invite.ExpiresAt); err != nil {
		s.log.Warn().Err(err).Str("logbook_id", logbookID).Msg("send invite email")
		return invite, false, nil
	}
	return invite, true, nil
}

func (s *Service) RedeemInvite(ctx context.Context, token, userID string) (store.Membership, error) {
	invite, err := s.store.GetInvite(ctx, token)
	if err != nil {
		return store.Membership{}, err
	}
	if invite.RedeemedAt != nil {
		return store.Membership{}, errInviteUsed
	}
	if s.now().After(invite.ExpiresAt) {
		return store.Membership{}, errInviteExpired
	}
	if _, err := s.store.GetMembership(ctx, invite.LogbookID, userID); err == nil {
		return store.Membership{}, errAlreadyMember
	} else if !store.IsNotFound(err) {
		return store.Membership{}, err
	}

	ok, err := s.store.MarkInviteRedeemed(ctx, token, userID)
	if err != nil {
		return store.Membership{}, err
	}
	if !ok {
		return store.Membership{}, errInviteUsed
	}
	member := store.Membership{LogbookID: invite.LogbookID, UserID: userID, Role: invite.Role}
	if err := s.store.AddMembership(ctx, member); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.Membership{}, errAlreadyMember
		}
		return store.Membership{}, err
	}
	return member, nil
}

func (s *Service) Schema(pageType sections.PageType) ([]sections.SectionDefinition, error) {
	if !s.registry.HasPage(pageType) {
		return nil, fmt.Errorf("page %q: %w", pageType, store.ErrNotFound)
	}
	return s.registry.DefaultSections(pageType), nil
}

type PageView struct {
	LogbookID string                     `json:"logbookId"`
	PageType  sections.PageType          `json:"pageType"`
	Role      string                     `json:"role"`
	Sections  []content.EffectiveSection `json:"sections"`
	Session   editsession.Snapshot       `json:"editSession"`
}

// Page resolves a page for a member. Editors receive hidden sections too so
// they can switch them back on; everyone else only sees visible ones. The
// edit session comes from ctx when the caller attached one for this member.
func (s *Service) Page(ctx context.Context, logbookID string, pageType sections.PageType, userID string) (PageView, error) {
	member, err := s.requireAction(ctx, logbookID, userID, rbac.ActionRead)
	if err != nil {
		return PageView{}, err
	}
	resolved, err := s.resolver.Resolve(ctx, pageType, logbookID)
	if err != nil {
		return PageView{}, err
	}
	session, ok := editsession.FromContext(ctx)
	if !ok || session.Role() != rbac.Normalize(member.Role) {
		session = editsession.New(member.Role)
	}
	snapshot := session.Snapshot()
	if !snapshot.CanEdit {
		visible := make([]content.EffectiveSection, 0, len(resolved))
		for _, section := range resolved {
			if section.Visible {
				visible = append(visible, section)
			}
		}
		resolved = visible
	}
	return PageView{
		LogbookID: logbookID,
		PageType:  pageType,
		Role:      string(rbac.Normalize(member.Role)),
		Sections:  resolved,
		Session:   snapshot,
	}, nil
}

func (s *Service) SetSectionVisibility(ctx context.Context, logbookID string, pageType sections.PageType, sectionKey string, visible bool, userID string) (content.EffectiveSection, error) {
	return s.gateway.SetSectionVisibility(ctx, logbookID, pageType, sectionKey, visible, userID)
}

func (s *Service) SetSectionField(ctx context.Context, logbookID string, pageType sections.PageType, sectionKey, fieldName string, value any, userID string) (content.EffectiveSection, error) {
	return s.gateway.SetSectionField(ctx, logbookID, pageType, sectionKey, fieldName, value, userID)
}

func (s *Service) Export(ctx context.Context, logbookID string, pageType sections.PageType, format export.Format, userID string) (*export.Result, error) {
	if _, err := s.requireAction(ctx, logbookID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if !s.registry.HasPage(pageType) {
		return nil, fmt.Errorf("page %q: %w", pageType, store.ErrNotFound)
	}
	return s.export.Export(ctx, export.Request{LogbookID: logbookID, PageType: pageType, Format: format})
}

func (s *Service) ListMedia(ctx context.Context, logbookID, userID string) ([]store.Media, error) {
	if _, err := s.requireAction(ctx, logbookID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.media.List(ctx, logbookID)
}

func (s *Service) UploadMedia(ctx context.Context, req media.UploadRequest) (store.Media, error) {
	if _, err := s.requireAction(ctx, req.LogbookID, req.UploadedBy, rbac.ActionUpload); err != nil {
		return store.Media{}, err
	}
	item, err := s.media.Upload(ctx, req)
	if err != nil {
		return store.Media{}, err
	}
	s.search.IndexMedia(search.MediaRecord{ID: item.ID, LogbookID: item.LogbookID, Filename: item.Filename, Caption: item.Caption})
	return item, nil
}

func (s *Service) MediaURL(ctx context.Context, logbookID, mediaID, userID string) (string, error) {
	if _, err := s.requireAction(ctx, logbookID, userID, rbac.ActionRead); err != nil {
		return "", err
	}
	return s.media.PresignedURL(ctx, logbookID, mediaID, 15*time.Minute)
}

// DeleteMedia is allowed for parents and for the member who uploaded the item.
func (s *Service) DeleteMedia(ctx context.Context, logbookID, mediaID, userID string) error {
	member, err := s.requireAction(ctx, logbookID, userID, rbac.ActionRead)
	if err != nil {
		return err
	}
	item, err := s.media.Get(ctx, logbookID, mediaID)
	if err != nil {
		return err
	}
	if item.UploadedBy != userID && !rbac.Can(rbac.Normalize(member.Role), rbac.ActionManage) {
		return content.ErrPermissionDenied
	}
	if err := s.media.Delete(ctx, item); err != nil {
		return err
	}
	s.search.DeleteMedia(item.ID)
	return nil
}

func (s *Service) SelectMedia(ctx context.Context, logbookID, userID string, ids []string) ([]store.Media, error) {
	if _, err := s.requireAction(ctx, logbookID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.media.Select(ctx, logbookID, ids)
}

func (s *Service) WriteArchive(ctx context.Context, w io.Writer, items []store.Media) error {
	return s.media.WriteArchive(ctx, w, items)
}

// Search scopes a query to one logbook. Hidden sections are searchable for
// editors only.
func (s *Service) Search(ctx context.Context, logbookID, userID, text string, limit int) (search.Response, error) {
	member, err := s.requireAction(ctx, logbookID, userID, rbac.ActionRead)
	if err != nil {
		return search.Response{}, err
	}
	return s.search.Search(search.Query{
		Text:          text,
		LogbookID:     logbookID,
		IncludeHidden: rbac.Can(rbac.Normalize(member.Role), rbac.ActionEdit),
		Limit:         limit,
	}), nil
}
