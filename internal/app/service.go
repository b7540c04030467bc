package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"heirloom/api/internal/archive"
	"heirloom/api/internal/auth"
	"heirloom/api/internal/blob"
	"heirloom/api/internal/config"
	"heirloom/api/internal/export"
	"heirloom/api/internal/familypw"
	"heirloom/api/internal/journal"
	"heirloom/api/internal/metrics"
	"heirloom/api/internal/rbac"
	"heirloom/api/internal/realtime"
	"heirloom/api/internal/search"
	"heirloom/api/internal/session"
	"heirloom/api/internal/store"
	"heirloom/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	ProtocolKey  string
	FamilyName   string
	Role         rbac.Role
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetFamily(ctx context.Context, protocolKey string) (store.Family, error)
	InsertFamily(ctx context.Context, family store.Family) error
	UpdateFamilyPassword(ctx context.Context, protocolKey, hash string, viewer bool) error
	EnsureUser(ctx context.Context, protocolKey, name string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	ListUsers(ctx context.Context, protocolKey string) ([]store.User, error)

	ListPeople(ctx context.Context, protocolKey string) ([]archive.Person, error)
	GetPerson(ctx context.Context, protocolKey, personID string) (archive.Person, error)
	InsertPerson(ctx context.Context, protocolKey string, person archive.Person) (archive.Person, error)
	UpdatePerson(ctx context.Context, protocolKey string, person archive.Person) (archive.Person, error)
	DeletePerson(ctx context.Context, protocolKey, personID string) (int64, error)
	CountPeople(ctx context.Context, protocolKey string, ids []string) (int, error)

	ListMemories(ctx context.Context, protocolKey string, filter store.MemoryFilter) ([]archive.Memory, error)
	GetMemory(ctx context.Context, protocolKey, memoryID string) (archive.Memory, error)
	InsertMemory(ctx context.Context, protocolKey string, memory archive.Memory) (archive.Memory, error)
	UpdateMemory(ctx context.Context, protocolKey string, memory archive.Memory) (archive.Memory, error)
	DeleteMemory(ctx context.Context, protocolKey, memoryID string) (int64, error)

	InsertMessage(ctx context.Context, protocolKey string, message archive.Message) (archive.Message, error)
	GetMessage(ctx context.Context, protocolKey, messageID string) (archive.Message, error)
	ListConversation(ctx context.Context, protocolKey, user, peer string, limit int) ([]archive.Message, error)
	ListAnnotations(ctx context.Context, protocolKey, memoryID string) ([]archive.Message, error)
	ListInbox(ctx context.Context, protocolKey, user string) ([]archive.InboxEntry, error)
	MarkRead(ctx context.Context, protocolKey, user, peer string) (int, error)
	DeleteMessage(ctx context.Context, protocolKey, messageID string) (int64, error)

	TreeRevision(ctx context.Context, protocolKey string) (int64, error)
	ChangesSince(ctx context.Context, protocolKey, user string, since int64) (archive.Changes, error)
	GetAppliedMutation(ctx context.Context, protocolKey, opID string) (store.AppliedMutation, error)
	RecordMutation(ctx context.Context, protocolKey string, applied store.AppliedMutation) error

	Ping(ctx context.Context) error
}

// sessionStore is implemented by store.PostgresStore and session.RedisStore.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// Deps are the collaborators wired by cmd/api. Nil optional fields fall back
// to in-process implementations.
type Deps struct {
	Store    *store.PostgresStore
	Sessions sessionStore
	Blobs    blob.Store
	Search   *search.Service
	Journal  *journal.Service
	Events   realtime.Publisher
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	tokens    *auth.Signer
	passwords *familypw.Service
	blobs     blob.Store
	search    *search.Service
	journal   *journal.Service
	exporter  *export.Service
	events    realtime.Publisher
	metrics   *metrics.Metrics
	validate  *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var sessions sessionStore = deps.Store
	if deps.Sessions != nil {
		sessions = deps.Sessions
	}
	blobs := deps.Blobs
	if blobs == nil {
		blobs = blob.NewMemoryStore()
	}
	searcher := deps.Search
	if searcher == nil {
		searcher = search.NewService(nil, nil, logger)
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	events := deps.Events
	if events == nil {
		events = realtime.LocalPublisher{Hub: realtime.NewHub(logger)}
	}
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  sessions,
		tokens:    auth.NewSigner(cfg.TokenSecret, cfg.TokenPreviousSecrets...),
		passwords: familypw.NewService(deps.Store),
		blobs:     blobs,
		search:    searcher,
		journal:   deps.Journal,
		exporter:  export.NewService(blobs, logger),
		events:    events,
		metrics:   m,
		validate:  newValidator(),
		logger:    logger.Named("app"),
		now:       time.Now,
	}
}

// Bootstrap creates the configured first family on an empty database.
func (s *Service) Bootstrap(ctx context.Context) error {
	key := familypw.NormalizeProtocolKey(s.cfg.BootstrapProtocolKey)
	if key == "" {
		return nil
	}
	if _, err := s.store.GetFamily(ctx, key); err == nil {
		return nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load bootstrap family: %w", err)
	}
	if _, err := s.passwords.CreateFamily(ctx, key, key, s.cfg.BootstrapPassword); err != nil {
		return fmt.Errorf("bootstrap family: %w", err)
	}
	s.logger.Info("bootstrap family created", zap.String("protocol_key", key))
	return nil
}

// Login checks the family password and opens a session for name. A requested
// role is honoured only when it is lower than what the password grants.
func (s *Service) Login(ctx context.Context, protocolKey, name, password, requestedRole string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		return Session{}, invalid("Name is required", map[string]string{"name": "required"})
	}
	if len(userName) > 80 {
		return Session{}, invalid("Name is too long", map[string]string{"name": "max=80"})
	}

	family, granted, err := s.passwords.Authenticate(ctx, protocolKey, password)
	if err != nil {
		if errors.Is(err, familypw.ErrInvalidCredentials) {
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid protocol key or password", nil)
		}
		return Session{}, err
	}

	user, err := s.store.EnsureUser(ctx, family.ProtocolKey, userName)
	if err != nil {
		return Session{}, err
	}
	if user.IsAdmin && granted == rbac.RoleEditor {
		granted = rbac.RoleAdmin
	}
	role := granted
	if requestedRole != "" {
		role = rbac.Cap(rbac.Role(requestedRole), granted)
	}
	user.Role = string(role)
	return s.issueSession(ctx, user, family.Name)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, session.ErrSessionNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	family, err := s.store.GetFamily(ctx, user.ProtocolKey)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user, family.Name)
}

func (s *Service) issueSession(ctx context.Context, user store.User, familyName string) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")
	role := rbac.Normalize(user.Role)

	token, err := s.tokens.Issue(auth.Claims{
		Sub:         user.ID,
		Name:        user.DisplayName,
		Role:        string(role),
		ProtocolKey: user.ProtocolKey,
		JTI:         jti,
		IssuedAt:    now.Unix(),
		Exp:         expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh, err := auth.NewRefreshToken()
	if err != nil {
		return Session{}, err
	}
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		ProtocolKey:  user.ProtocolKey,
		FamilyName:   familyName,
		Role:         role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken resolves an access token. The role comes from the token so
// a capped login stays capped.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if user.ProtocolKey != claims.ProtocolKey {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:       token,
		UserID:      user.ID,
		UserName:    user.DisplayName,
		ProtocolKey: user.ProtocolKey,
		Role:        rbac.Normalize(claims.Role),
		JTI:         claims.JTI,
		ExpiresAt:   time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token", zap.Error(err))
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh session", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) Can(session Session, action rbac.Action) bool {
	return rbac.Can(session.Role, action)
}

func (s *Service) require(session Session, action rbac.Action) error {
	if !s.Can(session, action) {
		return forbidden(fmt.Sprintf("Role %s cannot %s", session.Role, action))
	}
	return nil
}

// Tree returns the family's people and memories with the current sync cursor.
func (s *Service) Tree(ctx context.Context, protocolKey string) (archive.Tree, error) {
	family, err := s.store.GetFamily(ctx, protocolKey)
	if err != nil {
		return archive.Tree{}, fmt.Errorf("load family: %w", err)
	}
	people, err := s.ListPeople(ctx, protocolKey)
	if err != nil {
		return archive.Tree{}, err
	}
	memories, err := s.store.ListMemories(ctx, protocolKey, store.MemoryFilter{})
	if err != nil {
		return archive.Tree{}, err
	}
	revision, err := s.store.TreeRevision(ctx, protocolKey)
	if err != nil {
		return archive.Tree{}, err
	}
	return archive.Tree{
		ProtocolKey: protocolKey,
		FamilyName:  family.Name,
		People:      people,
		Memories:    nonNilMemories(memories),
		Revision:    revision,
	}, nil
}

// Changes returns every record the user may see whose revision exceeds since.
func (s *Service) Changes(ctx context.Context, protocolKey, user string, since int64) (archive.Changes, error) {
	if since < 0 {
		return archive.Changes{}, invalid("since must not be negative", map[string]string{"since": "min=0"})
	}
	changes, err := s.store.ChangesSince(ctx, protocolKey, user, since)
	if err != nil {
		return archive.Changes{}, err
	}
	if changes.People == nil {
		changes.People = []archive.Person{}
	}
	changes.Memories = nonNilMemories(changes.Memories)
	changes.Messages = nonNilMessages(changes.Messages)
	return changes, nil
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// publish notifies subscribers. Delivery failures never fail the write.
func (s *Service) publish(ctx context.Context, ev realtime.Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish event", zap.String("type", string(ev.Type)), zap.String("id", ev.ID), zap.Error(err))
	}
}

func nonNilMemories(memories []archive.Memory) []archive.Memory {
	if memories == nil {
		return []archive.Memory{}
	}
	return memories
}

func nonNilMessages(messages []archive.Message) []archive.Message {
	if messages == nil {
		return []archive.Message{}
	}
	return messages
}
