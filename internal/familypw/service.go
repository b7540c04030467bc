// Package familypw authenticates members of a family with the family's
// shared password, or its optional read-only viewer password.
package familypw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"heirloom/api/internal/rbac"
	"heirloom/api/internal/store"
)

const MinPasswordLength = 8

var (
	// ErrInvalidCredentials covers both an unknown protocol key and a wrong
	// password so callers cannot enumerate families.
	ErrInvalidCredentials = errors.New("invalid protocol key or password")
	ErrPasswordTooShort   = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrFamilyExists       = errors.New("family already exists")
	ErrInvalidProtocolKey = errors.New("protocol key must be 3-64 characters of a-z, 0-9, '-' or '_'")
)

var protocolKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{2,63}$`)

// FamilyStore is the slice of the store the service needs.
type FamilyStore interface {
	GetFamily(ctx context.Context, protocolKey string) (store.Family, error)
	InsertFamily(ctx context.Context, family store.Family) error
	UpdateFamilyPassword(ctx context.Context, protocolKey, hash string, viewer bool) error
}

type Service struct {
	store FamilyStore
	cost  int
}

func NewService(store FamilyStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

// WithCost overrides the bcrypt cost. Tests use bcrypt.MinCost.
func (s *Service) WithCost(cost int) *Service {
	s.cost = cost
	return s
}

// Authenticate checks password against the family's hashes and returns the
// role it grants: editor for the shared password, viewer for the viewer one.
func (s *Service) Authenticate(ctx context.Context, protocolKey, password string) (store.Family, rbac.Role, error) {
	protocolKey = NormalizeProtocolKey(protocolKey)
	if protocolKey == "" || password == "" {
		return store.Family{}, "", ErrInvalidCredentials
	}

	family, err := s.store.GetFamily(ctx, protocolKey)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Family{}, "", ErrInvalidCredentials
	}
	if err != nil {
		return store.Family{}, "", fmt.Errorf("load family: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(family.PasswordHash), []byte(password)) == nil {
		return family, rbac.RoleEditor, nil
	}
	if family.ViewerPasswordHash != "" &&
		bcrypt.CompareHashAndPassword([]byte(family.ViewerPasswordHash), []byte(password)) == nil {
		return family, rbac.RoleViewer, nil
	}
	return store.Family{}, "", ErrInvalidCredentials
}

// ChangePassword replaces the shared password (or the viewer password when
// viewer is set) after checking current against the shared password.
func (s *Service) ChangePassword(ctx context.Context, protocolKey, current, next string, viewer bool) error {
	if len(next) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if _, role, err := s.Authenticate(ctx, protocolKey, current); err != nil {
		return err
	} else if role != rbac.RoleEditor {
		return ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdateFamilyPassword(ctx, NormalizeProtocolKey(protocolKey), string(hash), viewer); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// CreateFamily registers a new tenant with its shared password.
func (s *Service) CreateFamily(ctx context.Context, protocolKey, name, password string) (store.Family, error) {
	protocolKey = NormalizeProtocolKey(protocolKey)
	if !protocolKeyPattern.MatchString(protocolKey) {
		return store.Family{}, ErrInvalidProtocolKey
	}
	if len(password) < MinPasswordLength {
		return store.Family{}, ErrPasswordTooShort
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = protocolKey
	}

	if _, err := s.store.GetFamily(ctx, protocolKey); err == nil {
		return store.Family{}, ErrFamilyExists
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.Family{}, fmt.Errorf("load family: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return store.Family{}, fmt.Errorf("hash password: %w", err)
	}
	family := store.Family{ProtocolKey: protocolKey, Name: name, PasswordHash: string(hash)}
	if err := s.store.InsertFamily(ctx, family); err != nil {
		return store.Family{}, fmt.Errorf("create family: %w", err)
	}
	return family, nil
}

// NormalizeProtocolKey lowercases and trims a user-entered key.
func NormalizeProtocolKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
