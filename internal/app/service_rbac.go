package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"heirloom/api/internal/familypw"
	"heirloom/api/internal/rbac"
)

type FamilyMember struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	IsAdmin     bool      `json:"isAdmin"`
	JoinedAt    time.Time `json:"joinedAt"`
}

type FamilyInfo struct {
	ProtocolKey     string         `json:"protocolKey"`
	Name            string         `json:"name"`
	HasViewerAccess bool           `json:"hasViewerPassword"`
	Members         []FamilyMember `json:"members"`
}

// Family describes the caller's family and everyone who has signed in to it.
func (s *Service) Family(ctx context.Context, session Session) (FamilyInfo, error) {
	family, err := s.store.GetFamily(ctx, session.ProtocolKey)
	if err != nil {
		return FamilyInfo{}, err
	}
	users, err := s.store.ListUsers(ctx, session.ProtocolKey)
	if err != nil {
		return FamilyInfo{}, err
	}
	members := make([]FamilyMember, 0, len(users))
	for _, u := range users {
		members = append(members, FamilyMember{ID: u.ID, DisplayName: u.DisplayName, IsAdmin: u.IsAdmin, JoinedAt: u.CreatedAt})
	}
	return FamilyInfo{
		ProtocolKey:     family.ProtocolKey,
		Name:            family.Name,
		HasViewerAccess: family.ViewerPasswordHash != "",
		Members:         members,
	}, nil
}

// ChangePassword rotates the shared password, or sets the viewer password
// when viewer is set. Admins only; current must be the shared password.
func (s *Service) ChangePassword(ctx context.Context, session Session, current, next string, viewer bool) error {
	if err := s.require(session, rbac.ActionAdmin); err != nil {
		return err
	}
	err := s.passwords.ChangePassword(ctx, session.ProtocolKey, current, next, viewer)
	switch {
	case errors.Is(err, familypw.ErrPasswordTooShort):
		return invalid(err.Error(), map[string]string{"next": "min=8"})
	case errors.Is(err, familypw.ErrInvalidCredentials):
		return domainError(http.StatusForbidden, "INVALID_CREDENTIALS", "Current password is incorrect", nil)
	case err != nil:
		return err
	}
	s.logger.Info("family password changed",
		zap.String("protocol_key", session.ProtocolKey),
		zap.String("by", session.UserName),
		zap.Bool("viewer", viewer),
	)
	return nil
}
