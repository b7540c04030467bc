package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"unicode/utf8"

	"heirloom/api/internal/archive"
	"heirloom/api/internal/rbac"
	"heirloom/api/internal/realtime"
	"heirloom/api/internal/search"
	"heirloom/api/internal/util"
)

const (
	maxMessageRunes = 4000
	// FamilyChannel names the family-wide conversation in message routes.
	FamilyChannel = "family"
)

type MessageInput struct {
	ID       string `json:"id"`
	ToUser   string `json:"toUser"`
	MemoryID string `json:"memoryId"`
	PersonID string `json:"personId"`
	Body     string `json:"body"`
}

// SendMessage posts a direct message, a family-wide message (no recipient) or
// an annotation (memory id set).
func (s *Service) SendMessage(ctx context.Context, session Session, input MessageInput) (archive.Message, error) {
	if err := s.require(session, rbac.ActionAnnotate); err != nil {
		return archive.Message{}, err
	}
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return archive.Message{}, invalid("Message body is required", map[string]string{"body": "required"})
	}
	if utf8.RuneCountInString(body) > maxMessageRunes {
		return archive.Message{}, invalid("Message body is too long", map[string]string{"body": "max=4000"})
	}
	to := strings.TrimSpace(input.ToUser)
	if to == FamilyChannel {
		to = ""
	}
	if to != "" && strings.EqualFold(to, session.UserName) {
		return archive.Message{}, invalid("Cannot send a message to yourself", map[string]string{"toUser": "self"})
	}
	if to != "" {
		if err := s.requireMember(ctx, session.ProtocolKey, to); err != nil {
			return archive.Message{}, err
		}
	}
	if input.MemoryID != "" {
		if _, err := s.GetMemory(ctx, session.ProtocolKey, input.MemoryID); err != nil {
			return archive.Message{}, err
		}
	}
	if input.PersonID != "" {
		if err := s.requirePeople(ctx, session.ProtocolKey, []string{input.PersonID}, "personId"); err != nil {
			return archive.Message{}, err
		}
	}

	id := input.ID
	if id == "" {
		id = util.NewID("msg")
	}
	saved, err := s.store.InsertMessage(ctx, session.ProtocolKey, archive.Message{
		ID:       id,
		FromUser: session.UserName,
		ToUser:   to,
		MemoryID: input.MemoryID,
		PersonID: input.PersonID,
		Body:     body,
	})
	if err != nil {
		return archive.Message{}, err
	}
	s.search.IndexMessage(search.MessageRecordFrom(session.ProtocolKey, saved))
	s.publish(ctx, realtime.Event{
		Type:        realtime.MessageCreated,
		ProtocolKey: session.ProtocolKey,
		ID:          saved.ID,
		Revision:    saved.Revision,
		Audience:    audience(saved),
	})
	return saved, nil
}

// Conversation lists the messages between the caller and peer, or the
// family-wide channel when peer is FamilyChannel.
func (s *Service) Conversation(ctx context.Context, session Session, peer string, limit int) ([]archive.Message, error) {
	if limit < 0 {
		return nil, invalid("limit must not be negative", map[string]string{"limit": "min=0"})
	}
	if peer == FamilyChannel {
		peer = ""
	}
	messages, err := s.store.ListConversation(ctx, session.ProtocolKey, session.UserName, peer, limit)
	if err != nil {
		return nil, err
	}
	return nonNilMessages(messages), nil
}

func (s *Service) Annotations(ctx context.Context, protocolKey, memoryID string) ([]archive.Message, error) {
	if _, err := s.GetMemory(ctx, protocolKey, memoryID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListAnnotations(ctx, protocolKey, memoryID)
	if err != nil {
		return nil, err
	}
	return nonNilMessages(messages), nil
}

func (s *Service) Inbox(ctx context.Context, session Session) ([]archive.InboxEntry, error) {
	entries, err := s.store.ListInbox(ctx, session.ProtocolKey, session.UserName)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []archive.InboxEntry{}
	}
	return entries, nil
}

func (s *Service) MarkRead(ctx context.Context, session Session, peer string) (int, error) {
	return s.store.MarkRead(ctx, session.ProtocolKey, session.UserName, peer)
}

// DeleteMessage removes a message. Only its author or an admin may do so.
func (s *Service) DeleteMessage(ctx context.Context, session Session, messageID string) (int64, error) {
	message, err := s.store.GetMessage(ctx, session.ProtocolKey, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, notFound("Message")
	}
	if err != nil {
		return 0, err
	}
	if message.FromUser != session.UserName && !s.Can(session, rbac.ActionAdmin) {
		return 0, forbidden("Only the author can delete a message")
	}
	revision, err := s.store.DeleteMessage(ctx, session.ProtocolKey, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, notFound("Message")
	}
	if err != nil {
		return 0, err
	}
	s.search.DeleteMessage(messageID)
	s.publish(ctx, realtime.Event{
		Type:        realtime.MessageDeleted,
		ProtocolKey: session.ProtocolKey,
		ID:          messageID,
		Revision:    revision,
		Audience:    audience(message),
	})
	return revision, nil
}

func (s *Service) requireMember(ctx context.Context, protocolKey, name string) error {
	users, err := s.store.ListUsers(ctx, protocolKey)
	if err != nil {
		return err
	}
	for _, u := range users {
		if u.DisplayName == name {
			return nil
		}
	}
	return notFound("Recipient")
}

// audience restricts direct messages to their two participants.
func audience(m archive.Message) []string {
	if m.ToUser == "" || m.MemoryID != "" {
		return nil
	}
	return []string{m.FromUser, m.ToUser}
}
