package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"heirloom/api/internal/archive"
	"heirloom/api/internal/rbac"
	"heirloom/api/internal/store"
)

const maxMutationBatch = 200

// ApplyMutations replays queued client writes in order. An op id seen before
// reports duplicate without reapplying. Ops the caller got wrong are rejected
// and recorded; any other failure aborts the batch so the client retries from
// that op.
func (s *Service) ApplyMutations(ctx context.Context, session Session, mutations []archive.Mutation) ([]archive.MutationResult, error) {
	if len(mutations) > maxMutationBatch {
		return nil, invalid(fmt.Sprintf("At most %d mutations per batch", maxMutationBatch), nil)
	}
	results := make([]archive.MutationResult, 0, len(mutations))
	for _, m := range mutations {
		result, err := s.applyMutation(ctx, session, m)
		if err != nil {
			return nil, err
		}
		s.metrics.ObserveMutation(string(result.Status))
		results = append(results, result)
	}
	return results, nil
}

func (s *Service) applyMutation(ctx context.Context, session Session, m archive.Mutation) (archive.MutationResult, error) {
	if err := s.validate.Struct(m); err != nil {
		return archive.MutationResult{OpID: m.OpID, Status: archive.MutationRejected, Error: validationError(err).Error()}, nil
	}

	previous, err := s.store.GetAppliedMutation(ctx, session.ProtocolKey, m.OpID)
	if err == nil {
		return archive.MutationResult{OpID: m.OpID, Status: archive.MutationDuplicate, Revision: previous.Revision, Error: previous.Error}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return archive.MutationResult{}, err
	}

	revision, err := s.dispatchMutation(ctx, session, m)
	result := archive.MutationResult{OpID: m.OpID, Status: archive.MutationApplied, Revision: revision}
	if err != nil {
		if !rejectable(err) {
			return archive.MutationResult{}, fmt.Errorf("apply %s %s %s: %w", m.Action, m.Entity, m.EntityID, err)
		}
		result = archive.MutationResult{OpID: m.OpID, Status: archive.MutationRejected, Error: err.Error()}
		s.logger.Info("mutation rejected",
			zap.String("op_id", m.OpID),
			zap.String("entity", string(m.Entity)),
			zap.String("entity_id", m.EntityID),
			zap.Error(err),
		)
	}

	if err := s.store.RecordMutation(ctx, session.ProtocolKey, store.AppliedMutation{
		OpID:     result.OpID,
		Status:   result.Status,
		Revision: result.Revision,
		Error:    result.Error,
	}); err != nil {
		return archive.MutationResult{}, err
	}
	return result, nil
}

func (s *Service) dispatchMutation(ctx context.Context, session Session, m archive.Mutation) (int64, error) {
	switch m.Entity {
	case archive.EntityPerson:
		if m.Action == archive.ActionDelete {
			return ignoreMissing(s.DeletePerson(ctx, session, m.EntityID))
		}
		var person archive.Person
		if err := decodePayload(m.Payload, &person); err != nil {
			return 0, err
		}
		person.ID = m.EntityID
		saved, err := s.upsertPerson(ctx, session, person)
		return saved.Revision, err

	case archive.EntityMemory:
		if m.Action == archive.ActionDelete {
			return ignoreMissing(s.DeleteMemory(ctx, session, m.EntityID))
		}
		var memory archive.Memory
		if err := decodePayload(m.Payload, &memory); err != nil {
			return 0, err
		}
		memory.ID = m.EntityID
		saved, err := s.upsertMemory(ctx, session, memory)
		return saved.Revision, err

	case archive.EntityMessage:
		if m.Action == archive.ActionDelete {
			return ignoreMissing(s.DeleteMessage(ctx, session, m.EntityID))
		}
		var input MessageInput
		if err := decodePayload(m.Payload, &input); err != nil {
			return 0, err
		}
		input.ID = m.EntityID
		// Messages are immutable; one already stored came from an earlier
		// attempt whose outcome was never recorded.
		if existing, err := s.store.GetMessage(ctx, session.ProtocolKey, m.EntityID); err == nil {
			return existing.Revision, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
		saved, err := s.SendMessage(ctx, session, input)
		return saved.Revision, err
	}
	return 0, invalid("Unknown entity", map[string]string{"entity": "oneof"})
}

// upsertPerson creates the person under the client's id or replaces the
// stored one wholesale.
func (s *Service) upsertPerson(ctx context.Context, session Session, person archive.Person) (archive.Person, error) {
	_, err := s.store.GetPerson(ctx, session.ProtocolKey, person.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return s.CreatePerson(ctx, session, person)
	}
	if err != nil {
		return archive.Person{}, err
	}
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return archive.Person{}, err
	}
	return s.replacePerson(ctx, session.ProtocolKey, person)
}

// upsertMemory keeps the blob fields of an existing memory; offline clients
// only edit metadata.
func (s *Service) upsertMemory(ctx context.Context, session Session, memory archive.Memory) (archive.Memory, error) {
	current, err := s.store.GetMemory(ctx, session.ProtocolKey, memory.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return s.CreateMemory(ctx, session, memory)
	}
	if err != nil {
		return archive.Memory{}, err
	}
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return archive.Memory{}, err
	}
	memory.BlobKey, memory.FileName, memory.MimeType, memory.SizeBytes = current.BlobKey, current.FileName, current.MimeType, current.SizeBytes
	memory.UploadedBy = current.UploadedBy
	return s.replaceMemory(ctx, session.ProtocolKey, memory)
}

func decodePayload(payload json.RawMessage, target any) error {
	if len(payload) == 0 {
		return invalid("Mutation payload is required", map[string]string{"payload": "required"})
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return invalid("Mutation payload is not valid JSON", map[string]string{"payload": "json"})
	}
	return nil
}

// ignoreMissing treats deleting something already gone as done.
func ignoreMissing(revision int64, err error) (int64, error) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Status == http.StatusNotFound {
		return 0, nil
	}
	return revision, err
}
