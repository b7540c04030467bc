package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"heirloom/api/internal/archive"
	"heirloom/api/internal/rbac"
	"heirloom/api/internal/realtime"
	"heirloom/api/internal/search"
	"heirloom/api/internal/store"
	"heirloom/api/internal/util"
)

// PersonPatch is a partial person update. Nil fields stay unchanged.
type PersonPatch struct {
	Name           *string   `json:"name"`
	Nickname       *string   `json:"nickname"`
	BirthDate      *string   `json:"birthDate"`
	DeathDate      *string   `json:"deathDate"`
	BirthPlace     *string   `json:"birthPlace"`
	Biography      *string   `json:"biography"`
	Gender         *string   `json:"gender"`
	ParentIDs      *[]string `json:"parentIds"`
	SpouseIDs      *[]string `json:"spouseIds"`
	AvatarMemoryID *string   `json:"avatarMemoryId"`
}

func (p PersonPatch) apply(person *archive.Person) {
	setString(&person.Name, p.Name)
	setString(&person.Nickname, p.Nickname)
	setString(&person.BirthDate, p.BirthDate)
	setString(&person.DeathDate, p.DeathDate)
	setString(&person.BirthPlace, p.BirthPlace)
	setString(&person.Biography, p.Biography)
	setString(&person.Gender, p.Gender)
	setString(&person.AvatarMemoryID, p.AvatarMemoryID)
	if p.ParentIDs != nil {
		person.ParentIDs = *p.ParentIDs
	}
	if p.SpouseIDs != nil {
		person.SpouseIDs = *p.SpouseIDs
	}
}

func setString(dst *string, value *string) {
	if value != nil {
		*dst = strings.TrimSpace(*value)
	}
}

// ListPeople returns the family with generations derived, oldest first.
func (s *Service) ListPeople(ctx context.Context, protocolKey string) ([]archive.Person, error) {
	people, err := s.store.ListPeople(ctx, protocolKey)
	if err != nil {
		return nil, err
	}
	if people == nil {
		people = []archive.Person{}
	}
	archive.AssignGenerations(people)
	archive.SortPeople(people)
	return people, nil
}

func (s *Service) GetPerson(ctx context.Context, protocolKey, personID string) (archive.Person, error) {
	people, err := s.ListPeople(ctx, protocolKey)
	if err != nil {
		return archive.Person{}, err
	}
	for _, p := range people {
		if p.ID == personID {
			return p, nil
		}
	}
	return archive.Person{}, notFound("Person")
}

func (s *Service) CreatePerson(ctx context.Context, session Session, input archive.Person) (archive.Person, error) {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return archive.Person{}, err
	}
	if input.ID == "" {
		input.ID = util.NewID("per")
	}
	person, err := s.prepPerson(ctx, session.ProtocolKey, input)
	if err != nil {
		return archive.Person{}, err
	}
	saved, err := s.store.InsertPerson(ctx, session.ProtocolKey, person)
	if errors.Is(err, store.ErrIDTaken) {
		return archive.Person{}, conflict("Person " + person.ID + " was deleted or belongs elsewhere")
	}
	if err != nil {
		return archive.Person{}, err
	}
	s.afterPersonWrite(ctx, session.ProtocolKey, saved)
	return saved, nil
}

func (s *Service) UpdatePerson(ctx context.Context, session Session, personID string, patch PersonPatch) (archive.Person, error) {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return archive.Person{}, err
	}
	current, err := s.store.GetPerson(ctx, session.ProtocolKey, personID)
	if errors.Is(err, sql.ErrNoRows) {
		return archive.Person{}, notFound("Person")
	}
	if err != nil {
		return archive.Person{}, err
	}
	patch.apply(&current)
	return s.replacePerson(ctx, session.ProtocolKey, current)
}

func (s *Service) replacePerson(ctx context.Context, protocolKey string, person archive.Person) (archive.Person, error) {
	person, err := s.prepPerson(ctx, protocolKey, person)
	if err != nil {
		return archive.Person{}, err
	}
	saved, err := s.store.UpdatePerson(ctx, protocolKey, person)
	if errors.Is(err, sql.ErrNoRows) {
		return archive.Person{}, notFound("Person")
	}
	if err != nil {
		return archive.Person{}, err
	}
	s.afterPersonWrite(ctx, protocolKey, saved)
	return saved, nil
}

func (s *Service) DeletePerson(ctx context.Context, session Session, personID string) (int64, error) {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return 0, err
	}
	revision, err := s.store.DeletePerson(ctx, session.ProtocolKey, personID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, notFound("Person")
	}
	if err != nil {
		return 0, err
	}
	s.search.DeletePerson(personID)
	s.publish(ctx, realtime.Event{Type: realtime.PersonDeleted, ProtocolKey: session.ProtocolKey, ID: personID, Revision: revision})
	return revision, nil
}

// prepPerson trims and validates a person and checks the lineage rules
// against the rest of the family.
func (s *Service) prepPerson(ctx context.Context, protocolKey string, person archive.Person) (archive.Person, error) {
	person.Name = strings.TrimSpace(person.Name)
	person.ParentIDs = dedupeIDs(person.ParentIDs)
	person.SpouseIDs = dedupeIDs(person.SpouseIDs)
	if err := s.validate.Struct(person); err != nil {
		return archive.Person{}, validationError(err)
	}
	for _, id := range person.ParentIDs {
		if id == person.ID {
			return archive.Person{}, invalid("A person cannot be their own parent", map[string]string{"parentIds": "self"})
		}
	}
	for _, id := range person.SpouseIDs {
		if id == person.ID {
			return archive.Person{}, invalid("A person cannot be their own spouse", map[string]string{"spouseIds": "self"})
		}
	}
	if len(person.ParentIDs) > 2 {
		return archive.Person{}, invalid("A person has at most two parents", map[string]string{"parentIds": "max=2"})
	}

	if err := s.requirePeople(ctx, protocolKey, person.ParentIDs, "parentIds"); err != nil {
		return archive.Person{}, err
	}
	if err := s.requirePeople(ctx, protocolKey, person.SpouseIDs, "spouseIds"); err != nil {
		return archive.Person{}, err
	}
	if len(person.ParentIDs) > 0 {
		people, err := s.store.ListPeople(ctx, protocolKey)
		if err != nil {
			return archive.Person{}, err
		}
		if archive.CreatesCycle(people, person.ID, person.ParentIDs) {
			return archive.Person{}, invalid("Parents would make a person their own ancestor", map[string]string{"parentIds": "cycle"})
		}
	}
	return person, nil
}

// requirePeople fails unless every id names a live person of the family.
func (s *Service) requirePeople(ctx context.Context, protocolKey string, ids []string, field string) error {
	if len(ids) == 0 {
		return nil
	}
	count, err := s.store.CountPeople(ctx, protocolKey, ids)
	if err != nil {
		return err
	}
	if count != len(ids) {
		return invalid("Unknown person referenced", map[string]string{field: "exists"})
	}
	return nil
}

func (s *Service) afterPersonWrite(ctx context.Context, protocolKey string, person archive.Person) {
	s.search.IndexPerson(search.PersonRecordFrom(protocolKey, person))
	s.publish(ctx, realtime.Event{Type: realtime.PersonUpserted, ProtocolKey: protocolKey, ID: person.ID, Revision: person.Revision})
}

func dedupeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
