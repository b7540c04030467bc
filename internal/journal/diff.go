package journal

import (
	"reflect"
	"sort"

	"heirloom/api/internal/archive"
)

// Change names one record that differs between two snapshots.
type Change struct {
	Entity archive.Entity `json:"entity"`
	ID     string         `json:"id"`
	Label  string         `json:"label"`
	Kind   string         `json:"kind"` // added, removed, changed
	Fields []string       `json:"fields,omitempty"`
}

// Compare lists the people and memories added, removed or edited between
// from and to, ordered by entity then label.
func Compare(from, to archive.Tree) []Change {
	changes := make([]Change, 0)

	before := make(map[string]archive.Person, len(from.People))
	for _, p := range from.People {
		before[p.ID] = p
	}
	seen := make(map[string]bool, len(to.People))
	for _, p := range to.People {
		seen[p.ID] = true
		old, ok := before[p.ID]
		if !ok {
			changes = append(changes, Change{Entity: archive.EntityPerson, ID: p.ID, Label: p.Name, Kind: "added"})
			continue
		}
		if fields := personFields(old, p); len(fields) > 0 {
			changes = append(changes, Change{Entity: archive.EntityPerson, ID: p.ID, Label: p.Name, Kind: "changed", Fields: fields})
		}
	}
	for _, p := range from.People {
		if !seen[p.ID] {
			changes = append(changes, Change{Entity: archive.EntityPerson, ID: p.ID, Label: p.Name, Kind: "removed"})
		}
	}

	beforeMem := make(map[string]archive.Memory, len(from.Memories))
	for _, m := range from.Memories {
		beforeMem[m.ID] = m
	}
	seenMem := make(map[string]bool, len(to.Memories))
	for _, m := range to.Memories {
		seenMem[m.ID] = true
		old, ok := beforeMem[m.ID]
		if !ok {
			changes = append(changes, Change{Entity: archive.EntityMemory, ID: m.ID, Label: m.Title, Kind: "added"})
			continue
		}
		if fields := memoryFields(old, m); len(fields) > 0 {
			changes = append(changes, Change{Entity: archive.EntityMemory, ID: m.ID, Label: m.Title, Kind: "changed", Fields: fields})
		}
	}
	for _, m := range from.Memories {
		if !seenMem[m.ID] {
			changes = append(changes, Change{Entity: archive.EntityMemory, ID: m.ID, Label: m.Title, Kind: "removed"})
		}
	}

	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].Entity != changes[j].Entity {
			return changes[i].Entity > changes[j].Entity // person before memory
		}
		return changes[i].Label < changes[j].Label
	})
	return changes
}

func personFields(a, b archive.Person) []string {
	var fields []string
	check := func(name string, changed bool) {
		if changed {
			fields = append(fields, name)
		}
	}
	check("name", a.Name != b.Name)
	check("nickname", a.Nickname != b.Nickname)
	check("birthDate", a.BirthDate != b.BirthDate)
	check("deathDate", a.DeathDate != b.DeathDate)
	check("birthPlace", a.BirthPlace != b.BirthPlace)
	check("biography", a.Biography != b.Biography)
	check("gender", a.Gender != b.Gender)
	check("parentIds", !sameIDs(a.ParentIDs, b.ParentIDs))
	check("spouseIds", !sameIDs(a.SpouseIDs, b.SpouseIDs))
	check("avatarMemoryId", a.AvatarMemoryID != b.AvatarMemoryID)
	return fields
}

func memoryFields(a, b archive.Memory) []string {
	var fields []string
	check := func(name string, changed bool) {
		if changed {
			fields = append(fields, name)
		}
	}
	check("type", a.Type != b.Type)
	check("title", a.Title != b.Title)
	check("description", a.Description != b.Description)
	check("content", a.Content != b.Content)
	check("date", a.Date != b.Date)
	check("location", a.Location != b.Location)
	check("personIds", !sameIDs(a.PersonIDs, b.PersonIDs))
	check("blobKey", a.BlobKey != b.BlobKey)
	return fields
}

// sameIDs compares id lists as sets; nil and empty are equal.
func sameIDs(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	return reflect.DeepEqual(x, y)
}
