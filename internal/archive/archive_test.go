package archive

import "testing"

func TestParseMemoryType(t *testing.T) {
	tests := map[string]MemoryType{
		"photo":     TypePhoto,
		"Photos":    TypePhoto,
		"image":     TypePhoto,
		"DOCUMENTS": TypeDocument,
		"note":      TypeText,
		"audio":     TypeAudio,
		"videos":    TypeVideo,
	}
	for input, want := range tests {
		got, ok := ParseMemoryType(input)
		if !ok || got != want {
			t.Fatalf("ParseMemoryType(%q) = %q, %v; want %q", input, got, ok, want)
		}
	}
	if _, ok := ParseMemoryType("hologram"); ok {
		t.Fatal("expected unknown type to be rejected")
	}
}

func TestTypeFromMIME(t *testing.T) {
	tests := []struct {
		contentType string
		fileName    string
		want        MemoryType
	}{
		{"image/jpeg", "a.jpg", TypePhoto},
		{"audio/mpeg; charset=binary", "a.mp3", TypeAudio},
		{"video/mp4", "a.mp4", TypeVideo},
		{"text/plain; charset=utf-8", "letter.txt", TypeText},
		{"application/pdf", "deed.pdf", TypeDocument},
		{"", "portrait.png", TypePhoto},
		{"application/octet-stream", "scan.pdf", TypeDocument},
	}
	for _, tt := range tests {
		if got := TypeFromMIME(tt.contentType, tt.fileName); got != tt.want {
			t.Fatalf("TypeFromMIME(%q, %q) = %q, want %q", tt.contentType, tt.fileName, got, tt.want)
		}
	}
}

func TestAssignGenerations(t *testing.T) {
	people := []Person{
		{ID: "child", ParentIDs: []string{"mum", "dad"}},
		{ID: "mum", ParentIDs: []string{"granny"}},
		{ID: "dad"},
		{ID: "granny"},
		{ID: "orphan", ParentIDs: []string{"missing"}},
	}
	AssignGenerations(people)
	want := map[string]int{"child": 2, "mum": 1, "dad": 0, "granny": 0, "orphan": 0}
	for _, p := range people {
		if p.Generation != want[p.ID] {
			t.Fatalf("generation of %s = %d, want %d", p.ID, p.Generation, want[p.ID])
		}
	}
}

func TestAssignGenerationsToleratesLoops(t *testing.T) {
	people := []Person{
		{ID: "a", ParentIDs: []string{"b"}},
		{ID: "b", ParentIDs: []string{"a"}},
	}
	AssignGenerations(people)
}

func TestCreatesCycle(t *testing.T) {
	people := []Person{
		{ID: "granny"},
		{ID: "mum", ParentIDs: []string{"granny"}},
		{ID: "child", ParentIDs: []string{"mum"}},
	}
	if !CreatesCycle(people, "granny", []string{"child"}) {
		t.Fatal("expected granny->child to create a cycle")
	}
	if !CreatesCycle(people, "mum", []string{"mum"}) {
		t.Fatal("expected self parent to create a cycle")
	}
	if CreatesCycle(people, "child", []string{"granny"}) {
		t.Fatal("did not expect child->granny to create a cycle")
	}
}

func TestSortPeople(t *testing.T) {
	people := []Person{
		{ID: "3", Name: "Zed", Generation: 1},
		{ID: "2", Name: "Amy", Generation: 1},
		{ID: "1", Name: "Old", Generation: 0},
	}
	SortPeople(people)
	if people[0].ID != "1" || people[1].ID != "2" || people[2].ID != "3" {
		t.Fatalf("unexpected order: %+v", people)
	}
}

func TestYearOf(t *testing.T) {
	tests := map[string]int{
		"1954":        1954,
		"June 1954":   1954,
		"1954-06-12":  1954,
		"circa 1890s": 1890,
		"unknown":     0,
		"":            0,
	}
	for input, want := range tests {
		if got := YearOf(input); got != want {
			t.Fatalf("YearOf(%q) = %d, want %d", input, got, want)
		}
	}
}

func TestGroupByYear(t *testing.T) {
	groups := GroupByYear([]Memory{
		{ID: "a", Date: "1960"},
		{ID: "b"},
		{ID: "c", Date: "1975-01-01"},
		{ID: "d", Date: "1960s"},
		{ID: "e", Date: "1975", Deleted: true},
	})
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	if groups[0].Label != "1975" || groups[1].Label != "1960" || groups[2].Label != "Undated" {
		t.Fatalf("unexpected group order: %+v", groups)
	}
	if len(groups[1].Memories) != 2 {
		t.Fatalf("expected 2 memories in 1960, got %d", len(groups[1].Memories))
	}
}
