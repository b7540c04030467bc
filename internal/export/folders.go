package export

import (
	"fmt"
	"mime"
	"path"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"heirloom/api/internal/archive"
)

var typeFolderNames = map[archive.MemoryType]string{
	archive.TypePhoto:    "Photos",
	archive.TypeDocument: "Documents",
	archive.TypeText:     "Notes",
	archive.TypeAudio:    "Audio",
	archive.TypeVideo:    "Video",
}

// TypeFolderName is the sub-folder a memory type is filed under.
func TypeFolderName(t archive.MemoryType) string {
	if name, ok := typeFolderNames[t]; ok {
		return name
	}
	return "Other"
}

// RootName is the top-level folder of a family's export.
func RootName(familyName string) string {
	name := sanitizeName(familyName)
	if name == "" {
		name = "Family"
	}
	return name + " Archive"
}

// BuildFolders lays the tree out as
//
//	<Family> Archive/People/<Person>/{biography.txt, Photos/, Documents/, ...}
//	<Family> Archive/Unsorted/<Type>/
//
// with people ordered by generation then name. Deleted records are skipped.
func BuildFolders(tree archive.Tree, opts Options) (*Folder, error) {
	people := make([]archive.Person, 0, len(tree.People))
	for _, p := range tree.People {
		if !p.Deleted {
			people = append(people, p)
		}
	}
	archive.AssignGenerations(people)
	archive.SortPeople(people)

	known := make(map[string]bool, len(people))
	for _, p := range people {
		known[p.ID] = true
	}
	if opts.PersonID != "" && !known[opts.PersonID] {
		return nil, fmt.Errorf("%w: %s", ErrPersonNotFound, opts.PersonID)
	}

	memories := make([]archive.Memory, 0, len(tree.Memories))
	for _, m := range tree.Memories {
		if !m.Deleted {
			memories = append(memories, m)
		}
	}
	sortMemories(memories)

	// A single folder cannot hold duplicates, and every memory tagged to
	// the exported person belongs in it.
	dedupe := opts.Deduplicate && opts.PersonID == ""
	byPerson := make(map[string][]archive.Memory)
	var unsorted []archive.Memory
	for _, m := range memories {
		owners := owningPeople(m, known, dedupe)
		if len(owners) == 0 {
			unsorted = append(unsorted, m)
			continue
		}
		for _, id := range owners {
			byPerson[id] = append(byPerson[id], m)
		}
	}

	root := &Folder{Name: RootName(tree.FamilyName)}
	peopleFolder := &Folder{Name: "People"}
	taken := map[string]bool{}
	for _, p := range people {
		if opts.PersonID != "" && p.ID != opts.PersonID {
			continue
		}
		folder := &Folder{Name: uniqueName(taken, personFolderName(p))}
		if bio := biographyText(p, people); bio != "" {
			folder.Files = append(folder.Files, File{Name: "biography.txt", Text: bio, Size: int64(len(bio))})
		}
		folder.Folders = typeFolders(byPerson[p.ID])
		peopleFolder.Folders = append(peopleFolder.Folders, folder)
	}
	if len(peopleFolder.Folders) > 0 {
		root.Folders = append(root.Folders, peopleFolder)
	}

	if opts.PersonID == "" && len(unsorted) > 0 {
		root.Folders = append(root.Folders, &Folder{Name: "Unsorted", Folders: typeFolders(unsorted)})
	}
	return root, nil
}

// owningPeople returns the known people a memory is filed under.
func owningPeople(m archive.Memory, known map[string]bool, dedupe bool) []string {
	var owners []string
	seen := map[string]bool{}
	for _, id := range m.PersonIDs {
		if !known[id] || seen[id] {
			continue
		}
		seen[id] = true
		owners = append(owners, id)
		if dedupe {
			break
		}
	}
	return owners
}

func typeFolders(memories []archive.Memory) []*Folder {
	byType := make(map[archive.MemoryType][]archive.Memory)
	for _, m := range memories {
		byType[m.Type] = append(byType[m.Type], m)
	}

	var folders []*Folder
	for _, t := range archive.MemoryTypes {
		items := byType[t]
		if len(items) == 0 {
			continue
		}
		folder := &Folder{Name: TypeFolderName(t)}
		taken := map[string]bool{}
		for _, m := range items {
			folder.Files = append(folder.Files, memoryFile(m, taken))
		}
		folders = append(folders, folder)
	}
	return folders
}

func memoryFile(m archive.Memory, taken map[string]bool) File {
	if !m.HasBlob() {
		text := memoryText(m)
		return File{
			Name:     uniqueName(taken, baseTitle(m)+".txt"),
			MemoryID: m.ID,
			Text:     text,
			Size:     int64(len(text)),
		}
	}
	ext := strings.ToLower(path.Ext(m.FileName))
	if ext == "" {
		ext = extensionFor(m.MimeType)
	}
	base := baseTitle(m)
	if ext != "" && strings.HasSuffix(strings.ToLower(base), ext) {
		base = base[:len(base)-len(ext)]
	}
	return File{
		Name:     uniqueName(taken, base+ext),
		MemoryID: m.ID,
		BlobKey:  m.BlobKey,
		Size:     m.SizeBytes,
	}
}

var preferredExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/heic":      ".heic",
	"application/pdf": ".pdf",
	"audio/mpeg":      ".mp3",
	"audio/mp4":       ".m4a",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"text/plain":      ".txt",
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	if ext, ok := preferredExtensions[mediaType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

func baseTitle(m archive.Memory) string {
	for _, candidate := range []string{m.Title, strings.TrimSuffix(m.FileName, path.Ext(m.FileName))} {
		if name := sanitizeName(candidate); name != "" {
			return name
		}
	}
	return "Untitled"
}

// memoryText renders a memory with no stored file: the note body for text
// memories, otherwise its descriptive metadata.
func memoryText(m archive.Memory) string {
	if m.Type == archive.TypeText && m.Content != "" {
		return m.Content
	}
	var b strings.Builder
	b.WriteString(m.Title)
	b.WriteString("\n")
	if m.Date != "" {
		b.WriteString("Date: " + m.Date + "\n")
	}
	if m.Location != "" {
		b.WriteString("Location: " + m.Location + "\n")
	}
	if m.Description != "" {
		b.WriteString("\n" + m.Description + "\n")
	}
	if m.Content != "" {
		b.WriteString("\n" + m.Content + "\n")
	}
	return b.String()
}

func personFolderName(p archive.Person) string {
	if name := sanitizeName(p.Name); name != "" {
		return name
	}
	return "Unnamed"
}

func biographyText(p archive.Person, people []archive.Person) string {
	names := make(map[string]string, len(people))
	for _, other := range people {
		names[other.ID] = other.Name
	}
	lookup := func(ids []string) string {
		var out []string
		for _, id := range ids {
			if name, ok := names[id]; ok {
				out = append(out, name)
			}
		}
		return strings.Join(out, ", ")
	}

	var lines []string
	if p.Nickname != "" {
		lines = append(lines, "Known as: "+p.Nickname)
	}
	if p.BirthDate != "" || p.BirthPlace != "" {
		lines = append(lines, strings.TrimSpace("Born: "+strings.TrimSpace(p.BirthDate+" "+inPlace(p.BirthPlace))))
	}
	if p.DeathDate != "" {
		lines = append(lines, "Died: "+p.DeathDate)
	}
	if parents := lookup(p.ParentIDs); parents != "" {
		lines = append(lines, "Parents: "+parents)
	}
	if spouses := lookup(p.SpouseIDs); spouses != "" {
		lines = append(lines, "Spouse: "+spouses)
	}
	if p.Biography == "" && len(lines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(p.Name + "\n")
	for _, line := range lines {
		b.WriteString(line + "\n")
	}
	if p.Biography != "" {
		b.WriteString("\n" + strings.TrimSpace(p.Biography) + "\n")
	}
	return b.String()
}

func inPlace(place string) string {
	if place == "" {
		return ""
	}
	return "in " + place
}

func sortMemories(memories []archive.Memory) {
	sort.SliceStable(memories, func(i, j int) bool {
		yi, yj := archive.YearOf(memories[i].Date), archive.YearOf(memories[j].Date)
		if yi != yj {
			if yi == 0 || yj == 0 {
				return yj == 0
			}
			return yi < yj
		}
		if memories[i].Title != memories[j].Title {
			return memories[i].Title < memories[j].Title
		}
		return memories[i].ID < memories[j].ID
	})
}

// uniqueName returns name, or name with " (2)", " (3)"... inserted before the
// extension if it is already taken. Comparison is case-insensitive so the
// result unpacks on case-insensitive file systems.
func uniqueName(taken map[string]bool, name string) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for n := 2; taken[strings.ToLower(candidate)]; n++ {
		candidate = stem + " (" + strconv.Itoa(n) + ")" + ext
	}
	taken[strings.ToLower(candidate)] = true
	return candidate
}

// sanitizeName makes a string safe as a single path element on common file
// systems while keeping letters from any script.
func sanitizeName(name string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range name {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r) || unicode.IsControl(r):
			r = ' '
		case unicode.IsSpace(r):
			r = ' '
		}
		if r == ' ' {
			if lastSpace {
				continue
			}
			lastSpace = true
		} else {
			lastSpace = false
		}
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), " .")
	if runes := []rune(out); len(runes) > 100 {
		out = strings.TrimSpace(string(runes[:100]))
	}
	return out
}

// Walk visits every file with its slash-separated path below root, depth first.
func Walk(root *Folder, fn func(filePath string, f File) error) error {
	return walk(root.Name, root, fn)
}

func walk(prefix string, folder *Folder, fn func(string, File) error) error {
	for _, f := range folder.Files {
		if err := fn(prefix+"/"+f.Name, f); err != nil {
			return err
		}
	}
	for _, child := range folder.Folders {
		if err := walk(prefix+"/"+child.Name, child, fn); err != nil {
			return err
		}
	}
	return nil
}
