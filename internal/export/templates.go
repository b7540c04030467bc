package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"

	"heirloom/api/internal/archive"
)

//go:embed templates/*.html
var templateFS embed.FS

var archiveTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
		"join": strings.Join,
	}

	templateContent, err := templateFS.ReadFile("templates/archive.html")
	if err != nil {
		archiveTemplate = template.Must(template.New("archive").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}
	archiveTemplate = template.Must(template.New("archive").Funcs(funcMap).Parse(string(templateContent)))
}

type TemplateData struct {
	Title       string
	GeneratedAt time.Time
	People      []TemplatePerson
	Unsorted    []TemplateMemory
	MemoryCount int
}

type TemplatePerson struct {
	ID         string
	Name       string
	Nickname   string
	Dates      string
	BirthPlace string
	Biography  string
	Generation int
	Parents    []string
	Spouses    []string
	Children   []string
	Memories   []TemplateMemory
}

type TemplateMemory struct {
	Title       string
	Type        string
	Date        string
	Location    string
	Description string
	Content     string
	// Path links to the file inside a ZIP export; empty for standalone pages.
	Path string
}

// BuildTemplateData arranges the tree for rendering. paths maps memory ids
// to their first location in a folder hierarchy and may be nil.
func BuildTemplateData(tree archive.Tree, opts Options, paths map[string]string, generatedAt time.Time) (TemplateData, error) {
	root, err := BuildFolders(tree, opts)
	if err != nil {
		return TemplateData{}, err
	}

	people := make([]archive.Person, 0, len(tree.People))
	for _, p := range tree.People {
		if !p.Deleted {
			people = append(people, p)
		}
	}
	archive.AssignGenerations(people)
	archive.SortPeople(people)

	names := make(map[string]string, len(people))
	children := make(map[string][]string)
	for _, p := range people {
		names[p.ID] = p.Name
	}
	for _, p := range people {
		for _, parentID := range p.ParentIDs {
			children[parentID] = append(children[parentID], p.Name)
		}
	}
	resolve := func(ids []string) []string {
		var out []string
		for _, id := range ids {
			if name, ok := names[id]; ok {
				out = append(out, name)
			}
		}
		return out
	}

	memories := make([]archive.Memory, 0, len(tree.Memories))
	for _, m := range tree.Memories {
		if !m.Deleted {
			memories = append(memories, m)
		}
	}
	sortMemories(memories)

	data := TemplateData{Title: root.Name, GeneratedAt: generatedAt}
	included := map[string]bool{}
	for _, p := range people {
		if opts.PersonID != "" && p.ID != opts.PersonID {
			continue
		}
		person := TemplatePerson{
			ID:         p.ID,
			Name:       p.Name,
			Nickname:   p.Nickname,
			Dates:      lifeDates(p),
			BirthPlace: p.BirthPlace,
			Biography:  p.Biography,
			Generation: p.Generation,
			Parents:    resolve(p.ParentIDs),
			Spouses:    resolve(p.SpouseIDs),
			Children:   children[p.ID],
		}
		for _, m := range memories {
			if !tagged(m, p.ID) {
				continue
			}
			if opts.Deduplicate && included[m.ID] {
				continue
			}
			included[m.ID] = true
			person.Memories = append(person.Memories, templateMemory(m, paths))
		}
		data.People = append(data.People, person)
	}
	if opts.PersonID == "" {
		for _, m := range memories {
			if len(resolve(m.PersonIDs)) == 0 {
				included[m.ID] = true
				data.Unsorted = append(data.Unsorted, templateMemory(m, paths))
			}
		}
	}
	data.MemoryCount = len(included)
	return data, nil
}

func tagged(m archive.Memory, personID string) bool {
	for _, id := range m.PersonIDs {
		if id == personID {
			return true
		}
	}
	return false
}

func templateMemory(m archive.Memory, paths map[string]string) TemplateMemory {
	return TemplateMemory{
		Title:       m.Title,
		Type:        string(m.Type),
		Date:        m.Date,
		Location:    m.Location,
		Description: m.Description,
		Content:     m.Content,
		Path:        paths[m.ID],
	}
}

func lifeDates(p archive.Person) string {
	switch {
	case p.BirthDate != "" && p.DeathDate != "":
		return p.BirthDate + " – " + p.DeathDate
	case p.BirthDate != "":
		return "born " + p.BirthDate
	case p.DeathDate != "":
		return "died " + p.DeathDate
	default:
		return ""
	}
}

func RenderHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := archiveTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load.
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>{{.Title}}</title></head>
<body>
  <h1>{{.Title}}</h1>
  {{range .People}}
  <h2>{{.Name}}</h2>
  {{if .Biography}}<p>{{.Biography}}</p>{{end}}
  <ul>{{range .Memories}}<li>{{.Title}}</li>{{end}}</ul>
  {{end}}
  {{if .Unsorted}}<h2>Unsorted memories</h2><ul>{{range .Unsorted}}<li>{{.Title}}</li>{{end}}</ul>{{end}}
</body>
</html>`
