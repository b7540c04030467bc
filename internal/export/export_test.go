package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"heirloom/api/internal/archive"
	"heirloom/api/internal/blob"
)

func fixtureTree() archive.Tree {
	return archive.Tree{
		ProtocolKey: "smith",
		FamilyName:  "Smith",
		Revision:    12,
		People: []archive.Person{
			{ID: "p2", Name: "Mary", ParentIDs: []string{"p1"}},
			{ID: "p1", Name: "Grandpa Joe"},
			{ID: "p9", Name: "Gone", Deleted: true},
		},
		Memories: []archive.Memory{
			{ID: "m2", Type: archive.TypePhoto, Title: "Beach", Date: "1970", PersonIDs: []string{"p1"},
				BlobKey: "smith/m2/beach.jpg", FileName: "beach.jpg", MimeType: "image/jpeg"},
			{ID: "m1", Type: archive.TypePhoto, Title: "Beach", Date: "June 1965", PersonIDs: []string{"p1", "p2"},
				BlobKey: "smith/m1/beach.jpg", FileName: "beach.jpg", MimeType: "image/jpeg"},
			{ID: "m3", Type: archive.TypeText, Title: "Recipe", Content: "Flour, eggs"},
			{ID: "m4", Type: archive.TypeText, Title: "Removed", Content: "x", Deleted: true},
			{ID: "m5", Type: archive.TypeDocument, Title: "Letter", PersonIDs: []string{"p2"},
				BlobKey: "smith/m5/letter.pdf", FileName: "letter.pdf", MimeType: "application/pdf"},
		},
	}
}

func filePaths(t *testing.T, root *Folder) []string {
	t.Helper()
	var paths []string
	if err := Walk(root, func(p string, _ File) error {
		paths = append(paths, p)
		return nil
	}); err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	return paths
}

func TestBuildFoldersLayout(t *testing.T) {
	root, err := BuildFolders(fixtureTree(), Options{})
	if err != nil {
		t.Fatalf("BuildFolders() error = %v", err)
	}

	want := []string{
		"Smith Archive/People/Grandpa Joe/Photos/Beach.jpg",
		"Smith Archive/People/Grandpa Joe/Photos/Beach (2).jpg",
		"Smith Archive/People/Mary/biography.txt",
		"Smith Archive/People/Mary/Photos/Beach.jpg",
		"Smith Archive/People/Mary/Documents/Letter.pdf",
		"Smith Archive/Unsorted/Notes/Recipe.txt",
	}
	got := filePaths(t, root)
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("paths =\n%s\nwant\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

func TestBuildFoldersDeduplicate(t *testing.T) {
	root, err := BuildFolders(fixtureTree(), Options{Deduplicate: true})
	if err != nil {
		t.Fatalf("BuildFolders() error = %v", err)
	}
	for _, p := range filePaths(t, root) {
		if p == "Smith Archive/People/Mary/Photos/Beach.jpg" {
			t.Fatalf("deduplicated export still files shared photo under second person")
		}
	}
}

func TestBuildFoldersPersonScope(t *testing.T) {
	root, err := BuildFolders(fixtureTree(), Options{PersonID: "p2"})
	if err != nil {
		t.Fatalf("BuildFolders() error = %v", err)
	}
	for _, p := range filePaths(t, root) {
		if !strings.HasPrefix(p, "Smith Archive/People/Mary/") {
			t.Errorf("unexpected path in person export: %s", p)
		}
	}

	_, err = BuildFolders(fixtureTree(), Options{PersonID: "p9"})
	if !errors.Is(err, ErrPersonNotFound) {
		t.Fatalf("BuildFolders(deleted person) error = %v, want ErrPersonNotFound", err)
	}
}

func TestBuildFoldersPersonScopeIgnoresDeduplicate(t *testing.T) {
	root, err := BuildFolders(fixtureTree(), Options{PersonID: "p2", Deduplicate: true})
	if err != nil {
		t.Fatalf("BuildFolders() error = %v", err)
	}
	want := []string{
		"Smith Archive/People/Mary/biography.txt",
		"Smith Archive/People/Mary/Photos/Beach.jpg",
		"Smith Archive/People/Mary/Documents/Letter.pdf",
	}
	got := filePaths(t, root)
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("paths =\n%s\nwant\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

func TestUniqueNameIsCaseInsensitive(t *testing.T) {
	taken := map[string]bool{}
	names := []string{
		uniqueName(taken, "Beach.jpg"),
		uniqueName(taken, "beach.jpg"),
		uniqueName(taken, "BEACH.jpg"),
	}
	want := []string{"Beach.jpg", "beach (2).jpg", "BEACH (3).jpg"}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("uniqueName #%d = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Mary / Anne", "Mary Anne"},
		{"  José  María ", "José María"},
		{`a:b*c?"d"`, "a b c d"},
		{"...", ""},
	}
	for _, tt := range tests {
		if got := sanitizeName(tt.input); got != tt.expected {
			t.Errorf("sanitizeName(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestWriteZip(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	for key, body := range map[string]string{
		"smith/m1/beach.jpg": "jpeg-1965",
		"smith/m2/beach.jpg": "jpeg-1970",
	} {
		if _, err := store.Put(ctx, key, strings.NewReader(body), int64(len(body)), "image/jpeg"); err != nil {
			t.Fatalf("Put(%s) error = %v", key, err)
		}
	}

	tree := fixtureTree()
	root, err := BuildFolders(tree, Options{})
	if err != nil {
		t.Fatalf("BuildFolders() error = %v", err)
	}

	var buf bytes.Buffer
	report, err := WriteZip(ctx, &buf, root, tree, Options{}, store, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("WriteZip() error = %v", err)
	}
	if report.Files != 5 {
		t.Errorf("report.Files = %d, want 5", report.Files)
	}
	if len(report.Missing) != 1 || report.Missing[0] != "Smith Archive/People/Mary/Documents/Letter.pdf" {
		t.Errorf("report.Missing = %v", report.Missing)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("zip.NewReader() error = %v", err)
	}
	entries := map[string]*zip.File{}
	var order []string
	for _, f := range zr.File {
		entries[f.Name] = f
		order = append(order, f.Name)
	}

	readEntry := func(name string) string {
		t.Helper()
		f, ok := entries[name]
		if !ok {
			t.Fatalf("zip missing %s; have %v", name, order)
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		return string(data)
	}

	if got := readEntry("Smith Archive/People/Grandpa Joe/Photos/Beach.jpg"); got != "jpeg-1965" {
		t.Errorf("Beach.jpg = %q, want the 1965 photo", got)
	}
	if got := readEntry("Smith Archive/People/Grandpa Joe/Photos/Beach (2).jpg"); got != "jpeg-1970" {
		t.Errorf("Beach (2).jpg = %q, want the 1970 photo", got)
	}
	if entries["Smith Archive/People/Grandpa Joe/Photos/Beach.jpg"].Method != zip.Store {
		t.Errorf("media should be stored uncompressed")
	}
	if got := readEntry("Smith Archive/Unsorted/Notes/Recipe.txt"); got != "Flour, eggs" {
		t.Errorf("Recipe.txt = %q", got)
	}
	if got := readEntry("Smith Archive/MISSING.txt"); !strings.Contains(got, "People/Mary/Documents/Letter.pdf") {
		t.Errorf("MISSING.txt = %q", got)
	}
	if _, ok := entries["Smith Archive/People/Mary/Documents/Letter.pdf"]; ok {
		t.Errorf("missing blob should not produce an entry")
	}

	index := readEntry("Smith Archive/index.html")
	if !strings.Contains(index, "Grandpa Joe") || !strings.Contains(index, "People/Grandpa%20Joe/Photos/Beach.jpg") {
		t.Errorf("index.html does not link people and files")
	}

	var exported archive.Tree
	if err := json.Unmarshal([]byte(readEntry("Smith Archive/tree.json")), &exported); err != nil {
		t.Fatalf("tree.json: %v", err)
	}
	if len(exported.People) != 2 || len(exported.Memories) != 4 {
		t.Errorf("tree.json has %d people and %d memories, want 2 and 4", len(exported.People), len(exported.Memories))
	}
}

// countingBlobs tracks how many bodies above prefetchLimit are open at once.
type countingBlobs struct {
	store   *blob.MemoryStore
	mu      sync.Mutex
	open    int
	maxOpen int
}

type countedBody struct {
	io.ReadCloser
	owner *countingBlobs
}

func (b countedBody) Close() error {
	b.owner.mu.Lock()
	b.owner.open--
	b.owner.mu.Unlock()
	return b.ReadCloser.Close()
}

func (c *countingBlobs) Get(ctx context.Context, key string) (io.ReadCloser, blob.Info, error) {
	body, info, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, info, err
	}
	if info.Size <= prefetchLimit {
		return body, info, nil
	}
	c.mu.Lock()
	c.open++
	c.maxOpen = max(c.maxOpen, c.open)
	c.mu.Unlock()
	return countedBody{ReadCloser: body, owner: c}, info, nil
}

func TestWriteZipStreamsLargeBlobs(t *testing.T) {
	old := prefetchLimit
	prefetchLimit = 4
	t.Cleanup(func() { prefetchLimit = old })

	ctx := context.Background()
	store := blob.NewMemoryStore()
	tree := archive.Tree{FamilyName: "Smith", People: []archive.Person{{ID: "p1", Name: "Ann"}}}
	want := map[string]string{}
	for i, body := range []string{"a long home video", "another long video", "ok", "third long video"} {
		key := fmt.Sprintf("smith/m%d/clip.mp4", i)
		if _, err := store.Put(ctx, key, strings.NewReader(body), int64(len(body)), "video/mp4"); err != nil {
			t.Fatalf("Put(%s) error = %v", key, err)
		}
		tree.Memories = append(tree.Memories, archive.Memory{
			ID: fmt.Sprintf("m%d", i), Type: archive.TypeVideo, Title: fmt.Sprintf("Clip %d", i), PersonIDs: []string{"p1"},
			BlobKey: key, FileName: "clip.mp4", MimeType: "video/mp4", SizeBytes: int64(len(body)),
		})
		want[fmt.Sprintf("Smith Archive/People/Ann/Video/Clip %d.mp4", i)] = body
	}
	root, err := BuildFolders(tree, Options{})
	if err != nil {
		t.Fatalf("BuildFolders() error = %v", err)
	}

	blobs := &countingBlobs{store: store}
	var buf bytes.Buffer
	report, err := WriteZip(ctx, &buf, root, tree, Options{}, blobs, time.Now())
	if err != nil {
		t.Fatalf("WriteZip() error = %v", err)
	}
	if report.Files != 4 || len(report.Missing) != 0 {
		t.Fatalf("report = %+v", report)
	}
	if blobs.maxOpen != 1 {
		t.Errorf("large blobs open at once = %d, want 1", blobs.maxOpen)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("zip.NewReader() error = %v", err)
	}
	for _, f := range zr.File {
		body, ok := want[f.Name]
		if !ok {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		if string(data) != body {
			t.Errorf("%s = %q, want %q", f.Name, data, body)
		}
		if f.Method != zip.Store {
			t.Errorf("%s should be stored", f.Name)
		}
		delete(want, f.Name)
	}
	if len(want) != 0 {
		t.Errorf("zip is missing %v", want)
	}
}

type failingBlobs struct{}

func (failingBlobs) Get(context.Context, string) (io.ReadCloser, blob.Info, error) {
	return nil, blob.Info{}, errors.New("storage offline")
}

func TestWriteZipFailsOnStorageError(t *testing.T) {
	tree := fixtureTree()
	root, err := BuildFolders(tree, Options{})
	if err != nil {
		t.Fatalf("BuildFolders() error = %v", err)
	}
	_, err = WriteZip(context.Background(), io.Discard, root, tree, Options{}, failingBlobs{}, time.Now())
	if err == nil || !strings.Contains(err.Error(), "storage offline") {
		t.Fatalf("WriteZip() error = %v, want storage error", err)
	}
}

func TestRenderHTML(t *testing.T) {
	data, err := BuildTemplateData(fixtureTree(), Options{}, nil, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("BuildTemplateData() error = %v", err)
	}
	if data.MemoryCount != 4 {
		t.Errorf("MemoryCount = %d, want 4", data.MemoryCount)
	}
	if len(data.People) != 2 || data.People[0].Name != "Grandpa Joe" {
		t.Fatalf("People = %+v, want Grandpa Joe first", data.People)
	}
	if got := data.People[0].Children; len(got) != 1 || got[0] != "Mary" {
		t.Errorf("Children = %v, want [Mary]", got)
	}

	html, err := RenderHTML(data)
	if err != nil {
		t.Fatalf("RenderHTML() error = %v", err)
	}
	for _, want := range []string{"Smith Archive", "Mary", "Recipe", "1 May 2024"} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"Smith Archive v1.2", "Smith-Archive-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "archive"},
		{strings.Repeat("a", 70), strings.Repeat("a", 60)},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"é", "%C3%A9"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	for input, want := range map[string]Format{"": FormatZIP, "ZIP": FormatZIP, " html ": FormatHTML, "pdf": FormatPDF} {
		got, ok := ParseFormat(input)
		if !ok || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", input, got, ok, want)
		}
	}
	if _, ok := ParseFormat("docx"); ok {
		t.Errorf("ParseFormat(docx) should fail")
	}
}

func TestFilename(t *testing.T) {
	tree := fixtureTree()
	if got := Filename(tree, Request{Format: FormatZIP}); got != "Smith-Archive.zip" {
		t.Errorf("Filename() = %q", got)
	}
	if got := Filename(tree, Request{Format: FormatPDF, Options: Options{PersonID: "p2"}}); got != "Smith-Archive-Mary.pdf" {
		t.Errorf("Filename(person) = %q", got)
	}
}

func TestServiceExport(t *testing.T) {
	svc := NewService(blob.NewMemoryStore(), zap.NewNop())
	svc.pdf = func(_ context.Context, html, title string) (*Result, error) {
		if !strings.Contains(html, "Grandpa Joe") {
			t.Errorf("pdf renderer received unexpected html")
		}
		return &Result{Data: []byte("%PDF-" + title)}, nil
	}

	var htmlOut bytes.Buffer
	if _, err := svc.Export(context.Background(), &htmlOut, fixtureTree(), Request{Format: FormatHTML}); err != nil {
		t.Fatalf("Export(html) error = %v", err)
	}
	if !strings.HasPrefix(htmlOut.String(), "<!DOCTYPE html>") {
		t.Errorf("html export does not start with a doctype")
	}

	var pdfOut bytes.Buffer
	report, err := svc.Export(context.Background(), &pdfOut, fixtureTree(), Request{Format: FormatPDF})
	if err != nil {
		t.Fatalf("Export(pdf) error = %v", err)
	}
	if pdfOut.String() != "%PDF-Smith Archive" || report.Bytes != int64(pdfOut.Len()) {
		t.Errorf("pdf export = %q, report %+v", pdfOut.String(), report)
	}

	var zipOut bytes.Buffer
	report, err = svc.Export(context.Background(), &zipOut, fixtureTree(), Request{Format: FormatZIP})
	if err != nil {
		t.Fatalf("Export(zip) error = %v", err)
	}
	if len(report.Missing) != 3 {
		t.Errorf("report.Missing = %v, want every blob missing from empty store", report.Missing)
	}
}

func TestServiceExportFailsBeforeWriting(t *testing.T) {
	svc := NewService(nil, zap.NewNop())

	var out bytes.Buffer
	_, err := svc.Export(context.Background(), &out, fixtureTree(), Request{Format: FormatZIP, Options: Options{PersonID: "nobody"}})
	if !errors.Is(err, ErrPersonNotFound) {
		t.Fatalf("Export() error = %v, want ErrPersonNotFound", err)
	}
	_, err = svc.Export(context.Background(), &out, fixtureTree(), Request{Format: "docx"})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Export() error = %v, want ErrUnsupportedFormat", err)
	}
	if out.Len() != 0 {
		t.Errorf("failed exports wrote %d bytes", out.Len())
	}
}
