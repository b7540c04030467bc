// Package export rebuilds a family tree into a folder hierarchy and writes it
// out as a ZIP archive, a single HTML page, or a PDF.
package export

import (
	"errors"
	"strings"
)

type Format string

const (
	FormatZIP  Format = "zip"
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

func ParseFormat(value string) (Format, bool) {
	switch Format(strings.ToLower(strings.TrimSpace(value))) {
	case FormatZIP, "":
		return FormatZIP, true
	case FormatHTML:
		return FormatHTML, true
	case FormatPDF:
		return FormatPDF, true
	default:
		return "", false
	}
}

func (f Format) MimeType() string {
	switch f {
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatPDF:
		return "application/pdf"
	default:
		return "application/zip"
	}
}

// Options scopes and shapes an export.
type Options struct {
	// PersonID limits the export to one person's folder.
	PersonID string
	// Deduplicate files a memory tagged to several people only under the
	// first of them instead of under each.
	Deduplicate bool
}

// Request is a full export request.
type Request struct {
	Format  Format
	Options Options
}

// Folder is a node of the export hierarchy.
type Folder struct {
	Name    string
	Files   []File
	Folders []*Folder
}

// File is a leaf of the export hierarchy. Either BlobKey names an object to
// copy from storage, or Text holds the file's content inline.
type File struct {
	Name     string
	MemoryID string
	BlobKey  string
	Text     string
	Size     int64
}

// Result is a buffered export, used for HTML and PDF output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// Report summarizes a written ZIP export.
type Report struct {
	Files   int      `json:"files"`
	Bytes   int64    `json:"bytes"`
	Missing []string `json:"missing,omitempty"`
}

var (
	ErrPersonNotFound       = errors.New("export person not found")
	ErrUnsupportedFormat    = errors.New("unsupported export format")
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
