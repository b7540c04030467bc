package apiclient

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"heirloom/api/internal/archive"
	"heirloom/api/internal/journal"
)

func (c *Client) Tree(ctx context.Context) (archive.Tree, error) {
	var tree archive.Tree
	err := c.call(ctx, http.MethodGet, "/api/tree", nil, &tree)
	return tree, err
}

// Changes returns every record past the since cursor.
func (c *Client) Changes(ctx context.Context, since int64) (archive.Changes, error) {
	var changes archive.Changes
	err := c.call(ctx, http.MethodGet, "/api/tree/changes"+query(map[string]string{"since": strconv.FormatInt(since, 10)}), nil, &changes)
	return changes, err
}

// ApplyMutations replays queued writes and returns one result per op.
func (c *Client) ApplyMutations(ctx context.Context, mutations []archive.Mutation) ([]archive.MutationResult, error) {
	var out struct {
		Results []archive.MutationResult `json:"results"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/sync/mutations", map[string]any{"mutations": mutations}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Upload is a file to store as a new memory. Body is rewound on a retry.
type Upload struct {
	FileName    string
	ContentType string
	Body        io.ReadSeeker
	Memory      archive.Memory
}

func (c *Client) Upload(ctx context.Context, upload Upload) (archive.Memory, error) {
	// The writer of a previous attempt must stop reading the file before it
	// is rewound.
	var previous chan struct{}
	body := func() (io.Reader, string, error) {
		if previous != nil {
			<-previous
		}
		if _, err := upload.Body.Seek(0, io.SeekStart); err != nil {
			return nil, "", fmt.Errorf("rewind upload: %w", err)
		}
		pr, pw := io.Pipe()
		writer := multipart.NewWriter(pw)
		done := make(chan struct{})
		previous = done
		go func() {
			defer close(done)
			pw.CloseWithError(writeUpload(writer, upload))
		}()
		return pr, writer.FormDataContentType(), nil
	}
	resp, err := c.send(ctx, http.MethodPost, "/api/memories/upload", body)
	if err != nil {
		return archive.Memory{}, err
	}
	var memory archive.Memory
	if err := decode(resp, &memory); err != nil {
		return archive.Memory{}, err
	}
	return memory, nil
}

func writeUpload(writer *multipart.Writer, upload Upload) error {
	m := upload.Memory
	fields := map[string]string{
		"type":        string(m.Type),
		"title":       m.Title,
		"date":        m.Date,
		"description": m.Description,
		"location":    m.Location,
		"personIds":   strings.Join(m.PersonIDs, ","),
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := writer.WriteField(name, value); err != nil {
			return err
		}
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{"name": "file", "filename": upload.FileName}))
	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, upload.Body); err != nil {
		return err
	}
	return writer.Close()
}

type ExportRequest struct {
	Format      string `json:"format"`
	PersonID    string `json:"personId,omitempty"`
	Deduplicate bool   `json:"deduplicate,omitempty"`
}

// Export streams the export into w and returns the server's file name.
func (c *Client) Export(ctx context.Context, req ExportRequest, w io.Writer) (string, error) {
	resp, err := c.send(ctx, http.MethodPost, "/api/export", jsonBody(req))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", readError(resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("download export: %w", err)
	}
	fileName := "heirloom-export." + req.Format
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		fileName = params["filename"]
	}
	return fileName, nil
}

// Snapshot records the current tree in the family journal.
func (c *Client) Snapshot(ctx context.Context, message string) (journal.Commit, error) {
	var commit journal.Commit
	err := c.call(ctx, http.MethodPost, "/api/snapshots", map[string]string{"message": message}, &commit)
	return commit, err
}

func (c *Client) Snapshots(ctx context.Context, limit int) ([]journal.Commit, error) {
	var out struct {
		Snapshots []journal.Commit `json:"snapshots"`
	}
	path := "/api/snapshots" + query(map[string]string{"limit": strconv.Itoa(limit)})
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Snapshots, nil
}
