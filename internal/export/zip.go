package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"heirloom/api/internal/archive"
	"heirloom/api/internal/blob"
)

// BlobReader is the part of the blob store the ZIP writer reads from.
type BlobReader interface {
	Get(ctx context.Context, key string) (io.ReadCloser, blob.Info, error)
}

// fetchWindow bounds how many small blobs are buffered ahead of the writer.
const fetchWindow = 4

// prefetchLimit is the largest blob read into memory ahead of the writer.
// Bigger or unsized blobs are copied straight into the archive when their
// turn comes.
var prefetchLimit int64 = 8 << 20

type fetched struct {
	data     []byte
	missing  bool
	err      error
	streamed bool
}

func prefetchable(f File) bool {
	return f.Size > 0 && f.Size <= prefetchLimit
}

// WriteZip streams the folder hierarchy into w in hierarchy order. Small
// blobs are fetched concurrently ahead of the writer; large ones are copied
// through when reached. Objects missing from storage are listed in
// MISSING.txt rather than failing the export. index.html and tree.json are
// added at the root.
func WriteZip(ctx context.Context, w io.Writer, root *Folder, tree archive.Tree, opts Options, blobs BlobReader, generatedAt time.Time) (Report, error) {
	type entry struct {
		path string
		file File
	}
	var entries []entry
	paths := map[string]string{}
	_ = Walk(root, func(filePath string, f File) error {
		entries = append(entries, entry{path: filePath, file: f})
		if f.MemoryID != "" {
			if _, ok := paths[f.MemoryID]; !ok {
				paths[f.MemoryID] = strings.TrimPrefix(filePath, root.Name+"/")
			}
		}
		return nil
	})

	results := make([]chan fetched, len(entries))
	for i := range results {
		results[i] = make(chan fetched, 1)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	window := make(chan struct{}, fetchWindow)
	g.Go(func() error {
		for i, e := range entries {
			if e.file.BlobKey == "" {
				results[i] <- fetched{data: []byte(e.file.Text)}
				continue
			}
			if !prefetchable(e.file) {
				results[i] <- fetched{streamed: true}
				continue
			}
			select {
			case window <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			i, key := i, e.file.BlobKey
			g.Go(func() error {
				results[i] <- fetchBlob(gctx, blobs, key)
				return nil
			})
		}
		return nil
	})

	zw := zip.NewWriter(w)
	report := Report{}
	writeErr := func() error {
		for i, e := range entries {
			var res fetched
			select {
			case res = <-results[i]:
			case <-gctx.Done():
				return gctx.Err()
			}
			if res.streamed {
				n, missing, err := copyBlob(gctx, zw, e.path, blobs, e.file.BlobKey, generatedAt)
				if err != nil {
					return err
				}
				if missing {
					report.Missing = append(report.Missing, e.path)
					continue
				}
				report.Files++
				report.Bytes += n
				continue
			}
			if e.file.BlobKey != "" {
				<-window
			}
			if res.err != nil {
				return res.err
			}
			if res.missing {
				report.Missing = append(report.Missing, e.path)
				continue
			}
			if err := writeZipFile(zw, e.path, res.data, generatedAt, e.file.BlobKey != ""); err != nil {
				return err
			}
			report.Files++
			report.Bytes += int64(len(res.data))
		}
		return nil
	}()
	if writeErr != nil {
		cancel()
	}
	if err := g.Wait(); err != nil && writeErr == nil {
		writeErr = err
	}
	if writeErr != nil {
		_ = zw.Close()
		return report, writeErr
	}

	data, err := BuildTemplateData(tree, opts, paths, generatedAt)
	if err != nil {
		return report, err
	}
	index, err := RenderHTML(data)
	if err != nil {
		return report, fmt.Errorf("render index: %w", err)
	}
	if err := writeZipFile(zw, root.Name+"/index.html", []byte(index), generatedAt, false); err != nil {
		return report, err
	}

	treeJSON, err := json.MarshalIndent(exportedTree(tree, opts), "", "  ")
	if err != nil {
		return report, fmt.Errorf("marshal tree: %w", err)
	}
	if err := writeZipFile(zw, root.Name+"/tree.json", treeJSON, generatedAt, false); err != nil {
		return report, err
	}

	if len(report.Missing) > 0 {
		sort.Strings(report.Missing)
		var b bytes.Buffer
		b.WriteString("These files could not be retrieved from storage when the archive was built:\n\n")
		for _, p := range report.Missing {
			b.WriteString(strings.TrimPrefix(p, root.Name+"/") + "\n")
		}
		if err := writeZipFile(zw, root.Name+"/MISSING.txt", b.Bytes(), generatedAt, false); err != nil {
			return report, err
		}
	}

	if err := zw.Close(); err != nil {
		return report, fmt.Errorf("finish zip: %w", err)
	}
	return report, nil
}

func fetchBlob(ctx context.Context, blobs BlobReader, key string) fetched {
	if blobs == nil {
		return fetched{missing: true}
	}
	body, _, err := blobs.Get(ctx, key)
	if errors.Is(err, blob.ErrObjectNotFound) {
		return fetched{missing: true}
	}
	if err != nil {
		return fetched{err: fmt.Errorf("fetch %s: %w", key, err)}
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return fetched{err: fmt.Errorf("read %s: %w", key, err)}
	}
	return fetched{data: data}
}

// copyBlob streams one stored object into a new zip entry. The entry is
// only created once the object has been found.
func copyBlob(ctx context.Context, zw *zip.Writer, name string, blobs BlobReader, key string, modified time.Time) (int64, bool, error) {
	if blobs == nil {
		return 0, true, nil
	}
	body, _, err := blobs.Get(ctx, key)
	if errors.Is(err, blob.ErrObjectNotFound) {
		return 0, true, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("fetch %s: %w", key, err)
	}
	defer body.Close()
	fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store, Modified: modified})
	if err != nil {
		return 0, false, fmt.Errorf("create zip entry %s: %w", name, err)
	}
	n, err := io.Copy(fw, body)
	if err != nil {
		return n, false, fmt.Errorf("copy %s: %w", key, err)
	}
	return n, false, nil
}

// writeZipFile adds one entry. Media blobs are already compressed, so they
// are stored rather than deflated.
func writeZipFile(zw *zip.Writer, name string, data []byte, modified time.Time, store bool) error {
	method := zip.Deflate
	if store {
		method = zip.Store
	}
	fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method, Modified: modified})
	if err != nil {
		return fmt.Errorf("create zip entry %s: %w", name, err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("write zip entry %s: %w", name, err)
	}
	return nil
}

// exportedTree is the tree.json payload: live records in export scope.
func exportedTree(tree archive.Tree, opts Options) archive.Tree {
	out := archive.Tree{ProtocolKey: tree.ProtocolKey, FamilyName: tree.FamilyName, Revision: tree.Revision}
	out.People = []archive.Person{}
	out.Memories = []archive.Memory{}
	for _, p := range tree.People {
		if p.Deleted || (opts.PersonID != "" && p.ID != opts.PersonID) {
			continue
		}
		out.People = append(out.People, p)
	}
	for _, m := range tree.Memories {
		if m.Deleted || (opts.PersonID != "" && !tagged(m, opts.PersonID)) {
			continue
		}
		out.Memories = append(out.Memories, m)
	}
	return out
}
