// Package blob stores memory payloads (photos, scans, recordings) in object
// storage. Keys are partitioned by protocol key.
package blob

import (
	"context"
	"errors"
	"io"
	"path"
	"regexp"
	"strings"
	"time"
)

var (
	ErrObjectNotFound     = errors.New("blob object not found")
	ErrPresignUnsupported = errors.New("blob store cannot presign urls")
)

type Info struct {
	Key         string
	Size        int64
	ContentType string
	ModifiedAt  time.Time
}

// Store is implemented by MinioStore and MemoryStore.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (Info, error)
	Get(ctx context.Context, key string) (io.ReadCloser, Info, error)
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Key builds the object key for a memory's uploaded file.
func Key(protocolKey, memoryID, fileName string) string {
	name := strings.Trim(unsafeKeyChars.ReplaceAllString(path.Base(strings.ReplaceAll(fileName, "\\", "/")), "_"), "._")
	if name == "" {
		name = "file"
	}
	if len(name) > 120 {
		ext := path.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:120-len(ext)] + ext
	}
	return protocolKey + "/memories/" + memoryID + "/" + name
}
