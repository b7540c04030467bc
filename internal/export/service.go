package export

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"heirloom/api/internal/archive"
)

type pdfRenderer func(ctx context.Context, html, title string) (*Result, error)

// Service runs exports against a blob store.
type Service struct {
	blobs  BlobReader
	logger *zap.Logger
	now    func() time.Time
	pdf    pdfRenderer
}

func NewService(blobs BlobReader, logger *zap.Logger) *Service {
	return &Service{
		blobs:  blobs,
		logger: logger.Named("export"),
		now:    time.Now,
		pdf:    RenderPDF,
	}
}

// Filename is the download name for an export of tree.
func Filename(tree archive.Tree, req Request) string {
	title := RootName(tree.FamilyName)
	if req.Options.PersonID != "" {
		for _, p := range tree.People {
			if p.ID == req.Options.PersonID {
				title += " " + p.Name
				break
			}
		}
	}
	return sanitizeFilename(title) + "." + string(req.Format)
}

// Export writes the requested format to w. Every error that can be detected
// up front (bad format, unknown person, missing Chrome) is returned before
// anything is written.
func (s *Service) Export(ctx context.Context, w io.Writer, tree archive.Tree, req Request) (Report, error) {
	started := s.now()
	root, err := BuildFolders(tree, req.Options)
	if err != nil {
		return Report{}, err
	}

	var report Report
	switch req.Format {
	case FormatZIP:
		report, err = WriteZip(ctx, w, root, tree, req.Options, s.blobs, started)
	case FormatHTML, FormatPDF:
		report, err = s.exportPage(ctx, w, tree, req, root.Name, started)
	default:
		return Report{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
	if err != nil {
		return report, err
	}

	s.logger.Info("export complete",
		zap.String("protocol_key", tree.ProtocolKey),
		zap.String("format", string(req.Format)),
		zap.String("person_id", req.Options.PersonID),
		zap.Int("files", report.Files),
		zap.Int64("bytes", report.Bytes),
		zap.Int("missing", len(report.Missing)),
		zap.Duration("duration", s.now().Sub(started)),
	)
	return report, nil
}

func (s *Service) exportPage(ctx context.Context, w io.Writer, tree archive.Tree, req Request, title string, generatedAt time.Time) (Report, error) {
	data, err := BuildTemplateData(tree, req.Options, nil, generatedAt)
	if err != nil {
		return Report{}, err
	}
	page, err := RenderHTML(data)
	if err != nil {
		return Report{}, fmt.Errorf("render html: %w", err)
	}
	out := []byte(page)
	if req.Format == FormatPDF {
		result, err := s.pdf(ctx, page, title)
		if err != nil {
			return Report{}, err
		}
		out = result.Data
	}
	if _, err := w.Write(out); err != nil {
		return Report{}, fmt.Errorf("write %s: %w", req.Format, err)
	}
	return Report{Files: 1, Bytes: int64(len(out))}, nil
}
