package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/medsummary/constants"
	"github.com/joseph-ayodele/medsummary/internal/common"
	"github.com/joseph-ayodele/medsummary/internal/entity"
)

var (
	ErrUnsupportedExt  = fmt.Errorf("%w: unsupported or missing extension", common.ErrInvalidInput)
	ErrTooLarge        = fmt.Errorf("%w: document exceeds size limit", common.ErrInvalidInput)
	ErrEmptyDocument   = fmt.Errorf("%w: document is empty", common.ErrInvalidInput)
	ErrDocumentMissing = fmt.Errorf("document %w", common.ErrNotFound)
)

// Store keeps uploaded documents on the local filesystem, addressed by the
// SHA-256 of their content: <root>/<sha[:2]>/<sha>.<ext>. Identical uploads
// share one blob.
type Store struct {
	root     string
	maxBytes int64
	logger   *slog.Logger
}

func NewStore(root string, maxBytes int64, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: upload dir is required", common.ErrInvalidInput)
	}
	if maxBytes <= 0 {
		maxBytes = constants.MaxUploadBytesDefault
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Store{root: abs, maxBytes: maxBytes, logger: logger}, nil
}

// MaxBytes is the per-document size limit.
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Save streams r to disk while hashing it and returns the reference the
// visit will carry.
func (s *Store) Save(ctx context.Context, filename string, r io.Reader) (entity.DocumentRef, error) {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	ext := constants.NormalizeExt(filepath.Ext(name))
	if ext == "" || !constants.AllowedExt(ext) {
		s.logger.Warn("ingest.save.rejected", "filename", name, "ext", ext)
		return entity.DocumentRef{}, fmt.Errorf("%w: %q", ErrUnsupportedExt, ext)
	}

	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return entity.DocumentRef{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op once renamed
		_ = os.Remove(tmpName)
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(ctxReader{ctx: ctx, r: r}, s.maxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return entity.DocumentRef{}, fmt.Errorf("write document: %w", err)
	}
	if n > s.maxBytes {
		return entity.DocumentRef{}, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, s.maxBytes)
	}
	if n == 0 {
		return entity.DocumentRef{}, ErrEmptyDocument
	}

	sum := hex.EncodeToString(h.Sum(nil))
	ref := filepath.ToSlash(filepath.Join(sum[:2], sum+"."+ext))
	dst := filepath.Join(s.root, filepath.FromSlash(ref))

	dedup := false
	if _, err := os.Stat(dst); err == nil {
		dedup = true
	} else {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return entity.DocumentRef{}, fmt.Errorf("create shard dir: %w", err)
		}
		if err := os.Rename(tmpName, dst); err != nil {
			return entity.DocumentRef{}, fmt.Errorf("store document: %w", err)
		}
	}

	s.logger.Info("ingest.save.ok", "filename", name, "ref", ref, "size", n, "deduplicated", dedup)
	return entity.DocumentRef{Ref: ref, Filename: name, Ext: ext, Size: n, SHA256: sum}, nil
}

// Resolve returns the local path of a stored document.
func (s *Store) Resolve(_ context.Context, doc entity.DocumentRef) (string, error) {
	ref := filepath.Clean(filepath.FromSlash(doc.Ref))
	if doc.Ref == "" || filepath.IsAbs(ref) || ref == ".." || strings.HasPrefix(ref, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: bad document ref %q", common.ErrInvalidInput, doc.Ref)
	}
	p := filepath.Join(s.root, ref)
	fi, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrDocumentMissing, doc.Ref)
	}
	if err != nil {
		return "", fmt.Errorf("stat document: %w", err)
	}
	if fi.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrDocumentMissing, doc.Ref)
	}
	return p, nil
}

// ctxReader stops a long upload copy once the request is gone.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
