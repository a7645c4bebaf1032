package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/medsummary/constants"
	"github.com/joseph-ayodele/medsummary/internal/entity"
	"github.com/joseph-ayodele/medsummary/internal/repository"
)

// IngestionResult is the per-file outcome of a directory ingest.
type IngestionResult struct {
	SourcePath string
	VisitID    string
	Document   entity.DocumentRef
	Err        string
}

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned   uint32
	Matched   uint32
	Succeeded uint32
	Failed    uint32
}

// Usecase stores a document and opens a visit for it.
type Usecase struct {
	Docs   *Store
	Visits repository.VisitRepository
	logger *slog.Logger
}

func NewUsecase(docs *Store, visits repository.VisitRepository, logger *slog.Logger) *Usecase {
	if logger == nil {
		logger = slog.Default()
	}
	return &Usecase{Docs: docs, Visits: visits, logger: logger}
}

// Upload stores r and creates a visit in state UPLOADED.
func (u *Usecase) Upload(ctx context.Context, filename string, r io.Reader, patient *entity.PatientMeta) (*entity.Visit, error) {
	doc, err := u.Docs.Save(ctx, filename, r)
	if err != nil {
		return nil, err
	}
	if patient.IsZero() {
		patient = nil
	}
	v, err := u.Visits.Create(ctx, doc, patient)
	if err != nil {
		return nil, fmt.Errorf("create visit: %w", err)
	}
	u.logger.Info("ingest.upload.ok", "visit_id", v.ID, "filename", doc.Filename, "size", doc.Size)
	return v, nil
}

// IngestPath uploads a single local file.
func (u *Usecase) IngestPath(ctx context.Context, path string, patient *entity.PatientMeta) (*entity.Visit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			u.logger.Warn("ingest.close_failed", "path", path, "error", cerr)
		}
	}()
	return u.Upload(ctx, path, f, patient)
}

// IngestDirectory walks root and opens one visit per supported file.
// Per-file failures are reported in the results and do not stop the walk.
func (u *Usecase) IngestDirectory(ctx context.Context, root string, skipHidden bool) ([]IngestionResult, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, DirStats{}, errors.New("root path is required")
	}

	var results []IngestionResult
	var stats DirStats

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		if walkErr != nil {
			results = append(results, IngestionResult{SourcePath: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if skipHidden && path != root && isHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !constants.AllowedExt(filepath.Ext(path)) {
			return nil
		}
		stats.Matched++

		v, err := u.IngestPath(ctx, path, nil)
		if err != nil {
			u.logger.Warn("ingest.dir.file_failed", "path", path, "error", err)
			results = append(results, IngestionResult{SourcePath: path, Err: err.Error()})
			stats.Failed++
			return nil
		}
		results = append(results, IngestionResult{SourcePath: path, VisitID: v.ID, Document: v.Document})
		stats.Succeeded++
		return nil
	})
	if err != nil {
		return results, stats, fmt.Errorf("walk: %w", err)
	}
	u.logger.Info("ingest.dir.done", "root", root, "matched", stats.Matched, "succeeded", stats.Succeeded, "failed", stats.Failed)
	return results, stats, nil
}

func isHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
