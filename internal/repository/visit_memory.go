package repository

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joseph-ayodele/medsummary/constants"
	"github.com/joseph-ayodele/medsummary/internal/common"
	"github.com/joseph-ayodele/medsummary/internal/entity"
)

type visitMemoryRepo struct {
	mu     sync.RWMutex
	visits map[string]*entity.Visit
	log    *slog.Logger
	now    func() time.Time
}

// NewMemoryVisitRepository returns a process-local VisitRepository.
// Visits are lost on restart.
func NewMemoryVisitRepository(log *slog.Logger) VisitRepository {
	if log == nil {
		log = slog.Default()
	}
	return &visitMemoryRepo{
		visits: make(map[string]*entity.Visit),
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *visitMemoryRepo) Create(_ context.Context, doc entity.DocumentRef, patient *entity.PatientMeta) (*entity.Visit, error) {
	if strings.TrimSpace(doc.Ref) == "" {
		return nil, fmt.Errorf("%w: document ref is required", common.ErrInvalidInput)
	}
	now := r.now()
	v := &entity.Visit{
		State:     constants.VisitUploaded,
		Document:  doc,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if !patient.IsZero() {
		p := *patient
		v.Patient = &p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		v.ID = NewVisitID()
		if _, taken := r.visits[v.ID]; !taken {
			break
		}
	}
	r.visits[v.ID] = v
	r.log.Info("visit created", "visit_id", v.ID, "doc_ref", doc.Ref)
	return v.Clone(), nil
}

func (r *visitMemoryRepo) Get(_ context.Context, id string) (*entity.Visit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.visits[id]
	if !ok {
		return nil, ErrNotFound
	}
	return v.Clone(), nil
}

func (r *visitMemoryRepo) List(_ context.Context, limit int) ([]*entity.Visit, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.RLock()
	out := make([]*entity.Visit, 0, len(r.visits))
	for _, v := range r.visits {
		out = append(out, v.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *visitMemoryRepo) CompareAndTransition(_ context.Context, id string, expected constants.VisitState, m Mutation) (*entity.Visit, error) {
	if err := m.validate(expected); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.visits[id]
	if !ok {
		return nil, ErrNotFound
	}
	if v.State != expected {
		r.log.Warn("visit transition conflict", "visit_id", id, "expected", expected, "actual", v.State, "to", m.State)
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrConflict, expected, v.State)
	}
	m.apply(v)
	v.UpdatedAt = r.now()
	r.log.Info("visit transitioned", "visit_id", id, "from", expected, "to", m.State)
	return v.Clone(), nil
}
