package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/medsummary/constants"
	"github.com/joseph-ayodele/medsummary/internal/common"
	"github.com/joseph-ayodele/medsummary/internal/entity"
)

var visitSelectColumns = []string{
	"id", "state",
	"doc_ref", "doc_filename", "doc_ext", "doc_size", "doc_sha256",
	"patient_name", "patient_age", "patient_gender",
	"ocr_text", "ocr_confidence", "cleaned_text",
	"extracted_data", "summary", "key_findings",
	"last_error_stage", "last_error_message",
	"created_at", "updated_at",
}

type visitSQLRepo struct {
	drv *entsql.Driver
	log *slog.Logger
	now func() time.Time
}

// NewVisitRepository returns a VisitRepository backed by Ent's SQL driver
// (Postgres through pgx, or SQLite).
func NewVisitRepository(drv *entsql.Driver, log *slog.Logger) VisitRepository {
	if log == nil {
		log = slog.Default()
	}
	return &visitSQLRepo{drv: drv, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func (r *visitSQLRepo) builder() *entsql.DialectBuilder {
	return entsql.Dialect(r.drv.Dialect())
}

func (r *visitSQLRepo) Create(ctx context.Context, doc entity.DocumentRef, patient *entity.PatientMeta) (*entity.Visit, error) {
	if strings.TrimSpace(doc.Ref) == "" {
		return nil, fmt.Errorf("%w: document ref is required", common.ErrInvalidInput)
	}
	now := r.now()
	v := &entity.Visit{
		ID:        NewVisitID(),
		State:     constants.VisitUploaded,
		Document:  doc,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if !patient.IsZero() {
		p := *patient
		v.Patient = &p
	}

	var pName, pGender sql.NullString
	var pAge sql.NullInt64
	if v.Patient != nil {
		pName = nullString(v.Patient.Name)
		pGender = nullString(v.Patient.Gender)
		if v.Patient.Age != nil {
			pAge = sql.NullInt64{Int64: int64(*v.Patient.Age), Valid: true}
		}
	}

	query, args := r.builder().Insert(visitsTableName).
		Columns("id", "state", "doc_ref", "doc_filename", "doc_ext", "doc_size", "doc_sha256",
			"patient_name", "patient_age", "patient_gender", "created_at", "updated_at").
		Values(v.ID, string(v.State), doc.Ref, doc.Filename, doc.Ext, doc.Size, emptyToNull(doc.SHA256),
			pName, pAge, pGender, now, now).
		Query()

	var res sql.Result
	if err := r.drv.Exec(ctx, query, args, &res); err != nil {
		r.log.Error("visit create failed", "doc_ref", doc.Ref, "error", err)
		return nil, fmt.Errorf("insert visit: %w", err)
	}
	r.log.Info("visit created", "visit_id", v.ID, "doc_ref", doc.Ref)
	return v, nil
}

func (r *visitSQLRepo) Get(ctx context.Context, id string) (*entity.Visit, error) {
	return r.get(ctx, r.drv, id)
}

func (r *visitSQLRepo) get(ctx context.Context, q dialect.ExecQuerier, id string) (*entity.Visit, error) {
	b := r.builder()
	query, args := b.Select(visitSelectColumns...).
		From(b.Table(visitsTableName)).
		Where(entsql.EQ("id", id)).
		Query()

	rows := &entsql.Rows{}
	if err := q.Query(ctx, query, args, rows); err != nil {
		return nil, fmt.Errorf("select visit: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("select visit: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanVisit(rows)
}

func (r *visitSQLRepo) List(ctx context.Context, limit int) ([]*entity.Visit, error) {
	if limit <= 0 {
		limit = 50
	}
	b := r.builder()
	query, args := b.Select(visitSelectColumns...).
		From(b.Table(visitsTableName)).
		OrderBy(entsql.Desc("created_at"), entsql.Desc("id")).
		Limit(limit).
		Query()

	rows := &entsql.Rows{}
	if err := r.drv.Query(ctx, query, args, rows); err != nil {
		return nil, fmt.Errorf("list visits: %w", err)
	}
	defer rows.Close()

	var out []*entity.Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list visits: %w", err)
	}
	return out, nil
}

// CompareAndTransition runs a conditional UPDATE (id and state must match) and
// re-reads the row in the same transaction. Zero affected rows means the visit
// is missing or was advanced by someone else.
func (r *visitSQLRepo) CompareAndTransition(ctx context.Context, id string, expected constants.VisitState, m Mutation) (_ *entity.Visit, err error) {
	if err := m.validate(expected); err != nil {
		return nil, err
	}

	upd := r.builder().Update(visitsTableName).
		Set("state", string(m.State)).
		Set("updated_at", r.now())
	if m.OCRText != nil {
		upd.Set("ocr_text", *m.OCRText)
	}
	if m.OCRConfidence != nil {
		upd.Set("ocr_confidence", *m.OCRConfidence)
	}
	if m.CleanedText != nil {
		upd.Set("cleaned_text", *m.CleanedText)
	}
	if m.ExtractedData != nil {
		b, jerr := json.Marshal(m.ExtractedData)
		if jerr != nil {
			return nil, fmt.Errorf("encode extracted_data: %w", jerr)
		}
		upd.Set("extracted_data", string(b))
	}
	if m.Summary != nil {
		upd.Set("summary", *m.Summary)
	}
	if m.KeyFindings != nil {
		upd.Set("key_findings", *m.KeyFindings)
	}
	if m.LastError != nil {
		upd.Set("last_error_stage", string(m.LastError.Stage)).
			Set("last_error_message", m.LastError.Message)
	}
	query, args := upd.Where(entsql.And(
		entsql.EQ("id", id),
		entsql.EQ("state", string(expected)),
	)).Query()

	tx, err := r.drv.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				r.log.Warn("visit transition rollback failed", "visit_id", id, "error", rerr)
			}
		}
	}()

	var res sql.Result
	if err = tx.Exec(ctx, query, args, &res); err != nil {
		r.log.Error("visit transition failed", "visit_id", id, "expected", expected, "to", m.State, "error", err)
		return nil, fmt.Errorf("update visit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		cur, gerr := r.get(ctx, tx, id)
		if gerr != nil {
			err = gerr
			return nil, err
		}
		r.log.Warn("visit transition conflict", "visit_id", id, "expected", expected, "actual", cur.State, "to", m.State)
		err = fmt.Errorf("%w: expected %s, found %s", ErrConflict, expected, cur.State)
		return nil, err
	}

	v, err := r.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	r.log.Info("visit transitioned", "visit_id", id, "from", expected, "to", m.State)
	return v, nil
}

func scanVisit(rows *entsql.Rows) (*entity.Visit, error) {
	var (
		v                                     entity.Visit
		state                                 string
		docSHA                                sql.NullString
		pName, pGender                        sql.NullString
		pAge                                  sql.NullInt64
		ocrText, cleaned, summary             sql.NullString
		ocrConf                               sql.NullFloat64
		extracted, findings, errStage, errMsg sql.NullString
	)
	if err := rows.Scan(
		&v.ID, &state,
		&v.Document.Ref, &v.Document.Filename, &v.Document.Ext, &v.Document.Size, &docSHA,
		&pName, &pAge, &pGender,
		&ocrText, &ocrConf, &cleaned,
		&extracted, &summary, &findings,
		&errStage, &errMsg,
		&v.CreatedAt, &v.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan visit: %w", err)
	}
	v.State = constants.VisitState(state)
	v.Document.SHA256 = docSHA.String

	if pName.Valid || pAge.Valid || pGender.Valid {
		v.Patient = &entity.PatientMeta{Name: stringPtr(pName), Gender: stringPtr(pGender)}
		if pAge.Valid {
			age := int(pAge.Int64)
			v.Patient.Age = &age
		}
	}
	v.OCRText = stringPtr(ocrText)
	if ocrConf.Valid {
		c := ocrConf.Float64
		v.OCRConfidence = &c
	}
	v.CleanedText = stringPtr(cleaned)
	v.Summary = stringPtr(summary)
	if extracted.Valid && extracted.String != "" {
		var ed entity.ExtractedData
		if err := json.Unmarshal([]byte(extracted.String), &ed); err != nil {
			return nil, fmt.Errorf("decode extracted_data for %s: %w", v.ID, err)
		}
		v.ExtractedData = &ed
	}
	v.KeyFindings = stringPtr(findings)
	if errStage.Valid {
		v.LastError = &entity.StageFailure{Stage: constants.Stage(errStage.String), Message: errMsg.String}
	}
	v.CreatedAt = v.CreatedAt.UTC()
	v.UpdatedAt = v.UpdatedAt.UTC()
	return &v, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func emptyToNull(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
