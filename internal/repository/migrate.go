package repository

import (
	"context"
	"fmt"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

const visitsTableName = "visits"

var (
	// VisitsColumns holds the columns for the "visits" table.
	VisitsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString, Size: 32},
		{Name: "state", Type: field.TypeString, Size: 16},
		{Name: "doc_ref", Type: field.TypeString, Size: 1024},
		{Name: "doc_filename", Type: field.TypeString, Size: 512},
		{Name: "doc_ext", Type: field.TypeString, Size: 16},
		{Name: "doc_size", Type: field.TypeInt64},
		{Name: "doc_sha256", Type: field.TypeString, Size: 64, Nullable: true},
		{Name: "patient_name", Type: field.TypeString, Size: 256, Nullable: true},
		{Name: "patient_age", Type: field.TypeInt, Nullable: true},
		{Name: "patient_gender", Type: field.TypeString, Size: 32, Nullable: true},
		{Name: "ocr_text", Type: field.TypeString, Size: 2147483647, Nullable: true},
		{Name: "ocr_confidence", Type: field.TypeFloat64, Nullable: true},
		{Name: "cleaned_text", Type: field.TypeString, Size: 2147483647, Nullable: true},
		{Name: "extracted_data", Type: field.TypeString, Size: 2147483647, Nullable: true},
		{Name: "summary", Type: field.TypeString, Size: 2147483647, Nullable: true},
		{Name: "key_findings", Type: field.TypeString, Size: 2147483647, Nullable: true},
		{Name: "last_error_stage", Type: field.TypeString, Size: 16, Nullable: true},
		{Name: "last_error_message", Type: field.TypeString, Size: 2147483647, Nullable: true},
		{Name: "created_at", Type: field.TypeTime},
		{Name: "updated_at", Type: field.TypeTime},
	}
	// VisitsTable holds the schema information for the "visits" table.
	VisitsTable = &schema.Table{
		Name:       visitsTableName,
		Columns:    VisitsColumns,
		PrimaryKey: []*schema.Column{VisitsColumns[0]},
		Indexes: []*schema.Index{
			{Name: "visit_state", Unique: false, Columns: []*schema.Column{VisitsColumns[1]}},
			{Name: "visit_created_at", Unique: false, Columns: []*schema.Column{VisitsColumns[18]}},
		},
	}
	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{VisitsTable}
)

// Migrate creates or upgrades the schema. Columns and indexes are only ever added.
func Migrate(ctx context.Context, drv *entsql.Driver, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	m, err := schema.NewMigrate(drv)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	if err := m.Create(ctx, Tables...); err != nil {
		logger.Error("schema migration failed", "dialect", drv.Dialect(), "error", err)
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("schema migration complete", "dialect", drv.Dialect(), "tables", len(Tables))
	return nil
}
