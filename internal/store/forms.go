package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Every mutation in this file runs in one transaction together with the
// form_sync_outbox enqueue for the owning form, so the rebuild event becomes
// durable exactly when the write commits.

const formColumns = `f.id, f.form_id, f.title, f.description, f.short_description, f.icon, f.form_type,
	f.is_active, f.sort_order, f.version, f.created_by, f.created_at, f.updated_at,
	COALESCE(NULLIF(TRIM(COALESCE(u.first_name, '') || ' ' || COALESCE(u.last_name, '')), ''), u.email, '')`

const formFrom = ` FROM forms f LEFT JOIN users u ON u.id = f.created_by`

func scanForm(row interface{ Scan(...any) error }) (Form, error) {
	var form Form
	var createdBy sql.NullString
	err := row.Scan(
		&form.ID,
		&form.FormID,
		&form.Title,
		&form.Description,
		&form.ShortDescription,
		&form.Icon,
		&form.FormType,
		&form.IsActive,
		&form.Order,
		&form.Version,
		&createdBy,
		&form.CreatedAt,
		&form.UpdatedAt,
		&form.CreatedByName,
	)
	if err != nil {
		return Form{}, err
	}
	if createdBy.Valid {
		form.CreatedBy = &createdBy.String
	}
	return form, nil
}

func normalizeFormType(value string) string {
	if strings.TrimSpace(value) == "" {
		return "intake"
	}
	return value
}

func normalizeOptions(options json.RawMessage) []byte {
	if len(options) == 0 || string(options) == "null" {
		return []byte("[]")
	}
	return options
}

func (s *PostgresStore) GetForm(ctx context.Context, formID string) (Form, error) {
	return scanForm(s.db.QueryRowContext(ctx, `SELECT `+formColumns+formFrom+` WHERE f.form_id=$1`, formID))
}

// ListForms orders by sort order, then form id.
func (s *PostgresStore) ListForms(ctx context.Context, filter FormFilter) ([]Form, error) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 1)
	if filter.ActiveOnly {
		clauses = append(clauses, "f.is_active = TRUE")
	}
	if filter.FormType != "" {
		args = append(args, filter.FormType)
		clauses = append(clauses, fmt.Sprintf("f.form_type = $%d", len(args)))
	}
	query := `SELECT ` + formColumns + formFrom
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY f.sort_order, f.form_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list forms: %w", err)
	}
	defer rows.Close()

	forms := make([]Form, 0)
	for rows.Next() {
		form, err := scanForm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan form: %w", err)
		}
		forms = append(forms, form)
	}
	return forms, rows.Err()
}

func (s *PostgresStore) ListFormIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT form_id FROM forms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list form ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan form id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) CountForms(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM forms`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count forms: %w", err)
	}
	return count, nil
}

// LoadFormTree reads a form with its sections and fields from one snapshot,
// each level ordered by sort order and then primary key.
func (s *PostgresStore) LoadFormTree(ctx context.Context, formID string) (FormTree, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return FormTree{}, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	form, err := scanForm(tx.QueryRowContext(ctx, `SELECT `+formColumns+formFrom+` WHERE f.form_id=$1`, formID))
	if err != nil {
		return FormTree{}, err
	}

	sectionRows, err := tx.QueryContext(ctx, `
		SELECT id, form_id, title, description, sort_order, is_repeatable, repeatable_count, created_at, updated_at
		FROM form_sections
		WHERE form_id=$1
		ORDER BY sort_order, id
	`, form.ID)
	if err != nil {
		return FormTree{}, fmt.Errorf("list sections: %w", err)
	}
	sections := make([]SectionTree, 0)
	index := map[int64]int{}
	for sectionRows.Next() {
		section, err := scanSection(sectionRows)
		if err != nil {
			sectionRows.Close()
			return FormTree{}, fmt.Errorf("scan section: %w", err)
		}
		index[section.ID] = len(sections)
		sections = append(sections, SectionTree{FormSection: section, Fields: []FormField{}})
	}
	if err := sectionRows.Err(); err != nil {
		sectionRows.Close()
		return FormTree{}, fmt.Errorf("list sections: %w", err)
	}
	sectionRows.Close()

	fieldRows, err := tx.QueryContext(ctx, `
		SELECT ff.id, ff.section_id, ff.label, ff.description, ff.field_type, ff.is_required,
			ff.placeholder, ff.options, ff.sort_order, ff.created_at, ff.updated_at
		FROM form_fields ff
		JOIN form_sections fs ON fs.id = ff.section_id
		WHERE fs.form_id=$1
		ORDER BY ff.section_id, ff.sort_order, ff.id
	`, form.ID)
	if err != nil {
		return FormTree{}, fmt.Errorf("list fields: %w", err)
	}
	defer fieldRows.Close()
	for fieldRows.Next() {
		field, err := scanField(fieldRows)
		if err != nil {
			return FormTree{}, fmt.Errorf("scan field: %w", err)
		}
		if i, ok := index[field.SectionID]; ok {
			sections[i].Fields = append(sections[i].Fields, field)
		}
	}
	if err := fieldRows.Err(); err != nil {
		return FormTree{}, fmt.Errorf("list fields: %w", err)
	}

	return FormTree{Form: form, Sections: sections}, nil
}

func scanSection(row interface{ Scan(...any) error }) (FormSection, error) {
	var section FormSection
	var repeatable sql.NullInt64
	err := row.Scan(
		&section.ID,
		&section.FormPK,
		&section.Title,
		&section.Description,
		&section.Order,
		&section.IsRepeatable,
		&repeatable,
		&section.CreatedAt,
		&section.UpdatedAt,
	)
	if err != nil {
		return FormSection{}, err
	}
	if repeatable.Valid {
		count := int(repeatable.Int64)
		section.RepeatableCount = &count
	}
	return section, nil
}

func scanField(row interface{ Scan(...any) error }) (FormField, error) {
	var field FormField
	var options []byte
	err := row.Scan(
		&field.ID,
		&field.SectionID,
		&field.Label,
		&field.Description,
		&field.FieldType,
		&field.IsRequired,
		&field.Placeholder,
		&options,
		&field.Order,
		&field.CreatedAt,
		&field.UpdatedAt,
	)
	if err != nil {
		return FormField{}, err
	}
	field.Options = json.RawMessage(normalizeOptions(options))
	return field, nil
}

func (s *PostgresStore) CreateForm(ctx context.Context, formID string, input FormInput, createdBy string) (Form, error) {
	var creator any
	if createdBy != "" {
		creator = createdBy
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO forms (form_id, title, description, short_description, icon, form_type, is_active, sort_order, version, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9)
		`, formID, input.Title, input.Description, input.ShortDescription, input.Icon, normalizeFormType(input.FormType), input.IsActive, input.Order, creator)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("insert form: %w", err)
		}
		return enqueueFormSync(ctx, tx, formID)
	})
	if err != nil {
		return Form{}, err
	}
	return s.GetForm(ctx, formID)
}

// UpdateForm reports changed=false, and writes nothing, when every column
// already holds the requested value.
func (s *PostgresStore) UpdateForm(ctx context.Context, formID string, input FormInput) (form Form, changed bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var pk int64
		scanErr := tx.QueryRowContext(ctx, `
			UPDATE forms
			SET title=$2, description=$3, short_description=$4, icon=$5, form_type=$6, is_active=$7, sort_order=$8,
				version=version+1, updated_at=NOW()
			WHERE form_id=$1
				AND (title, description, short_description, icon, form_type, is_active, sort_order)
					IS DISTINCT FROM ($2, $3, $4, $5, $6, $7::boolean, $8::integer)
			RETURNING id
		`, formID, input.Title, input.Description, input.ShortDescription, input.Icon, normalizeFormType(input.FormType), input.IsActive, input.Order).Scan(&pk)
		if errors.Is(scanErr, sql.ErrNoRows) {
			if _, err := lockForm(ctx, tx, formID); err != nil {
				return err
			}
			return nil
		}
		if scanErr != nil {
			return fmt.Errorf("update form: %w", scanErr)
		}
		changed = true
		return enqueueFormSync(ctx, tx, formID)
	})
	if err != nil {
		return Form{}, false, err
	}
	form, err = s.GetForm(ctx, formID)
	return form, changed, err
}

func (s *PostgresStore) CreateSection(ctx context.Context, formID string, input SectionInput) (FormSection, error) {
	var section FormSection
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		pk, err := lockForm(ctx, tx, formID)
		if err != nil {
			return err
		}
		section, err = scanSection(tx.QueryRowContext(ctx, `
			INSERT INTO form_sections (form_id, title, description, sort_order, is_repeatable, repeatable_count)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, form_id, title, description, sort_order, is_repeatable, repeatable_count, created_at, updated_at
		`, pk, input.Title, input.Description, input.Order, input.IsRepeatable, nullableInt(input.RepeatableCount)))
		if err != nil {
			return fmt.Errorf("insert section: %w", err)
		}
		return bumpAndEnqueue(ctx, tx, pk, formID)
	})
	return section, err
}

func (s *PostgresStore) UpdateSection(ctx context.Context, formID string, sectionID int64, input SectionInput) (section FormSection, changed bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		pk, err := lockForm(ctx, tx, formID)
		if err != nil {
			return err
		}
		section, err = scanSection(tx.QueryRowContext(ctx, `
			UPDATE form_sections
			SET title=$3, description=$4, sort_order=$5, is_repeatable=$6, repeatable_count=$7, updated_at=NOW()
			WHERE id=$1 AND form_id=$2
				AND (title, description, sort_order, is_repeatable, repeatable_count)
					IS DISTINCT FROM ($3, $4, $5::integer, $6::boolean, $7::integer)
			RETURNING id, form_id, title, description, sort_order, is_repeatable, repeatable_count, created_at, updated_at
		`, sectionID, pk, input.Title, input.Description, input.Order, input.IsRepeatable, nullableInt(input.RepeatableCount)))
		if errors.Is(err, sql.ErrNoRows) {
			section, err = scanSection(tx.QueryRowContext(ctx, `
				SELECT id, form_id, title, description, sort_order, is_repeatable, repeatable_count, created_at, updated_at
				FROM form_sections WHERE id=$1 AND form_id=$2
			`, sectionID, pk))
			return err
		}
		if err != nil {
			return fmt.Errorf("update section: %w", err)
		}
		changed = true
		return bumpAndEnqueue(ctx, tx, pk, formID)
	})
	return section, changed, err
}

func (s *PostgresStore) DeleteSection(ctx context.Context, formID string, sectionID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		pk, err := lockForm(ctx, tx, formID)
		if err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM form_sections WHERE id=$1 AND form_id=$2`, sectionID, pk)
		if err != nil {
			return fmt.Errorf("delete section: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return bumpAndEnqueue(ctx, tx, pk, formID)
	})
}

const fieldReturning = `RETURNING id, section_id, label, description, field_type, is_required, placeholder, options, sort_order, created_at, updated_at`

func (s *PostgresStore) CreateField(ctx context.Context, formID string, sectionID int64, input FieldInput) (FormField, error) {
	var field FormField
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		pk, err := lockForm(ctx, tx, formID)
		if err != nil {
			return err
		}
		field, err = scanField(tx.QueryRowContext(ctx, `
			INSERT INTO form_fields (section_id, label, description, field_type, is_required, placeholder, options, sort_order)
			SELECT fs.id, $3, $4, $5, $6, $7, $8::jsonb, $9
			FROM form_sections fs
			WHERE fs.id=$1 AND fs.form_id=$2
			`+fieldReturning,
			sectionID, pk, input.Label, input.Description, input.FieldType, input.IsRequired, input.Placeholder, string(normalizeOptions(input.Options)), input.Order))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return err
			}
			return fmt.Errorf("insert field: %w", err)
		}
		return bumpAndEnqueue(ctx, tx, pk, formID)
	})
	return field, err
}

func (s *PostgresStore) UpdateField(ctx context.Context, formID string, fieldID int64, input FieldInput) (field FormField, changed bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		pk, err := lockForm(ctx, tx, formID)
		if err != nil {
			return err
		}
		field, err = scanField(tx.QueryRowContext(ctx, `
			UPDATE form_fields ff
			SET label=$3, description=$4, field_type=$5, is_required=$6, placeholder=$7, options=$8::jsonb, sort_order=$9, updated_at=NOW()
			FROM form_sections fs
			WHERE ff.id=$1 AND fs.id=ff.section_id AND fs.form_id=$2
				AND (ff.label, ff.description, ff.field_type, ff.is_required, ff.placeholder, ff.options, ff.sort_order)
					IS DISTINCT FROM ($3, $4, $5, $6::boolean, $7, $8::jsonb, $9::integer)
			RETURNING ff.id, ff.section_id, ff.label, ff.description, ff.field_type, ff.is_required, ff.placeholder, ff.options, ff.sort_order, ff.created_at, ff.updated_at
		`, fieldID, pk, input.Label, input.Description, input.FieldType, input.IsRequired, input.Placeholder, string(normalizeOptions(input.Options)), input.Order))
		if errors.Is(err, sql.ErrNoRows) {
			field, err = scanField(tx.QueryRowContext(ctx, `
				SELECT ff.id, ff.section_id, ff.label, ff.description, ff.field_type, ff.is_required, ff.placeholder, ff.options, ff.sort_order, ff.created_at, ff.updated_at
				FROM form_fields ff JOIN form_sections fs ON fs.id = ff.section_id
				WHERE ff.id=$1 AND fs.form_id=$2
			`, fieldID, pk))
			return err
		}
		if err != nil {
			return fmt.Errorf("update field: %w", err)
		}
		changed = true
		return bumpAndEnqueue(ctx, tx, pk, formID)
	})
	return field, changed, err
}

func (s *PostgresStore) DeleteField(ctx context.Context, formID string, fieldID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		pk, err := lockForm(ctx, tx, formID)
		if err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `
			DELETE FROM form_fields ff
			USING form_sections fs
			WHERE ff.id=$1 AND fs.id=ff.section_id AND fs.form_id=$2
		`, fieldID, pk)
		if err != nil {
			return fmt.Errorf("delete field: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return bumpAndEnqueue(ctx, tx, pk, formID)
	})
}

// lockForm returns the primary key of formID and holds its row lock for the
// rest of the transaction, serializing version bumps per form.
func lockForm(ctx context.Context, tx *sql.Tx, formID string) (int64, error) {
	var pk int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM forms WHERE form_id=$1 FOR UPDATE`, formID).Scan(&pk)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
		return 0, fmt.Errorf("lock form: %w", err)
	}
	return pk, nil
}

func bumpAndEnqueue(ctx context.Context, tx *sql.Tx, pk int64, formID string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE forms SET version=version+1, updated_at=NOW() WHERE id=$1`, pk); err != nil {
		return fmt.Errorf("bump form version: %w", err)
	}
	return enqueueFormSync(ctx, tx, formID)
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}
