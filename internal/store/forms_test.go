package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var formRowColumns = []string{
	"id", "form_id", "title", "description", "short_description", "icon", "form_type",
	"is_active", "sort_order", "version", "created_by", "created_at", "updated_at", "created_by_name",
}

func formRow(version int) *sqlmock.Rows {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(formRowColumns).
		AddRow(int64(7), "intake-abc123", "Intake", "", "", "", "intake", true, int64(0), int64(version), "usr-1", ts, ts, "Ada Admin")
}

func TestCreateFormEnqueuesSyncInSameTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO forms").
		WithArgs("intake-abc123", "Intake", "", "", "", "intake", true, 0, "usr-1").
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectExec("INSERT INTO form_sync_outbox").WithArgs("intake-abc123").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("FROM forms f LEFT JOIN users u").WithArgs("intake-abc123").WillReturnRows(formRow(1))

	form, err := s.CreateForm(context.Background(), "intake-abc123", FormInput{Title: "Intake", IsActive: true}, "usr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), form.ID)
	assert.Equal(t, 1, form.Version)
	require.NotNil(t, form.CreatedBy)
	assert.Equal(t, "usr-1", *form.CreatedBy)
	assert.Equal(t, "Ada Admin", form.CreatedByName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateFormRollsBackWhenEnqueueFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO forms").WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectExec("INSERT INTO form_sync_outbox").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err = s.CreateForm(context.Background(), "intake-abc123", FormInput{Title: "Intake"}, "")
	require.ErrorIs(t, err, sql.ErrConnDone)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateFormWithoutChangesDoesNotEnqueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE forms").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM forms WHERE form_id=\\$1 FOR UPDATE").WithArgs("intake-abc123").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit()
	mock.ExpectQuery("FROM forms f LEFT JOIN users u").WithArgs("intake-abc123").WillReturnRows(formRow(3))

	form, changed, err := s.UpdateForm(context.Background(), "intake-abc123", FormInput{Title: "Intake", IsActive: true})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 3, form.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateFormWithChangesEnqueues(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE forms").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("INSERT INTO form_sync_outbox").WithArgs("intake-abc123").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("FROM forms f LEFT JOIN users u").WithArgs("intake-abc123").WillReturnRows(formRow(4))

	form, changed, err := s.UpdateForm(context.Background(), "intake-abc123", FormInput{Title: "Intake v2", IsActive: true})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 4, form.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMissingFormReturnsNoRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE forms").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("FOR UPDATE").WithArgs("missing").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, _, err = s.UpdateForm(context.Background(), "missing", FormInput{Title: "x"})
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSectionBumpsVersionAndEnqueues(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("intake-abc123").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("DELETE FROM form_sections").WithArgs(int64(11), int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE forms SET version=version\\+1").WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO form_sync_outbox").WithArgs("intake-abc123").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.DeleteSection(context.Background(), "intake-abc123", 11))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteUnknownSectionRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("intake-abc123").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("DELETE FROM form_sections").WithArgs(int64(99), int64(7)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = s.DeleteSection(context.Background(), "intake-abc123", 99)
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadFormTreeGroupsFieldsUnderSections(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewPostgresStore(db)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery("FROM forms f LEFT JOIN users u").WithArgs("intake-abc123").WillReturnRows(formRow(2))
	mock.ExpectQuery("FROM form_sections").WithArgs(int64(7)).WillReturnRows(
		sqlmock.NewRows([]string{"id", "form_id", "title", "description", "sort_order", "is_repeatable", "repeatable_count", "created_at", "updated_at"}).
			AddRow(int64(1), int64(7), "About you", "", int64(0), false, nil, ts, ts).
			AddRow(int64(2), int64(7), "Team", "", int64(1), true, int64(3), ts, ts),
	)
	mock.ExpectQuery("FROM form_fields ff").WithArgs(int64(7)).WillReturnRows(
		sqlmock.NewRows([]string{"id", "section_id", "label", "description", "field_type", "is_required", "placeholder", "options", "sort_order", "created_at", "updated_at"}).
			AddRow(int64(10), int64(1), "Name", "", "text", true, "", []byte(`[]`), int64(0), ts, ts).
			AddRow(int64(12), int64(2), "Member", "", "text", false, "", nil, int64(0), ts, ts).
			AddRow(int64(11), int64(1), "Email", "", "email", true, "", []byte(`[]`), int64(1), ts, ts),
	)
	mock.ExpectRollback()

	tree, err := s.LoadFormTree(context.Background(), "intake-abc123")
	require.NoError(t, err)
	require.Len(t, tree.Sections, 2)
	require.Len(t, tree.Sections[0].Fields, 2)
	assert.Equal(t, "Name", tree.Sections[0].Fields[0].Label)
	assert.Equal(t, "Email", tree.Sections[0].Fields[1].Label)
	require.Len(t, tree.Sections[1].Fields, 1)
	assert.JSONEq(t, `[]`, string(tree.Sections[1].Fields[0].Options))
	require.NotNil(t, tree.Sections[1].RepeatableCount)
	assert.Equal(t, 3, *tree.Sections[1].RepeatableCount)
	assert.Nil(t, tree.Sections[0].RepeatableCount)
	require.NoError(t, mock.ExpectationsWereMet())
}
