package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

func normalizeAnswers(answers json.RawMessage) string {
	if len(answers) == 0 || string(answers) == "null" {
		return "{}"
	}
	return string(answers)
}

const submissionColumns = `s.id, s.user_id, s.form_id, s.form_name, s.form_version, s.kind, s.answers, s.created_at, s.updated_at,
	u.email, u.first_name, u.last_name`

func scanSubmission(row interface{ Scan(...any) error }) (Submission, error) {
	var submission Submission
	var answers []byte
	err := row.Scan(
		&submission.ID,
		&submission.UserID,
		&submission.FormID,
		&submission.FormName,
		&submission.FormVersion,
		&submission.Kind,
		&answers,
		&submission.CreatedAt,
		&submission.UpdatedAt,
		&submission.Email,
		&submission.FirstName,
		&submission.LastName,
	)
	if err != nil {
		return Submission{}, err
	}
	submission.Answers = json.RawMessage(answers)
	return submission, nil
}

// SaveSubmission keeps one submission per user, form and kind; submitting
// again replaces the answers. A saved submission clears the user's draft.
func (s *PostgresStore) SaveSubmission(ctx context.Context, submission Submission) (Submission, error) {
	kind := submission.Kind
	if kind == "" {
		kind = SubmissionKindSubmission
	}
	var id string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO form_submissions (id, user_id, form_id, form_name, form_version, kind, answers)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
			ON CONFLICT (user_id, form_id, kind) DO UPDATE SET
				form_name=EXCLUDED.form_name,
				form_version=EXCLUDED.form_version,
				answers=EXCLUDED.answers,
				updated_at=NOW()
			RETURNING id
		`, submission.ID, submission.UserID, submission.FormID, submission.FormName, submission.FormVersion, kind, normalizeAnswers(submission.Answers)).Scan(&id)
		if err != nil {
			return fmt.Errorf("save submission: %w", err)
		}
		if kind == SubmissionKindSubmission {
			if _, err := tx.ExecContext(ctx, `DELETE FROM form_progress WHERE user_id=$1 AND form_id=$2`, submission.UserID, submission.FormID); err != nil {
				return fmt.Errorf("clear progress: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Submission{}, err
	}
	return s.GetSubmission(ctx, id)
}

func (s *PostgresStore) GetSubmission(ctx context.Context, id string) (Submission, error) {
	return scanSubmission(s.db.QueryRowContext(ctx, `
		SELECT `+submissionColumns+`
		FROM form_submissions s JOIN users u ON u.id = s.user_id
		WHERE s.id=$1
	`, id))
}

// ListSubmissions returns submissions of the given kind, newest first. An
// empty userID lists every user's submissions.
func (s *PostgresStore) ListSubmissions(ctx context.Context, userID, kind string) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+submissionColumns+`
		FROM form_submissions s JOIN users u ON u.id = s.user_id
		WHERE ($1 = '' OR s.user_id = $1) AND ($2 = '' OR s.kind = $2)
		ORDER BY s.created_at DESC, s.id
	`, userID, kind)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	submissions := make([]Submission, 0)
	for rows.Next() {
		submission, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		submissions = append(submissions, submission)
	}
	return submissions, rows.Err()
}

func (s *PostgresStore) DeleteSubmission(ctx context.Context, userID, formID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM form_submissions WHERE user_id=$1 AND form_id=$2 AND kind='submission'
	`, userID, formID)
	if err != nil {
		return fmt.Errorf("delete submission: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) SubmittedFormIDs(ctx context.Context, userID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT form_id FROM form_submissions WHERE user_id=$1 AND kind='submission'`, userID)
	if err != nil {
		return nil, fmt.Errorf("list submitted forms: %w", err)
	}
	defer rows.Close()

	ids := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan submitted form: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

func (s *PostgresStore) GetProgress(ctx context.Context, userID, formID string) (Progress, error) {
	var progress Progress
	var answers []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, form_id, form_version, answers, updated_at
		FROM form_progress WHERE user_id=$1 AND form_id=$2
	`, userID, formID).Scan(&progress.UserID, &progress.FormID, &progress.FormVersion, &answers, &progress.UpdatedAt)
	if err != nil {
		return Progress{}, err
	}
	progress.Answers = json.RawMessage(answers)
	return progress, nil
}

func (s *PostgresStore) SaveProgress(ctx context.Context, progress Progress) (Progress, error) {
	var saved Progress
	var answers []byte
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO form_progress (user_id, form_id, form_version, answers)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (user_id, form_id) DO UPDATE SET
			form_version=EXCLUDED.form_version,
			answers=EXCLUDED.answers,
			updated_at=NOW()
		RETURNING user_id, form_id, form_version, answers, updated_at
	`, progress.UserID, progress.FormID, progress.FormVersion, normalizeAnswers(progress.Answers)).Scan(
		&saved.UserID, &saved.FormID, &saved.FormVersion, &answers, &saved.UpdatedAt,
	)
	if err != nil {
		return Progress{}, fmt.Errorf("save progress: %w", err)
	}
	saved.Answers = json.RawMessage(answers)
	return saved, nil
}
