package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, id, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email FROM users WHERE display_name=$1
	`, name).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	email := strings.ToLower(strings.ReplaceAll(name, " ", ".")) + "@local.concord.dev"
	if err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name, email)
		VALUES ($1, $2, $3)
		RETURNING id, display_name, email
	`, id, name, email).Scan(&user.ID, &user.DisplayName, &user.Email); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, owner_id)
		VALUES ($1, $2, $3)
	`, item.ID, item.Title, item.OwnerID)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, owner_id, created_at, updated_at
		FROM documents
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(&item.ID, &item.Title, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, owner_id, created_at, updated_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &item.Title, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) UpsertMember(ctx context.Context, documentID, userID, role, grantedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_members (document_id, user_id, role, granted_by)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (document_id, user_id) DO UPDATE SET role=EXCLUDED.role, granted_by=EXCLUDED.granted_by, granted_at=NOW()
	`, documentID, userID, role, grantedBy)
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

// GetMemberRole returns the membership role, or "" when the user has no
// grant on the document.
func (s *PostgresStore) GetMemberRole(ctx context.Context, documentID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM document_members WHERE document_id=$1 AND user_id=$2
	`, documentID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get member role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) InsertParagraph(ctx context.Context, item Paragraph) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paragraphs (id, document_id, body, position, current_version, consensus)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.DocumentID, item.Text, item.Position, item.CurrentVersion, item.Consensus)
	if err != nil {
		return fmt.Errorf("insert paragraph: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListParagraphs(ctx context.Context, documentID string) ([]Paragraph, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, body, position, current_version, consensus, updated_at
		FROM paragraphs
		WHERE document_id=$1
		ORDER BY position ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list paragraphs: %w", err)
	}
	defer rows.Close()

	items := make([]Paragraph, 0)
	for rows.Next() {
		var item Paragraph
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.Text, &item.Position, &item.CurrentVersion, &item.Consensus, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan paragraph: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate paragraphs: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetParagraph(ctx context.Context, paragraphID string) (Paragraph, error) {
	var item Paragraph
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, body, position, current_version, consensus, updated_at
		FROM paragraphs
		WHERE id=$1
	`, paragraphID).Scan(&item.ID, &item.DocumentID, &item.Text, &item.Position, &item.CurrentVersion, &item.Consensus, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Paragraph{}, ErrNotFound
	}
	if err != nil {
		return Paragraph{}, fmt.Errorf("get paragraph: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertSuggestion(ctx context.Context, item Suggestion) error {
	status := item.Status
	if status == "" {
		status = "open"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suggestions (id, paragraph_id, document_id, author_id, body, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.ParagraphID, item.DocumentID, item.AuthorID, item.Text, status)
	if err != nil {
		return fmt.Errorf("insert suggestion: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSuggestion(ctx context.Context, suggestionID string) (Suggestion, error) {
	var item Suggestion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, paragraph_id, document_id, author_id, body, status,
		       sum_evaluations, sum_squared_evaluations, evaluator_count, consensus, created_at
		FROM suggestions
		WHERE id=$1
	`, suggestionID).Scan(
		&item.ID,
		&item.ParagraphID,
		&item.DocumentID,
		&item.AuthorID,
		&item.Text,
		&item.Status,
		&item.SumEvaluations,
		&item.SumSquaredEvaluations,
		&item.EvaluatorCount,
		&item.Consensus,
		&item.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Suggestion{}, ErrNotFound
	}
	if err != nil {
		return Suggestion{}, fmt.Errorf("get suggestion: %w", err)
	}
	return item, nil
}

// ListOpenSuggestions returns the still-actionable suggestions for a
// paragraph. Accepted or withdrawn suggestions stay in the table for
// audit but never re-enter the queue.
func (s *PostgresStore) ListOpenSuggestions(ctx context.Context, paragraphID string) ([]Suggestion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, paragraph_id, document_id, author_id, body, status,
		       sum_evaluations, sum_squared_evaluations, evaluator_count, consensus, created_at
		FROM suggestions
		WHERE paragraph_id=$1 AND status='open'
		ORDER BY created_at ASC
	`, paragraphID)
	if err != nil {
		return nil, fmt.Errorf("list open suggestions: %w", err)
	}
	defer rows.Close()

	items := make([]Suggestion, 0)
	for rows.Next() {
		var item Suggestion
		if err := rows.Scan(
			&item.ID,
			&item.ParagraphID,
			&item.DocumentID,
			&item.AuthorID,
			&item.Text,
			&item.Status,
			&item.SumEvaluations,
			&item.SumSquaredEvaluations,
			&item.EvaluatorCount,
			&item.Consensus,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suggestions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateSuggestionConsensus(ctx context.Context, suggestionID string, score float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE suggestions SET consensus=$2 WHERE id=$1
	`, suggestionID, score)
	if err != nil {
		return fmt.Errorf("update suggestion consensus: %w", err)
	}
	return nil
}

// UpsertEvaluation records one participant's score for a suggestion and
// adjusts the suggestion's running statistics by the delta against any
// prior score from the same participant. The suggestion row is locked
// for the duration so concurrent evaluations serialize.
func (s *PostgresStore) UpsertEvaluation(ctx context.Context, evaluationID, suggestionID, userID string, value float64) (SuggestionStats, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SuggestionStats{}, fmt.Errorf("begin evaluation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var stats SuggestionStats
	err = tx.QueryRowContext(ctx, `
		SELECT sum_evaluations, sum_squared_evaluations, evaluator_count
		FROM suggestions
		WHERE id=$1
		FOR UPDATE
	`, suggestionID).Scan(&stats.Sum, &stats.SumSquared, &stats.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return SuggestionStats{}, ErrNotFound
	}
	if err != nil {
		return SuggestionStats{}, fmt.Errorf("lock suggestion: %w", err)
	}

	var previous float64
	var hasPrevious bool
	err = tx.QueryRowContext(ctx, `
		SELECT value FROM evaluations WHERE suggestion_id=$1 AND user_id=$2
	`, suggestionID, userID).Scan(&previous)
	if err == nil {
		hasPrevious = true
	} else if !errors.Is(err, sql.ErrNoRows) {
		return SuggestionStats{}, fmt.Errorf("lookup evaluation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO evaluations (id, suggestion_id, user_id, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (suggestion_id, user_id)
		DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()
	`, evaluationID, suggestionID, userID, value); err != nil {
		return SuggestionStats{}, fmt.Errorf("upsert evaluation: %w", err)
	}

	if hasPrevious {
		stats.Sum += value - previous
		stats.SumSquared += value*value - previous*previous
	} else {
		stats.Sum += value
		stats.SumSquared += value * value
		stats.Count++
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE suggestions
		SET sum_evaluations=$2, sum_squared_evaluations=$3, evaluator_count=$4
		WHERE id=$1
	`, suggestionID, stats.Sum, stats.SumSquared, stats.Count); err != nil {
		return SuggestionStats{}, fmt.Errorf("update suggestion stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return SuggestionStats{}, fmt.Errorf("commit evaluation tx: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) GetSettings(ctx context.Context, documentID string) (Settings, error) {
	var item Settings
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, enabled, review_threshold, allow_admin_edit,
		       enable_version_history, max_recent_versions, max_total_versions, updated_at
		FROM document_settings
		WHERE document_id=$1
	`, documentID).Scan(
		&item.DocumentID,
		&item.Enabled,
		&item.ReviewThreshold,
		&item.AllowAdminEdit,
		&item.EnableVersionHistory,
		&item.MaxRecentVersions,
		&item.MaxTotalVersions,
		&item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultSettings(documentID), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("get settings: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) SaveSettings(ctx context.Context, item Settings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_settings
			(document_id, enabled, review_threshold, allow_admin_edit,
			 enable_version_history, max_recent_versions, max_total_versions)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (document_id) DO UPDATE SET
			enabled=EXCLUDED.enabled,
			review_threshold=EXCLUDED.review_threshold,
			allow_admin_edit=EXCLUDED.allow_admin_edit,
			enable_version_history=EXCLUDED.enable_version_history,
			max_recent_versions=EXCLUDED.max_recent_versions,
			max_total_versions=EXCLUDED.max_total_versions,
			updated_at=NOW()
	`, item.DocumentID, item.Enabled, item.ReviewThreshold, item.AllowAdminEdit,
		item.EnableVersionHistory, item.MaxRecentVersions, item.MaxTotalVersions)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertAudit(ctx context.Context, entry AuditEntry) error {
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (document_id, paragraph_id, user_id, action, metadata)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5::jsonb)
	`, entry.DocumentID, entry.ParagraphID, entry.UserID, entry.Action, string(encoded))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, documentID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, COALESCE(paragraph_id, ''), user_id, action, metadata, created_at
		FROM audit_log
		WHERE document_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEntry, 0)
	for rows.Next() {
		var item AuditEntry
		var metadataRaw []byte
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.ParagraphID, &item.UserID, &item.Action, &metadataRaw, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		_ = json.Unmarshal(metadataRaw, &item.Metadata)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return items, nil
}
