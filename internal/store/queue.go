package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const queueColumns = `id, document_id, paragraph_id, suggestion_id, current_text, proposed_text,
	consensus_at_creation, status, review_notes, COALESCE(reviewed_by, ''), reviewed_at, created_at`

func scanQueueItem(row interface{ Scan(...any) error }) (QueueItem, error) {
	var item QueueItem
	err := row.Scan(
		&item.ID,
		&item.DocumentID,
		&item.ParagraphID,
		&item.SuggestionID,
		&item.CurrentText,
		&item.ProposedText,
		&item.ConsensusAtCreation,
		&item.Status,
		&item.ReviewNotes,
		&item.ReviewedBy,
		&item.ReviewedAt,
		&item.CreatedAt,
	)
	return item, err
}

// InsertQueueItem enqueues a pending candidate. The partial unique
// index on (paragraph_id) WHERE status='pending' makes check-then-insert
// races safe: the loser's insert is dropped and reported as not added.
func (s *PostgresStore) InsertQueueItem(ctx context.Context, item QueueItem) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO review_queue
			(id, document_id, paragraph_id, suggestion_id, current_text, proposed_text, consensus_at_creation, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		ON CONFLICT (paragraph_id) WHERE status='pending' DO NOTHING
	`, item.ID, item.DocumentID, item.ParagraphID, item.SuggestionID,
		item.CurrentText, item.ProposedText, item.ConsensusAtCreation)
	if err != nil {
		return false, fmt.Errorf("insert queue item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert queue item rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) GetQueueItem(ctx context.Context, queueID string) (QueueItem, error) {
	item, err := scanQueueItem(s.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM review_queue WHERE id=$1
	`, queueID))
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, ErrNotFound
	}
	if err != nil {
		return QueueItem{}, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListQueue(ctx context.Context, documentID, status string) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM review_queue
		WHERE document_id=$1 AND ($2='' OR status=$2)
		ORDER BY created_at ASC
	`, documentID, status)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	items := make([]QueueItem, 0)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	return items, nil
}

// GetPendingForParagraph returns the pending item for a paragraph, or
// nil when the slot is free.
func (s *PostgresStore) GetPendingForParagraph(ctx context.Context, paragraphID string) (*QueueItem, error) {
	item, err := scanQueueItem(s.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM review_queue WHERE paragraph_id=$1 AND status='pending'
	`, paragraphID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending queue item: %w", err)
	}
	return &item, nil
}

// ListPendingParagraphIDs returns the set of paragraphs in a document
// that already hold a pending queue item.
func (s *PostgresStore) ListPendingParagraphIDs(ctx context.Context, documentID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT paragraph_id FROM review_queue WHERE document_id=$1 AND status='pending'
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list pending paragraphs: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending paragraph: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending paragraphs: %w", err)
	}
	return ids, nil
}

// MarkQueueItemSuperseded retires a pending item because a suggestion
// with higher consensus arrived. Returns false if the item was no
// longer pending.
func (s *PostgresStore) MarkQueueItemSuperseded(ctx context.Context, queueID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE review_queue
		SET status='superseded', reviewed_at=NOW()
		WHERE id=$1 AND status='pending'
	`, queueID)
	if err != nil {
		return false, fmt.Errorf("supersede queue item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("supersede queue item rows: %w", err)
	}
	return affected > 0, nil
}

// RejectQueueItem marks a pending item rejected. The status predicate
// in the UPDATE re-checks pending at mutation time, so a concurrent
// actor loses cleanly instead of overwriting the earlier decision.
func (s *PostgresStore) RejectQueueItem(ctx context.Context, queueID, reviewedBy, notes string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE review_queue
		SET status='rejected', reviewed_by=$2, review_notes=$3, reviewed_at=NOW()
		WHERE id=$1 AND status='pending'
	`, queueID, reviewedBy, notes)
	if err != nil {
		return fmt.Errorf("reject queue item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reject queue item rows: %w", err)
	}
	if affected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// ApproveQueueItem commits a replacement in one transaction: claim the
// pending item, write the history entry for the outgoing text, advance
// the paragraph, retire the suggestion. Any failure rolls the whole
// thing back.
func (s *PostgresStore) ApproveQueueItem(ctx context.Context, queueID, finalText, reviewedBy, notes string, recordHistory bool) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin approve tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var paragraphID, suggestionID string
	err = tx.QueryRowContext(ctx, `
		UPDATE review_queue
		SET status='approved', reviewed_by=$2, review_notes=$3, reviewed_at=NOW()
		WHERE id=$1 AND status='pending'
		RETURNING paragraph_id, suggestion_id
	`, queueID, reviewedBy, notes).Scan(&paragraphID, &suggestionID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrStatusConflict
	}
	if err != nil {
		return 0, fmt.Errorf("claim queue item: %w", err)
	}

	newVersion, err := replaceParagraphTx(ctx, tx, paragraphID, finalText, reviewedBy, recordHistory)
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE suggestions SET status='accepted' WHERE id=$1
	`, suggestionID); err != nil {
		return 0, fmt.Errorf("retire suggestion: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit approve tx: %w", err)
	}
	return newVersion, nil
}

// ReplaceParagraphText is the rollback/apply path that advances a
// paragraph outside the queue, with the same atomicity guarantees.
// expectedVersion guards against a concurrent advance; pass the version
// the caller just read.
func (s *PostgresStore) ReplaceParagraphText(ctx context.Context, paragraphID, newText, actorID string, expectedVersion int, recordHistory bool) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin replace tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	err = tx.QueryRowContext(ctx, `
		SELECT current_version FROM paragraphs WHERE id=$1 FOR UPDATE
	`, paragraphID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock paragraph: %w", err)
	}
	if current != expectedVersion {
		return 0, ErrVersionConflict
	}

	newVersion, err := replaceParagraphTx(ctx, tx, paragraphID, newText, actorID, recordHistory)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit replace tx: %w", err)
	}
	return newVersion, nil
}

// replaceParagraphTx performs the three-step atomic replacement inside
// an open transaction: read current state under lock, record the old
// text as the history entry for the outgoing version, bump the version.
func replaceParagraphTx(ctx context.Context, tx *sql.Tx, paragraphID, newText, actorID string, recordHistory bool) (int, error) {
	var oldText string
	var currentVersion int
	err := tx.QueryRowContext(ctx, `
		SELECT body, current_version FROM paragraphs WHERE id=$1 FOR UPDATE
	`, paragraphID).Scan(&oldText, &currentVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read paragraph: %w", err)
	}

	if recordHistory {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO paragraph_versions (paragraph_id, version_number, body, replaced_by)
			VALUES ($1, $2, $3, $4)
		`, paragraphID, currentVersion, oldText, actorID); err != nil {
			return 0, fmt.Errorf("insert history entry: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE paragraphs
		SET body=$2, current_version=current_version+1, updated_at=NOW()
		WHERE id=$1 AND current_version=$3
	`, paragraphID, newText, currentVersion)
	if err != nil {
		return 0, fmt.Errorf("advance paragraph: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("advance paragraph rows: %w", err)
	}
	if affected == 0 {
		return 0, ErrVersionConflict
	}
	return currentVersion + 1, nil
}

// CountPendingDuplicates reports paragraphs holding more than one
// pending item. The partial unique index should make this impossible;
// reconciliation uses it as a safety net after manual data surgery.
func (s *PostgresStore) CountPendingDuplicates(ctx context.Context, documentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT paragraph_id
		FROM review_queue
		WHERE document_id=$1 AND status='pending'
		GROUP BY paragraph_id
		HAVING COUNT(*) > 1
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("count pending duplicates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan duplicate paragraph: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate duplicate paragraphs: %w", err)
	}
	return ids, nil
}

// SupersedeOlderPending keeps the newest pending item for a paragraph
// and marks every older one superseded.
func (s *PostgresStore) SupersedeOlderPending(ctx context.Context, paragraphID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE review_queue
		SET status='superseded', reviewed_at=NOW()
		WHERE paragraph_id=$1 AND status='pending'
		  AND id <> (
			SELECT id FROM review_queue
			WHERE paragraph_id=$1 AND status='pending'
			ORDER BY created_at DESC
			LIMIT 1
		  )
	`, paragraphID)
	if err != nil {
		return 0, fmt.Errorf("supersede older pending: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("supersede older pending rows: %w", err)
	}
	return int(affected), nil
}
