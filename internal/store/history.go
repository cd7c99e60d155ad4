package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

func (s *PostgresStore) GetHotVersion(ctx context.Context, paragraphID string, versionNumber int) (VersionEntry, error) {
	var item VersionEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT paragraph_id, version_number, body, replaced_by, created_at
		FROM paragraph_versions
		WHERE paragraph_id=$1 AND version_number=$2
	`, paragraphID, versionNumber).Scan(&item.ParagraphID, &item.VersionNumber, &item.Text, &item.ReplacedBy, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return VersionEntry{}, ErrNotFound
	}
	if err != nil {
		return VersionEntry{}, fmt.Errorf("get hot version: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListHotVersions(ctx context.Context, paragraphID string) ([]VersionEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT paragraph_id, version_number, body, replaced_by, created_at
		FROM paragraph_versions
		WHERE paragraph_id=$1
		ORDER BY version_number ASC
	`, paragraphID)
	if err != nil {
		return nil, fmt.Errorf("list hot versions: %w", err)
	}
	defer rows.Close()

	items := make([]VersionEntry, 0)
	for rows.Next() {
		var item VersionEntry
		if err := rows.Scan(&item.ParagraphID, &item.VersionNumber, &item.Text, &item.ReplacedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan hot version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hot versions: %w", err)
	}
	return items, nil
}

// ArchiveHotVersions moves one contiguous block of hot entries into a
// single cold record: insert the archive and delete the covered rows in
// the same transaction so the tiers never disagree.
func (s *PostgresStore) ArchiveHotVersions(ctx context.Context, archive VersionArchive) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO paragraph_version_archives (paragraph_id, start_version, end_version, payload, entry_count)
		VALUES ($1, $2, $3, $4, $5)
	`, archive.ParagraphID, archive.StartVersion, archive.EndVersion, archive.Payload, archive.EntryCount); err != nil {
		return fmt.Errorf("insert version archive: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM paragraph_versions
		WHERE paragraph_id=$1 AND version_number BETWEEN $2 AND $3
	`, archive.ParagraphID, archive.StartVersion, archive.EndVersion); err != nil {
		return fmt.Errorf("delete archived hot versions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive tx: %w", err)
	}
	return nil
}

// FindVersionArchive locates the cold batch whose range contains the
// requested version.
func (s *PostgresStore) FindVersionArchive(ctx context.Context, paragraphID string, versionNumber int) (VersionArchive, error) {
	var item VersionArchive
	err := s.db.QueryRowContext(ctx, `
		SELECT id, paragraph_id, start_version, end_version, payload, entry_count, created_at
		FROM paragraph_version_archives
		WHERE paragraph_id=$1 AND start_version <= $2 AND end_version >= $2
	`, paragraphID, versionNumber).Scan(
		&item.ID, &item.ParagraphID, &item.StartVersion, &item.EndVersion,
		&item.Payload, &item.EntryCount, &item.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return VersionArchive{}, ErrNotFound
	}
	if err != nil {
		return VersionArchive{}, fmt.Errorf("find version archive: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListVersionArchives(ctx context.Context, paragraphID string) ([]VersionArchive, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, paragraph_id, start_version, end_version, payload, entry_count, created_at
		FROM paragraph_version_archives
		WHERE paragraph_id=$1
		ORDER BY start_version ASC
	`, paragraphID)
	if err != nil {
		return nil, fmt.Errorf("list version archives: %w", err)
	}
	defer rows.Close()

	items := make([]VersionArchive, 0)
	for rows.Next() {
		var item VersionArchive
		if err := rows.Scan(
			&item.ID, &item.ParagraphID, &item.StartVersion, &item.EndVersion,
			&item.Payload, &item.EntryCount, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan version archive: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate version archives: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteVersionArchive(ctx context.Context, archiveID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM paragraph_version_archives WHERE id=$1
	`, archiveID)
	if err != nil {
		return fmt.Errorf("delete version archive: %w", err)
	}
	return nil
}

// InsertDocumentVersion snapshots a document as a draft version,
// allocating the next per-document version number transactionally.
func (s *PostgresStore) InsertDocumentVersion(ctx context.Context, id, documentID, createdBy string, paragraphs []ParagraphSnapshot) (DocumentVersion, error) {
	encoded, err := json.Marshal(paragraphs)
	if err != nil {
		return DocumentVersion{}, fmt.Errorf("marshal paragraph snapshots: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DocumentVersion{}, fmt.Errorf("begin document version tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize number allocation on the document row.
	if _, err := tx.ExecContext(ctx, `
		SELECT id FROM documents WHERE id=$1 FOR UPDATE
	`, documentID); err != nil {
		return DocumentVersion{}, fmt.Errorf("lock document: %w", err)
	}

	var next int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version_number), 0) + 1
		FROM document_versions
		WHERE document_id=$1
	`, documentID).Scan(&next); err != nil {
		return DocumentVersion{}, fmt.Errorf("allocate document version number: %w", err)
	}

	item := DocumentVersion{
		ID:            id,
		DocumentID:    documentID,
		VersionNumber: next,
		Paragraphs:    paragraphs,
		Status:        DocumentVersionDraft,
		CreatedBy:     createdBy,
	}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO document_versions (id, document_id, version_number, paragraphs_json, status, created_by)
		VALUES ($1, $2, $3, $4::jsonb, 'draft', $5)
		RETURNING created_at
	`, id, documentID, next, string(encoded), createdBy).Scan(&item.CreatedAt); err != nil {
		return DocumentVersion{}, fmt.Errorf("insert document version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return DocumentVersion{}, fmt.Errorf("commit document version tx: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetDocumentVersion(ctx context.Context, versionID string) (DocumentVersion, error) {
	var item DocumentVersion
	var paragraphsRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, version_number, paragraphs_json, status, created_by, created_at
		FROM document_versions
		WHERE id=$1
	`, versionID).Scan(&item.ID, &item.DocumentID, &item.VersionNumber, &paragraphsRaw, &item.Status, &item.CreatedBy, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentVersion{}, ErrNotFound
	}
	if err != nil {
		return DocumentVersion{}, fmt.Errorf("get document version: %w", err)
	}
	if err := json.Unmarshal(paragraphsRaw, &item.Paragraphs); err != nil {
		return DocumentVersion{}, fmt.Errorf("decode paragraph snapshots: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListDocumentVersions(ctx context.Context, documentID string) ([]DocumentVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, version_number, paragraphs_json, status, created_by, created_at
		FROM document_versions
		WHERE document_id=$1
		ORDER BY version_number DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list document versions: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentVersion, 0)
	for rows.Next() {
		var item DocumentVersion
		var paragraphsRaw []byte
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.VersionNumber, &paragraphsRaw, &item.Status, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document version: %w", err)
		}
		if err := json.Unmarshal(paragraphsRaw, &item.Paragraphs); err != nil {
			return nil, fmt.Errorf("decode paragraph snapshots: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document versions: %w", err)
	}
	return items, nil
}

// PublishDocumentVersion promotes a draft to published, archiving the
// previously published version in the same transaction so the single
// published slot per document holds.
func (s *PostgresStore) PublishDocumentVersion(ctx context.Context, versionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin publish tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var documentID string
	err = tx.QueryRowContext(ctx, `
		SELECT document_id FROM document_versions WHERE id=$1 AND status='draft' FOR UPDATE
	`, versionID).Scan(&documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrStatusConflict
	}
	if err != nil {
		return fmt.Errorf("lock draft version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE document_versions SET status='archived'
		WHERE document_id=$1 AND status='published'
	`, documentID); err != nil {
		return fmt.Errorf("archive published version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE document_versions SET status='published' WHERE id=$1
	`, versionID); err != nil {
		return fmt.Errorf("publish version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit publish tx: %w", err)
	}
	return nil
}
