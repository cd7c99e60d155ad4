package app

import (
	"context"
	"log"

	"concord/api/internal/authz"
	"concord/api/internal/history"
	"concord/api/internal/store"
	"concord/api/internal/util"
)

type RollbackInput struct {
	TargetVersion int    `json:"targetVersion"`
	Notes         string `json:"notes"`
}

type RollbackResult struct {
	ParagraphID string `json:"paragraphId"`
	FromVersion int    `json:"fromVersion"`
	ToVersion   int    `json:"toVersion"`
	NewVersion  int    `json:"newVersion"`
}

// Rollback restores a paragraph to the text it held at an earlier
// version. The restore is itself a new version: history keeps moving
// forward and the rolled-back state stays on record.
func (s *Service) Rollback(ctx context.Context, actorID, paragraphID string, input RollbackInput) (RollbackResult, error) {
	paragraph, err := s.store.GetParagraph(ctx, paragraphID)
	if err != nil {
		return RollbackResult{}, mapStoreError(err, "paragraph not found")
	}
	if _, err := s.authorize(ctx, paragraph.DocumentID, actorID, authz.ActionRollback); err != nil {
		return RollbackResult{}, err
	}

	if input.TargetVersion < 1 || input.TargetVersion >= paragraph.CurrentVersion {
		return RollbackResult{}, validationError("target version must be an earlier version of this paragraph", map[string]any{
			"targetVersion":  input.TargetVersion,
			"currentVersion": paragraph.CurrentVersion,
		})
	}

	text, err := s.history.GetVersionText(ctx, paragraphID, input.TargetVersion)
	if err != nil {
		return RollbackResult{}, mapStoreError(err, "version not found in history")
	}

	settings, err := s.store.GetSettings(ctx, paragraph.DocumentID)
	if err != nil {
		return RollbackResult{}, storageError(err)
	}
	newVersion, err := s.store.ReplaceParagraphText(ctx, paragraphID, text, actorID, paragraph.CurrentVersion, settings.EnableVersionHistory)
	if err != nil {
		return RollbackResult{}, mapStoreError(err, "paragraph not found")
	}

	s.audit(ctx, store.AuditEntry{
		DocumentID:  paragraph.DocumentID,
		ParagraphID: paragraphID,
		UserID:      actorID,
		Action:      "paragraph_rollback",
		Metadata: map[string]any{
			"fromVersion": paragraph.CurrentVersion,
			"toVersion":   input.TargetVersion,
			"newVersion":  newVersion,
			"notes":       input.Notes,
		},
	})
	if settings.EnableVersionHistory {
		if err := s.history.Compact(ctx, paragraphID, settings.MaxRecentVersions, settings.MaxTotalVersions); err != nil {
			log.Printf("history compaction failed for paragraph %s: %v", paragraphID, err)
		}
	}

	return RollbackResult{
		ParagraphID: paragraphID,
		FromVersion: paragraph.CurrentVersion,
		ToVersion:   input.TargetVersion,
		NewVersion:  newVersion,
	}, nil
}

type VersionText struct {
	ParagraphID   string `json:"paragraphId"`
	VersionNumber int    `json:"versionNumber"`
	Text          string `json:"text"`
}

// GetVersionText retrieves one historical version, decompressing a
// cold batch when the version has been compacted out of the hot tier.
func (s *Service) GetVersionText(ctx context.Context, actorID, paragraphID string, versionNumber int) (VersionText, error) {
	paragraph, err := s.store.GetParagraph(ctx, paragraphID)
	if err != nil {
		return VersionText{}, mapStoreError(err, "paragraph not found")
	}
	if _, err := s.authorize(ctx, paragraph.DocumentID, actorID, authz.ActionRead); err != nil {
		return VersionText{}, err
	}
	if versionNumber == paragraph.CurrentVersion {
		return VersionText{ParagraphID: paragraphID, VersionNumber: versionNumber, Text: paragraph.Text}, nil
	}
	text, err := s.history.GetVersionText(ctx, paragraphID, versionNumber)
	if err != nil {
		return VersionText{}, mapStoreError(err, "version not found in history")
	}
	return VersionText{ParagraphID: paragraphID, VersionNumber: versionNumber, Text: text}, nil
}

// ListParagraphHistory returns all retained versions, oldest first,
// with the tier each entry currently lives in.
func (s *Service) ListParagraphHistory(ctx context.Context, actorID, paragraphID string) ([]history.Entry, error) {
	paragraph, err := s.store.GetParagraph(ctx, paragraphID)
	if err != nil {
		return nil, mapStoreError(err, "paragraph not found")
	}
	if _, err := s.authorize(ctx, paragraph.DocumentID, actorID, authz.ActionRead); err != nil {
		return nil, err
	}
	entries, err := s.history.List(ctx, paragraphID)
	if err != nil {
		return nil, storageError(err)
	}
	return entries, nil
}

// SnapshotDocument captures the current official text of every
// paragraph as a draft document version.
func (s *Service) SnapshotDocument(ctx context.Context, actorID, documentID string) (store.DocumentVersion, error) {
	if _, err := s.authorize(ctx, documentID, actorID, authz.ActionReview); err != nil {
		return store.DocumentVersion{}, err
	}
	paragraphs, err := s.store.ListParagraphs(ctx, documentID)
	if err != nil {
		return store.DocumentVersion{}, storageError(err)
	}
	snapshots := make([]store.ParagraphSnapshot, 0, len(paragraphs))
	for _, paragraph := range paragraphs {
		snapshots = append(snapshots, store.ParagraphSnapshot{
			ParagraphID: paragraph.ID,
			Position:    paragraph.Position,
			Version:     paragraph.CurrentVersion,
			Text:        paragraph.Text,
		})
	}
	version, err := s.store.InsertDocumentVersion(ctx, util.NewID("dv"), documentID, actorID, snapshots)
	if err != nil {
		return store.DocumentVersion{}, storageError(err)
	}
	s.audit(ctx, store.AuditEntry{
		DocumentID: documentID,
		UserID:     actorID,
		Action:     "document_snapshot",
		Metadata:   map[string]any{"versionId": version.ID, "versionNumber": version.VersionNumber},
	})
	return version, nil
}

// PublishDocumentVersion promotes a draft snapshot to published,
// archiving the previously published one.
func (s *Service) PublishDocumentVersion(ctx context.Context, actorID, versionID string) (store.DocumentVersion, error) {
	version, err := s.store.GetDocumentVersion(ctx, versionID)
	if err != nil {
		return store.DocumentVersion{}, mapStoreError(err, "document version not found")
	}
	if _, err := s.authorize(ctx, version.DocumentID, actorID, authz.ActionConfigure); err != nil {
		return store.DocumentVersion{}, err
	}
	if err := s.store.PublishDocumentVersion(ctx, versionID); err != nil {
		return store.DocumentVersion{}, mapStoreError(err, "document version not found")
	}
	version.Status = store.DocumentVersionPublished
	s.audit(ctx, store.AuditEntry{
		DocumentID: version.DocumentID,
		UserID:     actorID,
		Action:     "document_version_published",
		Metadata:   map[string]any{"versionId": version.ID, "versionNumber": version.VersionNumber},
	})
	return version, nil
}

func (s *Service) ListDocumentVersions(ctx context.Context, actorID, documentID string) ([]store.DocumentVersion, error) {
	if _, err := s.authorize(ctx, documentID, actorID, authz.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.store.ListDocumentVersions(ctx, documentID)
	if err != nil {
		return nil, storageError(err)
	}
	return items, nil
}
