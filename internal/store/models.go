package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type Document struct {
	ID        string
	Title     string
	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Paragraph is a unit of official document content. Proposed rewrites
// live in the suggestions table, not here.
type Paragraph struct {
	ID             string
	DocumentID     string
	Text           string
	Position       int
	CurrentVersion int
	Consensus      float64
	UpdatedAt      time.Time
}

// Suggestion is a proposed alternative text for one paragraph, with
// running evaluation statistics maintained by delta, never rescans.
type Suggestion struct {
	ID          string
	ParagraphID string
	DocumentID  string
	AuthorID    string
	Text        string
	Status      string // open, accepted, withdrawn

	SumEvaluations        float64
	SumSquaredEvaluations float64
	EvaluatorCount        int
	Consensus             float64
	CreatedAt             time.Time
}

// SuggestionStats is the aggregate returned after an evaluation upsert.
type SuggestionStats struct {
	Sum        float64
	SumSquared float64
	Count      int
}

type Evaluation struct {
	ID           string
	SuggestionID string
	UserID       string
	Value        float64
	UpdatedAt    time.Time
}

const (
	QueueStatusPending    = "pending"
	QueueStatusApproved   = "approved"
	QueueStatusRejected   = "rejected"
	QueueStatusSuperseded = "superseded"
)

// QueueItem is a candidate promotion of one suggestion to become its
// paragraph's official text. At most one pending item per paragraph.
type QueueItem struct {
	ID                  string
	DocumentID          string
	ParagraphID         string
	SuggestionID        string
	CurrentText         string
	ProposedText        string
	ConsensusAtCreation float64
	Status              string
	ReviewNotes         string
	ReviewedBy          string
	ReviewedAt          *time.Time
	CreatedAt           time.Time
}

// VersionEntry is a hot-tier history record: the text a paragraph held
// while VersionNumber was current.
type VersionEntry struct {
	ParagraphID   string
	VersionNumber int
	Text          string
	ReplacedBy    string
	CreatedAt     time.Time
}

// VersionArchive is a cold-tier record: a compressed batch of
// consecutive history entries.
type VersionArchive struct {
	ID           int64
	ParagraphID  string
	StartVersion int
	EndVersion   int
	Payload      []byte
	EntryCount   int
	CreatedAt    time.Time
}

const (
	DocumentVersionDraft     = "draft"
	DocumentVersionPublished = "published"
	DocumentVersionArchived  = "archived"
)

// DocumentVersion is a whole-document snapshot for draft/publish
// workflows, independent of per-paragraph versioning.
type DocumentVersion struct {
	ID            string
	DocumentID    string
	VersionNumber int
	Paragraphs    []ParagraphSnapshot
	Status        string
	CreatedBy     string
	CreatedAt     time.Time
}

type ParagraphSnapshot struct {
	ParagraphID string `json:"paragraphId"`
	Position    int    `json:"position"`
	Version     int    `json:"version"`
	Text        string `json:"text"`
}

// Settings is the per-document review configuration.
type Settings struct {
	DocumentID           string
	Enabled              bool
	ReviewThreshold      float64
	AllowAdminEdit       bool
	EnableVersionHistory bool
	MaxRecentVersions    int
	MaxTotalVersions     int
	UpdatedAt            time.Time
}

// DefaultSettings returns the configuration a document starts with.
func DefaultSettings(documentID string) Settings {
	return Settings{
		DocumentID:           documentID,
		Enabled:              true,
		ReviewThreshold:      0.6,
		AllowAdminEdit:       true,
		EnableVersionHistory: true,
		MaxRecentVersions:    10,
		MaxTotalVersions:     100,
	}
}

type AuditEntry struct {
	ID          int64
	DocumentID  string
	ParagraphID string
	UserID      string
	Action      string
	Metadata    map[string]any
	CreatedAt   time.Time
}
