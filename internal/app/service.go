package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"concord/api/internal/auth"
	"concord/api/internal/authz"
	"concord/api/internal/config"
	"concord/api/internal/consensus"
	"concord/api/internal/dedup"
	"concord/api/internal/history"
	"concord/api/internal/notify"
	"concord/api/internal/store"
	"concord/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

// dataStore is the slice of the persistence layer the service uses;
// tests substitute a fake.
type dataStore interface {
	Ping(ctx context.Context) error
	EnsureUserByName(ctx context.Context, id, name string) (store.User, error)
	GetUser(ctx context.Context, userID string) (store.User, error)

	InsertDocument(ctx context.Context, item store.Document) error
	ListDocuments(ctx context.Context) ([]store.Document, error)
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	UpsertMember(ctx context.Context, documentID, userID, role, grantedBy string) error
	GetMemberRole(ctx context.Context, documentID, userID string) (string, error)

	InsertParagraph(ctx context.Context, item store.Paragraph) error
	ListParagraphs(ctx context.Context, documentID string) ([]store.Paragraph, error)
	GetParagraph(ctx context.Context, paragraphID string) (store.Paragraph, error)

	InsertSuggestion(ctx context.Context, item store.Suggestion) error
	GetSuggestion(ctx context.Context, suggestionID string) (store.Suggestion, error)
	ListOpenSuggestions(ctx context.Context, paragraphID string) ([]store.Suggestion, error)
	UpdateSuggestionConsensus(ctx context.Context, suggestionID string, score float64) error
	UpsertEvaluation(ctx context.Context, evaluationID, suggestionID, userID string, value float64) (store.SuggestionStats, error)

	InsertQueueItem(ctx context.Context, item store.QueueItem) (bool, error)
	GetQueueItem(ctx context.Context, queueID string) (store.QueueItem, error)
	ListQueue(ctx context.Context, documentID, status string) ([]store.QueueItem, error)
	GetPendingForParagraph(ctx context.Context, paragraphID string) (*store.QueueItem, error)
	ListPendingParagraphIDs(ctx context.Context, documentID string) (map[string]struct{}, error)
	MarkQueueItemSuperseded(ctx context.Context, queueID string) (bool, error)
	RejectQueueItem(ctx context.Context, queueID, reviewedBy, notes string) error
	ApproveQueueItem(ctx context.Context, queueID, finalText, reviewedBy, notes string, recordHistory bool) (int, error)
	ReplaceParagraphText(ctx context.Context, paragraphID, newText, actorID string, expectedVersion int, recordHistory bool) (int, error)
	CountPendingDuplicates(ctx context.Context, documentID string) ([]string, error)
	SupersedeOlderPending(ctx context.Context, paragraphID string) (int, error)

	InsertDocumentVersion(ctx context.Context, id, documentID, createdBy string, paragraphs []store.ParagraphSnapshot) (store.DocumentVersion, error)
	GetDocumentVersion(ctx context.Context, versionID string) (store.DocumentVersion, error)
	ListDocumentVersions(ctx context.Context, documentID string) ([]store.DocumentVersion, error)
	PublishDocumentVersion(ctx context.Context, versionID string) error

	GetSettings(ctx context.Context, documentID string) (store.Settings, error)
	SaveSettings(ctx context.Context, item store.Settings) error
	InsertAudit(ctx context.Context, entry store.AuditEntry) error
	ListAudit(ctx context.Context, documentID string, limit int) ([]store.AuditEntry, error)
}

// versionHistory is the tiered history engine.
type versionHistory interface {
	GetVersionText(ctx context.Context, paragraphID string, versionNumber int) (string, error)
	Compact(ctx context.Context, paragraphID string, maxRecent, maxTotal int) error
	List(ctx context.Context, paragraphID string) ([]history.Entry, error)
}

// notifier delivers best-effort author notifications.
type notifier interface {
	IsConfigured() bool
	Notify(email string, event notify.Event) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	history  versionHistory
	triggers dedup.Store
	notifier notifier
}

func New(cfg config.Config, dataStore *store.PostgresStore, triggers dedup.Store, notifier *notify.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		history:  history.New(dataStore, history.GzipCodec{}),
		triggers: triggers,
		notifier: notifier,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// IssueSession identifies a user by display name and returns a signed
// bearer token. Account provisioning happens outside this service; the
// name-keyed ensure keeps local development friction-free, matching
// how trusted upstream auth hands us a principal.
func (s *Service) IssueSession(ctx context.Context, name string) (Session, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return Session{}, validationError("name is required", nil)
	}
	user, err := s.store.EnsureUserByName(ctx, util.NewID("usr"), trimmed)
	if err != nil {
		return Session{}, storageError(err)
	}

	expiresAt := time.Now().Add(s.cfg.SessionTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, storageError(err)
	}
	return Session{Token: token, UserID: user.ID, UserName: user.DisplayName, ExpiresAt: expiresAt}, nil
}

// SessionFromToken validates a bearer token and reconstructs the
// session it carries.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// IsAuthorized is the authorization predicate: who is this user with
// respect to this document. Document owners hold the owner role even
// without a membership row.
func (s *Service) IsAuthorized(ctx context.Context, documentID, userID string) (authz.Authorization, error) {
	document, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return authz.Authorization{}, mapStoreError(err, "document not found")
	}
	if document.OwnerID == userID {
		return authz.FromRole(string(authz.RoleOwner)), nil
	}
	role, err := s.store.GetMemberRole(ctx, documentID, userID)
	if err != nil {
		return authz.Authorization{}, storageError(err)
	}
	return authz.FromRole(role), nil
}

// authorize resolves the predicate and checks one action.
func (s *Service) authorize(ctx context.Context, documentID, userID string, action authz.Action) (authz.Authorization, error) {
	grant, err := s.IsAuthorized(ctx, documentID, userID)
	if err != nil {
		return authz.Authorization{}, err
	}
	if !grant.Can(action) {
		return authz.Authorization{}, forbiddenError(fmt.Sprintf("%s requires a higher permission level", action))
	}
	return grant, nil
}

// audit records an entry, logging instead of failing when the write
// itself fails; callers on mutating paths invoke it after their
// primary commit.
func (s *Service) audit(ctx context.Context, entry store.AuditEntry) {
	if err := s.store.InsertAudit(ctx, entry); err != nil {
		log.Printf("audit write failed (action=%s document=%s): %v", entry.Action, entry.DocumentID, err)
	}
}

type CreateDocumentInput struct {
	Title      string   `json:"title"`
	Paragraphs []string `json:"paragraphs"`
}

func (s *Service) CreateDocument(ctx context.Context, actorID string, input CreateDocumentInput) (store.Document, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Document{}, validationError("title is required", nil)
	}
	if len(input.Paragraphs) == 0 {
		return store.Document{}, validationError("at least one paragraph is required", nil)
	}

	document := store.Document{
		ID:      util.NewID("doc"),
		Title:   title,
		OwnerID: actorID,
	}
	if err := s.store.InsertDocument(ctx, document); err != nil {
		return store.Document{}, storageError(err)
	}
	if err := s.store.UpsertMember(ctx, document.ID, actorID, string(authz.RoleOwner), actorID); err != nil {
		return store.Document{}, storageError(err)
	}
	for i, text := range input.Paragraphs {
		paragraph := store.Paragraph{
			ID:             util.NewID("para"),
			DocumentID:     document.ID,
			Text:           text,
			Position:       i + 1,
			CurrentVersion: 1,
		}
		if err := s.store.InsertParagraph(ctx, paragraph); err != nil {
			return store.Document{}, storageError(err)
		}
	}
	if err := s.store.SaveSettings(ctx, store.DefaultSettings(document.ID)); err != nil {
		return store.Document{}, storageError(err)
	}

	s.audit(ctx, store.AuditEntry{
		DocumentID: document.ID,
		UserID:     actorID,
		Action:     "document_created",
		Metadata:   map[string]any{"title": title, "paragraphCount": len(input.Paragraphs)},
	})
	return document, nil
}

func (s *Service) ListDocuments(ctx context.Context) ([]store.Document, error) {
	items, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, storageError(err)
	}
	return items, nil
}

type DocumentDetail struct {
	Document   store.Document    `json:"document"`
	Paragraphs []store.Paragraph `json:"paragraphs"`
}

func (s *Service) GetDocumentDetail(ctx context.Context, actorID, documentID string) (DocumentDetail, error) {
	if _, err := s.authorize(ctx, documentID, actorID, authz.ActionRead); err != nil {
		return DocumentDetail{}, err
	}
	document, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return DocumentDetail{}, mapStoreError(err, "document not found")
	}
	paragraphs, err := s.store.ListParagraphs(ctx, documentID)
	if err != nil {
		return DocumentDetail{}, storageError(err)
	}
	return DocumentDetail{Document: document, Paragraphs: paragraphs}, nil
}

func (s *Service) GrantMember(ctx context.Context, actorID, documentID, userID, role string) error {
	if _, err := s.authorize(ctx, documentID, actorID, authz.ActionConfigure); err != nil {
		return err
	}
	normalized := authz.Normalize(role)
	if err := s.store.UpsertMember(ctx, documentID, userID, string(normalized), actorID); err != nil {
		return storageError(err)
	}
	s.audit(ctx, store.AuditEntry{
		DocumentID: documentID,
		UserID:     actorID,
		Action:     "member_granted",
		Metadata:   map[string]any{"memberId": userID, "role": string(normalized)},
	})
	return nil
}

type CreateSuggestionInput struct {
	Text string `json:"text"`
}

func (s *Service) CreateSuggestion(ctx context.Context, actorID, paragraphID string, input CreateSuggestionInput) (store.Suggestion, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return store.Suggestion{}, validationError("suggestion text is required", nil)
	}

	paragraph, err := s.store.GetParagraph(ctx, paragraphID)
	if err != nil {
		return store.Suggestion{}, mapStoreError(err, "paragraph not found")
	}
	if _, err := s.authorize(ctx, paragraph.DocumentID, actorID, authz.ActionSuggest); err != nil {
		return store.Suggestion{}, err
	}

	suggestion := store.Suggestion{
		ID:          util.NewID("sug"),
		ParagraphID: paragraphID,
		DocumentID:  paragraph.DocumentID,
		AuthorID:    actorID,
		Text:        text,
		Status:      "open",
	}
	if err := s.store.InsertSuggestion(ctx, suggestion); err != nil {
		return store.Suggestion{}, storageError(err)
	}
	return suggestion, nil
}

func (s *Service) ListSuggestions(ctx context.Context, actorID, paragraphID string) ([]store.Suggestion, error) {
	paragraph, err := s.store.GetParagraph(ctx, paragraphID)
	if err != nil {
		return nil, mapStoreError(err, "paragraph not found")
	}
	if _, err := s.authorize(ctx, paragraph.DocumentID, actorID, authz.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.store.ListOpenSuggestions(ctx, paragraphID)
	if err != nil {
		return nil, storageError(err)
	}
	return items, nil
}

type EvaluateInput struct {
	Value float64 `json:"value"`
}

// SubmitEvaluation records one participant's score for a suggestion.
// A resubmission overwrites the prior score and the running statistics
// move by the delta. The recomputed consensus is stored and the
// real-time queue trigger fires.
func (s *Service) SubmitEvaluation(ctx context.Context, actorID, suggestionID string, input EvaluateInput) (store.Suggestion, error) {
	if input.Value < -1 || input.Value > 1 {
		return store.Suggestion{}, validationError("evaluation value must be in [-1, 1]", map[string]any{"value": input.Value})
	}

	suggestion, err := s.store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return store.Suggestion{}, mapStoreError(err, "suggestion not found")
	}
	if suggestion.Status != "open" {
		return store.Suggestion{}, conflictError("suggestion is no longer open for evaluation")
	}
	if _, err := s.authorize(ctx, suggestion.DocumentID, actorID, authz.ActionEvaluate); err != nil {
		return store.Suggestion{}, err
	}

	stats, err := s.store.UpsertEvaluation(ctx, util.NewID("eval"), suggestionID, actorID, input.Value)
	if err != nil {
		return store.Suggestion{}, mapStoreError(err, "suggestion not found")
	}

	score := consensus.Score(stats.Sum, stats.SumSquared, stats.Count)
	if err := s.store.UpdateSuggestionConsensus(ctx, suggestionID, score); err != nil {
		return store.Suggestion{}, storageError(err)
	}

	if err := s.OnEvaluationChange(ctx, suggestionID); err != nil {
		// The periodic sync will catch anything the trigger missed.
		log.Printf("evaluation trigger failed for suggestion %s: %v", suggestionID, err)
	}

	suggestion.SumEvaluations = stats.Sum
	suggestion.SumSquaredEvaluations = stats.SumSquared
	suggestion.EvaluatorCount = stats.Count
	suggestion.Consensus = score
	return suggestion, nil
}

// ComputeConsensus exposes the scorer to API callers.
func (s *Service) ComputeConsensus(sum, sumSquared float64, n int) float64 {
	return consensus.Score(sum, sumSquared, n)
}

type SettingsInput struct {
	Enabled              *bool    `json:"enabled"`
	ReviewThreshold      *float64 `json:"reviewThreshold"`
	AllowAdminEdit       *bool    `json:"allowAdminEdit"`
	EnableVersionHistory *bool    `json:"enableVersionHistory"`
	MaxRecentVersions    *int     `json:"maxRecentVersions"`
	MaxTotalVersions     *int     `json:"maxTotalVersions"`
}

func (s *Service) GetSettings(ctx context.Context, actorID, documentID string) (store.Settings, error) {
	if _, err := s.authorize(ctx, documentID, actorID, authz.ActionRead); err != nil {
		return store.Settings{}, err
	}
	settings, err := s.store.GetSettings(ctx, documentID)
	if err != nil {
		return store.Settings{}, storageError(err)
	}
	return settings, nil
}

// UpdateSettings applies a partial settings change after range
// validation, and audits the result.
func (s *Service) UpdateSettings(ctx context.Context, actorID, documentID string, input SettingsInput) (store.Settings, error) {
	if _, err := s.authorize(ctx, documentID, actorID, authz.ActionConfigure); err != nil {
		return store.Settings{}, err
	}

	settings, err := s.store.GetSettings(ctx, documentID)
	if err != nil {
		return store.Settings{}, storageError(err)
	}
	if input.Enabled != nil {
		settings.Enabled = *input.Enabled
	}
	if input.ReviewThreshold != nil {
		settings.ReviewThreshold = *input.ReviewThreshold
	}
	if input.AllowAdminEdit != nil {
		settings.AllowAdminEdit = *input.AllowAdminEdit
	}
	if input.EnableVersionHistory != nil {
		settings.EnableVersionHistory = *input.EnableVersionHistory
	}
	if input.MaxRecentVersions != nil {
		settings.MaxRecentVersions = *input.MaxRecentVersions
	}
	if input.MaxTotalVersions != nil {
		settings.MaxTotalVersions = *input.MaxTotalVersions
	}

	if err := validateSettings(settings); err != nil {
		return store.Settings{}, validationError("invalid settings", err.Error())
	}

	if err := s.store.SaveSettings(ctx, settings); err != nil {
		return store.Settings{}, storageError(err)
	}
	s.audit(ctx, store.AuditEntry{
		DocumentID: documentID,
		UserID:     actorID,
		Action:     "settings_updated",
		Metadata: map[string]any{
			"enabled":              settings.Enabled,
			"reviewThreshold":      settings.ReviewThreshold,
			"allowAdminEdit":       settings.AllowAdminEdit,
			"enableVersionHistory": settings.EnableVersionHistory,
			"maxRecentVersions":    settings.MaxRecentVersions,
			"maxTotalVersions":     settings.MaxTotalVersions,
		},
	})
	return settings, nil
}

func validateSettings(settings store.Settings) error {
	return validation.Errors{
		"reviewThreshold":   validation.Validate(settings.ReviewThreshold, validation.Min(-1.0), validation.Max(1.0)),
		"maxRecentVersions": validation.Validate(settings.MaxRecentVersions, validation.Required, validation.Min(1)),
		"maxTotalVersions": validation.Validate(settings.MaxTotalVersions, validation.Required,
			validation.Min(settings.MaxRecentVersions).Error("must be at least maxRecentVersions")),
	}.Filter()
}

func (s *Service) ListAudit(ctx context.Context, actorID, documentID string, limit int) ([]store.AuditEntry, error) {
	if _, err := s.authorize(ctx, documentID, actorID, authz.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.store.ListAudit(ctx, documentID, limit)
	if err != nil {
		return nil, storageError(err)
	}
	return items, nil
}

// notifyAuthor looks up the author's address and delivers an event,
// logging any failure. Fire-and-forget by contract.
func (s *Service) notifyAuthor(ctx context.Context, authorID string, event notify.Event) {
	if s.notifier == nil || !s.notifier.IsConfigured() {
		return
	}
	author, err := s.store.GetUser(ctx, authorID)
	if err != nil {
		log.Printf("notify: lookup author %s failed: %v", authorID, err)
		return
	}
	if err := s.notifier.Notify(author.Email, event); err != nil {
		log.Printf("notify: delivery to %s failed: %v", author.Email, err)
	}
}
