package app

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"concord/api/internal/config"
	"concord/api/internal/dedup"
	"concord/api/internal/history"
	"concord/api/internal/store"
)

type fakeStore struct {
	ensureUserByNameFn     func(context.Context, string, string) (store.User, error)
	getUserFn              func(context.Context, string) (store.User, error)
	getDocumentFn          func(context.Context, string) (store.Document, error)
	getMemberRoleFn        func(context.Context, string, string) (string, error)
	listParagraphsFn       func(context.Context, string) ([]store.Paragraph, error)
	getParagraphFn         func(context.Context, string) (store.Paragraph, error)
	getSuggestionFn        func(context.Context, string) (store.Suggestion, error)
	listOpenSuggestionsFn  func(context.Context, string) ([]store.Suggestion, error)
	updateConsensusFn      func(context.Context, string, float64) error
	upsertEvaluationFn     func(context.Context, string, string, string, float64) (store.SuggestionStats, error)
	insertQueueItemFn      func(context.Context, store.QueueItem) (bool, error)
	getQueueItemFn         func(context.Context, string) (store.QueueItem, error)
	pendingForParagraphFn  func(context.Context, string) (*store.QueueItem, error)
	listPendingIDsFn       func(context.Context, string) (map[string]struct{}, error)
	markSupersededFn       func(context.Context, string) (bool, error)
	rejectQueueItemFn      func(context.Context, string, string, string) error
	approveQueueItemFn     func(context.Context, string, string, string, string, bool) (int, error)
	replaceParagraphFn     func(context.Context, string, string, string, int, bool) (int, error)
	pendingDuplicatesFn    func(context.Context, string) ([]string, error)
	supersedeOlderFn       func(context.Context, string) (int, error)
	getSettingsFn          func(context.Context, string) (store.Settings, error)
	saveSettingsFn         func(context.Context, store.Settings) error
	insertAuditFn          func(context.Context, store.AuditEntry) error
	insertDocumentFn       func(context.Context, store.Document) error
	insertParagraphFn      func(context.Context, store.Paragraph) error
	insertSuggestionFn     func(context.Context, store.Suggestion) error
	upsertMemberFn         func(context.Context, string, string, string, string) error
	insertDocVersionFn     func(context.Context, string, string, string, []store.ParagraphSnapshot) (store.DocumentVersion, error)
	getDocVersionFn        func(context.Context, string) (store.DocumentVersion, error)
	publishDocVersionFn    func(context.Context, string) error
	listDocumentVersionsFn func(context.Context, string) ([]store.DocumentVersion, error)
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) EnsureUserByName(ctx context.Context, id, name string) (store.User, error) {
	if f.ensureUserByNameFn != nil {
		return f.ensureUserByNameFn(ctx, id, name)
	}
	return store.User{ID: id, DisplayName: name}, nil
}

func (f *fakeStore) GetUser(ctx context.Context, userID string) (store.User, error) {
	if f.getUserFn != nil {
		return f.getUserFn(ctx, userID)
	}
	return store.User{ID: userID}, nil
}

func (f *fakeStore) InsertDocument(ctx context.Context, item store.Document) error {
	if f.insertDocumentFn != nil {
		return f.insertDocumentFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) ListDocuments(context.Context) ([]store.Document, error) { return nil, nil }

func (f *fakeStore) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	if f.getDocumentFn != nil {
		return f.getDocumentFn(ctx, documentID)
	}
	return store.Document{ID: documentID, OwnerID: "usr_owner"}, nil
}

func (f *fakeStore) UpsertMember(ctx context.Context, documentID, userID, role, grantedBy string) error {
	if f.upsertMemberFn != nil {
		return f.upsertMemberFn(ctx, documentID, userID, role, grantedBy)
	}
	return nil
}

func (f *fakeStore) GetMemberRole(ctx context.Context, documentID, userID string) (string, error) {
	if f.getMemberRoleFn != nil {
		return f.getMemberRoleFn(ctx, documentID, userID)
	}
	return "", nil
}

func (f *fakeStore) InsertParagraph(ctx context.Context, item store.Paragraph) error {
	if f.insertParagraphFn != nil {
		return f.insertParagraphFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) ListParagraphs(ctx context.Context, documentID string) ([]store.Paragraph, error) {
	if f.listParagraphsFn != nil {
		return f.listParagraphsFn(ctx, documentID)
	}
	return nil, nil
}

func (f *fakeStore) GetParagraph(ctx context.Context, paragraphID string) (store.Paragraph, error) {
	if f.getParagraphFn != nil {
		return f.getParagraphFn(ctx, paragraphID)
	}
	return store.Paragraph{}, store.ErrNotFound
}

func (f *fakeStore) InsertSuggestion(ctx context.Context, item store.Suggestion) error {
	if f.insertSuggestionFn != nil {
		return f.insertSuggestionFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) GetSuggestion(ctx context.Context, suggestionID string) (store.Suggestion, error) {
	if f.getSuggestionFn != nil {
		return f.getSuggestionFn(ctx, suggestionID)
	}
	return store.Suggestion{}, store.ErrNotFound
}

func (f *fakeStore) ListOpenSuggestions(ctx context.Context, paragraphID string) ([]store.Suggestion, error) {
	if f.listOpenSuggestionsFn != nil {
		return f.listOpenSuggestionsFn(ctx, paragraphID)
	}
	return nil, nil
}

func (f *fakeStore) UpdateSuggestionConsensus(ctx context.Context, suggestionID string, score float64) error {
	if f.updateConsensusFn != nil {
		return f.updateConsensusFn(ctx, suggestionID, score)
	}
	return nil
}

func (f *fakeStore) UpsertEvaluation(ctx context.Context, evaluationID, suggestionID, userID string, value float64) (store.SuggestionStats, error) {
	if f.upsertEvaluationFn != nil {
		return f.upsertEvaluationFn(ctx, evaluationID, suggestionID, userID, value)
	}
	return store.SuggestionStats{}, nil
}

func (f *fakeStore) InsertQueueItem(ctx context.Context, item store.QueueItem) (bool, error) {
	if f.insertQueueItemFn != nil {
		return f.insertQueueItemFn(ctx, item)
	}
	return true, nil
}

func (f *fakeStore) GetQueueItem(ctx context.Context, queueID string) (store.QueueItem, error) {
	if f.getQueueItemFn != nil {
		return f.getQueueItemFn(ctx, queueID)
	}
	return store.QueueItem{}, store.ErrNotFound
}

func (f *fakeStore) ListQueue(context.Context, string, string) ([]store.QueueItem, error) {
	return nil, nil
}

func (f *fakeStore) GetPendingForParagraph(ctx context.Context, paragraphID string) (*store.QueueItem, error) {
	if f.pendingForParagraphFn != nil {
		return f.pendingForParagraphFn(ctx, paragraphID)
	}
	return nil, nil
}

func (f *fakeStore) ListPendingParagraphIDs(ctx context.Context, documentID string) (map[string]struct{}, error) {
	if f.listPendingIDsFn != nil {
		return f.listPendingIDsFn(ctx, documentID)
	}
	return map[string]struct{}{}, nil
}

func (f *fakeStore) MarkQueueItemSuperseded(ctx context.Context, queueID string) (bool, error) {
	if f.markSupersededFn != nil {
		return f.markSupersededFn(ctx, queueID)
	}
	return true, nil
}

func (f *fakeStore) RejectQueueItem(ctx context.Context, queueID, reviewedBy, notes string) error {
	if f.rejectQueueItemFn != nil {
		return f.rejectQueueItemFn(ctx, queueID, reviewedBy, notes)
	}
	return nil
}

func (f *fakeStore) ApproveQueueItem(ctx context.Context, queueID, finalText, reviewedBy, notes string, recordHistory bool) (int, error) {
	if f.approveQueueItemFn != nil {
		return f.approveQueueItemFn(ctx, queueID, finalText, reviewedBy, notes, recordHistory)
	}
	return 2, nil
}

func (f *fakeStore) ReplaceParagraphText(ctx context.Context, paragraphID, newText, actorID string, expectedVersion int, recordHistory bool) (int, error) {
	if f.replaceParagraphFn != nil {
		return f.replaceParagraphFn(ctx, paragraphID, newText, actorID, expectedVersion, recordHistory)
	}
	return expectedVersion + 1, nil
}

func (f *fakeStore) CountPendingDuplicates(ctx context.Context, documentID string) ([]string, error) {
	if f.pendingDuplicatesFn != nil {
		return f.pendingDuplicatesFn(ctx, documentID)
	}
	return nil, nil
}

func (f *fakeStore) SupersedeOlderPending(ctx context.Context, paragraphID string) (int, error) {
	if f.supersedeOlderFn != nil {
		return f.supersedeOlderFn(ctx, paragraphID)
	}
	return 0, nil
}

func (f *fakeStore) InsertDocumentVersion(ctx context.Context, id, documentID, createdBy string, paragraphs []store.ParagraphSnapshot) (store.DocumentVersion, error) {
	if f.insertDocVersionFn != nil {
		return f.insertDocVersionFn(ctx, id, documentID, createdBy, paragraphs)
	}
	return store.DocumentVersion{ID: id, DocumentID: documentID, VersionNumber: 1, Status: store.DocumentVersionDraft}, nil
}

func (f *fakeStore) GetDocumentVersion(ctx context.Context, versionID string) (store.DocumentVersion, error) {
	if f.getDocVersionFn != nil {
		return f.getDocVersionFn(ctx, versionID)
	}
	return store.DocumentVersion{}, store.ErrNotFound
}

func (f *fakeStore) ListDocumentVersions(ctx context.Context, documentID string) ([]store.DocumentVersion, error) {
	if f.listDocumentVersionsFn != nil {
		return f.listDocumentVersionsFn(ctx, documentID)
	}
	return nil, nil
}

func (f *fakeStore) PublishDocumentVersion(ctx context.Context, versionID string) error {
	if f.publishDocVersionFn != nil {
		return f.publishDocVersionFn(ctx, versionID)
	}
	return nil
}

func (f *fakeStore) GetSettings(ctx context.Context, documentID string) (store.Settings, error) {
	if f.getSettingsFn != nil {
		return f.getSettingsFn(ctx, documentID)
	}
	return store.DefaultSettings(documentID), nil
}

func (f *fakeStore) SaveSettings(ctx context.Context, item store.Settings) error {
	if f.saveSettingsFn != nil {
		return f.saveSettingsFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) InsertAudit(ctx context.Context, entry store.AuditEntry) error {
	if f.insertAuditFn != nil {
		return f.insertAuditFn(ctx, entry)
	}
	return nil
}

func (f *fakeStore) ListAudit(context.Context, string, int) ([]store.AuditEntry, error) {
	return nil, nil
}

type compaction struct {
	paragraphID string
	maxRecent   int
	maxTotal    int
}

type fakeHistory struct {
	getVersionTextFn func(context.Context, string, int) (string, error)
	compactions      []compaction
}

func (f *fakeHistory) GetVersionText(ctx context.Context, paragraphID string, versionNumber int) (string, error) {
	if f.getVersionTextFn != nil {
		return f.getVersionTextFn(ctx, paragraphID, versionNumber)
	}
	return "", history.ErrVersionNotFound
}

func (f *fakeHistory) Compact(_ context.Context, paragraphID string, maxRecent, maxTotal int) error {
	f.compactions = append(f.compactions, compaction{paragraphID, maxRecent, maxTotal})
	return nil
}

func (f *fakeHistory) List(context.Context, string) ([]history.Entry, error) { return nil, nil }

func newTestService(fs *fakeStore, fh *fakeHistory) *Service {
	return &Service{
		cfg: config.Config{
			TokenSecret: "test-secret",
			SessionTTL:  time.Hour,
			TriggerTTL:  5 * time.Minute,
		},
		store:    fs,
		history:  fh,
		triggers: dedup.NewMemoryStore(),
	}
}

func expectCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError %s, got %v", code, err)
	}
	if domainErr.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, domainErr.Code, domainErr.Message)
	}
}

func TestSyncQueueEnqueuesBestSuggestionOnce(t *testing.T) {
	pending := map[string]struct{}{}
	var inserted []store.QueueItem

	fs := &fakeStore{
		listParagraphsFn: func(context.Context, string) ([]store.Paragraph, error) {
			return []store.Paragraph{{ID: "para_1", DocumentID: "doc_1", Text: "official", CurrentVersion: 3}}, nil
		},
		listOpenSuggestionsFn: func(context.Context, string) ([]store.Suggestion, error) {
			return []store.Suggestion{
				{ID: "sug_low", ParagraphID: "para_1", Text: "weak", SumEvaluations: 0.5, SumSquaredEvaluations: 0.25, EvaluatorCount: 1, Consensus: 0},
				{ID: "sug_high", ParagraphID: "para_1", Text: "strong", SumEvaluations: 5, SumSquaredEvaluations: 5, EvaluatorCount: 5, Consensus: 0.78},
			}, nil
		},
		listPendingIDsFn: func(context.Context, string) (map[string]struct{}, error) {
			return pending, nil
		},
		insertQueueItemFn: func(_ context.Context, item store.QueueItem) (bool, error) {
			if _, busy := pending[item.ParagraphID]; busy {
				return false, nil
			}
			pending[item.ParagraphID] = struct{}{}
			inserted = append(inserted, item)
			return true, nil
		},
	}
	svc := newTestService(fs, &fakeHistory{})

	first, err := svc.SyncQueue(context.Background(), "usr_owner", "doc_1")
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if first.Added != 1 || first.Scanned != 1 {
		t.Fatalf("first sync = %+v, want 1 added of 1 scanned", first)
	}
	if len(inserted) != 1 || inserted[0].SuggestionID != "sug_high" {
		t.Fatalf("expected the highest-consensus suggestion enqueued, got %+v", inserted)
	}
	if inserted[0].CurrentText != "official" || inserted[0].ProposedText != "strong" {
		t.Fatalf("queue item text snapshot wrong: %+v", inserted[0])
	}

	second, err := svc.SyncQueue(context.Background(), "usr_owner", "doc_1")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if second.Added != 0 {
		t.Fatalf("second sync added %d items, want 0", second.Added)
	}
	if len(inserted) != 1 {
		t.Fatalf("second sync inserted a duplicate: %+v", inserted)
	}
}

func TestSyncQueueDisabledDocumentAddsNothing(t *testing.T) {
	called := false
	fs := &fakeStore{
		getSettingsFn: func(_ context.Context, documentID string) (store.Settings, error) {
			settings := store.DefaultSettings(documentID)
			settings.Enabled = false
			return settings, nil
		},
		listParagraphsFn: func(context.Context, string) ([]store.Paragraph, error) {
			called = true
			return nil, nil
		},
	}
	svc := newTestService(fs, &fakeHistory{})

	result, err := svc.SyncQueue(context.Background(), "usr_owner", "doc_1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Added != 0 || result.Scanned != 0 {
		t.Fatalf("disabled document produced %+v", result)
	}
	if called {
		t.Fatal("disabled document should not be scanned")
	}
}

func TestSyncQueueSkipsBelowThreshold(t *testing.T) {
	fs := &fakeStore{
		listParagraphsFn: func(context.Context, string) ([]store.Paragraph, error) {
			return []store.Paragraph{{ID: "para_1", DocumentID: "doc_1", Text: "official"}}, nil
		},
		listOpenSuggestionsFn: func(context.Context, string) ([]store.Suggestion, error) {
			// One lukewarm vote: mean 0.5 minus the single-sample penalty.
			return []store.Suggestion{{ID: "sug_1", SumEvaluations: 0.5, SumSquaredEvaluations: 0.25, EvaluatorCount: 1}}, nil
		},
		insertQueueItemFn: func(context.Context, store.QueueItem) (bool, error) {
			t.Fatal("below-threshold suggestion must not be enqueued")
			return false, nil
		},
	}
	svc := newTestService(fs, &fakeHistory{})

	result, err := svc.SyncQueue(context.Background(), "usr_owner", "doc_1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Added != 0 {
		t.Fatalf("added %d, want 0", result.Added)
	}
}

func TestSyncQueueRequiresReviewPermission(t *testing.T) {
	fs := &fakeStore{
		getMemberRoleFn: func(context.Context, string, string) (string, error) {
			return "editor", nil
		},
	}
	svc := newTestService(fs, &fakeHistory{})

	_, err := svc.SyncQueue(context.Background(), "usr_editor", "doc_1")
	expectCode(t, err, "FORBIDDEN")
}

func TestActOnMissingQueueItem(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeHistory{})

	_, err := svc.ActOnQueueItem(context.Background(), "usr_owner", "rq_missing", ActInput{Action: "approve"})
	expectCode(t, err, "NOT_FOUND")
}

func TestActOnAlreadyResolvedQueueItem(t *testing.T) {
	fs := &fakeStore{
		getQueueItemFn: func(_ context.Context, queueID string) (store.QueueItem, error) {
			return store.QueueItem{ID: queueID, DocumentID: "doc_1", ParagraphID: "para_1", Status: store.QueueStatusPending}, nil
		},
		approveQueueItemFn: func(context.Context, string, string, string, string, bool) (int, error) {
			// A concurrent reviewer resolved it between read and claim.
			return 0, store.ErrStatusConflict
		},
	}
	svc := newTestService(fs, &fakeHistory{})

	_, err := svc.ActOnQueueItem(context.Background(), "usr_owner", "rq_1", ActInput{Action: "approve"})
	expectCode(t, err, "CONFLICT")
}

func TestActRejectsUnknownAction(t *testing.T) {
	fs := &fakeStore{
		getQueueItemFn: func(_ context.Context, queueID string) (store.QueueItem, error) {
			return store.QueueItem{ID: queueID, DocumentID: "doc_1", Status: store.QueueStatusPending}, nil
		},
	}
	svc := newTestService(fs, &fakeHistory{})

	_, err := svc.ActOnQueueItem(context.Background(), "usr_owner", "rq_1", ActInput{Action: "defer"})
	expectCode(t, err, "VALIDATION_ERROR")
}

func TestApproveWithEditedTextNeedsAllowAdminEdit(t *testing.T) {
	fs := &fakeStore{
		getQueueItemFn: func(_ context.Context, queueID string) (store.QueueItem, error) {
			return store.QueueItem{ID: queueID, DocumentID: "doc_1", ParagraphID: "para_1", ProposedText: "proposed", Status: store.QueueStatusPending}, nil
		},
		getSettingsFn: func(_ context.Context, documentID string) (store.Settings, error) {
			settings := store.DefaultSettings(documentID)
			settings.AllowAdminEdit = false
			return settings, nil
		},
		approveQueueItemFn: func(context.Context, string, string, string, string, bool) (int, error) {
			t.Fatal("approve must not run when the edit is rejected")
			return 0, nil
		},
	}
	svc := newTestService(fs, &fakeHistory{})

	_, err := svc.ActOnQueueItem(context.Background(), "usr_owner", "rq_1", ActInput{Action: "approve", EditedText: "reviewer rewrite"})
	expectCode(t, err, "VALIDATION_ERROR")
}

func TestApproveRecordsAuditAndCompacts(t *testing.T) {
	var approvedText string
	var recordedHistory bool
	var auditActions []string

	fs := &fakeStore{
		getQueueItemFn: func(_ context.Context, queueID string) (store.QueueItem, error) {
			return store.QueueItem{ID: queueID, DocumentID: "doc_1", ParagraphID: "para_1", SuggestionID: "sug_1", ProposedText: "proposed", Status: store.QueueStatusPending}, nil
		},
		approveQueueItemFn: func(_ context.Context, _, finalText, _, _ string, recordHistory bool) (int, error) {
			approvedText = finalText
			recordedHistory = recordHistory
			return 4, nil
		},
		insertAuditFn: func(_ context.Context, entry store.AuditEntry) error {
			auditActions = append(auditActions, entry.Action)
			return nil
		},
	}
	fh := &fakeHistory{}
	svc := newTestService(fs, fh)

	result, err := svc.ActOnQueueItem(context.Background(), "usr_owner", "rq_1", ActInput{Action: "approve", EditedText: "reviewer rewrite"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if result.Status != store.QueueStatusApproved || result.NewVersion != 4 {
		t.Fatalf("result = %+v", result)
	}
	if approvedText != "reviewer rewrite" {
		t.Fatalf("approved text = %q, want the reviewer edit", approvedText)
	}
	if !recordedHistory {
		t.Fatal("history recording should follow the document settings")
	}
	if len(auditActions) != 1 || auditActions[0] != "suggestion_approved" {
		t.Fatalf("audit actions = %v", auditActions)
	}
	if len(fh.compactions) != 1 || fh.compactions[0] != (compaction{"para_1", 10, 100}) {
		t.Fatalf("compactions = %+v", fh.compactions)
	}
}

func TestRejectKeepsParagraphUntouched(t *testing.T) {
	var rejected bool
	fs := &fakeStore{
		getQueueItemFn: func(_ context.Context, queueID string) (store.QueueItem, error) {
			return store.QueueItem{ID: queueID, DocumentID: "doc_1", ParagraphID: "para_1", SuggestionID: "sug_1", Status: store.QueueStatusPending}, nil
		},
		rejectQueueItemFn: func(context.Context, string, string, string) error {
			rejected = true
			return nil
		},
		replaceParagraphFn: func(context.Context, string, string, string, int, bool) (int, error) {
			t.Fatal("reject must not touch the paragraph")
			return 0, nil
		},
	}
	fh := &fakeHistory{}
	svc := newTestService(fs, fh)

	result, err := svc.ActOnQueueItem(context.Background(), "usr_owner", "rq_1", ActInput{Action: "reject", Notes: "off topic"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if result.Status != store.QueueStatusRejected {
		t.Fatalf("result = %+v", result)
	}
	if !rejected {
		t.Fatal("store reject was not called")
	}
	if len(fh.compactions) != 0 {
		t.Fatal("reject must not compact history")
	}
}

func TestSubmitEvaluationRejectsOutOfRange(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeHistory{})

	for _, value := range []float64{-1.01, 1.5, math.Inf(1)} {
		_, err := svc.SubmitEvaluation(context.Background(), "usr_owner", "sug_1", EvaluateInput{Value: value})
		expectCode(t, err, "VALIDATION_ERROR")
	}
}

func TestSubmitEvaluationUpdatesConsensusAndEnqueues(t *testing.T) {
	suggestion := store.Suggestion{ID: "sug_1", ParagraphID: "para_1", DocumentID: "doc_1", Text: "strong", Status: "open"}
	var storedScore float64
	var enqueued *store.QueueItem

	fs := &fakeStore{
		getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
			return suggestion, nil
		},
		upsertEvaluationFn: func(context.Context, string, string, string, float64) (store.SuggestionStats, error) {
			return store.SuggestionStats{Sum: 3, SumSquared: 3, Count: 3}, nil
		},
		updateConsensusFn: func(_ context.Context, _ string, score float64) error {
			storedScore = score
			suggestion.Consensus = score
			return nil
		},
		getParagraphFn: func(context.Context, string) (store.Paragraph, error) {
			return store.Paragraph{ID: "para_1", DocumentID: "doc_1", Text: "official"}, nil
		},
		insertQueueItemFn: func(_ context.Context, item store.QueueItem) (bool, error) {
			enqueued = &item
			return true, nil
		},
	}
	svc := newTestService(fs, &fakeHistory{})

	updated, err := svc.SubmitEvaluation(context.Background(), "usr_owner", "sug_1", EvaluateInput{Value: 1})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	// Three unanimous +1 votes: mean 1 minus the 0.5/sqrt(3) penalty.
	want := 1 - 0.5/math.Sqrt(3)
	if math.Abs(storedScore-want) > 1e-9 {
		t.Fatalf("stored consensus = %f, want %f", storedScore, want)
	}
	if updated.Consensus != storedScore || updated.EvaluatorCount != 3 {
		t.Fatalf("returned suggestion = %+v", updated)
	}
	if enqueued == nil {
		t.Fatal("crossing the threshold should enqueue a review item")
	}
	if enqueued.SuggestionID != "sug_1" || enqueued.ConsensusAtCreation != storedScore {
		t.Fatalf("enqueued item = %+v", enqueued)
	}
}

func TestEvaluationTriggerDebounces(t *testing.T) {
	suggestion := store.Suggestion{ID: "sug_1", ParagraphID: "para_1", DocumentID: "doc_1", Status: "open", Consensus: 0.9}
	inserts := 0

	fs := &fakeStore{
		getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
			return suggestion, nil
		},
		getParagraphFn: func(context.Context, string) (store.Paragraph, error) {
			return store.Paragraph{ID: "para_1", DocumentID: "doc_1"}, nil
		},
		insertQueueItemFn: func(context.Context, store.QueueItem) (bool, error) {
			inserts++
			return true, nil
		},
	}
	svc := newTestService(fs, &fakeHistory{})

	for i := 0; i < 3; i++ {
		if err := svc.OnEvaluationChange(context.Background(), "sug_1"); err != nil {
			t.Fatalf("trigger %d: %v", i, err)
		}
	}
	if inserts != 1 {
		t.Fatalf("trigger fired %d inserts within the dedup window, want 1", inserts)
	}
}

func TestEvaluationTriggerEnqueuesThresholdCrossingAfterWeakEvaluation(t *testing.T) {
	// A below-threshold evaluation fires the trigger first; the
	// crossing that follows inside the dedup window must still
	// enqueue in real time.
	consensus := 0.2
	inserts := 0

	fs := &fakeStore{
		getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
			return store.Suggestion{ID: "sug_1", ParagraphID: "para_1", DocumentID: "doc_1", Status: "open", Consensus: consensus}, nil
		},
		getParagraphFn: func(context.Context, string) (store.Paragraph, error) {
			return store.Paragraph{ID: "para_1", DocumentID: "doc_1"}, nil
		},
		insertQueueItemFn: func(context.Context, store.QueueItem) (bool, error) {
			inserts++
			return true, nil
		},
	}
	svc := newTestService(fs, &fakeHistory{})

	if err := svc.OnEvaluationChange(context.Background(), "sug_1"); err != nil {
		t.Fatalf("weak trigger: %v", err)
	}
	if inserts != 0 {
		t.Fatalf("below-threshold evaluation enqueued %d items, want 0", inserts)
	}

	consensus = 0.9
	if err := svc.OnEvaluationChange(context.Background(), "sug_1"); err != nil {
		t.Fatalf("crossing trigger: %v", err)
	}
	if inserts != 1 {
		t.Fatalf("threshold crossing enqueued %d items, want 1", inserts)
	}
}

func TestEvaluationTriggerSupersedesWeakerPending(t *testing.T) {
	var superseded string
	var enqueued *store.QueueItem

	fs := &fakeStore{
		getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
			return store.Suggestion{ID: "sug_new", ParagraphID: "para_1", DocumentID: "doc_1", Status: "open", Consensus: 0.85}, nil
		},
		pendingForParagraphFn: func(context.Context, string) (*store.QueueItem, error) {
			return &store.QueueItem{ID: "rq_old", SuggestionID: "sug_old", ConsensusAtCreation: 0.7, Status: store.QueueStatusPending}, nil
		},
		markSupersededFn: func(_ context.Context, queueID string) (bool, error) {
			superseded = queueID
			return true, nil
		},
		getParagraphFn: func(context.Context, string) (store.Paragraph, error) {
			return store.Paragraph{ID: "para_1", DocumentID: "doc_1"}, nil
		},
		insertQueueItemFn: func(_ context.Context, item store.QueueItem) (bool, error) {
			enqueued = &item
			return true, nil
		},
	}
	svc := newTestService(fs, &fakeHistory{})

	if err := svc.OnEvaluationChange(context.Background(), "sug_new"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if superseded != "rq_old" {
		t.Fatalf("superseded %q, want rq_old", superseded)
	}
	if enqueued == nil || enqueued.SuggestionID != "sug_new" {
		t.Fatalf("enqueued = %+v", enqueued)
	}
}

func TestEvaluationTriggerKeepsStrongerPending(t *testing.T) {
	fs := &fakeStore{
		getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
			return store.Suggestion{ID: "sug_new", ParagraphID: "para_1", DocumentID: "doc_1", Status: "open", Consensus: 0.7}, nil
		},
		pendingForParagraphFn: func(context.Context, string) (*store.QueueItem, error) {
			return &store.QueueItem{ID: "rq_old", SuggestionID: "sug_old", ConsensusAtCreation: 0.7, Status: store.QueueStatusPending}, nil
		},
		markSupersededFn: func(context.Context, string) (bool, error) {
			t.Fatal("equal consensus must not displace the pending item")
			return false, nil
		},
		insertQueueItemFn: func(context.Context, store.QueueItem) (bool, error) {
			t.Fatal("nothing should be enqueued")
			return false, nil
		},
	}
	svc := newTestService(fs, &fakeHistory{})

	if err := svc.OnEvaluationChange(context.Background(), "sug_new"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
}

func TestRollbackToCurrentVersionRejected(t *testing.T) {
	fs := &fakeStore{
		getParagraphFn: func(context.Context, string) (store.Paragraph, error) {
			return store.Paragraph{ID: "para_1", DocumentID: "doc_1", CurrentVersion: 5}, nil
		},
	}
	svc := newTestService(fs, &fakeHistory{})

	_, err := svc.Rollback(context.Background(), "usr_owner", "para_1", RollbackInput{TargetVersion: 5})
	expectCode(t, err, "VALIDATION_ERROR")

	_, err = svc.Rollback(context.Background(), "usr_owner", "para_1", RollbackInput{TargetVersion: 0})
	expectCode(t, err, "VALIDATION_ERROR")
}

func TestRollbackRequiresOwner(t *testing.T) {
	fs := &fakeStore{
		getParagraphFn: func(context.Context, string) (store.Paragraph, error) {
			return store.Paragraph{ID: "para_1", DocumentID: "doc_1", CurrentVersion: 5}, nil
		},
		getMemberRoleFn: func(context.Context, string, string) (string, error) {
			return "admin", nil
		},
	}
	svc := newTestService(fs, &fakeHistory{})

	_, err := svc.Rollback(context.Background(), "usr_admin", "para_1", RollbackInput{TargetVersion: 2})
	expectCode(t, err, "FORBIDDEN")
}

func TestRollbackRestoresEarlierText(t *testing.T) {
	var replacedWith string
	var expectedVersion int
	var auditActions []string

	fs := &fakeStore{
		getParagraphFn: func(context.Context, string) (store.Paragraph, error) {
			return store.Paragraph{ID: "para_1", DocumentID: "doc_1", Text: "current", CurrentVersion: 5}, nil
		},
		replaceParagraphFn: func(_ context.Context, _, newText, _ string, expected int, _ bool) (int, error) {
			replacedWith = newText
			expectedVersion = expected
			return expected + 1, nil
		},
		insertAuditFn: func(_ context.Context, entry store.AuditEntry) error {
			auditActions = append(auditActions, entry.Action)
			return nil
		},
	}
	fh := &fakeHistory{
		getVersionTextFn: func(_ context.Context, _ string, versionNumber int) (string, error) {
			if versionNumber != 2 {
				return "", history.ErrVersionNotFound
			}
			return "the old wording", nil
		},
	}
	svc := newTestService(fs, fh)

	result, err := svc.Rollback(context.Background(), "usr_owner", "para_1", RollbackInput{TargetVersion: 2})
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if replacedWith != "the old wording" {
		t.Fatalf("replaced text = %q", replacedWith)
	}
	if expectedVersion != 5 {
		t.Fatalf("expected version guard = %d, want 5", expectedVersion)
	}
	if result.NewVersion != 6 || result.FromVersion != 5 || result.ToVersion != 2 {
		t.Fatalf("result = %+v", result)
	}
	if len(auditActions) != 1 || auditActions[0] != "paragraph_rollback" {
		t.Fatalf("audit actions = %v", auditActions)
	}
}

func TestRollbackToPrunedVersion(t *testing.T) {
	fs := &fakeStore{
		getParagraphFn: func(context.Context, string) (store.Paragraph, error) {
			return store.Paragraph{ID: "para_1", DocumentID: "doc_1", CurrentVersion: 50}, nil
		},
	}
	svc := newTestService(fs, &fakeHistory{})

	_, err := svc.Rollback(context.Background(), "usr_owner", "para_1", RollbackInput{TargetVersion: 1})
	expectCode(t, err, "NOT_FOUND")
}

func TestRollbackVersionConflict(t *testing.T) {
	fs := &fakeStore{
		getParagraphFn: func(context.Context, string) (store.Paragraph, error) {
			return store.Paragraph{ID: "para_1", DocumentID: "doc_1", CurrentVersion: 5}, nil
		},
		replaceParagraphFn: func(context.Context, string, string, string, int, bool) (int, error) {
			return 0, store.ErrVersionConflict
		},
	}
	fh := &fakeHistory{
		getVersionTextFn: func(context.Context, string, int) (string, error) {
			return "the old wording", nil
		},
	}
	svc := newTestService(fs, fh)

	_, err := svc.Rollback(context.Background(), "usr_owner", "para_1", RollbackInput{TargetVersion: 2})
	expectCode(t, err, "CONFLICT")
}

func TestUpdateSettingsValidatesRanges(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeHistory{})

	threshold := 1.5
	_, err := svc.UpdateSettings(context.Background(), "usr_owner", "doc_1", SettingsInput{ReviewThreshold: &threshold})
	expectCode(t, err, "VALIDATION_ERROR")

	recent, total := 20, 5
	_, err = svc.UpdateSettings(context.Background(), "usr_owner", "doc_1", SettingsInput{MaxRecentVersions: &recent, MaxTotalVersions: &total})
	expectCode(t, err, "VALIDATION_ERROR")

	zero := 0
	_, err = svc.UpdateSettings(context.Background(), "usr_owner", "doc_1", SettingsInput{MaxRecentVersions: &zero})
	expectCode(t, err, "VALIDATION_ERROR")
}

func TestUpdateSettingsAppliesPartialChange(t *testing.T) {
	var saved store.Settings
	fs := &fakeStore{
		saveSettingsFn: func(_ context.Context, item store.Settings) error {
			saved = item
			return nil
		},
	}
	svc := newTestService(fs, &fakeHistory{})

	threshold := 0.8
	enabled := false
	settings, err := svc.UpdateSettings(context.Background(), "usr_owner", "doc_1", SettingsInput{ReviewThreshold: &threshold, Enabled: &enabled})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if settings.ReviewThreshold != 0.8 || settings.Enabled {
		t.Fatalf("settings = %+v", settings)
	}
	// Untouched fields keep their stored values.
	if saved.MaxRecentVersions != 10 || saved.MaxTotalVersions != 100 || !saved.AllowAdminEdit {
		t.Fatalf("saved = %+v", saved)
	}
}

func TestUpdateSettingsRequiresAdmin(t *testing.T) {
	fs := &fakeStore{
		getMemberRoleFn: func(context.Context, string, string) (string, error) {
			return "evaluator", nil
		},
	}
	svc := newTestService(fs, &fakeHistory{})

	enabled := false
	_, err := svc.UpdateSettings(context.Background(), "usr_eval", "doc_1", SettingsInput{Enabled: &enabled})
	expectCode(t, err, "FORBIDDEN")
}

func TestCreateDocumentSeedsParagraphsAndSettings(t *testing.T) {
	var paragraphs []store.Paragraph
	var savedSettings *store.Settings
	var memberRole string

	fs := &fakeStore{
		insertParagraphFn: func(_ context.Context, item store.Paragraph) error {
			paragraphs = append(paragraphs, item)
			return nil
		},
		saveSettingsFn: func(_ context.Context, item store.Settings) error {
			savedSettings = &item
			return nil
		},
		upsertMemberFn: func(_ context.Context, _, _, role, _ string) error {
			memberRole = role
			return nil
		},
	}
	svc := newTestService(fs, &fakeHistory{})

	document, err := svc.CreateDocument(context.Background(), "usr_owner", CreateDocumentInput{
		Title:      "Retention Policy",
		Paragraphs: []string{"first", "second"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if document.OwnerID != "usr_owner" {
		t.Fatalf("document = %+v", document)
	}
	if memberRole != "owner" {
		t.Fatalf("creator granted role %q, want owner", memberRole)
	}
	if len(paragraphs) != 2 {
		t.Fatalf("paragraphs = %+v", paragraphs)
	}
	for i, paragraph := range paragraphs {
		if paragraph.CurrentVersion != 1 {
			t.Fatalf("paragraph %d starts at version %d, want 1", i, paragraph.CurrentVersion)
		}
		if paragraph.Position != i+1 {
			t.Fatalf("paragraph %d at position %d", i, paragraph.Position)
		}
	}
	if savedSettings == nil || !savedSettings.Enabled || savedSettings.ReviewThreshold != 0.6 {
		t.Fatalf("settings = %+v", savedSettings)
	}
}

func TestGetVersionTextServesCurrentFromParagraph(t *testing.T) {
	fs := &fakeStore{
		getParagraphFn: func(context.Context, string) (store.Paragraph, error) {
			return store.Paragraph{ID: "para_1", DocumentID: "doc_1", Text: "current wording", CurrentVersion: 4}, nil
		},
	}
	fh := &fakeHistory{
		getVersionTextFn: func(context.Context, string, int) (string, error) {
			t.Fatal("current version must not hit the history tiers")
			return "", nil
		},
	}
	svc := newTestService(fs, fh)

	version, err := svc.GetVersionText(context.Background(), "usr_owner", "para_1", 4)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if version.Text != "current wording" {
		t.Fatalf("version = %+v", version)
	}
}
