package app

import (
	"context"
	"log"
	"strings"

	"concord/api/internal/authz"
	"concord/api/internal/consensus"
	"concord/api/internal/notify"
	"concord/api/internal/store"
	"concord/api/internal/util"
)

type SyncResult struct {
	Scanned int `json:"scanned"`
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
}

// SyncQueue scans a document's paragraphs and enqueues the best
// qualifying suggestion for each paragraph that has no pending item.
// Running it twice in a row changes nothing the second time.
func (s *Service) SyncQueue(ctx context.Context, actorID, documentID string) (SyncResult, error) {
	if _, err := s.authorize(ctx, documentID, actorID, authz.ActionReview); err != nil {
		return SyncResult{}, err
	}

	settings, err := s.store.GetSettings(ctx, documentID)
	if err != nil {
		return SyncResult{}, storageError(err)
	}
	if !settings.Enabled {
		return SyncResult{}, nil
	}

	// Repair any duplicate pending items left behind by older data
	// before the partial unique index existed. Newest stays pending.
	duplicated, err := s.store.CountPendingDuplicates(ctx, documentID)
	if err != nil {
		return SyncResult{}, storageError(err)
	}
	for _, paragraphID := range duplicated {
		if _, err := s.store.SupersedeOlderPending(ctx, paragraphID); err != nil {
			return SyncResult{}, storageError(err)
		}
	}

	paragraphs, err := s.store.ListParagraphs(ctx, documentID)
	if err != nil {
		return SyncResult{}, storageError(err)
	}
	pending, err := s.store.ListPendingParagraphIDs(ctx, documentID)
	if err != nil {
		return SyncResult{}, storageError(err)
	}

	result := SyncResult{Scanned: len(paragraphs)}
	for _, paragraph := range paragraphs {
		if _, busy := pending[paragraph.ID]; busy {
			result.Skipped++
			continue
		}
		best, found, err := s.bestOpenSuggestion(ctx, paragraph.ID)
		if err != nil {
			return SyncResult{}, err
		}
		if !found || best.Consensus < settings.ReviewThreshold {
			continue
		}
		inserted, err := s.store.InsertQueueItem(ctx, store.QueueItem{
			ID:                  util.NewID("rq"),
			DocumentID:          documentID,
			ParagraphID:         paragraph.ID,
			SuggestionID:        best.ID,
			CurrentText:         paragraph.Text,
			ProposedText:        best.Text,
			ConsensusAtCreation: best.Consensus,
			Status:              store.QueueStatusPending,
		})
		if err != nil {
			return SyncResult{}, storageError(err)
		}
		if inserted {
			result.Added++
		} else {
			result.Skipped++
		}
	}
	return result, nil
}

// bestOpenSuggestion recomputes each open suggestion's consensus from
// its stored statistics and returns the highest-scoring one. The
// recomputed score is persisted when it drifted from the stored value.
func (s *Service) bestOpenSuggestion(ctx context.Context, paragraphID string) (store.Suggestion, bool, error) {
	suggestions, err := s.store.ListOpenSuggestions(ctx, paragraphID)
	if err != nil {
		return store.Suggestion{}, false, storageError(err)
	}

	var best store.Suggestion
	found := false
	for _, suggestion := range suggestions {
		score := consensus.Score(suggestion.SumEvaluations, suggestion.SumSquaredEvaluations, suggestion.EvaluatorCount)
		if score != suggestion.Consensus {
			if err := s.store.UpdateSuggestionConsensus(ctx, suggestion.ID, score); err != nil {
				return store.Suggestion{}, false, storageError(err)
			}
			suggestion.Consensus = score
		}
		if !found || suggestion.Consensus > best.Consensus {
			best = suggestion
			found = true
		}
	}
	return best, found, nil
}

// OnEvaluationChange is the real-time enqueue path, fired after an
// evaluation moves a suggestion's consensus. Rapid re-evaluations of
// the same suggestion are debounced through the trigger store; the
// periodic sync covers whatever the debounce window swallows.
func (s *Service) OnEvaluationChange(ctx context.Context, suggestionID string) error {
	suggestion, err := s.store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return err
	}
	if suggestion.Status != "open" {
		return nil
	}
	settings, err := s.store.GetSettings(ctx, suggestion.DocumentID)
	if err != nil {
		return err
	}
	if !settings.Enabled || suggestion.Consensus < settings.ReviewThreshold {
		return nil
	}

	pending, err := s.store.GetPendingForParagraph(ctx, suggestion.ParagraphID)
	if err != nil {
		return err
	}
	if pending != nil {
		if pending.SuggestionID == suggestion.ID {
			return nil
		}
		// A different suggestion holds the slot. Only a strictly
		// higher consensus displaces it.
		if suggestion.Consensus <= pending.ConsensusAtCreation {
			return nil
		}
	}

	// Consume the dedup slot only for a qualifying enqueue attempt, so
	// a below-threshold evaluation never blocks the crossing that
	// follows it inside the TTL window.
	first, err := s.triggers.FirstSeen(ctx, suggestionID, s.cfg.TriggerTTL)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	if pending != nil {
		displaced, err := s.store.MarkQueueItemSuperseded(ctx, pending.ID)
		if err != nil {
			return err
		}
		if !displaced {
			// Lost a race with a reviewer acting on the item.
			return nil
		}
	}

	paragraph, err := s.store.GetParagraph(ctx, suggestion.ParagraphID)
	if err != nil {
		return err
	}
	_, err = s.store.InsertQueueItem(ctx, store.QueueItem{
		ID:                  util.NewID("rq"),
		DocumentID:          suggestion.DocumentID,
		ParagraphID:         suggestion.ParagraphID,
		SuggestionID:        suggestion.ID,
		CurrentText:         paragraph.Text,
		ProposedText:        suggestion.Text,
		ConsensusAtCreation: suggestion.Consensus,
		Status:              store.QueueStatusPending,
	})
	return err
}

func (s *Service) ListQueue(ctx context.Context, actorID, documentID, status string) ([]store.QueueItem, error) {
	if _, err := s.authorize(ctx, documentID, actorID, authz.ActionRead); err != nil {
		return nil, err
	}
	switch status {
	case "", store.QueueStatusPending, store.QueueStatusApproved, store.QueueStatusRejected, store.QueueStatusSuperseded:
	default:
		return nil, validationError("unknown queue status filter", map[string]any{"status": status})
	}
	items, err := s.store.ListQueue(ctx, documentID, status)
	if err != nil {
		return nil, storageError(err)
	}
	return items, nil
}

type ActInput struct {
	Action     string `json:"action"`
	EditedText string `json:"editedText"`
	Notes      string `json:"notes"`
}

type ActResult struct {
	Status     string `json:"status"`
	NewVersion int    `json:"newVersion,omitempty"`
}

// ActOnQueueItem resolves a pending queue item. Approval replaces the
// paragraph text atomically with the version bump and history entry;
// two reviewers racing on the same item leave exactly one winner.
func (s *Service) ActOnQueueItem(ctx context.Context, actorID, queueID string, input ActInput) (ActResult, error) {
	item, err := s.store.GetQueueItem(ctx, queueID)
	if err != nil {
		return ActResult{}, mapStoreError(err, "queue item not found")
	}
	if _, err := s.authorize(ctx, item.DocumentID, actorID, authz.ActionReview); err != nil {
		return ActResult{}, err
	}

	switch input.Action {
	case "approve":
		return s.approveQueueItem(ctx, actorID, item, input)
	case "reject":
		return s.rejectQueueItem(ctx, actorID, item, input)
	default:
		return ActResult{}, validationError("action must be approve or reject", map[string]any{"action": input.Action})
	}
}

func (s *Service) approveQueueItem(ctx context.Context, actorID string, item store.QueueItem, input ActInput) (ActResult, error) {
	settings, err := s.store.GetSettings(ctx, item.DocumentID)
	if err != nil {
		return ActResult{}, storageError(err)
	}

	finalText := item.ProposedText
	if edited := strings.TrimSpace(input.EditedText); edited != "" && edited != item.ProposedText {
		if !settings.AllowAdminEdit {
			return ActResult{}, validationError("reviewer edits are disabled for this document", nil)
		}
		finalText = edited
	}

	newVersion, err := s.store.ApproveQueueItem(ctx, item.ID, finalText, actorID, input.Notes, settings.EnableVersionHistory)
	if err != nil {
		return ActResult{}, mapStoreError(err, "queue item not found")
	}

	s.audit(ctx, store.AuditEntry{
		DocumentID:  item.DocumentID,
		ParagraphID: item.ParagraphID,
		UserID:      actorID,
		Action:      "suggestion_approved",
		Metadata: map[string]any{
			"queueId":      item.ID,
			"suggestionId": item.SuggestionID,
			"newVersion":   newVersion,
			"edited":       finalText != item.ProposedText,
		},
	})
	if settings.EnableVersionHistory {
		if err := s.history.Compact(ctx, item.ParagraphID, settings.MaxRecentVersions, settings.MaxTotalVersions); err != nil {
			log.Printf("history compaction failed for paragraph %s: %v", item.ParagraphID, err)
		}
	}
	s.notifyQueueOutcome(ctx, item, notify.KindSuggestionApproved, input.Notes)

	return ActResult{Status: store.QueueStatusApproved, NewVersion: newVersion}, nil
}

func (s *Service) rejectQueueItem(ctx context.Context, actorID string, item store.QueueItem, input ActInput) (ActResult, error) {
	if err := s.store.RejectQueueItem(ctx, item.ID, actorID, input.Notes); err != nil {
		return ActResult{}, mapStoreError(err, "queue item not found")
	}
	s.audit(ctx, store.AuditEntry{
		DocumentID:  item.DocumentID,
		ParagraphID: item.ParagraphID,
		UserID:      actorID,
		Action:      "suggestion_rejected",
		Metadata:    map[string]any{"queueId": item.ID, "suggestionId": item.SuggestionID, "notes": input.Notes},
	})
	s.notifyQueueOutcome(ctx, item, notify.KindSuggestionRejected, input.Notes)
	return ActResult{Status: store.QueueStatusRejected}, nil
}

func (s *Service) notifyQueueOutcome(ctx context.Context, item store.QueueItem, kind string, notes string) {
	if s.notifier == nil || !s.notifier.IsConfigured() {
		return
	}
	suggestion, err := s.store.GetSuggestion(ctx, item.SuggestionID)
	if err != nil {
		log.Printf("notify: lookup suggestion %s failed: %v", item.SuggestionID, err)
		return
	}
	document, err := s.store.GetDocument(ctx, item.DocumentID)
	if err != nil {
		log.Printf("notify: lookup document %s failed: %v", item.DocumentID, err)
		return
	}
	s.notifyAuthor(ctx, suggestion.AuthorID, notify.Event{
		Kind:          kind,
		DocumentTitle: document.Title,
		ParagraphID:   item.ParagraphID,
		Notes:         notes,
	})
}
