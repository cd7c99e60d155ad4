// Package history is the tiered version store for superseded paragraph
// text. Recent entries stay individually addressable in the hot tier;
// older blocks are compressed into cold batches, and the oldest batches
// are pruned once the total retained count exceeds the configured
// ceiling. Pruned versions cannot be rolled back to.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"concord/api/internal/store"
)

// ErrVersionNotFound is returned when a version is absent from both
// tiers, including versions lost to pruning.
var ErrVersionNotFound = errors.New("version not found")

// tierStore is the slice of the data store the history engine needs.
type tierStore interface {
	GetHotVersion(ctx context.Context, paragraphID string, versionNumber int) (store.VersionEntry, error)
	ListHotVersions(ctx context.Context, paragraphID string) ([]store.VersionEntry, error)
	ArchiveHotVersions(ctx context.Context, archive store.VersionArchive) error
	FindVersionArchive(ctx context.Context, paragraphID string, versionNumber int) (store.VersionArchive, error)
	ListVersionArchives(ctx context.Context, paragraphID string) ([]store.VersionArchive, error)
	DeleteVersionArchive(ctx context.Context, archiveID int64) error
}

// archivedEntry is the wire form of one history entry inside a cold
// batch payload.
type archivedEntry struct {
	VersionNumber int    `json:"versionNumber"`
	Text          string `json:"text"`
}

type Store struct {
	store tierStore
	codec Codec
}

func New(tiers tierStore, codec Codec) *Store {
	if codec == nil {
		codec = GzipCodec{}
	}
	return &Store{store: tiers, codec: codec}
}

// GetVersionText resolves the text a paragraph held while
// versionNumber was current. Hot tier first, then the cold batch whose
// range covers the version.
func (s *Store) GetVersionText(ctx context.Context, paragraphID string, versionNumber int) (string, error) {
	entry, err := s.store.GetHotVersion(ctx, paragraphID, versionNumber)
	if err == nil {
		return entry.Text, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	archive, err := s.store.FindVersionArchive(ctx, paragraphID, versionNumber)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrVersionNotFound
	}
	if err != nil {
		return "", err
	}

	entries, err := s.decodeArchive(archive)
	if err != nil {
		return "", err
	}
	for _, decoded := range entries {
		if decoded.VersionNumber == versionNumber {
			return decoded.Text, nil
		}
	}
	return "", ErrVersionNotFound
}

// Compact enforces the tier bounds for one paragraph: when hot entries
// exceed maxRecent, the oldest contiguous block is serialized into one
// cold batch, then the oldest batches are dropped until the total
// retained count fits maxTotal.
func (s *Store) Compact(ctx context.Context, paragraphID string, maxRecent, maxTotal int) error {
	if maxRecent < 1 {
		maxRecent = 1
	}
	if maxTotal < maxRecent {
		maxTotal = maxRecent
	}

	hot, err := s.store.ListHotVersions(ctx, paragraphID)
	if err != nil {
		return err
	}

	if len(hot) > maxRecent {
		block := hot[:len(hot)-maxRecent]
		if err := s.archiveBlock(ctx, paragraphID, block); err != nil {
			return err
		}
		hot = hot[len(hot)-maxRecent:]
	}

	return s.prune(ctx, paragraphID, len(hot), maxTotal)
}

func (s *Store) archiveBlock(ctx context.Context, paragraphID string, block []store.VersionEntry) error {
	entries := make([]archivedEntry, len(block))
	for i, entry := range block {
		entries[i] = archivedEntry{VersionNumber: entry.VersionNumber, Text: entry.Text}
	}
	encoded, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode archive block: %w", err)
	}
	payload, err := s.codec.Compress(encoded)
	if err != nil {
		return err
	}
	return s.store.ArchiveHotVersions(ctx, store.VersionArchive{
		ParagraphID:  paragraphID,
		StartVersion: block[0].VersionNumber,
		EndVersion:   block[len(block)-1].VersionNumber,
		Payload:      payload,
		EntryCount:   len(block),
	})
}

// prune drops the oldest cold batches until hot + cold retention fits
// maxTotal. Whole batches only: a batch is never partially rewritten.
func (s *Store) prune(ctx context.Context, paragraphID string, hotCount, maxTotal int) error {
	archives, err := s.store.ListVersionArchives(ctx, paragraphID)
	if err != nil {
		return err
	}
	total := hotCount
	for _, archive := range archives {
		total += archive.EntryCount
	}
	for _, archive := range archives {
		if total <= maxTotal {
			break
		}
		if err := s.store.DeleteVersionArchive(ctx, archive.ID); err != nil {
			return err
		}
		total -= archive.EntryCount
	}
	return nil
}

// Entry is one resolvable history record in a listing.
type Entry struct {
	VersionNumber int    `json:"versionNumber"`
	Text          string `json:"text"`
	Tier          string `json:"tier"`
}

// List returns every retained version for a paragraph, oldest first,
// decompressing cold batches as needed.
func (s *Store) List(ctx context.Context, paragraphID string) ([]Entry, error) {
	archives, err := s.store.ListVersionArchives(ctx, paragraphID)
	if err != nil {
		return nil, err
	}
	items := make([]Entry, 0)
	for _, archive := range archives {
		entries, err := s.decodeArchive(archive)
		if err != nil {
			return nil, err
		}
		for _, decoded := range entries {
			items = append(items, Entry{VersionNumber: decoded.VersionNumber, Text: decoded.Text, Tier: "cold"})
		}
	}

	hot, err := s.store.ListHotVersions(ctx, paragraphID)
	if err != nil {
		return nil, err
	}
	for _, entry := range hot {
		items = append(items, Entry{VersionNumber: entry.VersionNumber, Text: entry.Text, Tier: "hot"})
	}
	return items, nil
}

func (s *Store) decodeArchive(archive store.VersionArchive) ([]archivedEntry, error) {
	decoded, err := s.codec.Decompress(archive.Payload)
	if err != nil {
		return nil, err
	}
	var entries []archivedEntry
	if err := json.Unmarshal(decoded, &entries); err != nil {
		return nil, fmt.Errorf("decode archive payload: %w", err)
	}
	return entries, nil
}
