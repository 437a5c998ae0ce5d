// Package knowledge holds the intent-to-response table served by the dialogue engine.
package knowledge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ashureev/chatdesk/internal/domain"
)

// Snapshot is an immutable view of the knowledge base.
type Snapshot struct {
	entries map[string]domain.KnowledgeEntry
}

// Lookup returns the entry for intent.
func (s *Snapshot) Lookup(intent string) (domain.KnowledgeEntry, bool) {
	e, ok := s.entries[intent]
	if !ok {
		return domain.KnowledgeEntry{}, false
	}
	e.Patterns = slices.Clone(e.Patterns)
	return e, true
}

// Entries returns a copy of every entry, sorted by intent.
func (s *Snapshot) Entries() []domain.KnowledgeEntry {
	out := make([]domain.KnowledgeEntry, 0, len(s.entries))
	for _, intent := range slices.Sorted(maps.Keys(s.entries)) {
		e := s.entries[intent]
		e.Patterns = slices.Clone(e.Patterns)
		out = append(out, e)
	}
	return out
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Base is the live knowledge base. Readers load the current snapshot
// without locking; Replace builds a new snapshot and swaps it in.
type Base struct {
	current atomic.Pointer[Snapshot]
	writeMu sync.Mutex
}

// New creates an empty knowledge base.
func New() *Base {
	b := &Base{}
	b.current.Store(&Snapshot{entries: map[string]domain.KnowledgeEntry{}})
	return b
}

// Snapshot returns the snapshot in effect now.
func (b *Base) Snapshot() *Snapshot {
	return b.current.Load()
}

// Lookup returns the entry for intent in the current snapshot.
func (b *Base) Lookup(intent string) (domain.KnowledgeEntry, bool) {
	return b.Snapshot().Lookup(intent)
}

// Intents returns the intents in the current snapshot, sorted.
func (b *Base) Intents() []string {
	return slices.Sorted(maps.Keys(b.Snapshot().entries))
}

// Len returns the number of entries in the current snapshot.
func (b *Base) Len() int {
	return b.Snapshot().Len()
}

// Replace swaps the whole table for entries. Nothing is merged with the
// previous snapshot. An invalid or duplicate entry rejects the whole set.
func (b *Base) Replace(entries []domain.KnowledgeEntry) error {
	next := make(map[string]domain.KnowledgeEntry, len(entries))
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
		if _, dup := next[e.Intent]; dup {
			return fmt.Errorf("%w: duplicate intent %q", domain.ErrValidation, e.Intent)
		}
		e.Patterns = slices.Clone(e.Patterns)
		next[e.Intent] = e
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.current.Store(&Snapshot{entries: next})
	return nil
}

// fileEntry is one intent in the knowledge_base.json document.
type fileEntry struct {
	Response         string   `json:"response"`
	ResponseTemplate string   `json:"response_template"`
	Patterns         []string `json:"patterns"`
}

// LoadFile reads a knowledge base document of the form
// {"<intent>": {"response": "...", "patterns": ["..."]}}.
func LoadFile(path string) ([]domain.KnowledgeEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge base: %w", err)
	}
	return Parse(data)
}

// Parse decodes a knowledge base document. response_template is accepted
// as an alias for response.
func Parse(data []byte) ([]domain.KnowledgeEntry, error) {
	var doc map[string]fileEntry
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode knowledge base: %w", err)
	}

	entries := make([]domain.KnowledgeEntry, 0, len(doc))
	for _, intent := range slices.Sorted(maps.Keys(doc)) {
		fe := doc[intent]
		tmpl := fe.ResponseTemplate
		if tmpl == "" {
			tmpl = fe.Response
		}
		entries = append(entries, domain.KnowledgeEntry{
			Intent:           intent,
			Patterns:         fe.Patterns,
			ResponseTemplate: tmpl,
		})
	}
	return entries, nil
}

// Reload replaces the table with the contents of path. On error the
// current snapshot stays in effect.
func (b *Base) Reload(path string) error {
	entries, err := LoadFile(path)
	if err != nil {
		return err
	}
	if err := b.Replace(entries); err != nil {
		return err
	}
	slog.Info("Knowledge base loaded", "path", path, "intents", len(entries))
	return nil
}
