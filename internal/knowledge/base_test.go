package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ashureev/chatdesk/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBase_LookupAndReplace(t *testing.T) {
	t.Parallel()
	b := New()

	_, ok := b.Lookup("greeting")
	assert.False(t, ok, "empty base must miss")

	require.NoError(t, b.Replace([]domain.KnowledgeEntry{
		{Intent: "greeting", Patterns: []string{"hello", "hi"}, ResponseTemplate: "Hello!"},
		{Intent: "farewell", ResponseTemplate: "Goodbye!"},
	}))

	e, ok := b.Lookup("greeting")
	require.True(t, ok)
	assert.Equal(t, "Hello!", e.ResponseTemplate)
	assert.Equal(t, []string{"farewell", "greeting"}, b.Intents())

	// Replace is a full swap, not a merge.
	require.NoError(t, b.Replace([]domain.KnowledgeEntry{{Intent: "pricing", ResponseTemplate: "It's free."}}))
	_, ok = b.Lookup("greeting")
	assert.False(t, ok)
	assert.Equal(t, 1, b.Len())
}

func TestBase_ReplaceRejectsInvalidSets(t *testing.T) {
	t.Parallel()
	b := New()
	require.NoError(t, b.Replace([]domain.KnowledgeEntry{{Intent: "keep", ResponseTemplate: "kept"}}))

	err := b.Replace([]domain.KnowledgeEntry{
		{Intent: "ok", ResponseTemplate: "fine"},
		{Intent: "broken"},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = b.Replace([]domain.KnowledgeEntry{
		{Intent: "dup", ResponseTemplate: "a"},
		{Intent: "dup", ResponseTemplate: "b"},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, ok := b.Lookup("keep")
	assert.True(t, ok, "failed replace must leave the old snapshot in place")
}

func TestSnapshot_IsolatedFromCallers(t *testing.T) {
	t.Parallel()
	b := New()
	patterns := []string{"hello"}
	require.NoError(t, b.Replace([]domain.KnowledgeEntry{{Intent: "greeting", Patterns: patterns, ResponseTemplate: "Hi"}}))

	patterns[0] = "mutated"
	e, _ := b.Lookup("greeting")
	assert.Equal(t, "hello", e.Patterns[0])

	e.Patterns[0] = "mutated again"
	again, _ := b.Lookup("greeting")
	assert.Equal(t, "hello", again.Patterns[0])
}

func TestBase_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	t.Parallel()
	b := New()

	gen := func(n int) []domain.KnowledgeEntry {
		tmpl := fmt.Sprintf("gen-%d", n)
		return []domain.KnowledgeEntry{
			{Intent: "a", ResponseTemplate: tmpl},
			{Intent: "b", ResponseTemplate: tmpl},
		}
	}
	require.NoError(t, b.Replace(gen(0)))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 200; i++ {
			_ = b.Replace(gen(i))
		}
	}()

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				snap := b.Snapshot()
				a, okA := snap.Lookup("a")
				bb, okB := snap.Lookup("b")
				if !okA || !okB || a.ResponseTemplate != bb.ResponseTemplate {
					t.Errorf("torn snapshot: %+v / %+v", a, bb)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "knowledge_base.json")
	doc := `{
		"greeting": {"response": "Hello! How can I help you today?", "patterns": ["hello", "hi there"]},
		"hours": {"response_template": "We are open 9 to 5."}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	b := New()
	require.NoError(t, b.Reload(path))

	e, ok := b.Lookup("greeting")
	require.True(t, ok)
	assert.Equal(t, "Hello! How can I help you today?", e.ResponseTemplate)
	assert.Equal(t, []string{"hello", "hi there"}, e.Patterns)

	e, ok = b.Lookup("hours")
	require.True(t, ok)
	assert.Equal(t, "We are open 9 to 5.", e.ResponseTemplate)

	assert.Error(t, b.Reload(filepath.Join(t.TempDir(), "missing.json")))
	assert.Equal(t, 2, b.Len())
}
