package guidelines

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"microtutor/services/pinecone"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSearcher struct {
	calls     atomic.Int32
	err       error
	namespace sync.Map
}

func (s *countingSearcher) Search(_ context.Context, namespace, query string, _ int) ([]pinecone.Match, error) {
	s.calls.Add(1)
	s.namespace.Store(namespace, true)
	if s.err != nil {
		return nil, s.err
	}
	return []pinecone.Match{{
		ID:       query,
		Metadata: map[string]any{"content": "snippet for " + strings.Fields(query)[1]},
	}}, nil
}

func TestPrefetchCachesPerOrganism(t *testing.T) {
	search := &countingSearcher{}
	cache := NewCache(search)

	first, err := cache.PrefetchGuidelinesForOrganism(context.Background(), "Staphylococcus aureus", "case text")
	require.NoError(t, err)
	assert.Equal(t, int32(3), search.calls.Load())
	assert.Len(t, first.Diagnostics, 1)
	assert.Len(t, first.Treatment, 1)
	assert.Len(t, first.General, 1)

	second, err := cache.PrefetchGuidelinesForOrganism(context.Background(), "  staphylococcus   AUREUS ", "case text")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(3), search.calls.Load())

	_, onlyGuidelines := search.namespace.Load(pinecone.NamespaceGuideline)
	assert.True(t, onlyGuidelines)
}

func TestPrefetchDoesNotCacheFailures(t *testing.T) {
	search := &countingSearcher{err: errors.New("index down")}
	cache := NewCache(search)

	_, err := cache.PrefetchGuidelinesForOrganism(context.Background(), "Escherichia coli", "")
	require.Error(t, err)

	search.err = nil
	bundle, err := cache.PrefetchGuidelinesForOrganism(context.Background(), "Escherichia coli", "")
	require.NoError(t, err)
	assert.False(t, bundle.Empty())
}

func TestPrefetchRequiresOrganism(t *testing.T) {
	_, err := NewCache(&countingSearcher{}).PrefetchGuidelinesForOrganism(context.Background(), "  ", "")
	assert.Error(t, err)
}

func TestPrefetchConcurrentCallers(t *testing.T) {
	search := &countingSearcher{}
	cache := NewCache(search)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.PrefetchGuidelinesForOrganism(context.Background(), "Candida albicans", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Callers that arrive after the first fetch completes read the cache.
	assert.LessOrEqual(t, search.calls.Load(), int32(3*8))
	assert.Equal(t, int32(0), search.calls.Load()%3)
}

func TestFormatGuidelinesForTool(t *testing.T) {
	bundle := &Bundle{
		Organism:    "escherichia coli",
		Diagnostics: []string{"urine culture"},
		Treatment:   []string{"nitrofurantoin"},
		General:     []string{"gram-negative rod"},
	}

	tests := []struct {
		name     string
		tool     string
		contains []string
		excludes []string
	}{
		{
			name:     "tests and management gets diagnostics and treatment",
			tool:     "tests_management",
			contains: []string{"DIAGNOSTICS:", "- urine culture", "TREATMENT:", "- nitrofurantoin"},
			excludes: []string{"GENERAL:"},
		},
		{
			name:     "feedback gets every section",
			tool:     "feedback",
			contains: []string{"GENERAL:", "DIAGNOSTICS:", "TREATMENT:"},
		},
		{
			name:     "other tools get the overview",
			tool:     "socratic",
			contains: []string{"GENERAL:", "- gram-negative rod"},
			excludes: []string{"TREATMENT:"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatGuidelinesForTool(bundle, tt.tool)
			for _, want := range tt.contains {
				assert.Contains(t, got, want)
			}
			for _, unwanted := range tt.excludes {
				assert.NotContains(t, got, unwanted)
			}
		})
	}

	assert.Empty(t, FormatGuidelinesForTool(nil, "feedback"))
	assert.Empty(t, FormatGuidelinesForTool(&Bundle{}, "feedback"))
}

func TestForToolIsBestEffort(t *testing.T) {
	cache := NewCache(&countingSearcher{err: errors.New("boom")})
	assert.Empty(t, cache.ForTool(context.Background(), "Candida albicans", "", "feedback"))

	cache = NewCache(nil)
	assert.Empty(t, cache.ForTool(context.Background(), "Candida albicans", "", "feedback"))
}

func TestCaseExcerptKeepsRunesWhole(t *testing.T) {
	short := "Fièvre et toux."
	assert.Equal(t, short, caseExcerpt(short))

	long := strings.Repeat("é", caseExcerptLength+10)
	excerpt := caseExcerpt(long)
	assert.True(t, utf8.ValidString(excerpt))
	assert.Equal(t, caseExcerptLength, utf8.RuneCountInString(excerpt))

	mixed := "a" + strings.Repeat("µ", caseExcerptLength)
	excerpt = caseExcerpt(mixed)
	assert.True(t, utf8.ValidString(excerpt))
	assert.True(t, strings.HasPrefix(mixed, excerpt))
}
