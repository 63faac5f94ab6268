package guidelines

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"microtutor/models"
	"microtutor/services/pinecone"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	sectionDiagnostics = "diagnostics"
	sectionTreatment   = "treatment"
	sectionGeneral     = "general"

	snippetsPerSection = 3
	caseExcerptLength  = 300
)

type Searcher interface {
	Search(ctx context.Context, namespace, query string, topK int) ([]pinecone.Match, error)
}

// Bundle is the reference material gathered for one organism.
type Bundle struct {
	Organism    string
	Diagnostics []string
	Treatment   []string
	General     []string
}

func (b *Bundle) Empty() bool {
	return b == nil || len(b.Diagnostics)+len(b.Treatment)+len(b.General) == 0
}

// Cache holds one Bundle per organism. Concurrent misses for the same
// organism share a single fetch.
type Cache struct {
	search Searcher

	mu      sync.RWMutex
	bundles map[string]*Bundle
	group   singleflight.Group
}

func NewCache(search Searcher) *Cache {
	return &Cache{
		search:  search,
		bundles: make(map[string]*Bundle),
	}
}

func cacheKey(organism string) string {
	return strings.Join(strings.Fields(strings.ToLower(organism)), " ")
}

func (c *Cache) PrefetchGuidelinesForOrganism(ctx context.Context, organism, caseText string) (*Bundle, error) {
	key := cacheKey(organism)
	if key == "" {
		return nil, fmt.Errorf("organism is required")
	}

	c.mu.RLock()
	bundle, ok := c.bundles[key]
	c.mu.RUnlock()
	if ok {
		return bundle, nil
	}

	result, err, shared := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		if cached, ok := c.bundles[key]; ok {
			c.mu.RUnlock()
			return cached, nil
		}
		c.mu.RUnlock()

		fetched, err := c.fetch(ctx, key, caseText)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.bundles[key] = fetched
		c.mu.Unlock()
		return fetched, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prefetch guidelines for %s: %w", key, err)
	}
	if shared {
		log.Printf("[INFO] Shared guideline fetch for %s", key)
	}
	return result.(*Bundle), nil
}

func (c *Cache) fetch(ctx context.Context, organism, caseText string) (*Bundle, error) {
	if c.search == nil {
		return nil, fmt.Errorf("no guideline index configured")
	}

	excerpt := caseExcerpt(caseText)
	queries := []string{
		organism + " diagnostic testing cultures susceptibility",
		organism + " treatment guidelines antimicrobial therapy",
		strings.TrimSpace(organism + " clinical overview " + excerpt),
	}
	results := make([][]string, len(queries))

	g, ctx := errgroup.WithContext(ctx)
	for i, query := range queries {
		g.Go(func() error {
			matches, err := c.search.Search(ctx, pinecone.NamespaceGuideline, query, snippetsPerSection)
			if err != nil {
				return err
			}
			for _, m := range matches {
				if content := m.Text("content"); content != "" {
					results[i] = append(results[i], content)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	bundle := &Bundle{
		Organism:    organism,
		Diagnostics: results[0],
		Treatment:   results[1],
		General:     results[2],
	}
	log.Printf("[INFO] Fetched guidelines for %s (diagnostics: %d, treatment: %d, general: %d)",
		organism, len(bundle.Diagnostics), len(bundle.Treatment), len(bundle.General))
	return bundle, nil
}

// caseExcerpt cuts caseText to caseExcerptLength runes.
func caseExcerpt(caseText string) string {
	runes := []rune(caseText)
	if len(runes) <= caseExcerptLength {
		return caseText
	}
	return string(runes[:caseExcerptLength])
}

// FormatGuidelinesForTool selects the sections a tool cares about.
func FormatGuidelinesForTool(bundle *Bundle, tool string) string {
	if bundle.Empty() {
		return ""
	}

	var sections []string
	switch models.ToolName(tool) {
	case models.ToolTestsManagement:
		sections = append(sections, formatSection(sectionDiagnostics, bundle.Diagnostics), formatSection(sectionTreatment, bundle.Treatment))
	case models.ToolFeedback:
		sections = append(sections,
			formatSection(sectionGeneral, bundle.General),
			formatSection(sectionDiagnostics, bundle.Diagnostics),
			formatSection(sectionTreatment, bundle.Treatment))
	default:
		sections = append(sections, formatSection(sectionGeneral, bundle.General))
	}

	var out []string
	for _, s := range sections {
		if s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "\n\n")
}

func formatSection(name string, snippets []string) string {
	if len(snippets) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", strings.ToUpper(name))
	for _, s := range snippets {
		fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(s))
	}
	return strings.TrimSpace(b.String())
}

// ForTool is the best-effort entry point: failures are logged and yield "".
func (c *Cache) ForTool(ctx context.Context, organism, caseText, tool string) string {
	bundle, err := c.PrefetchGuidelinesForOrganism(ctx, organism, caseText)
	if err != nil {
		log.Printf("[WARN] Guidelines unavailable for %s: %v", organism, err)
		return ""
	}
	return FormatGuidelinesForTool(bundle, tool)
}
