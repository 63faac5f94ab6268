package cases

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"

	"microtutor/db"
	"microtutor/models"
	"microtutor/services/llm"
	"microtutor/services/pinecone"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

var (
	ErrNoCase          = errors.New("no case text available")
	ErrVignetteLeak    = errors.New("vignette reveals the organism")
	nonAlnum           = regexp.MustCompile(`[^a-z0-9 ]+`)
	sentenceEnd        = regexp.MustCompile(`[.!?](\s|$)`)
	referenceChunkTopK = 8
)

const caseGenerationPrompt = `You are a medical microbiology educator writing a realistic clinical teaching case.

Write a complete case for a patient infected with %s. Include, in this order:
- Chief complaint and history of present illness
- Past medical, social, travel and exposure history
- Vital signs and physical examination findings
- Initial laboratory and imaging results
- Microbiology results that confirm the organism
- Appropriate management and outcome

Use plain prose with section headings. Do not address the student.`

const vignettePrompt = `Read the clinical case below and write ONE short sentence (under 30 words) describing how the patient first presents: age, sex and the main complaint.

Rules:
- Do not name the organism, the diagnosis or any test.
- Do not include laboratory values or exam findings.
- Keep it deliberately ambiguous so the student has to ask questions.

CASE:
%s`

type CaseRepository interface {
	GetCase(ctx context.Context, organism string) (*models.CachedCase, error)
	SaveCase(ctx context.Context, c *models.CachedCase) error
	SaveVignette(ctx context.Context, organism, vignette string) error
}

type Searcher interface {
	Search(ctx context.Context, namespace, query string, topK int) ([]pinecone.Match, error)
}

type Generator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Generation, error)
}

type Service struct {
	repo      CaseRepository
	search    Searcher
	llm       Generator
	vignettes map[string]string
}

// NewService wires case resolution. repo and search may be nil.
func NewService(repo CaseRepository, search Searcher, gen Generator) *Service {
	return &Service{
		repo:      repo,
		search:    search,
		llm:       gen,
		vignettes: precachedVignettes,
	}
}

// NormalizeOrganism lower-cases, drops punctuation and collapses spaces.
func NormalizeOrganism(organism string) string {
	cleaned := nonAlnum.ReplaceAllString(strings.ToLower(organism), " ")
	return strings.Join(strings.Fields(cleaned), " ")
}

// GetCase returns the cached case for organism, generating and caching one
// when none exists.
func (s *Service) GetCase(ctx context.Context, organism string) (string, error) {
	key := NormalizeOrganism(organism)
	if key == "" {
		return "", fmt.Errorf("%w: organism is empty", ErrNoCase)
	}
	log.Printf("[INFO] Resolving case for organism: %s", key)

	if s.repo != nil {
		cached, err := s.repo.GetCase(ctx, key)
		switch {
		case err == nil && cached != nil && strings.TrimSpace(cached.CaseText) != "":
			log.Printf("[INFO] Using cached case for %s (%d chars)", key, len(cached.CaseText))
			return cached.CaseText, nil
		case err != nil && !errors.Is(err, db.ErrCaseNotFound):
			log.Printf("[WARN] Failed to read cached case for %s: %v", key, err)
		}
	}

	caseText, err := s.generateCase(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w for %s: %v", ErrNoCase, key, err)
	}

	if s.repo != nil {
		if err := s.repo.SaveCase(ctx, &models.CachedCase{Organism: key, CaseText: caseText, Source: "generated"}); err != nil {
			log.Printf("[WARN] Failed to cache generated case for %s: %v", key, err)
		}
	}
	return caseText, nil
}

func (s *Service) generateCase(ctx context.Context, organism string) (string, error) {
	if s.llm == nil {
		return "", errors.New("no generator configured")
	}

	prompt := fmt.Sprintf(caseGenerationPrompt, organism)
	if reference := s.referenceText(ctx, organism); reference != "" {
		prompt += "\n\nBase the case on this reference material:\n" + reference
	}

	gen, err := s.llm.Generate(ctx, llm.Request{
		Messages:    []models.Message{{Role: models.RoleUser, Content: prompt}},
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate case: %w", err)
	}
	caseText := strings.TrimSpace(gen.Content)
	if caseText == "" {
		return "", errors.New("generated case is empty")
	}
	log.Printf("[INFO] Generated case for %s (%d chars)", organism, len(caseText))
	return caseText, nil
}

func (s *Service) referenceText(ctx context.Context, organism string) string {
	if s.search == nil {
		return ""
	}
	matches, err := s.search.Search(ctx, pinecone.NamespaceReference, organism+" clinical presentation diagnosis treatment", referenceChunkTopK)
	if err != nil {
		log.Printf("[WARN] Reference search failed for %s: %v", organism, err)
		return ""
	}

	var chunks []string
	for _, m := range matches {
		if content := m.Text("content"); content != "" {
			chunks = append(chunks, content)
		}
	}
	if len(chunks) == 0 {
		log.Printf("[WARN] No reference chunks found for %s", organism)
	}
	return strings.Join(chunks, "\n--------------\n")
}

// Vignette resolves the opening sentence for a case: pre-cached one-liners
// first, then the repository, then LLM synthesis from the case text.
func (s *Service) Vignette(ctx context.Context, organism, caseText, model string) (string, error) {
	key := NormalizeOrganism(organism)

	if v, ok := s.lookupPrecached(key); ok {
		return v, nil
	}

	if s.repo != nil {
		if cached, err := s.repo.GetCase(ctx, key); err == nil && cached != nil && cached.Vignette != "" {
			return cached.Vignette, nil
		}
	}

	if s.llm == nil {
		return "", errors.New("no generator configured")
	}
	gen, err := s.llm.Generate(ctx, llm.Request{
		Messages:    []models.Message{{Role: models.RoleUser, Content: fmt.Sprintf(vignettePrompt, caseText)}},
		Model:       model,
		Temperature: 0.5,
	})
	if err != nil {
		return "", fmt.Errorf("failed to synthesize vignette: %w", err)
	}

	vignette := FirstSentence(gen.Content)
	if vignette == "" {
		return "", errors.New("synthesized vignette is empty")
	}
	if RevealsOrganism(vignette, key) {
		return "", ErrVignetteLeak
	}

	if s.repo != nil {
		if err := s.repo.SaveVignette(ctx, key, vignette); err != nil {
			log.Printf("[WARN] Failed to cache vignette for %s: %v", key, err)
		}
	}
	return vignette, nil
}

func (s *Service) lookupPrecached(key string) (string, bool) {
	if v, ok := s.vignettes[key]; ok {
		return v, true
	}
	if key == "" {
		return "", false
	}

	keys := make([]string, 0, len(s.vignettes))
	for k := range s.vignettes {
		keys = append(keys, k)
	}
	ranks := fuzzy.RankFindNormalizedFold(key, keys)
	if len(ranks) == 0 {
		return "", false
	}
	sort.Sort(ranks)
	log.Printf("[INFO] Fuzzy matched organism %q to %q", key, ranks[0].Target)
	return s.vignettes[ranks[0].Target], true
}

// FirstSentence returns the first sentence of text with quotes trimmed.
func FirstSentence(text string) string {
	text = strings.TrimSpace(strings.Trim(strings.TrimSpace(text), `"'`))
	if loc := sentenceEnd.FindStringIndex(text); loc != nil {
		text = text[:loc[0]+1]
	}
	return strings.TrimSpace(text)
}

// RevealsOrganism reports whether text names the organism, its genus or its
// species epithet.
func RevealsOrganism(text, organism string) bool {
	organism = NormalizeOrganism(organism)
	if organism == "" {
		return false
	}
	normalized := NormalizeOrganism(text)
	if strings.Contains(normalized, organism) {
		return true
	}

	words := make(map[string]bool)
	for _, w := range strings.Fields(normalized) {
		words[w] = true
	}
	for _, part := range strings.Fields(organism) {
		if len(part) > 3 && words[part] {
			return true
		}
	}
	return false
}
