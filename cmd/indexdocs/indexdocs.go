package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"microtutor/config"
	"microtutor/db"
	"microtutor/models"
	"microtutor/services/llm"
	"microtutor/services/pinecone"

	"github.com/tmc/langchaingo/llms"
)

const embeddingDimension = 1536

type EnrichChunkContextParams struct {
	EnrichedSummary string `json:"enriched_summary"`
}

var enrichmentTools = []llms.Tool{
	{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        "enrich_chunk_context",
			Description: "Provide an enriched contextual summary for a reference document chunk",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"enriched_summary": map[string]any{
						"type":        "string",
						"description": "A self-contained summary of what this chunk covers, which organism and clinical question it relates to, and how it fits in the larger document.",
					},
				},
				"required": []string{"enriched_summary"},
			},
		},
	},
}

const enrichmentPrompt = `You summarise sections of medical microbiology reference documents so they can be found by semantic search.
The summary must be self-contained: name the organism, the clinical topic (presentation, diagnosis, treatment, epidemiology) and the key facts.`

func main() {
	dir := flag.String("dir", "", "directory of markdown reference documents, one per organism")
	namespace := flag.String("namespace", pinecone.NamespaceReference, "target namespace (reference or guidelines)")
	enrich := flag.Bool("enrich", true, "add an LLM-written context summary to every chunk")
	indexFeedback := flag.Bool("feedback", false, "index stored ratings into the feedback namespace")
	flag.Parse()

	log.Printf("[INFO] Starting document indexing process")

	cfg := config.Load()

	if cfg.PineconeAPIKey == "" {
		log.Fatal("[ERROR] PINECONE_API_KEY environment variable is required")
	}
	if *dir == "" && !*indexFeedback {
		log.Fatal("[ERROR] nothing to do: pass -dir and/or -feedback")
	}

	ctx := context.Background()

	embedder, err := llm.NewEmbedder(cfg)
	if err != nil {
		log.Fatalf("[ERROR] Failed to create embedder: %v", err)
	}
	index, err := pinecone.NewService(cfg.PineconeAPIKey, cfg.PineconeIndexName, embedder)
	if err != nil {
		log.Fatalf("[ERROR] Failed to create Pinecone service: %v", err)
	}
	if err := index.EnsureIndex(ctx, embeddingDimension); err != nil {
		log.Fatalf("[ERROR] Failed to ensure Pinecone index: %v", err)
	}

	if *dir != "" {
		var client *llm.Client
		if *enrich {
			client, err = llm.New(cfg)
			if err != nil {
				log.Fatalf("[ERROR] Failed to create LLM client: %v", err)
			}
		}
		if err := indexDirectory(ctx, index, client, *dir, *namespace); err != nil {
			log.Fatalf("[ERROR] Failed to index %s: %v", *dir, err)
		}
	}

	if *indexFeedback {
		if cfg.DatabaseURL == "" {
			log.Fatal("[ERROR] DB_URL environment variable is required for -feedback")
		}
		repo, err := db.NewPostgresFeedbackRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("[ERROR] Failed to initialize feedback database: %v", err)
		}
		defer repo.Close()

		if err := indexRatings(ctx, index, repo); err != nil {
			log.Fatalf("[ERROR] Failed to index feedback ratings: %v", err)
		}
	}

	log.Printf("[INFO] Document indexing process completed successfully")
}

func indexDirectory(ctx context.Context, index *pinecone.Service, client *llm.Client, dir, namespace string) error {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".md") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list documents: %w", err)
	}

	log.Printf("[INFO] Found %d documents in %s", len(files), dir)

	for i, path := range files {
		log.Printf("[INFO] Processing document %d/%d (%s)", i+1, len(files), path)
		if err := processDocument(ctx, index, client, path, namespace); err != nil {
			log.Printf("[ERROR] Failed to process %s: %v", path, err)
			continue
		}
	}
	return nil
}

func processDocument(ctx context.Context, index *pinecone.Service, client *llm.Client, path, namespace string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}

	chunks := chunkMarkdownByHeadings(path, string(content))
	if len(chunks) == 0 {
		log.Printf("[INFO] No chunks created for %s", path)
		return nil
	}
	log.Printf("[INFO] Created %d chunks for %s (organism: %s)", len(chunks), path, chunks[0].Organism)

	if err := index.DeleteByPrefix(ctx, namespace, slug(chunks[0].Organism)+"_chunk_"); err != nil {
		return fmt.Errorf("failed to delete existing vectors: %w", err)
	}

	docs := make([]pinecone.Document, 0, len(chunks))
	for i := range chunks {
		if client != nil {
			enriched, err := enrichChunkContext(ctx, client, chunks[i])
			if err != nil {
				log.Printf("[WARN] Failed to enrich chunk %d of %s, using raw content: %v", i+1, path, err)
				enriched = chunks[i].Content
			}
			chunks[i].Enriched = enriched
		}
		docs = append(docs, chunkDocument(chunks[i]))
	}

	return index.Upsert(ctx, namespace, docs)
}

// chunkDocument embeds heading, content and summary together but keeps only
// the raw content in the "content" field shown to the tutor.
func chunkDocument(chunk DocumentChunk) pinecone.Document {
	text := fmt.Sprintf("Heading: %s\n\nContent: %s", chunk.Heading, chunk.Content)
	if chunk.Enriched != "" {
		text += "\n\nContext: " + chunk.Enriched
	}
	return pinecone.Document{
		ID:   chunk.ID,
		Text: text,
		Metadata: map[string]any{
			"organism":         chunk.Organism,
			"source":           chunk.Source,
			"chunk_index":      chunk.ChunkIndex,
			"heading":          chunk.Heading,
			"heading_path":     strings.Join(chunk.HeadingPath, " → "),
			"section":          chunk.Section,
			"content":          chunk.Content,
			"enriched_context": chunk.Enriched,
		},
	}
}

func enrichChunkContext(ctx context.Context, client *llm.Client, chunk DocumentChunk) (string, error) {
	userPrompt := fmt.Sprintf(`Summarise this chunk.

Organism: %s
Section hierarchy: %s
Content:
%s

FULL DOCUMENT:
%s`, chunk.Organism, strings.Join(chunk.HeadingPath, " → "), chunk.Content, chunk.Document)

	gen, err := client.Generate(ctx, llm.Request{
		System:      enrichmentPrompt,
		Messages:    []models.Message{{Role: models.RoleUser, Content: userPrompt}},
		Tools:       enrichmentTools,
		ToolChoice:  "required",
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate enrichment: %w", err)
	}
	if len(gen.ToolCalls) == 0 {
		return "", fmt.Errorf("no tool calls in enrichment response")
	}
	call := gen.ToolCalls[0]
	if call.Name != "enrich_chunk_context" {
		return "", fmt.Errorf("unexpected function call: %s", call.Name)
	}

	var params EnrichChunkContextParams
	if err := json.Unmarshal([]byte(call.Arguments), &params); err != nil {
		return "", fmt.Errorf("failed to parse enrichment arguments: %w", err)
	}
	return params.EnrichedSummary, nil
}

func indexRatings(ctx context.Context, index *pinecone.Service, repo db.FeedbackRepository) error {
	const batchSize = 200

	total := 0
	for {
		ratings, err := repo.ListUnindexed(ctx, batchSize)
		if err != nil {
			return fmt.Errorf("failed to list unindexed ratings: %w", err)
		}
		if len(ratings) == 0 {
			break
		}

		docs := make([]pinecone.Document, 0, len(ratings))
		ids := make([]int, 0, len(ratings))
		for _, r := range ratings {
			docs = append(docs, ratingDocument(r))
			ids = append(ids, r.ID)
		}

		if err := index.Upsert(ctx, pinecone.NamespaceFeedback, docs); err != nil {
			return err
		}
		if err := repo.MarkIndexed(ctx, ids); err != nil {
			return fmt.Errorf("failed to mark ratings indexed: %w", err)
		}
		total += len(ratings)
		log.Printf("[INFO] Indexed %d ratings (%d total)", len(ratings), total)
	}

	log.Printf("[INFO] Feedback indexing finished, %d ratings indexed", total)
	return nil
}

// ratingDocument embeds the exchange but stores the rated reply as content.
func ratingDocument(r *models.FeedbackRating) pinecone.Document {
	return pinecone.Document{
		ID:   fmt.Sprintf("rating_%d", r.ID),
		Text: fmt.Sprintf("user: %s\nassistant: %s", r.UserMessage, r.AssistantMessage),
		Metadata: map[string]any{
			"content":      r.AssistantMessage,
			"user_message": r.UserMessage,
			"tool":         r.Tool,
			"rating":       r.Rating,
			"comment":      r.Comment,
			"case_id":      r.CaseID,
			"organism":     r.Organism,
			"phase":        r.Phase.String(),
		},
	}
}
