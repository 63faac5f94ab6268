package pinecone

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pinecone-io/go-pinecone/v3/pinecone"
	"github.com/tmc/langchaingo/embeddings"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	NamespaceReference = "reference"
	NamespaceFeedback  = "feedback"
	NamespaceGuideline = "guidelines"
)

type Match struct {
	ID       string
	Score    float32
	Metadata map[string]any
}

// Text returns a string metadata field, or "".
func (m Match) Text(key string) string {
	if v, ok := m.Metadata[key].(string); ok {
		return v
	}
	return ""
}

type Document struct {
	ID       string
	Text     string
	Metadata map[string]any
}

type Service struct {
	client    *pinecone.Client
	embedder  embeddings.Embedder
	indexName string

	mu   sync.Mutex
	host string
}

func NewService(apiKey, indexName string, embedder embeddings.Embedder) (*Service, error) {
	log.Printf("[INFO] Initializing Pinecone service for index %s", indexName)

	pc, err := pinecone.NewClient(pinecone.NewClientParams{
		ApiKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Pinecone client: %w", err)
	}

	log.Printf("[INFO] Pinecone service initialized successfully")
	return &Service{
		client:    pc,
		embedder:  embedder,
		indexName: indexName,
	}, nil
}

func (s *Service) indexConn(ctx context.Context, namespace string) (*pinecone.IndexConnection, error) {
	s.mu.Lock()
	host := s.host
	s.mu.Unlock()

	if host == "" {
		idxDesc, err := s.client.DescribeIndex(ctx, s.indexName)
		if err != nil {
			return nil, fmt.Errorf("failed to describe index: %w", err)
		}
		host = idxDesc.Host
		s.mu.Lock()
		s.host = host
		s.mu.Unlock()
	}

	idxConn, err := s.client.Index(pinecone.NewIndexConnParams{
		Host:      host,
		Namespace: namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create index connection: %w", err)
	}
	return idxConn, nil
}

// Search embeds query and returns the topK nearest matches in namespace.
func (s *Service) Search(ctx context.Context, namespace, query string, topK int) ([]Match, error) {
	log.Printf("[INFO] Querying Pinecone namespace %s (topK: %d): %.80s", namespace, topK, query)

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	idxConn, err := s.indexConn(ctx, namespace)
	if err != nil {
		return nil, err
	}

	result, err := idxConn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK),
		IncludeValues:   false,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}

	matches := make([]Match, 0, len(result.Matches))
	for _, m := range result.Matches {
		if m == nil || m.Vector == nil {
			continue
		}
		match := Match{ID: m.Vector.Id, Score: m.Score}
		if m.Vector.Metadata != nil {
			match.Metadata = m.Vector.Metadata.AsMap()
		}
		matches = append(matches, match)
	}

	log.Printf("[INFO] Retrieved %d matches from namespace %s", len(matches), namespace)
	return matches, nil
}

// Upsert embeds and stores documents in batches. The document text is kept
// in the "content" metadata field.
func (s *Service) Upsert(ctx context.Context, namespace string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Text
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to generate embeddings: %w", err)
	}

	records := make([]*pinecone.Vector, 0, len(docs))
	for i, doc := range docs {
		metadata := map[string]any{
			"content":    doc.Text,
			"created_at": time.Now().Format(time.RFC3339),
		}
		for k, v := range doc.Metadata {
			metadata[k] = v
		}
		metadataStruct, err := structpb.NewStruct(metadata)
		if err != nil {
			return fmt.Errorf("failed to create metadata struct for %s: %w", doc.ID, err)
		}
		records = append(records, &pinecone.Vector{
			Id:       doc.ID,
			Values:   &vectors[i],
			Metadata: metadataStruct,
		})
	}

	idxConn, err := s.indexConn(ctx, namespace)
	if err != nil {
		return err
	}

	batchSize := 50
	for i := 0; i < len(records); i += batchSize {
		end := min(i+batchSize, len(records))
		count, err := idxConn.UpsertVectors(ctx, records[i:end])
		if err != nil {
			return fmt.Errorf("failed to upsert vector batch: %w", err)
		}
		log.Printf("[INFO] Upserted %d vectors into %s (batch %d)", count, namespace, i/batchSize+1)
	}
	return nil
}

// DeleteByPrefix removes every vector whose id starts with prefix.
func (s *Service) DeleteByPrefix(ctx context.Context, namespace, prefix string) error {
	idxConn, err := s.indexConn(ctx, namespace)
	if err != nil {
		return err
	}

	limit := uint32(100)
	req := &pinecone.ListVectorsRequest{Prefix: &prefix, Limit: &limit}
	for {
		listResp, err := idxConn.ListVectors(ctx, req)
		if err != nil {
			if strings.Contains(err.Error(), "Namespace not found") {
				return nil
			}
			return fmt.Errorf("failed to list vectors: %w", err)
		}

		ids := make([]string, 0, len(listResp.VectorIds))
		for _, id := range listResp.VectorIds {
			if id != nil {
				ids = append(ids, *id)
			}
		}
		if len(ids) > 0 {
			if err := idxConn.DeleteVectorsById(ctx, ids); err != nil {
				return fmt.Errorf("failed to delete vector batch: %w", err)
			}
			log.Printf("[INFO] Deleted %d vectors with prefix %s from %s", len(ids), prefix, namespace)
		}

		if listResp.NextPaginationToken == nil {
			return nil
		}
		req.PaginationToken = listResp.NextPaginationToken
	}
}

// EnsureIndex creates the serverless index if it is missing and waits until
// it is ready.
func (s *Service) EnsureIndex(ctx context.Context, dimension int32) error {
	indexes, err := s.client.ListIndexes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list indexes: %w", err)
	}
	for _, idx := range indexes {
		if idx.Name == s.indexName {
			log.Printf("[INFO] Index %s already exists", s.indexName)
			return nil
		}
	}

	log.Printf("[INFO] Creating Pinecone index: %s", s.indexName)
	deletionProtection := pinecone.DeletionProtectionDisabled
	metric := pinecone.Cosine
	_, err = s.client.CreateServerlessIndex(ctx, &pinecone.CreateServerlessIndexRequest{
		Name:               s.indexName,
		Dimension:          &dimension,
		Metric:             &metric,
		Cloud:              pinecone.Aws,
		Region:             "us-east-1",
		DeletionProtection: &deletionProtection,
		Tags:               &pinecone.IndexTags{"project": "microtutor"},
	})
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	for {
		idx, err := s.client.DescribeIndex(ctx, s.indexName)
		if err != nil {
			return fmt.Errorf("failed to describe index: %w", err)
		}
		if idx.Status.Ready {
			log.Printf("[INFO] Index %s is ready", s.indexName)
			return nil
		}
		log.Printf("[INFO] Waiting for index %s to be ready...", s.indexName)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
		}
	}
}
