package main

import (
	"testing"

	"microtutor/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkMarkdownByHeadings(t *testing.T) {
	doc := `# Staphylococcus aureus
Gram-positive cocci in clusters.

## Diagnosis
Blood cultures before antibiotics.

### Laboratory
Coagulase positive.

## Treatment
Vancomycin for MRSA.
`
	chunks := chunkMarkdownByHeadings("refs/Staphylococcus_Aureus.md", doc)
	require.Len(t, chunks, 4)

	assert.Equal(t, "staphylococcus_aureus_chunk_0", chunks[0].ID)
	assert.Equal(t, "staphylococcus aureus", chunks[0].Organism)
	assert.Equal(t, "general", chunks[0].Section)

	assert.Equal(t, []string{"Staphylococcus aureus", "Diagnosis", "Laboratory"}, chunks[2].HeadingPath)
	assert.Equal(t, "diagnostics", chunks[2].Section)

	assert.Equal(t, []string{"Staphylococcus aureus", "Treatment"}, chunks[3].HeadingPath)
	assert.Equal(t, "treatment", chunks[3].Section)
	assert.Contains(t, chunks[3].Content, "Vancomycin")
}

func TestChunkMarkdownWithoutHeadings(t *testing.T) {
	chunks := chunkMarkdownByHeadings("e-coli.md", "Gram-negative rod.\nLactose fermenter.")
	require.Len(t, chunks, 1)
	assert.Equal(t, "Document Content", chunks[0].Heading)
	assert.Equal(t, "e coli", chunks[0].Organism)
	assert.Empty(t, chunks[0].HeadingPath)

	assert.Empty(t, chunkMarkdownByHeadings("empty.md", "  \n"))
}

func TestDocumentsKeepRawContent(t *testing.T) {
	chunk := DocumentChunk{ID: "e_coli_chunk_0", Organism: "e coli", Heading: "Treatment", Content: "Nitrofurantoin.", Enriched: "Summary.", Section: "treatment"}
	doc := chunkDocument(chunk)
	assert.Equal(t, "Nitrofurantoin.", doc.Metadata["content"])
	assert.Contains(t, doc.Text, "Context: Summary.")

	rating := ratingDocument(&models.FeedbackRating{ID: 9, UserMessage: "Any fever?", AssistantMessage: "Yes, since Monday.", Rating: 5, Tool: "patient"})
	assert.Equal(t, "rating_9", rating.ID)
	assert.Equal(t, "Yes, since Monday.", rating.Metadata["content"])
	assert.Contains(t, rating.Text, "Any fever?")
}
