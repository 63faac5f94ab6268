package main

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// DocumentChunk is one heading-delimited section of a reference document.
type DocumentChunk struct {
	ID          string
	Source      string
	Organism    string
	ChunkIndex  int
	Heading     string
	HeadingPath []string
	Section     string
	Content     string
	Document    string
	Enriched    string
}

var headingRegex = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)

// organismFromFile maps "staphylococcus_aureus.md" to "staphylococcus aureus".
func organismFromFile(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	name = strings.NewReplacer("_", " ", "-", " ").Replace(name)
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func slug(organism string) string {
	return strings.ReplaceAll(organism, " ", "_")
}

// classifySection buckets a chunk for the guideline cache.
func classifySection(headingPath []string) string {
	text := strings.ToLower(strings.Join(headingPath, " "))
	switch {
	case strings.Contains(text, "diagnos") || strings.Contains(text, "test") || strings.Contains(text, "laborator") || strings.Contains(text, "culture"):
		return "diagnostics"
	case strings.Contains(text, "treat") || strings.Contains(text, "therap") || strings.Contains(text, "manage") || strings.Contains(text, "antibiotic"):
		return "treatment"
	}
	return "general"
}

func chunkMarkdownByHeadings(source, content string) []DocumentChunk {
	organism := organismFromFile(source)
	prefix := slug(organism)
	lines := strings.Split(content, "\n")

	var chunks []DocumentChunk
	var current strings.Builder
	var heading string
	var headingStack []string

	flush := func() {
		text := strings.TrimSpace(current.String())
		current.Reset()
		if text == "" {
			return
		}
		path := append([]string(nil), headingStack...)
		chunks = append(chunks, DocumentChunk{
			ID:          fmt.Sprintf("%s_chunk_%d", prefix, len(chunks)),
			Source:      filepath.Base(source),
			Organism:    organism,
			ChunkIndex:  len(chunks),
			Heading:     heading,
			HeadingPath: path,
			Section:     classifySection(path),
			Content:     text,
			Document:    content,
		})
	}

	for _, line := range lines {
		if match := headingRegex.FindStringSubmatch(line); match != nil {
			flush()

			level := len(match[1])
			heading = strings.TrimSpace(match[2])
			if level <= len(headingStack) {
				headingStack = headingStack[:level-1]
			}
			headingStack = append(headingStack, heading)
		}
		current.WriteString(line + "\n")
	}
	flush()

	for i := range chunks {
		if chunks[i].Heading == "" {
			chunks[i].Heading = "Document Content"
		}
	}
	return chunks
}
