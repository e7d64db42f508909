package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"promptdesk/internal/domain"
)

const searchToolName = "search_knowledge_base"

var searchInputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {
			"type": "string",
			"minLength": 1,
			"description": "Natural language search query"
		},
		"category": {
			"type": "string",
			"description": "Optional category to restrict the search to"
		}
	},
	"required": ["query"],
	"additionalProperties": false
}`)

var searchResultSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"context": {"type": "string"},
		"sources": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"document_id": {"type": "string"},
					"title": {"type": "string"},
					"score": {"type": "number"}
				}
			}
		}
	}
}`)

// SearchTool exposes the retrieval engine to the model. Results carry
// the matched sources so the orchestrator can surface citations.
type SearchTool struct {
	retriever     domain.Retriever
	topK          int
	contextTokens int
}

func NewSearchTool(retriever domain.Retriever, topK, contextTokens int) *SearchTool {
	if topK <= 0 {
		topK = 5
	}
	if contextTokens <= 0 {
		contextTokens = 2000
	}
	return &SearchTool{retriever: retriever, topK: topK, contextTokens: contextTokens}
}

func (s *SearchTool) Name() string { return searchToolName }

func (s *SearchTool) Description() string {
	return "Search the knowledge base for passages relevant to a query. " +
		"Use this before answering questions about documented facts or policies."
}

func (s *SearchTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        searchToolName,
		Description: s.Description(),
		Parameters:  searchInputSchema,
		Result:      searchResultSchema,
	}
}

type searchInput struct {
	Query    string `json:"query"`
	Category string `json:"category"`
}

func (s *SearchTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var in searchInput
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, domain.NewDomainError("tool.search", domain.ErrToolValidation, err.Error())
	}
	if in.Query == "" {
		return nil, domain.NewDomainError("tool.search", domain.ErrToolValidation, "query is required")
	}

	// A caller-supplied filter on the turn restricts the pool no matter
	// what category the model picked.
	category := in.Category
	if f := domain.CategoryFilterFromContext(ctx); f != "" {
		category = f
	}

	candidates, err := s.retriever.Retrieve(ctx, in.Query, s.topK, category)
	if err != nil {
		return nil, domain.NewDomainError("tool.search", domain.ErrToolFailure, err.Error())
	}
	if len(candidates) == 0 {
		return &domain.ToolResult{
			Content: fmt.Sprintf("No passages found for %q.", in.Query),
		}, nil
	}

	sources := make([]domain.Source, 0, len(candidates))
	for _, c := range candidates {
		sources = append(sources, domain.Source{
			DocumentID: c.DocumentID,
			Title:      c.Title,
			Score:      c.Fused,
		})
	}
	return &domain.ToolResult{
		Content: s.retriever.FormatContext(candidates, s.contextTokens),
		Sources: sources,
	}, nil
}
