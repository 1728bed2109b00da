// Package match implements the corpus match index: given a project and an
// exact token value, find every token across the project's texts whose
// original value matches case-insensitively.
package match

import "context"

// Hit is one matching token. Callers must treat the result set as
// unordered.
type Hit struct {
	TokenID string `json:"tokenId"`
	TextID  string `json:"textId"`
	Value   string `json:"value"`
}

// TokenRecord is the shape pushed into the Meilisearch tokens index.
type TokenRecord struct {
	ID         string `json:"id"`
	TextID     string `json:"textId"`
	ProjectID  string `json:"projectId"`
	Value      string `json:"value"`
	ValueLower string `json:"valueLower"`
}

// Matcher finds tokens by exact (case-insensitive) original value.
type Matcher interface {
	FindMatchingTokens(ctx context.Context, projectID, value string, excludeTokenIDs []string) ([]Hit, error)
	Healthy() bool
}
