package match

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxTokens = "lexiform_tokens"

// Meili serves match queries from a Meilisearch tokens index so a cascade
// over a large corpus does not hammer Postgres.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the tokens index.
// The returned matcher reports unhealthy (and the facade falls back to
// Postgres) until the instance becomes reachable.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("match: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxTokens,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("match: create index %s (may already exist): %v", idxTokens, err)
	}

	index := m.client.Index(idxTokens)
	filterable := []interface{}{"projectId", "textId", "valueLower"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("match: update filterable attrs for %s: %v", idxTokens, err)
	}
	searchable := []string{"value"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("match: update searchable attrs for %s: %v", idxTokens, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("match: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) FindMatchingTokens(ctx context.Context, projectID, value string, excludeTokenIDs []string) ([]Hit, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}

	filter := fmt.Sprintf("projectId = %q AND valueLower = %q", projectID, strings.ToLower(value))
	resp, err := m.client.Index(idxTokens).Search("", &meili.SearchRequest{
		Filter: filter,
		Limit:  10000,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch token search: %w", err)
	}

	excluded := make(map[string]struct{}, len(excludeTokenIDs))
	for _, id := range excludeTokenIDs {
		excluded[id] = struct{}{}
	}

	hits := make([]Hit, 0, len(resp.Hits))
	for _, raw := range resp.Hits {
		hit := Hit{
			TokenID: decodeString(raw, "id"),
			TextID:  decodeString(raw, "textId"),
			Value:   decodeString(raw, "value"),
		}
		if _, skip := excluded[hit.TokenID]; skip {
			continue
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// IndexTokens pushes token records into the index.
func (m *Meili) IndexTokens(records []TokenRecord) error {
	if len(records) == 0 {
		return nil
	}
	if _, err := m.client.Index(idxTokens).AddDocuments(records, nil); err != nil {
		return fmt.Errorf("index tokens: %w", err)
	}
	return nil
}

// DeleteTokens removes token records, used after a merge rewrites a
// text's token sequence.
func (m *Meili) DeleteTokens(tokenIDs []string) error {
	for _, id := range tokenIDs {
		if _, err := m.client.Index(idxTokens).DeleteDocument(id, nil); err != nil {
			return fmt.Errorf("delete token %s: %w", id, err)
		}
	}
	return nil
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return value
}
