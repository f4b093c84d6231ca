// Package recall provides keyword search over long-term memory.
package recall

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/ChamsBouzaiene/mneme/internal/memory"
)

// Entry kinds.
const (
	KindTopic   = "topic"
	KindHistory = "history"
)

// Hit is one search result.
type Hit struct {
	Kind  string  `json:"kind"`
	Topic string  `json:"topic,omitempty"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Index is an in-memory BM25 index of topic buckets and history lines,
// rebuilt per session whenever that session's state is committed.
type Index struct {
	index bleve.Index

	mu   sync.Mutex
	docs map[string][]string // session id -> doc ids
}

// NewIndex creates an empty in-memory index.
func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create recall index: %w", err)
	}
	return &Index{index: idx, docs: make(map[string][]string)}, nil
}

// Close releases the index.
func (x *Index) Close() error {
	return x.index.Close()
}

func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	for _, name := range []string{"session_id", "kind", "topic"} {
		f := bleve.NewTextFieldMapping()
		f.Analyzer = keyword.Name
		f.Store = true
		f.Index = true
		doc.AddFieldMappingsAt(name, f)
	}

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	text.Store = true
	text.Index = true
	doc.AddFieldMappingsAt("text", text)

	indexMapping.DefaultMapping = doc
	return indexMapping
}

// Sync replaces everything indexed for sessionID with the contents of lt.
func (x *Index) Sync(sessionID string, lt *memory.LongTermMemory) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	batch := x.index.NewBatch()
	for _, id := range x.docs[sessionID] {
		batch.Delete(id)
	}

	var ids []string
	for _, name := range lt.TopicNames() {
		id := sessionID + "/topic/" + name
		batch.Index(id, map[string]interface{}{
			"session_id": sessionID,
			"kind":       KindTopic,
			"topic":      name,
			"text":       name + " " + lt.Topics[name],
		})
		ids = append(ids, id)
	}
	for i, line := range lt.HistoryLines() {
		id := sessionID + "/history/" + strconv.Itoa(i)
		batch.Index(id, map[string]interface{}{
			"session_id": sessionID,
			"kind":       KindHistory,
			"text":       line,
		})
		ids = append(ids, id)
	}

	if err := x.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to index session %s: %w", sessionID, err)
	}
	x.docs[sessionID] = ids
	return nil
}

// Remove drops everything indexed for sessionID.
func (x *Index) Remove(sessionID string) error {
	return x.Sync(sessionID, &memory.LongTermMemory{})
}

// Search returns up to k hits for query within one session.
func (x *Index) Search(sessionID, query string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 5
	}
	q := bleve.NewMatchQuery(query)
	q.SetField("text")
	sessionQuery := bleve.NewTermQuery(sessionID)
	sessionQuery.SetField("session_id")

	req := bleve.NewSearchRequest(bleve.NewConjunctionQuery(q, sessionQuery))
	req.Size = k
	req.Fields = []string{"kind", "topic", "text"}

	res, err := x.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("recall search failed: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{Score: h.Score}
		if v, ok := h.Fields["kind"].(string); ok {
			hit.Kind = v
		}
		if v, ok := h.Fields["topic"].(string); ok {
			hit.Topic = v
		}
		if v, ok := h.Fields["text"].(string); ok {
			hit.Text = v
		}
		hits = append(hits, hit)
	}
	return hits, nil
}
