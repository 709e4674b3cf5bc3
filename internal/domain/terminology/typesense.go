package terminology

import (
	"context"
	"fmt"
	"time"

	"github.com/typesense/typesense-go/v2/typesense"
	"github.com/typesense/typesense-go/v2/typesense/api"
	"github.com/typesense/typesense-go/v2/typesense/api/pointer"
)

// TypesenseSearcher looks codes up in a Typesense collection. The hit's
// text_match is the relevance; scores are scaled so the first hit is 1.0,
// which keeps the service's order.
type TypesenseSearcher struct {
	client     *typesense.Client
	collection string
}

// NewTypesenseSearcher builds a client for the given server.
func NewTypesenseSearcher(url, apiKey, collection string) *TypesenseSearcher {
	client := typesense.NewClient(
		typesense.WithServer(url),
		typesense.WithAPIKey(apiKey),
		typesense.WithConnectionTimeout(5*time.Second),
	)
	return &TypesenseSearcher{client: client, collection: collection}
}

// SearchCodes implements CodeSearcher.
func (t *TypesenseSearcher) SearchCodes(ctx context.Context, text string, limit int) ([]ScoredCode, error) {
	if limit <= 0 {
		limit = 20
	}
	params := &api.SearchCollectionParams{
		Q:       pointer.String(text),
		QueryBy: pointer.String("display,synonyms,code"),
		PerPage: pointer.Int(limit),
	}
	result, err := t.client.Collection(t.collection).Documents().Search(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("typesense search: %w", err)
	}
	if result.Hits == nil {
		return nil, nil
	}

	var top float64
	var out []ScoredCode
	for _, hit := range *result.Hits {
		if hit.Document == nil {
			continue
		}
		doc := *hit.Document
		code, _ := doc["code"].(string)
		display, _ := doc["display"].(string)
		if code == "" {
			continue
		}
		var score float64
		if hit.TextMatch != nil {
			score = float64(*hit.TextMatch)
		}
		if top == 0 {
			top = score
		}
		if top > 0 {
			score /= top
		}
		out = append(out, ScoredCode{Code: code, Display: display, Score: score})
	}
	return out, nil
}

// EnsureCollection creates the code collection when it does not exist.
func (t *TypesenseSearcher) EnsureCollection(ctx context.Context) error {
	collections, err := t.client.Collections().Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("retrieve collections: %w", err)
	}
	for _, col := range collections {
		if col.Name == t.collection {
			return nil
		}
	}

	schema := &api.CollectionSchema{
		Name: t.collection,
		Fields: []api.Field{
			{Name: "code", Type: "string"},
			{Name: "display", Type: "string"},
			{Name: "chapter", Type: "string", Facet: pointer.True(), Optional: pointer.True()},
			{Name: "synonyms", Type: "string[]", Optional: pointer.True()},
		},
	}
	if _, err := t.client.Collections().Create(ctx, schema); err != nil {
		return fmt.Errorf("create collection %s: %w", t.collection, err)
	}
	return nil
}

// IndexCodes upserts codes, attaching vocabulary synonyms that point at them.
func (t *TypesenseSearcher) IndexCodes(ctx context.Context, codes []ICD10Code, terms []*MedicalTerm) (int, error) {
	synonyms := make(map[string][]string)
	for _, term := range terms {
		for _, c := range term.CodeCandidates {
			synonyms[c] = append(synonyms[c], term.Term)
			synonyms[c] = append(synonyms[c], term.Synonyms...)
		}
	}

	n := 0
	for _, c := range codes {
		doc := map[string]interface{}{
			"id":       c.Code,
			"code":     c.Code,
			"display":  c.Display,
			"chapter":  c.Chapter,
			"synonyms": append([]string{}, synonyms[c.Code]...),
		}
		if _, err := t.client.Collection(t.collection).Documents().Upsert(ctx, doc); err != nil {
			return n, fmt.Errorf("index code %s: %w", c.Code, err)
		}
		n++
	}
	return n, nil
}
