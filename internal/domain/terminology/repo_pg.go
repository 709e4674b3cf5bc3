package terminology

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// =========== ICD-10 code search ===========

type icd10RepoPG struct{ db queryable }

// NewICD10RepoPG searches reference_icd10 with pg_trgm similarity as the
// relevance score.
func NewICD10RepoPG(pool *pgxpool.Pool) CodeSearcher { return &icd10RepoPG{db: pool} }

func (r *icd10RepoPG) SearchCodes(ctx context.Context, text string, limit int) ([]ScoredCode, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(ctx,
		`SELECT code, display, GREATEST(similarity(lower(display), lower($1)),
		                                CASE WHEN code ILIKE $2 THEN 1.0 ELSE 0 END)::float8 AS score
		 FROM reference_icd10
		 WHERE lower(display) % lower($1) OR display ILIKE $3 OR code ILIKE $2
		 ORDER BY score DESC, code
		 LIMIT $4`, text, text+"%", "%"+text+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("icd10 search: %w", err)
	}
	defer rows.Close()

	var results []ScoredCode
	for rows.Next() {
		var c ScoredCode
		if err := rows.Scan(&c.Code, &c.Display, &c.Score); err != nil {
			return nil, fmt.Errorf("icd10 scan: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// =========== Medical term vocabulary ===========

type termRepoPG struct{ db queryable }

// NewTermRepoPG reads the medical_term table.
func NewTermRepoPG(pool *pgxpool.Pool) VocabularyRepository { return &termRepoPG{db: pool} }

func (r *termRepoPG) ListTerms(ctx context.Context, filter TermFilter) ([]*MedicalTerm, error) {
	query := `SELECT term, category, language, synonyms, code_candidates FROM medical_term`
	var where []string
	var args []interface{}
	idx := 1

	if filter.Category != "" {
		where = append(where, fmt.Sprintf("category = $%d", idx))
		args = append(args, filter.Category)
		idx++
	}
	if filter.Language != "" {
		where = append(where, fmt.Sprintf("language = $%d", idx))
		args = append(args, filter.Language)
		idx++
	}
	if filter.Search != "" {
		where = append(where, fmt.Sprintf(
			"(term ILIKE $%d OR EXISTS (SELECT 1 FROM unnest(synonyms) s WHERE s ILIKE $%d))", idx, idx))
		args = append(args, "%"+filter.Search+"%")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY term"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list medical terms: %w", err)
	}
	defer rows.Close()

	var terms []*MedicalTerm
	for rows.Next() {
		var t MedicalTerm
		if err := rows.Scan(&t.Term, &t.Category, &t.Language, &t.Synonyms, &t.CodeCandidates); err != nil {
			return nil, fmt.Errorf("scan medical term: %w", err)
		}
		terms = append(terms, &t)
	}
	return terms, rows.Err()
}

// SeedPG loads the built-in codes and vocabulary into empty reference tables.
// Existing rows are kept.
func SeedPG(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback(ctx)

	n := 0
	for _, c := range DefaultICD10() {
		tag, err := tx.Exec(ctx,
			`INSERT INTO reference_icd10 (code, display, category, chapter, system_uri)
			 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (code) DO NOTHING`,
			c.Code, c.Display, c.Category, c.Chapter, c.SystemURI)
		if err != nil {
			return 0, fmt.Errorf("seed icd10 %s: %w", c.Code, err)
		}
		n += int(tag.RowsAffected())
	}
	for _, t := range DefaultTerms() {
		tag, err := tx.Exec(ctx,
			`INSERT INTO medical_term (term, category, language, synonyms, code_candidates)
			 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (term, language) DO NOTHING`,
			t.Term, t.Category, t.Language, nonNil(t.Synonyms), nonNil(t.CodeCandidates))
		if err != nil {
			return 0, fmt.Errorf("seed term %s: %w", t.Term, err)
		}
		n += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit seed: %w", err)
	}
	return n, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
