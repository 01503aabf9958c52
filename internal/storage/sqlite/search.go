package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/stackmemory/stackmemory/internal/storage"
)

// SearchFulltext runs an FTS5 MATCH over indexed frame names, event text and
// anchor text. Hits come back best first with a positive BM25-style score.
func (s *Store) SearchFulltext(ctx context.Context, query string, filter storage.SearchFilter, limit int) ([]*storage.SearchHit, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT frame_id, kind, ref_id, text, bm25(memory_fts) AS rank
		FROM memory_fts
		WHERE memory_fts MATCH ?
	`)
	args := []any{match}

	if filter.ProjectID != "" {
		sb.WriteString(" AND project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.SessionID != "" {
		sb.WriteString(" AND session_id = ?")
		args = append(args, filter.SessionID)
	}
	if len(filter.Kinds) > 0 {
		placeholders := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		sb.WriteString(" AND kind IN (" + strings.Join(placeholders, ",") + ")")
	}

	sb.WriteString(" ORDER BY rank LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var hits []*storage.SearchHit
	for rows.Next() {
		var hit storage.SearchHit
		var kind string
		var rank float64
		if err := rows.Scan(&hit.FrameID, &kind, &hit.RefID, &hit.Text, &rank); err != nil {
			return nil, fmt.Errorf("failed to scan search hit: %w", err)
		}
		hit.Kind = storage.SearchKind(kind)
		// bm25() returns smaller-is-better negative values; flip the sign so
		// downstream scoring can treat relevance as higher-is-better
		hit.BM25 = -rank
		hits = append(hits, &hit)
	}
	return hits, rows.Err()
}

// ftsQuery turns free text into a safe FTS5 query. Each whitespace token is
// quoted so user punctuation cannot be parsed as FTS syntax; tokens are
// AND-ed implicitly. The last token gets a prefix star to support
// type-ahead style queries.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}

	terms := make([]string, 0, len(fields))
	for i, field := range fields {
		clean := strings.ReplaceAll(field, `"`, "")
		if clean == "" {
			continue
		}
		quoted := `"` + clean + `"`
		if i == len(fields)-1 {
			quoted += "*"
		}
		terms = append(terms, quoted)
	}
	return strings.Join(terms, " ")
}
