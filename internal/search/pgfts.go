package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the engine is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery against publication titles and comment text.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultPublication {
		where := "p.fts @@ " + tsQuery
		if kind, id, ok := strings.Cut(q.FilterOwner, ":"); ok {
			where += fmt.Sprintf(" AND p.owner_type = $%d AND p.owner_id = $%d", argN, argN+1)
			args = append(args, kind, id)
			argN += 2
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'publication'::text AS type, p.id, p.title,
				''::text AS snippet,
				p.id AS publication_id, p.owner_type, p.owner_id,
				ts_rank(p.fts, %s) AS rank
			FROM publications p
			WHERE %s`, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultComment {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, c.id::text, c.reason AS title,
				ts_headline('simple', c.comment, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.publication_id, ''::text AS owner_type, ''::text AS owner_id,
				ts_rank(c.fts, %s) AS rank
			FROM comments c
			WHERE c.fts @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, publication_id, owner_type, owner_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.PublicationID, &r.OwnerType, &r.OwnerID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PublicationRecord, []CommentRecord, error) {
	pubRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, owner_type, owner_id, status, COALESCE(parent_id, '')
		FROM publications
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load publications: %w", err)
	}
	defer pubRows.Close()

	publications := make([]PublicationRecord, 0)
	for pubRows.Next() {
		var r PublicationRecord
		if err := pubRows.Scan(&r.ID, &r.Title, &r.OwnerType, &r.OwnerID, &r.Status, &r.ParentID); err != nil {
			return nil, nil, fmt.Errorf("scan publication: %w", err)
		}
		r.Owner = r.OwnerType + ":" + r.OwnerID
		publications = append(publications, r)
	}
	if err := pubRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate publications: %w", err)
	}

	commentRows, err := p.db.QueryContext(ctx, `
		SELECT id::text, comment, reason, identifier_id, publication_id, revision_id, user_id
		FROM comments
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer commentRows.Close()

	comments := make([]CommentRecord, 0)
	for commentRows.Next() {
		var r CommentRecord
		if err := commentRows.Scan(&r.ID, &r.Text, &r.Reason, &r.IdentifierID, &r.PublicationID, &r.RevisionID, &r.UserID); err != nil {
			return nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, r)
	}
	if err := commentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate comments: %w", err)
	}
	return publications, comments, nil
}
