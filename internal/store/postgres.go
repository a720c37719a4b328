package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgLockNotAvailable    = "55P03"
	activeChildIndex      = "publications_active_child_idx"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	pgQueries
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{pgQueries: pgQueries{q: db}, db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{pgQueries: pgQueries{q: tx}}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", mapPgError(err))
	}
	return nil
}

type pgQueries struct {
	q queryer
}

const publicationColumns = `id, title, owner_type, owner_id, creator_id, status, parent_id, resolution, resolved_at, version, created_at, updated_at`

const identifierColumns = `id, publication_id, type, name, content, revision_id, origin_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPublication(row rowScanner) (Publication, error) {
	var item Publication
	var ownerType, status string
	var parentID sql.NullString
	err := row.Scan(
		&item.ID,
		&item.Title,
		&ownerType,
		&item.Owner.ID,
		&item.CreatorID,
		&status,
		&parentID,
		&item.Resolution,
		&item.ResolvedAt,
		&item.Version,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Publication{}, err
	}
	item.Owner.Kind = OwnerKind(ownerType)
	item.Status = PublicationStatus(status)
	if parentID.Valid {
		item.ParentID = &parentID.String
	}
	return item, nil
}

func scanIdentifier(row rowScanner) (Identifier, error) {
	var item Identifier
	var originID sql.NullString
	err := row.Scan(
		&item.ID,
		&item.PublicationID,
		&item.Type,
		&item.Name,
		&item.Content,
		&item.RevisionID,
		&originID,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Identifier{}, err
	}
	if originID.Valid {
		item.OriginID = &originID.String
	}
	return item, nil
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", kind, err)
}

func (s pgQueries) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.q.QueryRowContext(ctx, `SELECT id, name, email, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.Name, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, notFound("user", userID, err)
	}
	return user, nil
}

func (s pgQueries) GetBoard(ctx context.Context, boardID string) (Board, error) {
	boards, err := s.loadBoards(ctx, boardID)
	if err != nil {
		return Board{}, err
	}
	if len(boards) == 0 {
		return Board{}, fmt.Errorf("board %s: %w", boardID, ErrNotFound)
	}
	return boards[0], nil
}

func (s pgQueries) ListBoards(ctx context.Context) ([]Board, error) {
	return s.loadBoards(ctx, "")
}

// loadBoards reads one board, or every board when boardID is empty.
func (s pgQueries) loadBoards(ctx context.Context, boardID string) ([]Board, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, title, identifier_types, COALESCE(forward_owner_type, ''), COALESCE(forward_owner_id, ''), finalizer, created_at
		FROM boards
		WHERE ($1 = '' OR id = $1)
		ORDER BY created_at ASC, id ASC
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()

	items := make([]Board, 0)
	index := make(map[string]int)
	for rows.Next() {
		var item Board
		var typesRaw []byte
		var forwardType, forwardID string
		if err := rows.Scan(&item.ID, &item.Title, &typesRaw, &forwardType, &forwardID, &item.Finalizer, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		if err := json.Unmarshal(typesRaw, &item.IdentifierTypes); err != nil {
			return nil, fmt.Errorf("decode board %s identifier types: %w", item.ID, err)
		}
		if forwardType != "" && forwardID != "" {
			item.Forward = &Owner{Kind: OwnerKind(forwardType), ID: forwardID}
		}
		item.Members = []string{}
		item.Decrees = []Decree{}
		index[item.ID] = len(items)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate boards: %w", err)
	}
	if len(items) == 0 {
		return items, nil
	}

	memberRows, err := s.q.QueryContext(ctx, `
		SELECT board_id, user_id
		FROM board_members
		WHERE ($1 = '' OR board_id = $1)
		ORDER BY board_id ASC, position ASC
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list board members: %w", err)
	}
	defer memberRows.Close()
	for memberRows.Next() {
		var owner, userID string
		if err := memberRows.Scan(&owner, &userID); err != nil {
			return nil, fmt.Errorf("scan board member: %w", err)
		}
		if i, ok := index[owner]; ok {
			items[i].Members = append(items[i].Members, userID)
		}
	}
	if err := memberRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate board members: %w", err)
	}

	decreeRows, err := s.q.QueryContext(ctx, `
		SELECT id, board_id, action, tally_method, trigger, choices, route
		FROM decrees
		WHERE ($1 = '' OR board_id = $1)
		ORDER BY board_id ASC, position ASC
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list decrees: %w", err)
	}
	defer decreeRows.Close()
	for decreeRows.Next() {
		var decree Decree
		var method, route string
		var choicesRaw []byte
		if err := decreeRows.Scan(&decree.ID, &decree.BoardID, &decree.Action, &method, &decree.Trigger, &choicesRaw, &route); err != nil {
			return nil, fmt.Errorf("scan decree: %w", err)
		}
		if err := json.Unmarshal(choicesRaw, &decree.Choices); err != nil {
			return nil, fmt.Errorf("decode decree %s choices: %w", decree.ID, err)
		}
		decree.Method = TallyMethod(method)
		decree.Route = Route(route)
		if i, ok := index[decree.BoardID]; ok {
			items[i].Decrees = append(items[i].Decrees, decree)
		}
	}
	if err := decreeRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decrees: %w", err)
	}
	return items, nil
}

func (s pgQueries) GetPublication(ctx context.Context, publicationID string) (Publication, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+publicationColumns+` FROM publications WHERE id=$1`, publicationID)
	item, err := scanPublication(row)
	if err != nil {
		return Publication{}, notFound("publication", publicationID, err)
	}
	return item, nil
}

func (s pgQueries) ListChildren(ctx context.Context, parentID string) ([]Publication, error) {
	return s.listPublications(ctx, `SELECT `+publicationColumns+` FROM publications WHERE parent_id=$1 ORDER BY seq ASC`, parentID)
}

func (s pgQueries) ListPublicationsByOwner(ctx context.Context, owner Owner) ([]Publication, error) {
	return s.listPublications(ctx, `SELECT `+publicationColumns+` FROM publications WHERE owner_type=$1 AND owner_id=$2 ORDER BY seq ASC`, string(owner.Kind), owner.ID)
}

func (s pgQueries) listPublications(ctx context.Context, query string, args ...any) ([]Publication, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list publications: %w", err)
	}
	defer rows.Close()

	items := make([]Publication, 0)
	for rows.Next() {
		item, err := scanPublication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan publication: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate publications: %w", err)
	}
	return items, nil
}

func (s pgQueries) GetIdentifier(ctx context.Context, identifierID string) (Identifier, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+identifierColumns+` FROM identifiers WHERE id=$1`, identifierID)
	item, err := scanIdentifier(row)
	if err != nil {
		return Identifier{}, notFound("identifier", identifierID, err)
	}
	return item, nil
}

func (s pgQueries) ListIdentifiers(ctx context.Context, publicationID string) ([]Identifier, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+identifierColumns+` FROM identifiers WHERE publication_id=$1 ORDER BY seq ASC`, publicationID)
	if err != nil {
		return nil, fmt.Errorf("list identifiers: %w", err)
	}
	defer rows.Close()

	items := make([]Identifier, 0)
	for rows.Next() {
		item, err := scanIdentifier(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identifier: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identifiers: %w", err)
	}
	return items, nil
}

func (s pgQueries) ListCopies(ctx context.Context, originIDs []string) ([]Identifier, error) {
	if len(originIDs) == 0 {
		return []Identifier{}, nil
	}
	rows, err := s.q.QueryContext(ctx, `SELECT `+identifierColumns+` FROM identifiers WHERE origin_id = ANY($1) ORDER BY seq ASC`, originIDs)
	if err != nil {
		return nil, fmt.Errorf("list copies: %w", err)
	}
	defer rows.Close()

	items := make([]Identifier, 0)
	for rows.Next() {
		item, err := scanIdentifier(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identifier: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate copies: %w", err)
	}
	return items, nil
}

func (s pgQueries) ListVotes(ctx context.Context, publicationID string) ([]Vote, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, publication_id, identifier_id, user_id, choice, created_at
		FROM votes
		WHERE publication_id=$1
		ORDER BY created_at ASC, user_id ASC
	`, publicationID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	items := make([]Vote, 0)
	for rows.Next() {
		var item Vote
		if err := rows.Scan(&item.ID, &item.PublicationID, &item.IdentifierID, &item.UserID, &item.Choice, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate votes: %w", err)
	}
	return items, nil
}

func (s pgQueries) ListComments(ctx context.Context, identifierIDs []string) ([]Comment, error) {
	if len(identifierIDs) == 0 {
		return []Comment{}, nil
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, revision_id, user_id, identifier_id, publication_id, comment, reason, created_at
		FROM comments
		WHERE identifier_id = ANY($1)
		ORDER BY id ASC
	`, identifierIDs)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.RevisionID, &item.UserID, &item.IdentifierID, &item.PublicationID, &item.Text, &item.Reason, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

type pgTx struct {
	pgQueries
}

func (t *pgTx) LockPublication(ctx context.Context, publicationID string) (Publication, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+publicationColumns+` FROM publications WHERE id=$1 FOR UPDATE`, publicationID)
	item, err := scanPublication(row)
	if err != nil {
		return Publication{}, notFound("publication", publicationID, err)
	}
	return item, nil
}

func (t *pgTx) TryLockPublication(ctx context.Context, publicationID string) (Publication, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+publicationColumns+` FROM publications WHERE id=$1 FOR UPDATE NOWAIT`, publicationID)
	item, err := scanPublication(row)
	if err != nil {
		if mapped := mapPgError(err); errors.Is(mapped, ErrLocked) {
			return Publication{}, mapped
		}
		return Publication{}, notFound("publication", publicationID, err)
	}
	return item, nil
}

func (t *pgTx) InsertUser(ctx context.Context, user User) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO users (id, name, email) VALUES ($1, $2, $3)`, user.ID, user.Name, user.Email)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteUser(ctx context.Context, userID string) error {
	result, err := t.q.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return requireAffected(result, "user", userID)
}

func (t *pgTx) UpsertBoard(ctx context.Context, board Board) error {
	types, err := json.Marshal(nonNilStrings(board.IdentifierTypes))
	if err != nil {
		return fmt.Errorf("marshal identifier types: %w", err)
	}
	var forwardType, forwardID any
	if board.Forward != nil {
		forwardType, forwardID = string(board.Forward.Kind), board.Forward.ID
	}
	if _, err := t.q.ExecContext(ctx, `
		INSERT INTO boards (id, title, identifier_types, forward_owner_type, forward_owner_id, finalizer)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			title=EXCLUDED.title,
			identifier_types=EXCLUDED.identifier_types,
			forward_owner_type=EXCLUDED.forward_owner_type,
			forward_owner_id=EXCLUDED.forward_owner_id,
			finalizer=EXCLUDED.finalizer
	`, board.ID, board.Title, string(types), forwardType, forwardID, board.Finalizer); err != nil {
		return fmt.Errorf("upsert board: %w", err)
	}

	if _, err := t.q.ExecContext(ctx, `DELETE FROM decrees WHERE board_id=$1`, board.ID); err != nil {
		return fmt.Errorf("reset decrees: %w", err)
	}
	for position, decree := range board.Decrees {
		choices, err := json.Marshal(nonNilStrings(decree.Choices))
		if err != nil {
			return fmt.Errorf("marshal decree choices: %w", err)
		}
		if _, err := t.q.ExecContext(ctx, `
			INSERT INTO decrees (id, board_id, position, action, tally_method, trigger, choices, route)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
		`, decree.ID, board.ID, position, decree.Action, string(decree.Method), decree.Trigger, string(choices), string(decree.Route)); err != nil {
			return fmt.Errorf("insert decree %s: %w", decree.Action, err)
		}
	}

	if _, err := t.q.ExecContext(ctx, `DELETE FROM board_members WHERE board_id=$1`, board.ID); err != nil {
		return fmt.Errorf("reset board members: %w", err)
	}
	for position, userID := range board.Members {
		if _, err := t.q.ExecContext(ctx, `
			INSERT INTO board_members (board_id, user_id, position)
			VALUES ($1, $2, $3)
			ON CONFLICT (board_id, user_id) DO NOTHING
		`, board.ID, userID, position); err != nil {
			return fmt.Errorf("insert board member: %w", err)
		}
	}
	return nil
}

func (t *pgTx) AddBoardMember(ctx context.Context, boardID, userID string) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO board_members (board_id, user_id, position)
		SELECT $1, $2, COALESCE(MAX(position) + 1, 0) FROM board_members WHERE board_id=$1
		ON CONFLICT (board_id, user_id) DO NOTHING
	`, boardID, userID)
	if err != nil {
		if mapped := mapPgError(err); errors.Is(mapped, ErrNotFound) {
			return fmt.Errorf("board %s: %w", boardID, ErrNotFound)
		}
		return fmt.Errorf("add board member: %w", err)
	}
	return nil
}

func (t *pgTx) RemoveBoardMember(ctx context.Context, boardID, userID string) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM board_members WHERE board_id=$1 AND user_id=$2`, boardID, userID); err != nil {
		return fmt.Errorf("remove board member: %w", err)
	}
	return nil
}

func (t *pgTx) RemoveUserMemberships(ctx context.Context, userID string) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM board_members WHERE user_id=$1`, userID); err != nil {
		return fmt.Errorf("remove user memberships: %w", err)
	}
	return nil
}

func (t *pgTx) InsertPublication(ctx context.Context, publication Publication) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO publications (id, title, owner_type, owner_id, creator_id, status, parent_id, resolution)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, publication.ID, publication.Title, string(publication.Owner.Kind), publication.Owner.ID, publication.CreatorID,
		string(publication.Status), publication.ParentID, publication.Resolution)
	if err != nil {
		return fmt.Errorf("insert publication: %w", mapPgError(err))
	}
	return nil
}

func (t *pgTx) UpdatePublication(ctx context.Context, publication Publication) (Publication, error) {
	row := t.q.QueryRowContext(ctx, `
		UPDATE publications
		SET title=$3, status=$4, resolution=$5, resolved_at=$6, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING `+publicationColumns,
		publication.ID, publication.Version, publication.Title, string(publication.Status), publication.Resolution, publication.ResolvedAt)
	updated, err := scanPublication(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Publication{}, fmt.Errorf("update publication: %w", mapPgError(err))
	}
	if _, getErr := t.GetPublication(ctx, publication.ID); getErr != nil {
		return Publication{}, getErr
	}
	return Publication{}, ErrVersionConflict
}

func (t *pgTx) DeletePublication(ctx context.Context, publicationID string) error {
	result, err := t.q.ExecContext(ctx, `DELETE FROM publications WHERE id=$1`, publicationID)
	if err != nil {
		return fmt.Errorf("delete publication: %w", err)
	}
	return requireAffected(result, "publication", publicationID)
}

func (t *pgTx) InsertIdentifier(ctx context.Context, identifier Identifier) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO identifiers (id, publication_id, type, name, content, revision_id, origin_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, identifier.ID, identifier.PublicationID, identifier.Type, identifier.Name, identifier.Content, identifier.RevisionID, identifier.OriginID)
	if err != nil {
		return fmt.Errorf("insert identifier: %w", mapPgError(err))
	}
	return nil
}

func (t *pgTx) UpdateIdentifier(ctx context.Context, identifier Identifier) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE identifiers
		SET name=$2, content=$3, revision_id=$4, updated_at=NOW()
		WHERE id=$1
	`, identifier.ID, identifier.Name, identifier.Content, identifier.RevisionID)
	if err != nil {
		return fmt.Errorf("update identifier: %w", err)
	}
	return requireAffected(result, "identifier", identifier.ID)
}

func (t *pgTx) UpsertVote(ctx context.Context, vote Vote) (Vote, error) {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO votes (id, publication_id, identifier_id, user_id, choice)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (publication_id, user_id)
		DO UPDATE SET id=EXCLUDED.id, identifier_id=EXCLUDED.identifier_id, choice=EXCLUDED.choice, created_at=NOW()
		RETURNING created_at
	`, vote.ID, vote.PublicationID, vote.IdentifierID, vote.UserID, vote.Choice).Scan(&vote.CreatedAt)
	if err != nil {
		return Vote{}, fmt.Errorf("upsert vote: %w", mapPgError(err))
	}
	return vote, nil
}

func (t *pgTx) InsertComment(ctx context.Context, comment Comment) (Comment, error) {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO comments (revision_id, user_id, identifier_id, publication_id, comment, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, comment.RevisionID, comment.UserID, comment.IdentifierID, comment.PublicationID, comment.Text, comment.Reason).
		Scan(&comment.ID, &comment.CreatedAt)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return comment, nil
}

func requireAffected(result sql.Result, kind, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", kind, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// mapPgError translates the Postgres conditions the engine reacts to into
// store errors and leaves everything else untouched.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		if pgErr.ConstraintName == activeChildIndex {
			return fmt.Errorf("%w: %s", ErrDuplicateBranch, pgErr.Message)
		}
	case pgLockNotAvailable:
		return fmt.Errorf("%w: %s", ErrLocked, pgErr.Message)
	case pgForeignKeyViolation:
		return fmt.Errorf("%w: %s", ErrNotFound, pgErr.Message)
	}
	return err
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
