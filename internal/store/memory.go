package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. Transactions are serialized and
// roll back by restoring a snapshot, which makes it suitable for tests and
// single-process tools.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

type memData struct {
	users       map[string]User
	boards      map[string]Board
	boardOrder  []string
	pubs        map[string]Publication
	pubOrder    []string
	idents      map[string]Identifier
	identOrder  []string
	votes       map[string]map[string]Vote
	comments    []Comment
	nextComment int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memData{
		users:  make(map[string]User),
		boards: make(map[string]Board),
		pubs:   make(map[string]Publication),
		idents: make(map[string]Identifier),
		votes:  make(map[string]map[string]Vote),
	}}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(&memTx{memData: m.data}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) GetUser(ctx context.Context, userID string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.GetUser(ctx, userID)
}

func (m *MemoryStore) GetBoard(ctx context.Context, boardID string) (Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.GetBoard(ctx, boardID)
}

func (m *MemoryStore) ListBoards(ctx context.Context) ([]Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ListBoards(ctx)
}

func (m *MemoryStore) GetPublication(ctx context.Context, publicationID string) (Publication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.GetPublication(ctx, publicationID)
}

func (m *MemoryStore) ListChildren(ctx context.Context, parentID string) ([]Publication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ListChildren(ctx, parentID)
}

func (m *MemoryStore) ListPublicationsByOwner(ctx context.Context, owner Owner) ([]Publication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ListPublicationsByOwner(ctx, owner)
}

func (m *MemoryStore) GetIdentifier(ctx context.Context, identifierID string) (Identifier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.GetIdentifier(ctx, identifierID)
}

func (m *MemoryStore) ListIdentifiers(ctx context.Context, publicationID string) ([]Identifier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ListIdentifiers(ctx, publicationID)
}

func (m *MemoryStore) ListCopies(ctx context.Context, originIDs []string) ([]Identifier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ListCopies(ctx, originIDs)
}

func (m *MemoryStore) ListVotes(ctx context.Context, publicationID string) ([]Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ListVotes(ctx, publicationID)
}

func (m *MemoryStore) ListComments(ctx context.Context, identifierIDs []string) ([]Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ListComments(ctx, identifierIDs)
}

func (d *memData) clone() *memData {
	next := &memData{
		users:       make(map[string]User, len(d.users)),
		boards:      make(map[string]Board, len(d.boards)),
		boardOrder:  append([]string(nil), d.boardOrder...),
		pubs:        make(map[string]Publication, len(d.pubs)),
		pubOrder:    append([]string(nil), d.pubOrder...),
		idents:      make(map[string]Identifier, len(d.idents)),
		identOrder:  append([]string(nil), d.identOrder...),
		votes:       make(map[string]map[string]Vote, len(d.votes)),
		comments:    append([]Comment(nil), d.comments...),
		nextComment: d.nextComment,
	}
	for k, v := range d.users {
		next.users[k] = v
	}
	for k, v := range d.boards {
		next.boards[k] = v
	}
	for k, v := range d.pubs {
		next.pubs[k] = v
	}
	for k, v := range d.idents {
		next.idents[k] = v
	}
	for pubID, byUser := range d.votes {
		inner := make(map[string]Vote, len(byUser))
		for userID, vote := range byUser {
			inner[userID] = vote
		}
		next.votes[pubID] = inner
	}
	return next
}

func (d *memData) GetUser(_ context.Context, userID string) (User, error) {
	user, ok := d.users[userID]
	if !ok {
		return User{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return user, nil
}

func (d *memData) GetBoard(_ context.Context, boardID string) (Board, error) {
	board, ok := d.boards[boardID]
	if !ok {
		return Board{}, fmt.Errorf("board %s: %w", boardID, ErrNotFound)
	}
	return copyBoard(board), nil
}

func (d *memData) ListBoards(_ context.Context) ([]Board, error) {
	items := make([]Board, 0, len(d.boardOrder))
	for _, id := range d.boardOrder {
		items = append(items, copyBoard(d.boards[id]))
	}
	return items, nil
}

func (d *memData) GetPublication(_ context.Context, publicationID string) (Publication, error) {
	item, ok := d.pubs[publicationID]
	if !ok {
		return Publication{}, fmt.Errorf("publication %s: %w", publicationID, ErrNotFound)
	}
	return item, nil
}

func (d *memData) ListChildren(_ context.Context, parentID string) ([]Publication, error) {
	items := make([]Publication, 0)
	for _, id := range d.pubOrder {
		item := d.pubs[id]
		if item.ParentID != nil && *item.ParentID == parentID {
			items = append(items, item)
		}
	}
	return items, nil
}

func (d *memData) ListPublicationsByOwner(_ context.Context, owner Owner) ([]Publication, error) {
	items := make([]Publication, 0)
	for _, id := range d.pubOrder {
		if item := d.pubs[id]; item.Owner == owner {
			items = append(items, item)
		}
	}
	return items, nil
}

func (d *memData) GetIdentifier(_ context.Context, identifierID string) (Identifier, error) {
	item, ok := d.idents[identifierID]
	if !ok {
		return Identifier{}, fmt.Errorf("identifier %s: %w", identifierID, ErrNotFound)
	}
	return item, nil
}

func (d *memData) ListIdentifiers(_ context.Context, publicationID string) ([]Identifier, error) {
	items := make([]Identifier, 0)
	for _, id := range d.identOrder {
		if item := d.idents[id]; item.PublicationID == publicationID {
			items = append(items, item)
		}
	}
	return items, nil
}

func (d *memData) ListCopies(_ context.Context, originIDs []string) ([]Identifier, error) {
	wanted := make(map[string]struct{}, len(originIDs))
	for _, id := range originIDs {
		wanted[id] = struct{}{}
	}
	items := make([]Identifier, 0)
	for _, id := range d.identOrder {
		item := d.idents[id]
		if item.OriginID == nil {
			continue
		}
		if _, ok := wanted[*item.OriginID]; ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func (d *memData) ListVotes(_ context.Context, publicationID string) ([]Vote, error) {
	items := make([]Vote, 0, len(d.votes[publicationID]))
	for _, vote := range d.votes[publicationID] {
		items = append(items, vote)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].UserID < items[j].UserID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (d *memData) ListComments(_ context.Context, identifierIDs []string) ([]Comment, error) {
	wanted := make(map[string]struct{}, len(identifierIDs))
	for _, id := range identifierIDs {
		wanted[id] = struct{}{}
	}
	items := make([]Comment, 0)
	for _, comment := range d.comments {
		if _, ok := wanted[comment.IdentifierID]; ok {
			items = append(items, comment)
		}
	}
	return items, nil
}

type memTx struct {
	*memData
}

func (t *memTx) LockPublication(ctx context.Context, publicationID string) (Publication, error) {
	return t.GetPublication(ctx, publicationID)
}

func (t *memTx) TryLockPublication(ctx context.Context, publicationID string) (Publication, error) {
	return t.GetPublication(ctx, publicationID)
}

func (t *memTx) InsertUser(_ context.Context, user User) error {
	if _, exists := t.users[user.ID]; exists {
		return fmt.Errorf("insert user %s: already exists", user.ID)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	t.users[user.ID] = user
	return nil
}

func (t *memTx) DeleteUser(_ context.Context, userID string) error {
	if _, ok := t.users[userID]; !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	delete(t.users, userID)
	return nil
}

func (t *memTx) UpsertBoard(_ context.Context, board Board) error {
	board = copyBoard(board)
	board.Members = dedupe(board.Members)
	for i := range board.Decrees {
		board.Decrees[i].BoardID = board.ID
	}
	if existing, ok := t.boards[board.ID]; ok {
		board.CreatedAt = existing.CreatedAt
	} else {
		if board.CreatedAt.IsZero() {
			board.CreatedAt = time.Now().UTC()
		}
		t.boardOrder = append(t.boardOrder, board.ID)
	}
	t.boards[board.ID] = board
	return nil
}

func (t *memTx) AddBoardMember(_ context.Context, boardID, userID string) error {
	board, ok := t.boards[boardID]
	if !ok {
		return fmt.Errorf("board %s: %w", boardID, ErrNotFound)
	}
	board.Members = dedupe(append(append([]string(nil), board.Members...), userID))
	t.boards[boardID] = board
	return nil
}

func (t *memTx) RemoveBoardMember(_ context.Context, boardID, userID string) error {
	board, ok := t.boards[boardID]
	if !ok {
		return fmt.Errorf("board %s: %w", boardID, ErrNotFound)
	}
	board.Members = without(board.Members, userID)
	t.boards[boardID] = board
	return nil
}

func (t *memTx) RemoveUserMemberships(_ context.Context, userID string) error {
	for id, board := range t.boards {
		board.Members = without(board.Members, userID)
		t.boards[id] = board
	}
	return nil
}

func (t *memTx) InsertPublication(_ context.Context, publication Publication) error {
	if _, exists := t.pubs[publication.ID]; exists {
		return fmt.Errorf("insert publication %s: already exists", publication.ID)
	}
	if publication.ParentID != nil && publication.Active() {
		for _, id := range t.pubOrder {
			sibling := t.pubs[id]
			if sibling.ParentID != nil && *sibling.ParentID == *publication.ParentID &&
				sibling.Owner == publication.Owner && sibling.Active() {
				return ErrDuplicateBranch
			}
		}
	}
	now := time.Now().UTC()
	if publication.CreatedAt.IsZero() {
		publication.CreatedAt = now
	}
	publication.UpdatedAt = publication.CreatedAt
	t.pubs[publication.ID] = publication
	t.pubOrder = append(t.pubOrder, publication.ID)
	return nil
}

func (t *memTx) UpdatePublication(_ context.Context, publication Publication) (Publication, error) {
	stored, ok := t.pubs[publication.ID]
	if !ok {
		return Publication{}, fmt.Errorf("publication %s: %w", publication.ID, ErrNotFound)
	}
	if stored.Version != publication.Version {
		return Publication{}, ErrVersionConflict
	}
	stored.Title = publication.Title
	stored.Status = publication.Status
	stored.Resolution = publication.Resolution
	stored.ResolvedAt = publication.ResolvedAt
	stored.Version++
	stored.UpdatedAt = time.Now().UTC()
	t.pubs[publication.ID] = stored
	return stored, nil
}

func (t *memTx) DeletePublication(_ context.Context, publicationID string) error {
	if _, ok := t.pubs[publicationID]; !ok {
		return fmt.Errorf("publication %s: %w", publicationID, ErrNotFound)
	}
	delete(t.pubs, publicationID)
	t.pubOrder = without(t.pubOrder, publicationID)
	for id, item := range t.idents {
		if item.PublicationID == publicationID {
			delete(t.idents, id)
			t.identOrder = without(t.identOrder, id)
		}
	}
	delete(t.votes, publicationID)
	for id, item := range t.pubs {
		if item.ParentID != nil && *item.ParentID == publicationID {
			item.ParentID = nil
			t.pubs[id] = item
		}
	}
	return nil
}

func (t *memTx) InsertIdentifier(_ context.Context, identifier Identifier) error {
	if _, exists := t.idents[identifier.ID]; exists {
		return fmt.Errorf("insert identifier %s: already exists", identifier.ID)
	}
	if _, ok := t.pubs[identifier.PublicationID]; !ok {
		return fmt.Errorf("publication %s: %w", identifier.PublicationID, ErrNotFound)
	}
	now := time.Now().UTC()
	if identifier.CreatedAt.IsZero() {
		identifier.CreatedAt = now
	}
	identifier.UpdatedAt = identifier.CreatedAt
	t.idents[identifier.ID] = identifier
	t.identOrder = append(t.identOrder, identifier.ID)
	return nil
}

func (t *memTx) UpdateIdentifier(_ context.Context, identifier Identifier) error {
	stored, ok := t.idents[identifier.ID]
	if !ok {
		return fmt.Errorf("identifier %s: %w", identifier.ID, ErrNotFound)
	}
	stored.Name = identifier.Name
	stored.Content = identifier.Content
	stored.RevisionID = identifier.RevisionID
	stored.UpdatedAt = time.Now().UTC()
	t.idents[identifier.ID] = stored
	return nil
}

func (t *memTx) UpsertVote(_ context.Context, vote Vote) (Vote, error) {
	if _, ok := t.pubs[vote.PublicationID]; !ok {
		return Vote{}, fmt.Errorf("publication %s: %w", vote.PublicationID, ErrNotFound)
	}
	if vote.CreatedAt.IsZero() {
		vote.CreatedAt = time.Now().UTC()
	}
	byUser := t.votes[vote.PublicationID]
	if byUser == nil {
		byUser = make(map[string]Vote)
		t.votes[vote.PublicationID] = byUser
	}
	byUser[vote.UserID] = vote
	return vote, nil
}

func (t *memTx) InsertComment(_ context.Context, comment Comment) (Comment, error) {
	t.nextComment++
	comment.ID = t.nextComment
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = time.Now().UTC()
	}
	t.comments = append(t.comments, comment)
	return comment, nil
}

func copyBoard(board Board) Board {
	board.Members = append([]string(nil), board.Members...)
	board.IdentifierTypes = append([]string(nil), board.IdentifierTypes...)
	decrees := make([]Decree, len(board.Decrees))
	for i, decree := range board.Decrees {
		decree.Choices = append([]string(nil), decree.Choices...)
		decrees[i] = decree
	}
	board.Decrees = decrees
	if board.Forward != nil {
		forward := *board.Forward
		board.Forward = &forward
	}
	return board
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func without(values []string, drop string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value != drop {
			out = append(out, value)
		}
	}
	return out
}
