package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateBranch is returned when a publication already has an active
	// child for the same owner.
	ErrDuplicateBranch = errors.New("active branch already exists for owner")
	// ErrLocked is returned by TryLockPublication when another transaction holds the row.
	ErrLocked = errors.New("publication is locked")
	// ErrVersionConflict is returned when an update was computed from a stale row.
	ErrVersionConflict = errors.New("publication version conflict")
)

type Reader interface {
	GetUser(ctx context.Context, userID string) (User, error)
	GetBoard(ctx context.Context, boardID string) (Board, error)
	ListBoards(ctx context.Context) ([]Board, error)
	GetPublication(ctx context.Context, publicationID string) (Publication, error)
	ListChildren(ctx context.Context, parentID string) ([]Publication, error)
	ListPublicationsByOwner(ctx context.Context, owner Owner) ([]Publication, error)
	GetIdentifier(ctx context.Context, identifierID string) (Identifier, error)
	ListIdentifiers(ctx context.Context, publicationID string) ([]Identifier, error)
	// ListCopies returns the identifiers whose OriginID is one of originIDs.
	ListCopies(ctx context.Context, originIDs []string) ([]Identifier, error)
	ListVotes(ctx context.Context, publicationID string) ([]Vote, error)
	ListComments(ctx context.Context, identifierIDs []string) ([]Comment, error)
}

// Tx is a unit of work. Everything written through a Tx commits or rolls
// back together.
type Tx interface {
	Reader
	LockPublication(ctx context.Context, publicationID string) (Publication, error)
	TryLockPublication(ctx context.Context, publicationID string) (Publication, error)

	InsertUser(ctx context.Context, user User) error
	DeleteUser(ctx context.Context, userID string) error

	UpsertBoard(ctx context.Context, board Board) error
	AddBoardMember(ctx context.Context, boardID, userID string) error
	RemoveBoardMember(ctx context.Context, boardID, userID string) error
	RemoveUserMemberships(ctx context.Context, userID string) error

	InsertPublication(ctx context.Context, publication Publication) error
	// UpdatePublication writes status/resolution and bumps Version. It fails
	// with ErrVersionConflict if the stored version differs from publication.Version.
	UpdatePublication(ctx context.Context, publication Publication) (Publication, error)
	DeletePublication(ctx context.Context, publicationID string) error

	InsertIdentifier(ctx context.Context, identifier Identifier) error
	UpdateIdentifier(ctx context.Context, identifier Identifier) error

	UpsertVote(ctx context.Context, vote Vote) (Vote, error)

	InsertComment(ctx context.Context, comment Comment) (Comment, error)
}

type Store interface {
	Reader
	InTx(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
}

// ActiveChild returns the active child of parent held by owner, if any.
func ActiveChild(children []Publication, owner Owner) (Publication, bool) {
	for _, child := range children {
		if child.Owner == owner && child.Active() {
			return child, true
		}
	}
	return Publication{}, false
}
