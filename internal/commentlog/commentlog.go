// Package commentlog records free-text annotations against revisions of an
// identifier. Entries are append-only.
package commentlog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"editorial/api/internal/store"
)

// PendingRevision may stand in for a revision id that is not known yet.
// Record accepts it like any other id.
const PendingRevision = "pending"

const (
	ReasonCommit   = "commit"
	ReasonSubmit   = "submit"
	ReasonVote     = "vote"
	ReasonFinalize = "finalize"
	ReasonGeneral  = "general"
)

// Appender is the write side of the store the log needs.
type Appender interface {
	InsertComment(ctx context.Context, comment store.Comment) (store.Comment, error)
}

// Lister is the read side of the store the log needs.
type Lister interface {
	GetIdentifier(ctx context.Context, identifierID string) (store.Identifier, error)
	ListCopies(ctx context.Context, originIDs []string) ([]store.Identifier, error)
	ListComments(ctx context.Context, identifierIDs []string) ([]store.Comment, error)
}

type Entry struct {
	Text          string
	RevisionID    string
	UserID        string
	IdentifierID  string
	PublicationID string
	Reason        string
}

// Record appends one comment. Blank text records nothing and reports false.
// The revision id is stored as given.
func Record(ctx context.Context, appender Appender, entry Entry) (store.Comment, bool, error) {
	text := strings.TrimSpace(entry.Text)
	if text == "" {
		return store.Comment{}, false, nil
	}
	reason := entry.Reason
	if reason == "" {
		reason = ReasonGeneral
	}
	comment, err := appender.InsertComment(ctx, store.Comment{
		RevisionID:    entry.RevisionID,
		UserID:        entry.UserID,
		IdentifierID:  entry.IdentifierID,
		PublicationID: entry.PublicationID,
		Text:          text,
		Reason:        reason,
	})
	if err != nil {
		return store.Comment{}, false, fmt.Errorf("record comment: %w", err)
	}
	return comment, true, nil
}

// List returns the comments made anywhere in an identifier's copy family,
// oldest first: on the identifier, on every identifier it was copied from,
// and on every copy made from the first of those. Board comments on a review
// copy are therefore visible from the submitter's identifier and the reverse.
func List(ctx context.Context, lister Lister, identifierID string) ([]store.Comment, error) {
	chain, err := OriginChain(ctx, lister, identifierID)
	if err != nil {
		return nil, err
	}
	family, err := Copies(ctx, lister, chain[len(chain)-1].ID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(family))
	for _, item := range family {
		ids = append(ids, item.ID)
	}
	comments, err := lister.ListComments(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return comments, nil
}

// OriginChain walks OriginID links starting at identifierID. The first element
// is the identifier itself. Origins deleted since the copy end the walk.
func OriginChain(ctx context.Context, lister Lister, identifierID string) ([]store.Identifier, error) {
	first, err := lister.GetIdentifier(ctx, identifierID)
	if err != nil {
		return nil, err
	}
	chain := []store.Identifier{first}
	seen := map[string]struct{}{first.ID: {}}
	current := first
	for current.OriginID != nil {
		if _, loop := seen[*current.OriginID]; loop {
			break
		}
		next, err := lister.GetIdentifier(ctx, *current.OriginID)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("origin of %s: %w", current.ID, err)
		}
		seen[next.ID] = struct{}{}
		chain = append(chain, next)
		current = next
	}
	return chain, nil
}

// Copies returns identifierID and every identifier copied from it, directly
// or through other copies, level by level.
func Copies(ctx context.Context, lister Lister, identifierID string) ([]store.Identifier, error) {
	first, err := lister.GetIdentifier(ctx, identifierID)
	if err != nil {
		return nil, err
	}
	out := []store.Identifier{first}
	seen := map[string]struct{}{first.ID: {}}
	frontier := []string{first.ID}
	for len(frontier) > 0 {
		copies, err := lister.ListCopies(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("copies of %s: %w", identifierID, err)
		}
		frontier = frontier[:0]
		for _, item := range copies {
			if _, dup := seen[item.ID]; dup {
				continue
			}
			seen[item.ID] = struct{}{}
			out = append(out, item)
			frontier = append(frontier, item.ID)
		}
	}
	return out, nil
}
