package commentlog

import (
	"context"
	"errors"
	"testing"

	"editorial/api/internal/store"
)

type fakeAppender struct {
	inserted []store.Comment
	err      error
}

func (f *fakeAppender) InsertComment(_ context.Context, comment store.Comment) (store.Comment, error) {
	if f.err != nil {
		return store.Comment{}, f.err
	}
	comment.ID = int64(len(f.inserted) + 1)
	f.inserted = append(f.inserted, comment)
	return comment, nil
}

func TestRecordSkipsBlankText(t *testing.T) {
	appender := &fakeAppender{}
	for _, text := range []string{"", "   ", "\n\t"} {
		_, recorded, err := Record(context.Background(), appender, Entry{Text: text, RevisionID: "abc"})
		if err != nil || recorded {
			t.Fatalf("text %q: recorded=%v err=%v", text, recorded, err)
		}
	}
	if len(appender.inserted) != 0 {
		t.Fatalf("expected nothing inserted, got %d", len(appender.inserted))
	}
}

func TestRecordStoresRevisionAsGiven(t *testing.T) {
	appender := &fakeAppender{}
	comment, recorded, err := Record(context.Background(), appender, Entry{
		Text:         "  looks good  ",
		RevisionID:   PendingRevision,
		UserID:       "u1",
		IdentifierID: "id_1",
	})
	if err != nil || !recorded {
		t.Fatalf("Record() recorded=%v err=%v", recorded, err)
	}
	if comment.RevisionID != PendingRevision || comment.Text != "looks good" || comment.Reason != ReasonGeneral {
		t.Fatalf("unexpected comment %+v", comment)
	}
}

func TestRecordWrapsStoreErrors(t *testing.T) {
	boom := errors.New("boom")
	_, recorded, err := Record(context.Background(), &fakeAppender{err: boom}, Entry{Text: "x", Reason: ReasonCommit})
	if !errors.Is(err, boom) || recorded {
		t.Fatalf("expected wrapped boom, got recorded=%v err=%v", recorded, err)
	}
}

func TestListIncludesOriginComments(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	root, branch := "pub_root", "pub_branch"
	origin := "id_root"
	err := st.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertPublication(ctx, store.Publication{ID: root, Owner: store.UserOwner("u1"), Status: store.StatusSubmitted}); err != nil {
			return err
		}
		if err := tx.InsertPublication(ctx, store.Publication{ID: branch, Owner: store.BoardOwner("b1"), Status: store.StatusReviewing, ParentID: &root}); err != nil {
			return err
		}
		if err := tx.InsertIdentifier(ctx, store.Identifier{ID: origin, PublicationID: root, Type: "hgv_meta"}); err != nil {
			return err
		}
		if err := tx.InsertIdentifier(ctx, store.Identifier{ID: "id_branch", PublicationID: branch, Type: "hgv_meta", OriginID: &origin}); err != nil {
			return err
		}
		if _, _, err := Record(ctx, tx, Entry{Text: "initial edit", RevisionID: "r1", IdentifierID: origin, Reason: ReasonCommit}); err != nil {
			return err
		}
		if _, _, err := Record(ctx, tx, Entry{Text: "board vote", RevisionID: "r2", IdentifierID: "id_branch", Reason: ReasonVote}); err != nil {
			return err
		}
		_, _, err := Record(ctx, tx, Entry{Text: "unrelated", RevisionID: "r3", IdentifierID: "id_other", Reason: ReasonCommit})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	comments, err := List(ctx, st, "id_branch")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(comments) != 2 || comments[0].Text != "initial edit" || comments[1].Text != "board vote" {
		t.Fatalf("unexpected comments %+v", comments)
	}

	fromRoot, err := List(ctx, st, origin)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(fromRoot) != 2 || fromRoot[1].Text != "board vote" {
		t.Fatalf("expected board comments to reach the submitter's identifier, got %+v", fromRoot)
	}
}

func TestListFollowsCopiesOfCopies(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	root, board, final := "id_root", "id_board", "id_final"
	err := st.InTx(ctx, func(tx store.Tx) error {
		for _, id := range []string{"pub_root", "pub_board", "pub_final", "pub_other"} {
			if err := tx.InsertPublication(ctx, store.Publication{ID: id, Owner: store.UserOwner("u1"), Status: store.StatusEditing}); err != nil {
				return err
			}
		}
		for _, ident := range []store.Identifier{
			{ID: root, PublicationID: "pub_root", Type: "hgv_meta"},
			{ID: board, PublicationID: "pub_board", Type: "hgv_meta", OriginID: &root},
			{ID: final, PublicationID: "pub_final", Type: "hgv_meta", OriginID: &board},
			{ID: "id_other_board", PublicationID: "pub_other", Type: "hgv_meta", OriginID: &root},
		} {
			if err := tx.InsertIdentifier(ctx, ident); err != nil {
				return err
			}
		}
		for _, entry := range []Entry{
			{Text: "submitted", IdentifierID: root, Reason: ReasonSubmit},
			{Text: "lacuna in line 3 is wrong", IdentifierID: board, Reason: ReasonVote},
			{Text: "final touches", IdentifierID: final, Reason: ReasonCommit},
			{Text: "second board", IdentifierID: "id_other_board", Reason: ReasonVote},
		} {
			if _, _, err := Record(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	for _, id := range []string{root, board, final} {
		comments, err := List(ctx, st, id)
		if err != nil {
			t.Fatalf("List(%s) error = %v", id, err)
		}
		if len(comments) != 4 {
			t.Fatalf("List(%s) = %d comments, want the whole family", id, len(comments))
		}
	}

	family, err := Copies(ctx, st, board)
	if err != nil {
		t.Fatalf("Copies() error = %v", err)
	}
	if len(family) != 2 || family[0].ID != board || family[1].ID != final {
		t.Fatalf("unexpected copies %+v", family)
	}
}

type failingLister struct {
	*store.MemoryStore
	getIdentifierFn func(string) (store.Identifier, error)
}

func (f failingLister) GetIdentifier(ctx context.Context, identifierID string) (store.Identifier, error) {
	if f.getIdentifierFn != nil {
		return f.getIdentifierFn(identifierID)
	}
	return f.MemoryStore.GetIdentifier(ctx, identifierID)
}

func TestOriginChainReturnsStoreFailures(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	origin := "id_root"
	if err := st.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertPublication(ctx, store.Publication{ID: "pub_branch", Owner: store.BoardOwner("b1"), Status: store.StatusReviewing}); err != nil {
			return err
		}
		return tx.InsertIdentifier(ctx, store.Identifier{ID: "id_branch", PublicationID: "pub_branch", OriginID: &origin})
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	chain, err := OriginChain(ctx, st, "id_branch")
	if err != nil || len(chain) != 1 {
		t.Fatalf("deleted origin should end the chain, got %d (%v)", len(chain), err)
	}

	boom := errors.New("connection reset")
	lister := failingLister{MemoryStore: st, getIdentifierFn: func(id string) (store.Identifier, error) {
		if id == origin {
			return store.Identifier{}, boom
		}
		return st.GetIdentifier(ctx, id)
	}}
	if _, err := OriginChain(ctx, lister, "id_branch"); !errors.Is(err, boom) {
		t.Fatalf("expected store failure to surface, got %v", err)
	}
	if _, err := List(ctx, lister, "id_branch"); !errors.Is(err, boom) {
		t.Fatalf("expected List to surface store failure, got %v", err)
	}
}

func TestListUnknownIdentifier(t *testing.T) {
	if _, err := List(context.Background(), store.NewMemoryStore(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
