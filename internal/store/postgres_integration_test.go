package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set; skipping postgres integration test")
	}
	return url
}

func openMigratedStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"), log); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func TestPostgresStoreEnforcesOneActiveChildPerOwner(t *testing.T) {
	s := openMigratedStore(t)
	ctx := context.Background()
	root := uniqueID("pub")
	owner := BoardOwner(uniqueID("board"))

	if err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertPublication(ctx, Publication{ID: root, Title: "Root", Owner: UserOwner("u1"), CreatorID: "u1", Status: StatusEditing}); err != nil {
			return err
		}
		return tx.InsertPublication(ctx, Publication{ID: root + "_a", Title: "Root", Owner: owner, CreatorID: "u1", Status: StatusReviewing, ParentID: &root})
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := s.InTx(ctx, func(tx Tx) error {
		return tx.InsertPublication(ctx, Publication{ID: root + "_b", Title: "Root", Owner: owner, CreatorID: "u1", Status: StatusReviewing, ParentID: &root})
	})
	if !errors.Is(err, ErrDuplicateBranch) {
		t.Fatalf("expected ErrDuplicateBranch, got %v", err)
	}
}

func TestPostgresStoreTryLockFailsFast(t *testing.T) {
	s := openMigratedStore(t)
	ctx := context.Background()
	id := uniqueID("pub")
	if err := s.InTx(ctx, func(tx Tx) error {
		return tx.InsertPublication(ctx, Publication{ID: id, Title: "Locked", Owner: UserOwner("u1"), CreatorID: "u1", Status: StatusEditing})
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.InTx(ctx, func(tx Tx) error {
			if _, err := tx.LockPublication(ctx, id); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := s.InTx(ctx, func(tx Tx) error {
		_, err := tx.TryLockPublication(ctx, id)
		return err
	})
	close(release)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("holder tx: %v", err)
	}
}

func TestPostgresStoreCommentsAreImmutable(t *testing.T) {
	s := openMigratedStore(t)
	ctx := context.Background()
	identifierID := uniqueID("ident")

	var comment Comment
	if err := s.InTx(ctx, func(tx Tx) error {
		var err error
		comment, err = tx.InsertComment(ctx, Comment{RevisionID: "deadbeef", UserID: "u1", IdentifierID: identifierID, PublicationID: "p", Text: "first", Reason: "commit"})
		return err
	}); err != nil {
		t.Fatalf("insert comment: %v", err)
	}

	_, err := s.DB().ExecContext(ctx, `UPDATE comments SET comment='changed' WHERE id=$1`, comment.ID)
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.SQLState() != "55000" {
		t.Fatalf("expected SQLSTATE 55000, got %v", err)
	}

	comments, err := s.ListComments(ctx, []string{identifierID})
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	if len(comments) != 1 || comments[0].Text != "first" {
		t.Fatalf("unexpected comments %+v", comments)
	}
}

func TestPostgresStoreBoardRoundTrip(t *testing.T) {
	s := openMigratedStore(t)
	ctx := context.Background()
	boardID := uniqueID("board")
	board := Board{
		ID:              boardID,
		Title:           "Editorial",
		Members:         []string{"u1", "u2"},
		IdentifierTypes: []string{"article"},
		Decrees: []Decree{
			{ID: boardID + "_approve", Action: "approve", Method: TallyPercent, Trigger: 50, Choices: []string{"yes"}, Route: RouteForward},
		},
		Finalizer: "u1",
	}
	if err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.UpsertBoard(ctx, board); err != nil {
			return err
		}
		return tx.AddBoardMember(ctx, boardID, "u3")
	}); err != nil {
		t.Fatalf("upsert board: %v", err)
	}

	got, err := s.GetBoard(ctx, boardID)
	if err != nil {
		t.Fatalf("get board: %v", err)
	}
	if len(got.Members) != 3 || got.Members[2] != "u3" {
		t.Fatalf("unexpected members %v", got.Members)
	}
	if len(got.Decrees) != 1 || got.Decrees[0].Trigger != 50 || !got.Decrees[0].Accepts("yes") {
		t.Fatalf("unexpected decrees %+v", got.Decrees)
	}
	if got.Forward != nil {
		t.Fatalf("expected no forward owner, got %+v", got.Forward)
	}
}
