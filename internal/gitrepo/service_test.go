package gitrepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"editorial/api/internal/store"
)

func TestOwnerRepoLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	owner := store.UserOwner("u1")

	if err := svc.EnsureOwnerRepo(owner, "u1"); err != nil {
		t.Fatalf("EnsureOwnerRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "users", "u1", ".git")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}
	// Second call is a no-op.
	if err := svc.EnsureOwnerRepo(owner, "u1"); err != nil {
		t.Fatalf("EnsureOwnerRepo() second call error = %v", err)
	}

	branch := BranchName("pub_1")
	file := IdentifierPath("article", "ident_1")
	first, err := svc.Commit(owner, branch, file, "<doc>one</doc>\n", "u1", "First draft")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if len(first.Hash) != 40 {
		t.Fatalf("expected full hash, got %q", first.Hash)
	}
	second, err := svc.Commit(owner, branch, file, "<doc>two</doc>\n", "u1", "Second draft")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	content, err := svc.ContentAt(owner, first.Hash, file)
	if err != nil {
		t.Fatalf("ContentAt() error = %v", err)
	}
	if content != "<doc>one</doc>\n" {
		t.Fatalf("unexpected content at first revision: %q", content)
	}

	head, err := svc.HeadRevision(owner, branch)
	if err != nil {
		t.Fatalf("HeadRevision() error = %v", err)
	}
	if head.Hash != second.Hash {
		t.Fatalf("expected head %s, got %s", second.Hash, head.Hash)
	}

	history, err := svc.History(owner, branch, file, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Hash != second.Hash || history[1].Hash != first.Hash {
		t.Fatalf("unexpected file history %+v", history)
	}

	if err := svc.DeleteOwnerRepo(owner); err != nil {
		t.Fatalf("DeleteOwnerRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "users", "u1")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected repo to be removed, stat err = %v", err)
	}
	if _, err := svc.HeadRevision(owner, branch); !errors.Is(err, ErrRepoNotFound) {
		t.Fatalf("expected ErrRepoNotFound, got %v", err)
	}
}

func TestCommitUnchangedContentReturnsHead(t *testing.T) {
	svc := New(t.TempDir())
	owner := store.BoardOwner("b1")
	if err := svc.EnsureOwnerRepo(owner, "editorial"); err != nil {
		t.Fatalf("EnsureOwnerRepo() error = %v", err)
	}

	branch := BranchName("pub_1")
	file := IdentifierPath("article", "ident_1")
	first, err := svc.Commit(owner, branch, file, "<doc/>", "u1", "Draft")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	again, err := svc.Commit(owner, branch, file, "<doc/>", "u1", "Draft again")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if again.Hash != first.Hash {
		t.Fatalf("expected unchanged content to keep head %s, got %s", first.Hash, again.Hash)
	}
}

func TestBranchesAreIsolated(t *testing.T) {
	svc := New(t.TempDir())
	owner := store.BoardOwner("b1")
	if err := svc.EnsureOwnerRepo(owner, "editorial"); err != nil {
		t.Fatalf("EnsureOwnerRepo() error = %v", err)
	}

	fileA := IdentifierPath("article", "a")
	fileB := IdentifierPath("article", "b")
	commitA, err := svc.Commit(owner, BranchName("pub_a"), fileA, "<a/>", "u1", "A")
	if err != nil {
		t.Fatalf("Commit(a) error = %v", err)
	}
	commitB, err := svc.Commit(owner, BranchName("pub_b"), fileB, "<b/>", "u1", "B")
	if err != nil {
		t.Fatalf("Commit(b) error = %v", err)
	}

	if _, err := svc.ContentAt(owner, commitB.Hash, fileA); err == nil {
		t.Fatal("expected pub_b branch not to contain pub_a's file")
	}
	if _, err := svc.ContentAt(owner, commitA.Hash, fileB); err == nil {
		t.Fatal("expected pub_a branch not to contain pub_b's file")
	}

	history, err := svc.History(owner, BranchName("pub_b"), "", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	// pub_b commit plus the repository baseline.
	if len(history) != 2 {
		t.Fatalf("expected 2 commits on pub_b, got %d", len(history))
	}
	if !strings.HasPrefix(history[1].Message, "Create repository for board:b1") {
		t.Fatalf("expected baseline commit last, got %q", history[1].Message)
	}
}

func TestHistoryUnknownBranch(t *testing.T) {
	svc := New(t.TempDir())
	owner := store.UserOwner("u1")
	if err := svc.EnsureOwnerRepo(owner, "u1"); err != nil {
		t.Fatalf("EnsureOwnerRepo() error = %v", err)
	}
	if _, err := svc.History(owner, BranchName("missing"), "", 10); !errors.Is(err, ErrBranchNotFound) {
		t.Fatalf("expected ErrBranchNotFound, got %v", err)
	}
}

func TestCommitRejectsEscapingPaths(t *testing.T) {
	svc := New(t.TempDir())
	owner := store.UserOwner("u1")
	if err := svc.EnsureOwnerRepo(owner, "u1"); err != nil {
		t.Fatalf("EnsureOwnerRepo() error = %v", err)
	}
	for _, bad := range []string{"../outside.xml", "/abs.xml", ".git/config", ".repository", ""} {
		if _, err := svc.Commit(owner, BranchName("pub_1"), bad, "<x/>", "u1", "bad"); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("path %q: expected ErrInvalidPath, got %v", bad, err)
		}
	}
}

func TestRepoPathByOwnerKind(t *testing.T) {
	svc := New("/repos")
	if got := svc.RepoPath(store.UserOwner("u1")); got != "users/u1" {
		t.Fatalf("unexpected user repo path %q", got)
	}
	if got := svc.RepoPath(store.BoardOwner("b1")); got != "boards/b1" {
		t.Fatalf("unexpected board repo path %q", got)
	}
}

func TestConcurrentCommitsSameFile(t *testing.T) {
	svc := New(t.TempDir())
	owner := store.UserOwner("u1")
	if err := svc.EnsureOwnerRepo(owner, "u1"); err != nil {
		t.Fatalf("EnsureOwnerRepo() error = %v", err)
	}
	branch := BranchName("pub_1")
	file := IdentifierPath("article", "ident_1")

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			content := fmt.Sprintf("<doc>%02d</doc>", idx)
			if _, err := svc.Commit(owner, branch, file, content, "u1", fmt.Sprintf("Commit %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("Commit() concurrent error = %v", err)
		}
	}

	history, err := svc.History(owner, branch, file, 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers {
		t.Fatalf("expected %d commits touching the file, got %d", writers, len(history))
	}
	head, err := svc.HeadRevision(owner, branch)
	if err != nil {
		t.Fatalf("HeadRevision() error = %v", err)
	}
	content, err := svc.ContentAt(owner, head.Hash, file)
	if err != nil {
		t.Fatalf("ContentAt() error = %v", err)
	}
	if !strings.HasPrefix(content, "<doc>") {
		t.Fatalf("unexpected head content %q", content)
	}
}
