package boards

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"editorial/api/internal/store"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

const sampleBoards = `
boards:
  - id: meta
    title: Metadata Board
    identifier_types: [hgv_meta]
    members: [u1, u2, u3]
    forward: text
    decrees:
      - action: approve
        tally_method: percent
        trigger: 50
        choices: "yes, accept"
      - action: reject
        tally_method: count
        trigger: 1
        choices: [no]
  - id: text
    identifier_types: [ddb_text]
    members: [u4]
    finalizer: u4
    decrees:
      - action: approve
        tally_method: count
        trigger: 1
        choices: [yes]
        route: close
`

func TestLoadParsesBoards(t *testing.T) {
	boards, err := Load(strings.NewReader(sampleBoards))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(boards) != 2 {
		t.Fatalf("expected 2 boards, got %d", len(boards))
	}

	meta := boards[0]
	if meta.Forward == nil || *meta.Forward != store.BoardOwner("text") {
		t.Fatalf("unexpected forward %+v", meta.Forward)
	}
	if len(meta.Decrees) != 2 {
		t.Fatalf("expected 2 decrees, got %d", len(meta.Decrees))
	}
	approve := meta.Decrees[0]
	if approve.ID != "meta:approve" || approve.BoardID != "meta" || approve.Route != store.RouteForward {
		t.Fatalf("unexpected approve decree %+v", approve)
	}
	if !approve.Accepts("yes") || !approve.Accepts("accept") {
		t.Fatalf("expected string choices to be split, got %v", approve.Choices)
	}
	if meta.Decrees[1].Route != store.RouteReturn {
		t.Fatalf("expected reject to default to return route, got %s", meta.Decrees[1].Route)
	}

	text := boards[1]
	if text.Title != "text" {
		t.Fatalf("expected title to default to id, got %q", text.Title)
	}
	if text.Decrees[0].Route != store.RouteClose {
		t.Fatalf("expected explicit route to be kept, got %s", text.Decrees[0].Route)
	}
	if text.Finalizer != "u4" {
		t.Fatalf("unexpected finalizer %q", text.Finalizer)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(strings.NewReader("boards:\n  - id: b1\n    quorum: 3\n"))
	if err == nil || !strings.Contains(err.Error(), "quorum") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestLoadRejectsInvalidBoards(t *testing.T) {
	cases := map[string]string{
		"percent over 100": "boards:\n  - id: b1\n    decrees:\n      - {action: approve, tally_method: percent, trigger: 120, choices: yes}\n",
		"duplicate member": "boards:\n  - id: b1\n    members: [u1, u1]\n",
		"duplicate board":  "boards:\n  - id: b1\n  - id: b1\n",
		"unknown forward":  "boards:\n  - id: b1\n    forward: nowhere\n",
		"self forward":     "boards:\n  - id: b1\n    forward: b1\n",
		"no choices":       "boards:\n  - id: b1\n    decrees:\n      - {action: approve, tally_method: count, trigger: 1}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(strings.NewReader(doc)); !errors.Is(err, ErrInvalidBoard) {
				t.Fatalf("expected ErrInvalidBoard, got %v", err)
			}
		})
	}
}

func TestLoadFileShippedConfig(t *testing.T) {
	boards, err := LoadFile(filepath.Join("..", "..", "config", "boards.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(boards) == 0 {
		t.Fatal("expected shipped boards")
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestEligible(t *testing.T) {
	boards, err := Load(strings.NewReader(sampleBoards))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	boards = append(boards, store.Board{ID: "idle", IdentifierTypes: []string{"hgv_meta"}})

	got := Eligible(boards, []string{"hgv_meta"})
	if len(got) != 1 || got[0].ID != "meta" {
		t.Fatalf("expected only meta, got %+v", got)
	}
	got = Eligible(boards, []string{"hgv_meta", "ddb_text"})
	if len(got) != 2 {
		t.Fatalf("expected both decreed boards, got %d", len(got))
	}
	if len(Eligible(boards, []string{"unknown"})) != 0 {
		t.Fatal("expected no boards for unknown type")
	}
}

func TestIsMember(t *testing.T) {
	board := store.Board{ID: "b1", Members: []string{"u1", "u2"}}
	if !IsMember(board, "u2") || IsMember(board, "u3") {
		t.Fatal("unexpected membership result")
	}
}

func TestRegistrySeedAndMembership(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	log, hook := test.NewNullLogger()
	registry := NewRegistry(st, log)

	boards, err := Load(strings.NewReader(sampleBoards))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := registry.Seed(ctx, boards); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Message != "boards seeded" || entry.Level != logrus.InfoLevel {
		t.Fatalf("expected seed log entry, got %+v", entry)
	}

	listed, err := registry.List(ctx)
	if err != nil || len(listed) != 2 {
		t.Fatalf("List() = %d boards, err %v", len(listed), err)
	}

	if _, err := registry.AddMember(ctx, "meta", "u9"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected unknown user to be rejected, got %v", err)
	}
	if err := st.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertUser(ctx, store.User{ID: "u9", Name: "nine"})
	}); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	for i := 0; i < 2; i++ {
		board, err := registry.AddMember(ctx, "meta", "u9")
		if err != nil {
			t.Fatalf("AddMember() error = %v", err)
		}
		if len(board.Members) != 4 {
			t.Fatalf("expected idempotent add to leave 4 members, got %v", board.Members)
		}
	}

	board, err := registry.RemoveMember(ctx, "meta", "u1")
	if err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	if IsMember(board, "u1") {
		t.Fatal("expected u1 to be removed")
	}
	if _, err := registry.RemoveMember(ctx, "missing", "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistrySyncKeepsStoredMembers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	log, hook := test.NewNullLogger()
	registry := NewRegistry(st, log)

	boards, err := Load(strings.NewReader(sampleBoards))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := registry.Seed(ctx, boards); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if err := st.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertUser(ctx, store.User{ID: "u9", Name: "nine"})
	}); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if _, err := registry.AddMember(ctx, "meta", "u9"); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if _, err := registry.RemoveMember(ctx, "meta", "u1"); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}

	reloaded, err := Load(strings.NewReader(sampleBoards))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	reloaded[0].Title = "Metadata Board (revised)"
	reloaded = append(reloaded, store.Board{
		ID:              "dclp",
		Members:         []string{"u5"},
		IdentifierTypes: []string{"dclp_meta"},
		Decrees:         []store.Decree{{ID: "dclp:approve", Action: "approve", Method: store.TallyCount, Trigger: 1, Choices: []string{"yes"}, Route: store.RouteForward}},
	})
	if err := registry.Sync(ctx, reloaded); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Message != "boards synced" || entry.Data["created"] != 1 {
		t.Fatalf("expected sync log entry, got %+v", entry)
	}

	meta, err := registry.Get(ctx, "meta")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if meta.Title != "Metadata Board (revised)" {
		t.Fatalf("expected file title to apply, got %q", meta.Title)
	}
	if IsMember(meta, "u1") || !IsMember(meta, "u9") || len(meta.Members) != 3 {
		t.Fatalf("stored membership not kept: %v", meta.Members)
	}
	dclp, err := registry.Get(ctx, "dclp")
	if err != nil || !IsMember(dclp, "u5") {
		t.Fatalf("new board not created from file: %+v (%v)", dclp, err)
	}

	// The explicit seed still replaces members.
	if err := registry.Seed(ctx, reloaded[:1]); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	meta, _ = registry.Get(ctx, "meta")
	if !IsMember(meta, "u1") || IsMember(meta, "u9") {
		t.Fatalf("seed should replace members, got %v", meta.Members)
	}
}
