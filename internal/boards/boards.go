// Package boards owns review board definitions: loading them from the seed
// file, validating them, and deciding which boards a submission reaches.
package boards

import (
	"context"
	"errors"
	"fmt"

	"editorial/api/internal/store"
	"editorial/api/internal/tally"

	"github.com/sirupsen/logrus"
)

var ErrInvalidBoard = errors.New("invalid board")

func Validate(board store.Board) error {
	if board.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidBoard)
	}
	members := make(map[string]struct{}, len(board.Members))
	for _, userID := range board.Members {
		if userID == "" {
			return fmt.Errorf("%w: board %s has an empty member id", ErrInvalidBoard, board.ID)
		}
		if _, dup := members[userID]; dup {
			return fmt.Errorf("%w: board %s lists member %s twice", ErrInvalidBoard, board.ID, userID)
		}
		members[userID] = struct{}{}
	}
	actions := make(map[string]struct{}, len(board.Decrees))
	for _, decree := range board.Decrees {
		if err := tally.ValidateDecree(decree); err != nil {
			return fmt.Errorf("%w: board %s: %v", ErrInvalidBoard, board.ID, err)
		}
		if _, dup := actions[decree.Action]; dup {
			return fmt.Errorf("%w: board %s has two %s decrees", ErrInvalidBoard, board.ID, decree.Action)
		}
		actions[decree.Action] = struct{}{}
	}
	if board.Forward != nil {
		if board.Forward.Kind != store.OwnerBoard || board.Forward.ID == "" {
			return fmt.Errorf("%w: board %s forward must name a board", ErrInvalidBoard, board.ID)
		}
		if board.Forward.ID == board.ID {
			return fmt.Errorf("%w: board %s forwards to itself", ErrInvalidBoard, board.ID)
		}
	}
	return nil
}

// Accepts reports whether the board reviews identifiers of the given type.
func Accepts(board store.Board, identifierType string) bool {
	for _, item := range board.IdentifierTypes {
		if item == identifierType {
			return true
		}
	}
	return false
}

// Eligible returns the boards that can receive a submission containing the
// given identifier types: at least one decree and at least one matching type.
func Eligible(boards []store.Board, identifierTypes []string) []store.Board {
	out := make([]store.Board, 0, len(boards))
	for _, board := range boards {
		if len(board.Decrees) == 0 {
			continue
		}
		for _, identifierType := range identifierTypes {
			if Accepts(board, identifierType) {
				out = append(out, board)
				break
			}
		}
	}
	return out
}

func IsMember(board store.Board, userID string) bool {
	for _, member := range board.Members {
		if member == userID {
			return true
		}
	}
	return false
}

// Registry reads and changes boards through the store.
type Registry struct {
	store store.Store
	log   logrus.FieldLogger
}

func NewRegistry(st store.Store, log logrus.FieldLogger) *Registry {
	return &Registry{store: st, log: log}
}

// Seed writes the given boards in one transaction, replacing decrees and
// members of boards that already exist.
func (r *Registry) Seed(ctx context.Context, boards []store.Board) error {
	for _, board := range boards {
		if err := Validate(board); err != nil {
			return err
		}
	}
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		for _, board := range boards {
			if err := tx.UpsertBoard(ctx, board); err != nil {
				return fmt.Errorf("seed board %s: %w", board.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.log.WithField("boards", len(boards)).Info("boards seeded")
	return nil
}

// Sync applies a board file on startup. New boards are created as given;
// boards that already exist take the file's title, decrees and routing but
// keep their stored members, which are managed through AddMember and
// RemoveMember.
func (r *Registry) Sync(ctx context.Context, boards []store.Board) error {
	for _, board := range boards {
		if err := Validate(board); err != nil {
			return err
		}
	}
	created := 0
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		for _, board := range boards {
			existing, err := tx.GetBoard(ctx, board.ID)
			switch {
			case err == nil:
				board.Members = append([]string(nil), existing.Members...)
			case errors.Is(err, store.ErrNotFound):
				created++
			default:
				return fmt.Errorf("sync board %s: %w", board.ID, err)
			}
			if err := tx.UpsertBoard(ctx, board); err != nil {
				return fmt.Errorf("sync board %s: %w", board.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{"boards": len(boards), "created": created}).Info("boards synced")
	return nil
}

func (r *Registry) List(ctx context.Context) ([]store.Board, error) {
	return r.store.ListBoards(ctx)
}

func (r *Registry) Get(ctx context.Context, boardID string) (store.Board, error) {
	return r.store.GetBoard(ctx, boardID)
}

// AddMember is idempotent. The new member's vote counts toward tallies
// evaluated after this call.
func (r *Registry) AddMember(ctx context.Context, boardID, userID string) (store.Board, error) {
	if userID == "" {
		return store.Board{}, fmt.Errorf("%w: member id is required", ErrInvalidBoard)
	}
	var board store.Board
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		if err := tx.AddBoardMember(ctx, boardID, userID); err != nil {
			return err
		}
		var err error
		board, err = tx.GetBoard(ctx, boardID)
		return err
	})
	if err != nil {
		return store.Board{}, err
	}
	r.log.WithFields(logrus.Fields{"board_id": boardID, "user_id": userID}).Info("board member added")
	return board, nil
}

// RemoveMember drops a member. Votes already cast stay recorded but stop
// counting toward later evaluations.
func (r *Registry) RemoveMember(ctx context.Context, boardID, userID string) (store.Board, error) {
	var board store.Board
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetBoard(ctx, boardID); err != nil {
			return err
		}
		if err := tx.RemoveBoardMember(ctx, boardID, userID); err != nil {
			return err
		}
		var err error
		board, err = tx.GetBoard(ctx, boardID)
		return err
	})
	if err != nil {
		return store.Board{}, err
	}
	r.log.WithFields(logrus.Fields{"board_id": boardID, "user_id": userID}).Info("board member removed")
	return board, nil
}
