// Package tally decides whether a board's decree has been satisfied by the
// votes cast on one of its publications. Everything here is pure: the same
// board, decree and votes always produce the same decision.
package tally

import (
	"errors"
	"fmt"
	"strings"

	"editorial/api/internal/store"
)

var (
	ErrNoMembers     = errors.New("board has no members")
	ErrUnknownDecree = errors.New("board has no decree for action")
	ErrInvalidDecree = errors.New("invalid decree")
)

type Decision struct {
	Action    string
	Satisfied bool
	Matching  int
	Members   int
}

// DefaultRoute maps the conventional action labels onto a route. Unknown
// actions close the review.
func DefaultRoute(action string) store.Route {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "approve", "accept":
		return store.RouteForward
	case "reject", "return":
		return store.RouteReturn
	default:
		return store.RouteClose
	}
}

// Normalize fills derived fields of a decree loaded from configuration.
func Normalize(decree store.Decree) store.Decree {
	decree.Action = strings.TrimSpace(decree.Action)
	if decree.Method == "" {
		decree.Method = store.TallyPercent
	}
	if decree.Route == "" {
		decree.Route = DefaultRoute(decree.Action)
	}
	return decree
}

func ValidateDecree(decree store.Decree) error {
	if strings.TrimSpace(decree.Action) == "" {
		return fmt.Errorf("%w: action is required", ErrInvalidDecree)
	}
	switch decree.Method {
	case store.TallyPercent:
		if decree.Trigger <= 0 || decree.Trigger > 100 {
			return fmt.Errorf("%w: %s percent trigger must be in (0, 100], got %v", ErrInvalidDecree, decree.Action, decree.Trigger)
		}
	case store.TallyCount:
		if decree.Trigger <= 0 {
			return fmt.Errorf("%w: %s count trigger must be positive, got %v", ErrInvalidDecree, decree.Action, decree.Trigger)
		}
	default:
		return fmt.Errorf("%w: %s has unknown tally method %q", ErrInvalidDecree, decree.Action, decree.Method)
	}
	if len(decree.Choices) == 0 {
		return fmt.Errorf("%w: %s needs at least one choice", ErrInvalidDecree, decree.Action)
	}
	switch decree.Route {
	case store.RouteForward, store.RouteReturn, store.RouteClose:
	default:
		return fmt.Errorf("%w: %s has unknown route %q", ErrInvalidDecree, decree.Action, decree.Route)
	}
	return nil
}

// ParseChoices splits a choice list written as "yes, accept" or "yes accept".
func ParseChoices(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if _, ok := seen[field]; ok {
			continue
		}
		seen[field] = struct{}{}
		out = append(out, field)
	}
	return out
}

func Select(board store.Board, action string) (store.Decree, error) {
	for _, decree := range board.Decrees {
		if decree.Action == action {
			return decree, nil
		}
	}
	return store.Decree{}, fmt.Errorf("%w: board %s action %q", ErrUnknownDecree, board.ID, action)
}

// Candidates returns, in board order, the decrees a vote for choice counts toward.
func Candidates(board store.Board, choice string) []store.Decree {
	out := make([]store.Decree, 0, len(board.Decrees))
	for _, decree := range board.Decrees {
		if decree.Accepts(choice) {
			out = append(out, decree)
		}
	}
	return out
}

// Evaluate counts the current members' latest votes whose choice belongs to
// the decree and compares them to its trigger. Membership is taken from board
// as given, so callers pass the board as it stands at evaluation time.
func Evaluate(board store.Board, decree store.Decree, votes []store.Vote) (Decision, error) {
	if err := ValidateDecree(decree); err != nil {
		return Decision{}, err
	}

	members := make(map[string]struct{}, len(board.Members))
	for _, userID := range board.Members {
		members[userID] = struct{}{}
	}
	decision := Decision{Action: decree.Action, Members: len(members)}

	for _, vote := range Latest(votes) {
		if _, ok := members[vote.UserID]; !ok {
			continue
		}
		if decree.Accepts(vote.Choice) {
			decision.Matching++
		}
	}

	switch decree.Method {
	case store.TallyPercent:
		if decision.Members == 0 {
			return decision, fmt.Errorf("board %s: %w", board.ID, ErrNoMembers)
		}
		decision.Satisfied = float64(decision.Matching)*100 >= decree.Trigger*float64(decision.Members)
	case store.TallyCount:
		decision.Satisfied = float64(decision.Matching) >= decree.Trigger
	}
	return decision, nil
}

// Latest keeps one vote per user: the most recent, with later entries winning
// ties.
func Latest(votes []store.Vote) []store.Vote {
	index := make(map[string]int, len(votes))
	out := make([]store.Vote, 0, len(votes))
	for _, vote := range votes {
		if i, ok := index[vote.UserID]; ok {
			if !vote.CreatedAt.Before(out[i].CreatedAt) {
				out[i] = vote
			}
			continue
		}
		index[vote.UserID] = len(out)
		out = append(out, vote)
	}
	return out
}
