package boards

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"editorial/api/internal/store"
	"editorial/api/internal/tally"

	"gopkg.in/yaml.v3"
)

// FileSpec models the boards seed file.
type FileSpec struct {
	Boards []BoardSpec `yaml:"boards"`
}

type BoardSpec struct {
	ID              string       `yaml:"id"`
	Title           string       `yaml:"title"`
	IdentifierTypes []string     `yaml:"identifier_types"`
	Members         []string     `yaml:"members"`
	Forward         string       `yaml:"forward,omitempty"`
	Finalizer       string       `yaml:"finalizer,omitempty"`
	Decrees         []DecreeSpec `yaml:"decrees"`
}

type DecreeSpec struct {
	Action  string     `yaml:"action"`
	Method  string     `yaml:"tally_method"`
	Trigger float64    `yaml:"trigger"`
	Choices ChoiceList `yaml:"choices"`
	Route   string     `yaml:"route,omitempty"`
}

// ChoiceList accepts either a YAML sequence or a single "yes, accept" string.
type ChoiceList []string

func (c *ChoiceList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*c = tally.ParseChoices(node.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*c = tally.ParseChoices(strings.Join(items, ","))
		return nil
	default:
		return fmt.Errorf("line %d: choices must be a string or a list", node.Line)
	}
}

func LoadFile(path string) ([]store.Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read boards file: %w", err)
	}
	boards, err := Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return boards, nil
}

// Load decodes a boards file, rejecting unknown keys, and validates every
// board. Forward references must name a board in the same file.
func Load(r io.Reader) ([]store.Board, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var spec FileSpec
	if err := decoder.Decode(&spec); err != nil {
		if errors.Is(err, io.EOF) {
			return []store.Board{}, nil
		}
		return nil, fmt.Errorf("decode boards: %w", err)
	}

	boards := make([]store.Board, 0, len(spec.Boards))
	seen := make(map[string]struct{}, len(spec.Boards))
	for _, item := range spec.Boards {
		board := item.toBoard()
		if err := Validate(board); err != nil {
			return nil, err
		}
		if _, dup := seen[board.ID]; dup {
			return nil, fmt.Errorf("%w: board %s defined twice", ErrInvalidBoard, board.ID)
		}
		seen[board.ID] = struct{}{}
		boards = append(boards, board)
	}
	for _, board := range boards {
		if board.Forward == nil {
			continue
		}
		if _, ok := seen[board.Forward.ID]; !ok {
			return nil, fmt.Errorf("%w: board %s forwards to unknown board %s", ErrInvalidBoard, board.ID, board.Forward.ID)
		}
	}
	return boards, nil
}

func (b BoardSpec) toBoard() store.Board {
	board := store.Board{
		ID:              strings.TrimSpace(b.ID),
		Title:           strings.TrimSpace(b.Title),
		Members:         append([]string{}, b.Members...),
		IdentifierTypes: append([]string{}, b.IdentifierTypes...),
		Finalizer:       strings.TrimSpace(b.Finalizer),
		Decrees:         make([]store.Decree, 0, len(b.Decrees)),
	}
	if board.Title == "" {
		board.Title = board.ID
	}
	if forward := strings.TrimSpace(b.Forward); forward != "" {
		owner := store.BoardOwner(forward)
		board.Forward = &owner
	}
	for _, d := range b.Decrees {
		decree := tally.Normalize(store.Decree{
			BoardID: board.ID,
			Action:  d.Action,
			Method:  store.TallyMethod(strings.ToLower(strings.TrimSpace(d.Method))),
			Trigger: d.Trigger,
			Choices: []string(d.Choices),
			Route:   store.Route(strings.ToLower(strings.TrimSpace(d.Route))),
		})
		decree.ID = board.ID + ":" + decree.Action
		board.Decrees = append(board.Decrees, decree)
	}
	return board
}
