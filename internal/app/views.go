package app

import (
	"time"

	"editorial/api/internal/store"
	"editorial/api/internal/tally"
)

type userJSON struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type decreeJSON struct {
	ID      string   `json:"id"`
	Action  string   `json:"action"`
	Method  string   `json:"tallyMethod"`
	Trigger float64  `json:"trigger"`
	Choices []string `json:"choices"`
	Route   string   `json:"route"`
}

type boardJSON struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	Members         []string     `json:"members"`
	IdentifierTypes []string     `json:"identifierTypes"`
	Decrees         []decreeJSON `json:"decrees"`
	Forward         string       `json:"forward,omitempty"`
	Finalizer       string       `json:"finalizer,omitempty"`
}

type publicationJSON struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Owner      string     `json:"owner"`
	CreatorID  string     `json:"creatorId"`
	Status     string     `json:"status"`
	ParentID   *string    `json:"parentId"`
	Resolution string     `json:"resolution,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	Version    int        `json:"version"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

type identifierJSON struct {
	ID            string    `json:"id"`
	PublicationID string    `json:"publicationId"`
	Type          string    `json:"type"`
	Name          string    `json:"name"`
	Content       string    `json:"content"`
	RevisionID    string    `json:"revisionId"`
	OriginID      *string   `json:"originId"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type voteJSON struct {
	ID           string    `json:"id"`
	IdentifierID string    `json:"identifierId"`
	UserID       string    `json:"userId"`
	Choice       string    `json:"choice"`
	CreatedAt    time.Time `json:"createdAt"`
}

type commentJSON struct {
	ID            int64     `json:"id"`
	RevisionID    string    `json:"revisionId"`
	UserID        string    `json:"userId"`
	IdentifierID  string    `json:"identifierId"`
	PublicationID string    `json:"publicationId"`
	Text          string    `json:"comment"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"createdAt"`
}

type decisionJSON struct {
	Action    string `json:"action"`
	Satisfied bool   `json:"satisfied"`
	Matching  int    `json:"matching"`
	Members   int    `json:"members"`
}

func userView(user store.User) userJSON {
	return userJSON{ID: user.ID, Name: user.Name, Email: user.Email, CreatedAt: user.CreatedAt}
}

func boardView(board store.Board) boardJSON {
	out := boardJSON{
		ID:              board.ID,
		Title:           board.Title,
		Members:         append([]string{}, board.Members...),
		IdentifierTypes: append([]string{}, board.IdentifierTypes...),
		Decrees:         make([]decreeJSON, 0, len(board.Decrees)),
		Finalizer:       board.Finalizer,
	}
	if board.Forward != nil {
		out.Forward = board.Forward.ID
	}
	for _, decree := range board.Decrees {
		out.Decrees = append(out.Decrees, decreeJSON{
			ID:      decree.ID,
			Action:  decree.Action,
			Method:  string(decree.Method),
			Trigger: decree.Trigger,
			Choices: append([]string{}, decree.Choices...),
			Route:   string(decree.Route),
		})
	}
	return out
}

func publicationView(pub store.Publication) publicationJSON {
	return publicationJSON{
		ID:         pub.ID,
		Title:      pub.Title,
		Owner:      pub.Owner.String(),
		CreatorID:  pub.CreatorID,
		Status:     string(pub.Status),
		ParentID:   pub.ParentID,
		Resolution: pub.Resolution,
		ResolvedAt: pub.ResolvedAt,
		Version:    pub.Version,
		CreatedAt:  pub.CreatedAt,
		UpdatedAt:  pub.UpdatedAt,
	}
}

func identifierView(ident store.Identifier) identifierJSON {
	return identifierJSON{
		ID:            ident.ID,
		PublicationID: ident.PublicationID,
		Type:          ident.Type,
		Name:          ident.Name,
		Content:       ident.Content,
		RevisionID:    ident.RevisionID,
		OriginID:      ident.OriginID,
		UpdatedAt:     ident.UpdatedAt,
	}
}

func voteView(vote store.Vote) voteJSON {
	return voteJSON{
		ID:           vote.ID,
		IdentifierID: vote.IdentifierID,
		UserID:       vote.UserID,
		Choice:       vote.Choice,
		CreatedAt:    vote.CreatedAt,
	}
}

func commentView(comment store.Comment) commentJSON {
	return commentJSON{
		ID:            comment.ID,
		RevisionID:    comment.RevisionID,
		UserID:        comment.UserID,
		IdentifierID:  comment.IdentifierID,
		PublicationID: comment.PublicationID,
		Text:          comment.Text,
		Reason:        comment.Reason,
		CreatedAt:     comment.CreatedAt,
	}
}

func decisionView(decision tally.Decision) decisionJSON {
	return decisionJSON{
		Action:    decision.Action,
		Satisfied: decision.Satisfied,
		Matching:  decision.Matching,
		Members:   decision.Members,
	}
}
