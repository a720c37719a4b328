// Package rbac decides who may do what to a publication in which state.
package rbac

import (
	"editorial/api/internal/boards"
	"editorial/api/internal/store"
)

// Role is what a user is to one publication.
type Role string
type Action string

const (
	RoleNone   Role = "none"
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

const (
	ActionEdit          Action = "edit"
	ActionAddIdentifier Action = "add_identifier"
	ActionSubmit        Action = "submit"
	ActionVote          Action = "vote"
	ActionFinalize      Action = "finalize"
)

// RoleOf resolves userID against the publication's owner. board is the
// owning board for board-held publications and is ignored otherwise.
func RoleOf(pub store.Publication, userID string, board *store.Board) Role {
	if userID == "" {
		return RoleNone
	}
	switch pub.Owner.Kind {
	case store.OwnerUser:
		if pub.Owner.ID == userID {
			return RoleOwner
		}
	case store.OwnerBoard:
		if board != nil && board.ID == pub.Owner.ID && boards.IsMember(*board, userID) {
			return RoleMember
		}
	}
	return RoleNone
}

// Allowed reports whether role may ever perform action.
func Allowed(role Role, action Action) bool {
	return len(statuses(role, action)) > 0
}

// Can reports whether role may perform action while the publication is in
// status.
func Can(role Role, action Action, status store.PublicationStatus) bool {
	for _, item := range statuses(role, action) {
		if item == status {
			return true
		}
	}
	return false
}

func statuses(role Role, action Action) []store.PublicationStatus {
	switch role {
	case RoleOwner:
		switch action {
		case ActionEdit:
			return []store.PublicationStatus{store.StatusNew, store.StatusEditing, store.StatusFinalizing}
		case ActionAddIdentifier:
			return []store.PublicationStatus{store.StatusNew, store.StatusEditing}
		case ActionSubmit:
			return []store.PublicationStatus{store.StatusNew, store.StatusEditing, store.StatusSubmitted}
		case ActionFinalize:
			return []store.PublicationStatus{store.StatusFinalizing}
		}
	case RoleMember:
		switch action {
		case ActionEdit, ActionVote:
			return []store.PublicationStatus{store.StatusReviewing}
		}
	}
	return nil
}
