package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"editorial/api/internal/boards"
	"editorial/api/internal/commentlog"
	"editorial/api/internal/gitrepo"
	"editorial/api/internal/guard"
	"editorial/api/internal/rbac"
	"editorial/api/internal/store"
	"editorial/api/internal/util"

	"github.com/sirupsen/logrus"
)

// Submit branches the publication to every eligible board that does not
// already hold an active copy and returns the revision the submission was
// made against. That is the revision recorded on the newest identifier, not
// the branch head: a commit whose transaction rolled back stays on the
// branch but was never recorded.
func (s *Service) Submit(ctx context.Context, publicationID, userID, comment string) (string, error) {
	release, err := s.guard.Acquire(ctx, "submit:"+publicationID)
	if errors.Is(err, guard.ErrHeld) {
		return "", branchInProgress(publicationID)
	}
	if err != nil {
		return "", fmt.Errorf("acquire submit guard: %w", err)
	}
	defer release()

	pub, err := s.store.GetPublication(ctx, publicationID)
	if err != nil {
		return "", err
	}
	if err := checkSubmittable(pub, userID); err != nil {
		return "", err
	}
	idents, err := s.store.ListIdentifiers(ctx, pub.ID)
	if err != nil {
		return "", err
	}
	if len(idents) == 0 {
		return "", validationError("publication %s has no identifiers to submit", pub.ID)
	}
	types := make([]string, 0, len(idents))
	for _, ident := range idents {
		if strings.TrimSpace(ident.Content) == "" {
			return "", validationError("identifier %s has no content", ident.ID)
		}
		types = append(types, ident.Type)
	}
	allBoards, err := s.store.ListBoards(ctx)
	if err != nil {
		return "", err
	}
	eligible := boards.Eligible(allBoards, types)
	if len(eligible) == 0 {
		return "", validationError("no board reviews identifier types %s", strings.Join(types, ", "))
	}

	var revision string
	var created []store.Publication
	var submitted store.Publication
	var recorded store.Comment
	var hasComment bool
	err = s.inTx(ctx, func(tx store.Tx) error {
		locked, err := tx.TryLockPublication(ctx, pub.ID)
		if err != nil {
			if errors.Is(err, store.ErrLocked) {
				return branchInProgress(pub.ID)
			}
			return err
		}
		if err := checkSubmittable(locked, userID); err != nil {
			return err
		}
		current, err := tx.ListIdentifiers(ctx, locked.ID)
		if err != nil {
			return err
		}
		children, err := tx.ListChildren(ctx, locked.ID)
		if err != nil {
			return err
		}
		for _, board := range eligible {
			target := store.BoardOwner(board.ID)
			if _, ok := store.ActiveChild(children, target); ok {
				continue
			}
			relevant := make([]store.Identifier, 0, len(current))
			for _, ident := range current {
				if boards.Accepts(board, ident.Type) {
					relevant = append(relevant, ident)
				}
			}
			child, err := s.copyInto(ctx, tx, locked, relevant, target, store.StatusReviewing, userID)
			if err != nil {
				return err
			}
			created = append(created, child)
		}

		submitted = locked
		if locked.Status != store.StatusSubmitted {
			locked.Status = store.StatusSubmitted
			if submitted, err = tx.UpdatePublication(ctx, locked); err != nil {
				return err
			}
		}
		revision = recordedRevision(current)
		recorded, hasComment, err = commentlog.Record(ctx, tx, commentlog.Entry{
			Text:          comment,
			RevisionID:    revision,
			UserID:        userID,
			IdentifierID:  current[0].ID,
			PublicationID: locked.ID,
			Reason:        commentlog.ReasonSubmit,
		})
		return err
	})
	if err != nil {
		return "", err
	}

	s.search.IndexPublication(submitted)
	for _, child := range created {
		s.search.IndexPublication(child)
		s.log.WithFields(logrus.Fields{"publication_id": pub.ID, "branch_id": child.ID, "owner": child.Owner.String()}).Info("publication branched")
	}
	if hasComment {
		s.search.IndexComment(recorded)
	}
	logger := s.log.WithFields(logrus.Fields{"publication_id": pub.ID, "revision": revision})
	if head, err := s.git.HeadRevision(pub.Owner, gitrepo.BranchName(pub.ID)); err == nil && head.Hash != revision {
		logger.WithField("head", head.Hash).Warn("branch head is ahead of the recorded revision")
	}
	logger.WithField("branches", len(created)).Info("publication submitted")
	return revision, nil
}

// recordedRevision is the revision of the most recently saved identifier.
func recordedRevision(idents []store.Identifier) string {
	latest := idents[0]
	for _, ident := range idents[1:] {
		if !ident.UpdatedAt.Before(latest.UpdatedAt) {
			latest = ident
		}
	}
	return latest.RevisionID
}

func checkSubmittable(pub store.Publication, userID string) error {
	return authorize(pub, rbac.RoleOf(pub, userID, nil), rbac.ActionSubmit)
}

// Branch copies every identifier of a publication to a new child owned by
// target. Boards receive a reviewing copy, users a finalizing one.
func (s *Service) Branch(ctx context.Context, publicationID string, target store.Owner, actorID string) (store.Publication, error) {
	if target.IsZero() {
		return store.Publication{}, validationError("branch target is required")
	}
	status := store.StatusFinalizing
	if target.Kind == store.OwnerBoard {
		status = store.StatusReviewing
	}

	source, err := s.store.GetPublication(ctx, publicationID)
	if err != nil {
		return store.Publication{}, err
	}
	root, err := rootOf(ctx, s.store, source)
	if err != nil {
		return store.Publication{}, err
	}

	var child store.Publication
	err = s.inTx(ctx, func(tx store.Tx) error {
		if err := checkOwnerExists(ctx, tx, target); err != nil {
			return err
		}
		locked, err := lockChain(ctx, tx, root.ID, source.ID)
		if err != nil {
			return err
		}
		if locked.Status.Terminal() {
			return validationError("publication %s is %s", locked.ID, locked.Status)
		}
		idents, err := tx.ListIdentifiers(ctx, locked.ID)
		if err != nil {
			return err
		}
		child, err = s.copyInto(ctx, tx, locked, idents, target, status, actorID)
		return err
	})
	if err != nil {
		return store.Publication{}, err
	}
	s.search.IndexPublication(child)
	s.log.WithFields(logrus.Fields{"publication_id": source.ID, "branch_id": child.ID, "owner": target.String()}).Info("publication branched")
	return child, nil
}

func checkOwnerExists(ctx context.Context, reader store.Reader, owner store.Owner) error {
	switch owner.Kind {
	case store.OwnerUser:
		_, err := reader.GetUser(ctx, owner.ID)
		return err
	case store.OwnerBoard:
		_, err := reader.GetBoard(ctx, owner.ID)
		return err
	}
	return validationError("unknown owner kind %q", owner.Kind)
}

// copyInto creates the child publication for target and commits a copy of
// each identifier into the target's repository on the child's branch. The
// caller holds the lock on source.
func (s *Service) copyInto(ctx context.Context, tx store.Tx, source store.Publication, idents []store.Identifier, target store.Owner, status store.PublicationStatus, actorID string) (store.Publication, error) {
	children, err := tx.ListChildren(ctx, source.ID)
	if err != nil {
		return store.Publication{}, err
	}
	if _, ok := store.ActiveChild(children, target); ok {
		return store.Publication{}, branchExists(source.ID, target.String())
	}
	if err := s.git.EnsureOwnerRepo(target, actorID); err != nil {
		return store.Publication{}, revisionStoreError("ensure target repository", err)
	}

	parentID := source.ID
	child := store.Publication{
		ID:        util.NewID("pub"),
		Title:     source.Title,
		Owner:     target,
		CreatorID: source.CreatorID,
		Status:    status,
		ParentID:  &parentID,
	}
	if err := tx.InsertPublication(ctx, child); err != nil {
		if errors.Is(err, store.ErrDuplicateBranch) {
			return store.Publication{}, branchExists(source.ID, target.String())
		}
		return store.Publication{}, err
	}

	branchName := gitrepo.BranchName(child.ID)
	for _, ident := range idents {
		originID := ident.ID
		copied := store.Identifier{
			ID:            util.NewID("ident"),
			PublicationID: child.ID,
			Type:          ident.Type,
			Name:          ident.Name,
			Content:       ident.Content,
			OriginID:      &originID,
		}
		commit, err := s.git.Commit(target, branchName, gitrepo.IdentifierPath(copied.Type, copied.ID), copied.Content, actorID,
			fmt.Sprintf("Copy %s from %s", ident.Name, source.ID))
		if err != nil {
			return store.Publication{}, revisionStoreError("commit copy", err)
		}
		copied.RevisionID = commit.Hash
		if err := tx.InsertIdentifier(ctx, copied); err != nil {
			return store.Publication{}, err
		}
	}
	return tx.GetPublication(ctx, child.ID)
}

// MergeBack copies a branch's content onto the identifiers it came from in
// the root publication and reopens the root for editing.
func (s *Service) MergeBack(ctx context.Context, branchID, actorID string) (store.Publication, error) {
	branch, err := s.store.GetPublication(ctx, branchID)
	if err != nil {
		return store.Publication{}, err
	}
	if branch.ParentID == nil {
		return store.Publication{}, validationError("publication %s is not a branch", branch.ID)
	}
	root, err := rootOf(ctx, s.store, branch)
	if err != nil {
		return store.Publication{}, err
	}

	var merged store.Publication
	err = s.inTx(ctx, func(tx store.Tx) error {
		if _, err := lockChain(ctx, tx, root.ID, branch.ID); err != nil {
			return err
		}
		merged, err = s.mergeBack(ctx, tx, branch.ID, root.ID, actorID, store.StatusEditing)
		return err
	})
	if err != nil {
		return store.Publication{}, err
	}
	s.search.IndexPublication(merged)
	s.log.WithFields(logrus.Fields{"publication_id": root.ID, "branch_id": branch.ID}).Info("branch merged back")
	return merged, nil
}

// mergeBack runs with the root and branch already locked. The root ends up
// in status.
func (s *Service) mergeBack(ctx context.Context, tx store.Tx, branchID, rootID, actorID string, status store.PublicationStatus) (store.Publication, error) {
	root, err := tx.GetPublication(ctx, rootID)
	if err != nil {
		return store.Publication{}, err
	}
	if root.Status.Terminal() {
		return store.Publication{}, validationError("publication %s is %s", root.ID, root.Status)
	}
	idents, err := tx.ListIdentifiers(ctx, branchID)
	if err != nil {
		return store.Publication{}, err
	}
	for _, ident := range idents {
		target, ok, err := originIn(ctx, tx, ident, rootID)
		if err != nil {
			return store.Publication{}, err
		}
		if !ok {
			continue
		}
		commit, err := s.git.Commit(root.Owner, gitrepo.BranchName(root.ID), gitrepo.IdentifierPath(target.Type, target.ID), ident.Content, actorID,
			fmt.Sprintf("Merge %s back from %s", target.Name, branchID))
		if err != nil {
			return store.Publication{}, revisionStoreError("commit merge", err)
		}
		target.Content = ident.Content
		target.RevisionID = commit.Hash
		if err := tx.UpdateIdentifier(ctx, target); err != nil {
			return store.Publication{}, err
		}
	}
	if root.Status == status {
		return root, nil
	}
	root.Status = status
	return tx.UpdatePublication(ctx, root)
}

// originIn follows an identifier's origin links until it reaches the copy
// held by publicationID.
func originIn(ctx context.Context, reader store.Reader, ident store.Identifier, publicationID string) (store.Identifier, bool, error) {
	current := ident
	for depth := 0; current.OriginID != nil; depth++ {
		if depth > 64 {
			return store.Identifier{}, false, fmt.Errorf("identifier %s: origin chain too deep", ident.ID)
		}
		origin, err := reader.GetIdentifier(ctx, *current.OriginID)
		if errors.Is(err, store.ErrNotFound) {
			return store.Identifier{}, false, nil
		}
		if err != nil {
			return store.Identifier{}, false, err
		}
		if origin.PublicationID == publicationID {
			return origin, true, nil
		}
		current = origin
	}
	return store.Identifier{}, false, nil
}
