package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"editorial/api/internal/archive"
	"editorial/api/internal/boards"
	"editorial/api/internal/commentlog"
	"editorial/api/internal/rbac"
	"editorial/api/internal/store"
	"editorial/api/internal/tally"
	"editorial/api/internal/util"

	"github.com/sirupsen/logrus"
)

type VoteInput struct {
	PublicationID string
	IdentifierID  string
	UserID        string
	Choice        string
	Comment       string
}

// VoteResult is the state after a vote. Decision is set only when the vote
// satisfied a decree; Created is the copy a forward route produced.
type VoteResult struct {
	Vote        store.Vote
	Publication store.Publication
	Decision    *tally.Decision
	Created     *store.Publication
}

// outcome is what a resolution changed.
type outcome struct {
	Branch  store.Publication
	Root    store.Publication
	Created *store.Publication
	Closed  []store.Publication
}

// CastVote records a member's vote on a board copy and resolves the copy if
// the vote satisfies one of the board's decrees. The vote, the evaluation and
// any copy it triggers commit together.
func (s *Service) CastVote(ctx context.Context, in VoteInput) (VoteResult, error) {
	in.Choice = strings.TrimSpace(in.Choice)
	if in.Choice == "" {
		return VoteResult{}, validationError("vote choice is required")
	}
	pub, err := s.store.GetPublication(ctx, in.PublicationID)
	if err != nil {
		return VoteResult{}, err
	}
	root, err := rootOf(ctx, s.store, pub)
	if err != nil {
		return VoteResult{}, err
	}

	var result VoteResult
	var res *outcome
	var recorded store.Comment
	var hasComment bool
	err = s.inTx(ctx, func(tx store.Tx) error {
		locked, err := lockChain(ctx, tx, root.ID, pub.ID)
		if err != nil {
			return err
		}
		if err := checkVotable(locked); err != nil {
			return err
		}
		board, err := tx.GetBoard(ctx, locked.Owner.ID)
		if err != nil {
			return err
		}
		if rbac.RoleOf(locked, in.UserID, &board) != rbac.RoleMember {
			return notEligible("user %s is not a member of board %s", in.UserID, board.ID)
		}
		ident, err := tx.GetIdentifier(ctx, in.IdentifierID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && ident.PublicationID != locked.ID) {
			return validationError("identifier %s does not belong to publication %s", in.IdentifierID, locked.ID)
		}
		if err != nil {
			return err
		}
		candidates := tally.Candidates(board, in.Choice)
		if len(candidates) == 0 {
			return validationError("choice %q is not accepted by any decree of board %s", in.Choice, board.ID)
		}

		vote, err := tx.UpsertVote(ctx, store.Vote{
			ID:            util.NewID("vote"),
			PublicationID: locked.ID,
			IdentifierID:  ident.ID,
			UserID:        in.UserID,
			Choice:        in.Choice,
			CreatedAt:     s.now(),
		})
		if err != nil {
			return err
		}
		result.Vote = vote
		result.Publication = locked
		recorded, hasComment, err = commentlog.Record(ctx, tx, commentlog.Entry{
			Text:          in.Comment,
			RevisionID:    ident.RevisionID,
			UserID:        in.UserID,
			IdentifierID:  ident.ID,
			PublicationID: locked.ID,
			Reason:        commentlog.ReasonVote,
		})
		if err != nil {
			return err
		}

		votes, err := tx.ListVotes(ctx, locked.ID)
		if err != nil {
			return err
		}
		for _, decree := range candidates {
			decision, err := tally.Evaluate(board, decree, votes)
			if err != nil {
				return err
			}
			if !decision.Satisfied {
				continue
			}
			res, err = s.resolve(ctx, tx, root.ID, locked, board, decree, votes)
			if err != nil {
				return err
			}
			result.Decision = &decision
			result.Publication = res.Branch
			result.Created = res.Created
			return nil
		}
		return nil
	})
	if err != nil {
		return VoteResult{}, err
	}

	if hasComment {
		s.search.IndexComment(recorded)
	}
	s.log.WithFields(logrus.Fields{"publication_id": pub.ID, "user_id": in.UserID, "choice": in.Choice}).Info("vote cast")
	if res != nil {
		s.afterResolve(pub.ID, *res)
	}
	return result, nil
}

func checkVotable(pub store.Publication) error {
	if pub.Owner.Kind != store.OwnerBoard {
		return closedForVoting("publication %s is not under board review", pub.ID)
	}
	if pub.Resolution != "" || pub.Status == store.StatusResolved {
		return staleVote(pub.ID, pub.Resolution)
	}
	if pub.Status != store.StatusReviewing {
		return closedForVoting("publication %s is %s", pub.ID, pub.Status)
	}
	return nil
}

// Evaluate tallies the votes on a board copy against the named decree and
// resolves the copy when the decree is satisfied. A copy that is already
// resolved is reported but never resolved again.
func (s *Service) Evaluate(ctx context.Context, publicationID, action string) (tally.Decision, error) {
	pub, err := s.store.GetPublication(ctx, publicationID)
	if err != nil {
		return tally.Decision{}, err
	}
	if pub.Owner.Kind != store.OwnerBoard {
		return tally.Decision{}, closedForVoting("publication %s is not under board review", pub.ID)
	}
	root, err := rootOf(ctx, s.store, pub)
	if err != nil {
		return tally.Decision{}, err
	}

	var decision tally.Decision
	var res *outcome
	err = s.inTx(ctx, func(tx store.Tx) error {
		locked, err := lockChain(ctx, tx, root.ID, pub.ID)
		if err != nil {
			return err
		}
		board, err := tx.GetBoard(ctx, locked.Owner.ID)
		if err != nil {
			return err
		}
		decree, err := tally.Select(board, action)
		if err != nil {
			return err
		}
		votes, err := tx.ListVotes(ctx, locked.ID)
		if err != nil {
			return err
		}
		decision, err = tally.Evaluate(board, decree, votes)
		if err != nil {
			return err
		}
		if !decision.Satisfied || !locked.Active() || locked.Status != store.StatusReviewing {
			return nil
		}
		res, err = s.resolve(ctx, tx, root.ID, locked, board, decree, votes)
		return err
	})
	if err != nil {
		return tally.Decision{}, err
	}
	if res != nil {
		s.afterResolve(pub.ID, *res)
	}
	return decision, nil
}

// resolve closes voting on branch and routes it according to decree. The
// caller holds the locks on the chain root and on branch.
func (s *Service) resolve(ctx context.Context, tx store.Tx, rootID string, branch store.Publication, board store.Board, decree store.Decree, votes []store.Vote) (*outcome, error) {
	decider := deciderOf(board, decree, votes)
	now := s.now()
	branch.Status = store.StatusResolved
	if decree.Route == store.RouteClose {
		branch.Status = store.StatusRejected
	}
	branch.Resolution = decree.Action
	branch.ResolvedAt = &now
	updated, err := tx.UpdatePublication(ctx, branch)
	if err != nil {
		return nil, err
	}
	res := &outcome{Branch: updated}

	switch decree.Route {
	case store.RouteForward:
		target, status, err := s.forwardTarget(ctx, tx, board, decider)
		if err != nil {
			return nil, err
		}
		idents, err := tx.ListIdentifiers(ctx, updated.ID)
		if err != nil {
			return nil, err
		}
		child, err := s.copyInto(ctx, tx, updated, idents, target, status, decider)
		if err != nil {
			return nil, err
		}
		res.Created = &child
		if res.Root, err = tx.GetPublication(ctx, rootID); err != nil {
			return nil, err
		}
	case store.RouteReturn:
		if res.Root, err = s.mergeBack(ctx, tx, updated.ID, rootID, decider, store.StatusEditing); err != nil {
			return nil, err
		}
	case store.RouteClose:
		root, err := tx.GetPublication(ctx, rootID)
		if err != nil {
			return nil, err
		}
		if !root.Status.Terminal() {
			root.Status = store.StatusRejected
			if root, err = tx.UpdatePublication(ctx, root); err != nil {
				return nil, err
			}
		}
		res.Root = root
		if res.Closed, err = closeOpenCopies(ctx, tx, rootID, updated.ID, decree.Action, now); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// closeOpenCopies rejects every active publication below rootID other than
// except, so other boards stop taking votes on a closed submission.
func closeOpenCopies(ctx context.Context, tx store.Tx, rootID, except, action string, now time.Time) ([]store.Publication, error) {
	tree, err := descendants(ctx, tx, rootID)
	if err != nil {
		return nil, err
	}
	var closed []store.Publication
	for _, item := range tree {
		if item.ID == except || !item.Active() {
			continue
		}
		item.Status = store.StatusRejected
		item.Resolution = action
		item.ResolvedAt = &now
		updated, err := tx.UpdatePublication(ctx, item)
		if err != nil {
			return nil, err
		}
		closed = append(closed, updated)
	}
	return closed, nil
}

// forwardTarget picks the next owner of an approved copy: the board's
// forward board when it exists, otherwise its finalizer, otherwise the member
// whose vote decided.
func (s *Service) forwardTarget(ctx context.Context, tx store.Tx, board store.Board, decider string) (store.Owner, store.PublicationStatus, error) {
	if board.Forward != nil && !board.Forward.IsZero() {
		_, err := tx.GetBoard(ctx, board.Forward.ID)
		if err == nil {
			return store.BoardOwner(board.Forward.ID), store.StatusReviewing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return store.Owner{}, "", err
		}
		s.log.WithFields(logrus.Fields{"board_id": board.ID, "forward": board.Forward.ID}).Warn("forward board missing; routing to finalizer")
	}
	if board.Finalizer != "" {
		_, err := tx.GetUser(ctx, board.Finalizer)
		if err == nil {
			return store.UserOwner(board.Finalizer), store.StatusFinalizing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return store.Owner{}, "", err
		}
	}
	if decider == "" {
		return store.Owner{}, "", validationError("board %s has no finalizer for an approved copy", board.ID)
	}
	return store.UserOwner(decider), store.StatusFinalizing, nil
}

// deciderOf returns the member whose latest matching vote came last.
func deciderOf(board store.Board, decree store.Decree, votes []store.Vote) string {
	var decider store.Vote
	for _, vote := range tally.Latest(votes) {
		if !decree.Accepts(vote.Choice) || !boards.IsMember(board, vote.UserID) {
			continue
		}
		if decider.UserID == "" || !vote.CreatedAt.Before(decider.CreatedAt) {
			decider = vote
		}
	}
	return decider.UserID
}

func (s *Service) afterResolve(publicationID string, res outcome) {
	s.search.IndexPublication(res.Branch)
	if res.Root.ID != "" {
		s.search.IndexPublication(res.Root)
	}
	fields := logrus.Fields{
		"publication_id": publicationID,
		"resolution":     res.Branch.Resolution,
		"status":         string(res.Branch.Status),
	}
	if res.Created != nil {
		s.search.IndexPublication(*res.Created)
		fields["copy_id"] = res.Created.ID
		fields["copy_owner"] = res.Created.Owner.String()
	}
	for _, closed := range res.Closed {
		s.search.IndexPublication(closed)
	}
	if len(res.Closed) > 0 {
		fields["closed"] = len(res.Closed)
	}
	s.log.WithFields(fields).Info("publication resolved")
}

// Finalize publishes a finalizing copy: its content is merged into the root
// publication and both become published.
func (s *Service) Finalize(ctx context.Context, publicationID, userID, comment string) (store.Publication, error) {
	pub, err := s.store.GetPublication(ctx, publicationID)
	if err != nil {
		return store.Publication{}, err
	}
	if rbac.RoleOf(pub, userID, nil) != rbac.RoleOwner {
		return store.Publication{}, notEligible("only the finalizer may publish %s", pub.ID)
	}
	root, err := rootOf(ctx, s.store, pub)
	if err != nil {
		return store.Publication{}, err
	}

	var published, rootAfter store.Publication
	var recorded store.Comment
	var hasComment bool
	err = s.inTx(ctx, func(tx store.Tx) error {
		locked, err := lockChain(ctx, tx, root.ID, pub.ID)
		if err != nil {
			return err
		}
		if !rbac.Can(rbac.RoleOwner, rbac.ActionFinalize, locked.Status) {
			return validationError("publication %s is %s, not finalizing", locked.ID, locked.Status)
		}
		if locked.ID != root.ID {
			rootStatus, err := settledRootStatus(ctx, tx, root.ID, locked)
			if err != nil {
				return err
			}
			if rootAfter, err = s.mergeBack(ctx, tx, locked.ID, root.ID, userID, rootStatus); err != nil {
				return err
			}
		}
		locked.Status = store.StatusPublished
		if published, err = tx.UpdatePublication(ctx, locked); err != nil {
			return err
		}
		idents, err := tx.ListIdentifiers(ctx, locked.ID)
		if err != nil || len(idents) == 0 {
			return err
		}
		recorded, hasComment, err = commentlog.Record(ctx, tx, commentlog.Entry{
			Text:          comment,
			RevisionID:    idents[0].RevisionID,
			UserID:        userID,
			IdentifierID:  idents[0].ID,
			PublicationID: locked.ID,
			Reason:        commentlog.ReasonFinalize,
		})
		return err
	})
	if err != nil {
		return store.Publication{}, err
	}
	s.search.IndexPublication(published)
	if rootAfter.ID != "" {
		s.search.IndexPublication(rootAfter)
	}
	if hasComment {
		s.search.IndexComment(recorded)
	}
	fields := logrus.Fields{"publication_id": published.ID, "root_id": root.ID}
	if rootAfter.ID != "" {
		fields["root_status"] = string(rootAfter.Status)
	}
	s.log.WithFields(fields).Info("publication finalized")
	if rootAfter.ID == "" || rootAfter.Status == store.StatusPublished {
		s.archiveEdition(ctx, root.ID)
	}
	return published, nil
}

// settledRootStatus is the status the root takes when finalizing is merged
// back. A copy that came through board review needs the root still
// submitted and no board still reviewing any part of it. The root is
// published with the last outstanding finalizing copy and stays submitted
// before that.
func settledRootStatus(ctx context.Context, tx store.Tx, rootID string, finalizing store.Publication) (store.PublicationStatus, error) {
	root, err := tx.GetPublication(ctx, rootID)
	if err != nil {
		return "", err
	}
	if root.Status.Terminal() {
		return "", validationError("publication %s is %s", root.ID, root.Status)
	}
	head, err := chainHead(ctx, tx, rootID, finalizing)
	if err != nil {
		return "", err
	}
	if head.Owner.Kind == store.OwnerBoard && root.Status != store.StatusSubmitted {
		return "", validationError("publication %s is %s; its review no longer stands", root.ID, root.Status)
	}
	tree, err := descendants(ctx, tx, rootID)
	if err != nil {
		return "", err
	}
	pending := false
	for _, item := range tree {
		if item.ID == finalizing.ID || !item.Active() {
			continue
		}
		if item.Owner.Kind == store.OwnerBoard {
			return "", validationError("publication %s is still under review by board %s", root.ID, item.Owner.ID)
		}
		if item.Status == store.StatusFinalizing {
			pending = true
		}
	}
	if pending {
		return root.Status, nil
	}
	return store.StatusPublished, nil
}

// chainHead returns the child of rootID that pub descends from.
func chainHead(ctx context.Context, reader store.Reader, rootID string, pub store.Publication) (store.Publication, error) {
	current := pub
	for depth := 0; current.ParentID != nil; depth++ {
		if depth > 64 {
			return store.Publication{}, fmt.Errorf("publication %s: parent chain too deep", pub.ID)
		}
		if *current.ParentID == rootID {
			return current, nil
		}
		parent, err := reader.GetPublication(ctx, *current.ParentID)
		if err != nil {
			return store.Publication{}, err
		}
		current = parent
	}
	return store.Publication{}, fmt.Errorf("publication %s does not descend from %s", pub.ID, rootID)
}

// archiveEdition copies the published root to the archive. The publication
// is already committed, so failures are logged and not returned.
func (s *Service) archiveEdition(ctx context.Context, rootID string) {
	if s.archive == nil {
		return
	}
	logger := s.log.WithField("publication_id", rootID)
	root, err := s.store.GetPublication(ctx, rootID)
	if err != nil {
		logger.WithError(err).Error("edition archive failed")
		return
	}
	idents, err := s.store.ListIdentifiers(ctx, rootID)
	if err != nil {
		logger.WithError(err).Error("edition archive failed")
		return
	}
	edition := archive.Edition{
		PublicationID: root.ID,
		Title:         root.Title,
		PublishedAt:   s.now(),
		Documents:     make([]archive.Document, 0, len(idents)),
	}
	for _, ident := range idents {
		edition.Documents = append(edition.Documents, archive.Document{
			ID:         ident.ID,
			Type:       ident.Type,
			Name:       ident.Name,
			RevisionID: ident.RevisionID,
			Content:    ident.Content,
		})
	}
	if err := s.archive.PutEdition(ctx, edition); err != nil {
		logger.WithError(err).Error("edition archive failed")
	}
}
