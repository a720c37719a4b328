package app

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"editorial/api/internal/archive"
	"editorial/api/internal/boards"
	"editorial/api/internal/commentlog"
	"editorial/api/internal/config"
	"editorial/api/internal/gitrepo"
	"editorial/api/internal/guard"
	"editorial/api/internal/rbac"
	"editorial/api/internal/search"
	"editorial/api/internal/store"
	"editorial/api/internal/util"

	"github.com/sirupsen/logrus"
)

type revisionStore interface {
	EnsureOwnerRepo(owner store.Owner, author string) error
	DeleteOwnerRepo(owner store.Owner) error
	Commit(owner store.Owner, branchName, filePath, content, author, message string) (store.CommitInfo, error)
	HeadRevision(owner store.Owner, branchName string) (store.CommitInfo, error)
	History(owner store.Owner, branchName, filePath string, limit int) ([]store.CommitInfo, error)
	ContentAt(owner store.Owner, hash, filePath string) (string, error)
	RepoPath(owner store.Owner) string
}

// EditionArchive receives the published state of a root publication.
type EditionArchive interface {
	PutEdition(ctx context.Context, edition archive.Edition) error
}

var lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n")

type Service struct {
	cfg     config.Config
	store   store.Store
	git     revisionStore
	guard   guard.Guard
	search  *search.Service
	archive EditionArchive
	boards  *boards.Registry
	log     logrus.FieldLogger
	now     func() time.Time
}

// New wires the engine. A nil guard falls back to an in-process guard and a
// nil search service disables indexing.
func New(cfg config.Config, dataStore store.Store, git revisionStore, submitGuard guard.Guard, searchService *search.Service, log logrus.FieldLogger) *Service {
	if submitGuard == nil {
		submitGuard = guard.NewLocalGuard()
	}
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		git:    git,
		guard:  submitGuard,
		search: searchService,
		boards: boards.NewRegistry(dataStore, log),
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// UseArchive enables copying published editions to an archive.
func (s *Service) UseArchive(a EditionArchive) {
	s.archive = a
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Boards() *boards.Registry {
	return s.boards
}

// inTx runs fn in a store transaction and turns store conflicts into domain
// errors.
func (s *Service) inTx(ctx context.Context, fn func(store.Tx) error) error {
	err := s.store.InTx(ctx, fn)
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		return domainError(409, "VERSION_CONFLICT", "publication changed concurrently; retry", nil, store.ErrVersionConflict)
	case errors.Is(err, store.ErrLocked):
		return domainError(409, "BRANCH_IN_PROGRESS", "publication is locked by another operation", nil, ErrBranchInProgress, store.ErrLocked)
	case errors.Is(err, store.ErrDuplicateBranch):
		return domainError(409, "BRANCH_EXISTS", "owner already holds an active copy", nil, ErrBranchExists)
	}
	return err
}

func (s *Service) CreateUser(ctx context.Context, userID, name, email string) (store.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.User{}, validationError("user name is required")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = util.NewID("usr")
	}
	user := store.User{ID: userID, Name: name, Email: strings.TrimSpace(email)}

	err := s.inTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err == nil {
			return validationError("user %s already exists", userID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := tx.InsertUser(ctx, user); err != nil {
			return err
		}
		if err := s.git.EnsureOwnerRepo(store.UserOwner(userID), name); err != nil {
			return revisionStoreError("create user repository", err)
		}
		return nil
	})
	if err != nil {
		return store.User{}, err
	}
	s.log.WithField("user_id", userID).Info("user created")
	return s.store.GetUser(ctx, userID)
}

// DeleteUser removes the user's board memberships, publications and
// identifiers in one transaction, then tears down the user's repository.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	var removed []string
	err := s.inTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		if err := tx.RemoveUserMemberships(ctx, userID); err != nil {
			return err
		}
		owned, err := tx.ListPublicationsByOwner(ctx, store.UserOwner(userID))
		if err != nil {
			return err
		}
		for _, pub := range owned {
			if err := tx.DeletePublication(ctx, pub.ID); err != nil {
				return err
			}
			removed = append(removed, pub.ID)
		}
		return tx.DeleteUser(ctx, userID)
	})
	if err != nil {
		return err
	}
	for _, id := range removed {
		s.search.DeletePublication(id)
	}
	if err := s.git.DeleteOwnerRepo(store.UserOwner(userID)); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Error("user repository teardown failed")
		return revisionStoreError("delete user repository", err)
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "publications": len(removed)}).Info("user deleted")
	return nil
}

func (s *Service) CreatePublication(ctx context.Context, creatorID, title string) (store.Publication, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Publication{}, validationError("publication title is required")
	}
	user, err := s.store.GetUser(ctx, creatorID)
	if err != nil {
		return store.Publication{}, err
	}
	owner := store.UserOwner(user.ID)
	if err := s.git.EnsureOwnerRepo(owner, user.Name); err != nil {
		return store.Publication{}, revisionStoreError("ensure user repository", err)
	}

	pub := store.Publication{
		ID:        util.NewID("pub"),
		Title:     title,
		Owner:     owner,
		CreatorID: user.ID,
		Status:    store.StatusNew,
	}
	if err := s.inTx(ctx, func(tx store.Tx) error {
		return tx.InsertPublication(ctx, pub)
	}); err != nil {
		return store.Publication{}, err
	}
	created, err := s.store.GetPublication(ctx, pub.ID)
	if err != nil {
		return store.Publication{}, err
	}
	s.search.IndexPublication(created)
	s.log.WithFields(logrus.Fields{"publication_id": created.ID, "owner": owner.String()}).Info("publication created")
	return created, nil
}

// AddIdentifier creates an identifier from its type's template and commits
// it to the owner's repository.
func (s *Service) AddIdentifier(ctx context.Context, publicationID, userID, identifierType string) (store.Identifier, error) {
	pub, err := s.store.GetPublication(ctx, publicationID)
	if err != nil {
		return store.Identifier{}, err
	}
	if err := authorize(pub, rbac.RoleOf(pub, userID, nil), rbac.ActionAddIdentifier); err != nil {
		return store.Identifier{}, err
	}

	ident := store.Identifier{
		ID:            util.NewID("ident"),
		PublicationID: pub.ID,
		Type:          identifierType,
	}
	ident.Name = identifierName(identifierType, pub.Title)
	content, err := RenderTemplate(identifierType, TemplateData{ID: ident.ID, Name: ident.Name, Title: pub.Title})
	if err != nil {
		return store.Identifier{}, err
	}
	ident.Content = content

	commit, err := s.git.Commit(pub.Owner, gitrepo.BranchName(pub.ID), gitrepo.IdentifierPath(ident.Type, ident.ID), content, userID, "Create "+ident.Name+" from template")
	if err != nil {
		return store.Identifier{}, revisionStoreError("commit template", err)
	}
	ident.RevisionID = commit.Hash

	err = s.inTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockPublication(ctx, pub.ID)
		if err != nil {
			return err
		}
		if locked.Status != store.StatusNew && locked.Status != store.StatusEditing {
			return validationError("identifiers cannot be added while %s", locked.Status)
		}
		return tx.InsertIdentifier(ctx, ident)
	})
	if err != nil {
		return store.Identifier{}, err
	}
	return s.store.GetIdentifier(ctx, ident.ID)
}

// SaveContent commits new content for an identifier and, once the commit
// exists, records content, revision, status and comment together.
func (s *Service) SaveContent(ctx context.Context, identifierID, userID, content, comment string) (string, error) {
	content = lineEndings.Replace(content)
	if err := checkWellFormed(content); err != nil {
		return "", validationError("content is not well-formed XML: %v", err)
	}

	ident, err := s.store.GetIdentifier(ctx, identifierID)
	if err != nil {
		return "", err
	}
	pub, err := s.store.GetPublication(ctx, ident.PublicationID)
	if err != nil {
		return "", err
	}
	if err := s.checkEditable(ctx, s.store, pub, userID); err != nil {
		return "", err
	}
	root, err := rootOf(ctx, s.store, pub)
	if err != nil {
		return "", err
	}

	message := strings.TrimSpace(comment)
	if message == "" {
		message = "Update " + ident.Name
	}
	commit, err := s.git.Commit(pub.Owner, gitrepo.BranchName(pub.ID), gitrepo.IdentifierPath(ident.Type, ident.ID), content, userID, message)
	if err != nil {
		return "", revisionStoreError("commit content", err)
	}

	var recorded store.Comment
	var hasComment bool
	err = s.inTx(ctx, func(tx store.Tx) error {
		locked, err := lockChain(ctx, tx, root.ID, pub.ID)
		if err != nil {
			return err
		}
		if err := s.checkEditable(ctx, tx, locked, userID); err != nil {
			return err
		}
		ident.Content = content
		ident.RevisionID = commit.Hash
		if err := tx.UpdateIdentifier(ctx, ident); err != nil {
			return err
		}
		if locked.Status == store.StatusNew {
			locked.Status = store.StatusEditing
			if _, err := tx.UpdatePublication(ctx, locked); err != nil {
				return err
			}
		}
		recorded, hasComment, err = commentlog.Record(ctx, tx, commentlog.Entry{
			Text:          comment,
			RevisionID:    commit.Hash,
			UserID:        userID,
			IdentifierID:  ident.ID,
			PublicationID: pub.ID,
			Reason:        commentlog.ReasonCommit,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	if hasComment {
		s.search.IndexComment(recorded)
	}
	s.log.WithFields(logrus.Fields{"identifier_id": ident.ID, "publication_id": pub.ID, "revision": commit.Hash}).Info("content saved")
	return commit.Hash, nil
}

// checkEditable decides who may change content in which state: the owning
// user while new, editing or finalizing, and board members while the board
// copy is under review.
func (s *Service) checkEditable(ctx context.Context, reader store.Reader, pub store.Publication, userID string) error {
	var board *store.Board
	if pub.Owner.Kind == store.OwnerBoard {
		found, err := reader.GetBoard(ctx, pub.Owner.ID)
		if err != nil {
			return err
		}
		board = &found
	}
	role := rbac.RoleOf(pub, userID, board)
	if role == rbac.RoleMember && !pub.Active() {
		return validationError("publication %s cannot be edited once resolved", pub.ID)
	}
	return authorize(pub, role, rbac.ActionEdit)
}

// authorize turns the role matrix into domain errors: a role that can never
// perform action is not eligible, a role waiting on another status is a
// validation failure.
func authorize(pub store.Publication, role rbac.Role, action rbac.Action) error {
	if !rbac.Allowed(role, action) {
		return notEligible("user may not %s publication %s", action, pub.ID)
	}
	if !rbac.Can(role, action, pub.Status) {
		return validationError("publication %s cannot %s while %s", pub.ID, action, pub.Status)
	}
	return nil
}

type PublicationView struct {
	Publication store.Publication
	Identifiers []store.Identifier
	Children    []store.Publication
	Votes       []store.Vote
}

func (s *Service) GetPublication(ctx context.Context, publicationID string) (PublicationView, error) {
	pub, err := s.store.GetPublication(ctx, publicationID)
	if err != nil {
		return PublicationView{}, err
	}
	idents, err := s.store.ListIdentifiers(ctx, pub.ID)
	if err != nil {
		return PublicationView{}, err
	}
	children, err := s.store.ListChildren(ctx, pub.ID)
	if err != nil {
		return PublicationView{}, err
	}
	votes, err := s.store.ListVotes(ctx, pub.ID)
	if err != nil {
		return PublicationView{}, err
	}
	return PublicationView{Publication: pub, Identifiers: idents, Children: children, Votes: votes}, nil
}

func (s *Service) ListPublications(ctx context.Context, owner store.Owner) ([]store.Publication, error) {
	return s.store.ListPublicationsByOwner(ctx, owner)
}

func (s *Service) Comments(ctx context.Context, identifierID string) ([]store.Comment, error) {
	return commentlog.List(ctx, s.store, identifierID)
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// rootOf follows ParentID links to the publication that started the chain.
func rootOf(ctx context.Context, reader store.Reader, pub store.Publication) (store.Publication, error) {
	current := pub
	for depth := 0; current.ParentID != nil; depth++ {
		if depth > 64 {
			return store.Publication{}, fmt.Errorf("publication %s: parent chain too deep", pub.ID)
		}
		parent, err := reader.GetPublication(ctx, *current.ParentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return current, nil
			}
			return store.Publication{}, err
		}
		current = parent
	}
	return current, nil
}

// descendants lists every publication below rootID, parents before children.
func descendants(ctx context.Context, reader store.Reader, rootID string) ([]store.Publication, error) {
	var out []store.Publication
	frontier := []string{rootID}
	for depth := 0; len(frontier) > 0; depth++ {
		if depth > 64 {
			return nil, fmt.Errorf("publication %s: branch tree too deep", rootID)
		}
		var next []string
		for _, id := range frontier {
			children, err := reader.ListChildren(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, child := range children {
				out = append(out, child)
				next = append(next, child.ID)
			}
		}
		frontier = next
	}
	return out, nil
}

// lockChain locks the chain root and then the target, always in that order.
func lockChain(ctx context.Context, tx store.Tx, rootID, targetID string) (store.Publication, error) {
	if rootID != targetID {
		if _, err := tx.LockPublication(ctx, rootID); err != nil {
			return store.Publication{}, err
		}
	}
	return tx.LockPublication(ctx, targetID)
}

func checkWellFormed(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("document is empty")
	}
	decoder := xml.NewDecoder(strings.NewReader(content))
	roots := 0
	depth := 0
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		switch token.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
			}
			depth++
		case xml.EndElement:
			depth--
		}
	}
	if roots != 1 {
		return fmt.Errorf("expected one root element, found %d", roots)
	}
	return nil
}
