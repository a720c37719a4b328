package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"editorial/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	baselineBranch = "main"
	markerFile     = ".repository"
)

var (
	ErrRepoNotFound   = errors.New("revision repository not found")
	ErrBranchNotFound = errors.New("revision branch not found")
	ErrInvalidPath    = errors.New("invalid revision path")
)

// Service owns one git repository per owner. Writes to a repository are
// serialized by a per-repository mutex; two writers racing on the same file
// both land as revisions and the later one is the head.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// BranchName is the branch holding a publication's files.
func BranchName(publicationID string) string {
	return "pub-" + publicationID
}

// IdentifierPath is the repository path of an identifier's document.
func IdentifierPath(identifierType, identifierID string) string {
	return path.Join(identifierType, identifierID+".xml")
}

// RepoPath is the owner's repository path relative to the repositories root.
func (s *Service) RepoPath(owner store.Owner) string {
	switch owner.Kind {
	case store.OwnerBoard:
		return path.Join("boards", owner.ID)
	default:
		return path.Join("users", owner.ID)
	}
}

func (s *Service) EnsureOwnerRepo(owner store.Owner, author string) error {
	if owner.IsZero() {
		return fmt.Errorf("ensure repo: empty owner")
	}
	lock := s.repoLock(owner)
	lock.Lock()
	defer lock.Unlock()

	dir := s.absPath(owner)
	if _, err := os.Stat(dir); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, markerFile), []byte(owner.String()+"\n"), 0o644); err != nil {
		return fmt.Errorf("write repository marker: %w", err)
	}
	if _, err := worktree.Add(markerFile); err != nil {
		return fmt.Errorf("git add repository marker: %w", err)
	}
	hash, err := worktree.Commit("Create repository for "+owner.String(), &git.CommitOptions{Author: signature(author)})
	if err != nil {
		return fmt.Errorf("commit baseline: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(baselineBranch), hash)); err != nil {
		return fmt.Errorf("set %s branch ref: %w", baselineBranch, err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(baselineBranch))); err != nil {
		return fmt.Errorf("set HEAD to %s: %w", baselineBranch, err)
	}
	return nil
}

// DeleteOwnerRepo removes the owner's repository. Removing a repository that
// does not exist is not an error.
func (s *Service) DeleteOwnerRepo(owner store.Owner) error {
	lock := s.repoLock(owner)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.absPath(owner)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

// Commit writes content to filePath on branch and commits it. The branch is
// created from the baseline when missing. Writing unchanged content returns
// the current head instead of an empty commit.
func (s *Service) Commit(owner store.Owner, branchName, filePath, content, author, message string) (store.CommitInfo, error) {
	cleaned, err := cleanPath(filePath)
	if err != nil {
		return store.CommitInfo{}, err
	}

	lock := s.repoLock(owner)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(owner)
	if err != nil {
		return store.CommitInfo{}, err
	}
	if err := checkoutBranch(repo, branchName); err != nil {
		return store.CommitInfo{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	target := filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(cleaned))
	if existing, err := os.ReadFile(target); err == nil && string(existing) == content {
		return headCommit(repo, branchName)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return store.CommitInfo{}, fmt.Errorf("create directory for %s: %w", cleaned, err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return store.CommitInfo{}, fmt.Errorf("write %s: %w", cleaned, err)
	}
	if _, err := worktree.Add(cleaned); err != nil {
		return store.CommitInfo{}, fmt.Errorf("git add %s: %w", cleaned, err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{Author: signature(author)})
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("commit %s: %w", cleaned, err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// HeadRevision returns the newest commit on branch.
func (s *Service) HeadRevision(owner store.Owner, branchName string) (store.CommitInfo, error) {
	lock := s.repoLock(owner)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(owner)
	if err != nil {
		return store.CommitInfo{}, err
	}
	return headCommit(repo, branchName)
}

// History lists commits on branch touching filePath, newest first. An empty
// filePath lists every commit on the branch.
func (s *Service) History(owner store.Owner, branchName, filePath string, limit int) ([]store.CommitInfo, error) {
	lock := s.repoLock(owner)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(owner)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, fmt.Errorf("%s: %w", branchName, ErrBranchNotFound)
		}
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	opts := &git.LogOptions{From: ref.Hash()}
	if filePath != "" {
		cleaned, err := cleanPath(filePath)
		if err != nil {
			return nil, err
		}
		opts.FileName = &cleaned
	}
	iter, err := repo.Log(opts)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentAt reads filePath as of the given revision.
func (s *Service) ContentAt(owner store.Owner, hash, filePath string) (string, error) {
	cleaned, err := cleanPath(filePath)
	if err != nil {
		return "", err
	}

	lock := s.repoLock(owner)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(owner)
	if err != nil {
		return "", err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return "", err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File(cleaned)
	if err != nil {
		return "", fmt.Errorf("load %s at %s: %w", cleaned, hash, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read %s at %s: %w", cleaned, hash, err)
	}
	return contents, nil
}

func (s *Service) absPath(owner store.Owner) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(s.RepoPath(owner)))
}

func (s *Service) open(owner store.Owner) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.absPath(owner))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%s: %w", owner, ErrRepoNotFound)
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoLock(owner store.Owner) *sync.Mutex {
	key := s.RepoPath(owner)
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[key]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("resolve branch %s: %w", branchName, err)
		}
		baseline, err := repo.Reference(plumbing.NewBranchReferenceName(baselineBranch), true)
		if err != nil {
			return fmt.Errorf("resolve baseline: %w", err)
		}
		if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, baseline.Hash())); err != nil {
			return fmt.Errorf("create branch %s: %w", branchName, err)
		}
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

func headCommit(repo *git.Repository, branchName string) (store.CommitInfo, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return store.CommitInfo{}, fmt.Errorf("%s: %w", branchName, ErrBranchNotFound)
		}
		return store.CommitInfo{}, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func cleanPath(filePath string) (string, error) {
	cleaned := path.Clean(strings.ReplaceAll(filePath, "\\", "/"))
	if cleaned == "." || cleaned == markerFile || strings.HasPrefix(cleaned, "/") || cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, ".git/") {
		return "", fmt.Errorf("%q: %w", filePath, ErrInvalidPath)
	}
	return cleaned, nil
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String(),
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	if author == "" {
		author = "editorial"
	}
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@users.editorial.local", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
