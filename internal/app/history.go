package app

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"editorial/api/internal/commentlog"
	"editorial/api/internal/gitrepo"
	"editorial/api/internal/store"
)

const noCommitMessage = "(no commit message)"

var revisionPattern = regexp.MustCompile(`^[0-9a-f]{4,40}$`)

// historyLimit caps the commits read per identifier in the chain.
const historyLimit = 200

type CommitSummary struct {
	RevisionID   string    `json:"revisionId"`
	Author       string    `json:"author"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	IdentifierID string    `json:"identifierId"`
	Owner        string    `json:"owner"`
	URL          string    `json:"url"`
}

// HistoryView lists the commits behind an identifier and every identifier it
// was copied from, newest first. A revision reachable from several copies is
// listed once, attributed to the copy nearest the requested identifier.
func (s *Service) HistoryView(ctx context.Context, identifierID string) ([]CommitSummary, error) {
	chain, err := commentlog.OriginChain(ctx, s.store, identifierID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	out := make([]CommitSummary, 0)
	for _, ident := range chain {
		pub, err := s.store.GetPublication(ctx, ident.PublicationID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		commits, err := s.git.History(pub.Owner, gitrepo.BranchName(pub.ID), gitrepo.IdentifierPath(ident.Type, ident.ID), historyLimit)
		if err != nil {
			if errors.Is(err, gitrepo.ErrRepoNotFound) || errors.Is(err, gitrepo.ErrBranchNotFound) {
				continue
			}
			return nil, revisionStoreError("read history", err)
		}
		repoPath := s.git.RepoPath(pub.Owner)
		for _, commit := range commits {
			if _, dup := seen[commit.Hash]; dup {
				continue
			}
			seen[commit.Hash] = struct{}{}
			message := strings.TrimSpace(commit.Message)
			if message == "" {
				message = noCommitMessage
			}
			out = append(out, CommitSummary{
				RevisionID:   commit.Hash,
				Author:       commit.Author,
				Message:      message,
				Timestamp:    commit.CreatedAt,
				IdentifierID: ident.ID,
				Owner:        pub.Owner.String(),
				URL:          s.commitURL(repoPath, commit.Hash),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// RevisionContent returns an identifier's content as of revisionID. The
// revision may belong to any copy in the identifier's origin chain.
func (s *Service) RevisionContent(ctx context.Context, identifierID, revisionID string) (string, error) {
	revisionID = strings.ToLower(strings.TrimSpace(revisionID))
	if !revisionPattern.MatchString(revisionID) {
		return "", validationError("revision id %q is not a commit hash", revisionID)
	}
	chain, err := commentlog.OriginChain(ctx, s.store, identifierID)
	if err != nil {
		return "", err
	}
	for _, ident := range chain {
		pub, err := s.store.GetPublication(ctx, ident.PublicationID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return "", err
		}
		content, err := s.git.ContentAt(pub.Owner, revisionID, gitrepo.IdentifierPath(ident.Type, ident.ID))
		if err == nil {
			return content, nil
		}
		s.log.WithError(err).WithField("identifier_id", ident.ID).Debug("revision not in copy")
	}
	return "", fmt.Errorf("revision %s of identifier %s: %w", revisionID, identifierID, store.ErrNotFound)
}

// commitURL renders {base}/{prefix}/{repo};a=commitdiff;h={hash}. Without a
// base there is no link.
func (s *Service) commitURL(repoPath, hash string) string {
	if s.cfg.GitwebBase == "" {
		return ""
	}
	return s.cfg.GitwebBase + "/" + path.Join(s.cfg.GitwebRepoPrefix, repoPath) + ";a=commitdiff;h=" + hash
}
