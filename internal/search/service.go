package search

import (
	"context"
	"strconv"

	"editorial/api/internal/store"

	"github.com/sirupsen/logrus"
)

// Service is the facade that tries Meilisearch first and falls back to PG
// FTS. Either backend may be nil; indexing calls are fire-and-forget.
type Service struct {
	meili *Meili
	pgfts *PgFTS
	log   logrus.FieldLogger
}

func NewService(meili *Meili, pgfts *PgFTS, log logrus.FieldLogger) *Service {
	return &Service{meili: meili, pgfts: pgfts, log: log.WithField("component", "search")}
}

func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.WithError(err).Warn("meilisearch error, falling back to pgfts")
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.log.WithError(err).Error("pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) indexing() bool {
	return s != nil && s.meili != nil && s.meili.Healthy()
}

// IndexPublication indexes a publication (fire-and-forget to Meilisearch).
func (s *Service) IndexPublication(p store.Publication) {
	if !s.indexing() {
		return
	}
	record := PublicationFromStore(p)
	go func() {
		if err := s.meili.IndexPublication(record); err != nil {
			s.log.WithError(err).WithField("publication_id", record.ID).Warn("index publication")
		}
	}()
}

// IndexComment indexes a comment (fire-and-forget to Meilisearch).
func (s *Service) IndexComment(c store.Comment) {
	if !s.indexing() {
		return
	}
	record := CommentFromStore(c)
	go func() {
		if err := s.meili.IndexComment(record); err != nil {
			s.log.WithError(err).WithField("comment_id", record.ID).Warn("index comment")
		}
	}()
}

// DeletePublication removes a publication from the index (fire-and-forget).
func (s *Service) DeletePublication(id string) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.DeletePublication(id); err != nil {
			s.log.WithError(err).WithField("publication_id", id).Warn("delete publication from index")
		}
	}()
}

// ReindexAllFromPG pushes every publication and comment into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.indexing() || s.pgfts == nil {
		return
	}
	publications, comments, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.log.WithError(err).Error("reindex load failed")
		return
	}
	if err := s.meili.IndexPublications(publications); err != nil {
		s.log.WithError(err).Error("reindex publications")
	}
	if err := s.meili.IndexComments(comments); err != nil {
		s.log.WithError(err).Error("reindex comments")
	}
}

func PublicationFromStore(p store.Publication) PublicationRecord {
	record := PublicationRecord{
		ID:        p.ID,
		Title:     p.Title,
		OwnerType: string(p.Owner.Kind),
		OwnerID:   p.Owner.ID,
		Owner:     p.Owner.String(),
		Status:    string(p.Status),
	}
	if p.ParentID != nil {
		record.ParentID = *p.ParentID
	}
	return record
}

func CommentFromStore(c store.Comment) CommentRecord {
	return CommentRecord{
		ID:            strconv.FormatInt(c.ID, 10),
		Text:          c.Text,
		Reason:        c.Reason,
		IdentifierID:  c.IdentifierID,
		PublicationID: c.PublicationID,
		RevisionID:    c.RevisionID,
		UserID:        c.UserID,
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
