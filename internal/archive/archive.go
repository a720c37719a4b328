// Package archive writes published editions to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

type Document struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Name       string `json:"name"`
	RevisionID string `json:"revisionId"`
	Content    string `json:"-"`
}

// Edition is the published state of one root publication.
type Edition struct {
	PublicationID string     `json:"publicationId"`
	Title         string     `json:"title"`
	PublishedAt   time.Time  `json:"publishedAt"`
	Documents     []Document `json:"documents"`
}

type objectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Store struct {
	client objectStore
	bucket string
	log    logrus.FieldLogger
}

func New(endpoint, accessKey, secretKey, bucket string, secure bool, log logrus.FieldLogger) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("archive client: %w", err)
	}
	return newStore(client, bucket, log), nil
}

func newStore(client objectStore, bucket string, log logrus.FieldLogger) *Store {
	return &Store{client: client, bucket: bucket, log: log}
}

// EnsureBucket creates the bucket on first use.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	s.log.WithField("bucket", s.bucket).Info("archive bucket created")
	return nil
}

// ObjectKey is where a document of an edition lives in the bucket.
func ObjectKey(publicationID, identifierType, identifierID string) string {
	return path.Join(publicationID, identifierType, identifierID+".xml")
}

func manifestKey(publicationID string) string {
	return path.Join(publicationID, "edition.json")
}

// PutEdition uploads every document and then the manifest, so a manifest
// only ever points at objects that exist. A nil store is a no-op.
func (s *Store) PutEdition(ctx context.Context, edition Edition) error {
	if s == nil {
		return nil
	}
	for _, doc := range edition.Documents {
		key := ObjectKey(edition.PublicationID, doc.Type, doc.ID)
		if err := s.put(ctx, key, []byte(doc.Content), "application/xml"); err != nil {
			return err
		}
	}
	manifest, err := json.Marshal(edition)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := s.put(ctx, manifestKey(edition.PublicationID), manifest, "application/json"); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"publication_id": edition.PublicationID, "documents": len(edition.Documents)}).Info("edition archived")
	return nil
}

func (s *Store) put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
