package media

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

var ErrNotFound = errors.New("media: object not found")

const (
	PrefixChat           = "chat_images"
	PrefixAuthentication = "authentications"
	PrefixChallenge      = "challenge_images"
)

// Store keeps uploaded images in a blob bucket and knows their public URL.
type Store struct {
	bucket    *blob.Bucket
	publicURL string
}

// Open accepts file://dir, mem:// or any URL a linked gocloud driver understands.
func Open(ctx context.Context, bucketURL, publicURL string) (*Store, error) {
	u, err := url.Parse(bucketURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse bucket url %q", bucketURL)
	}

	var b *blob.Bucket
	switch u.Scheme {
	case "file":
		dir, err := filepath.Abs(u.Host + u.Path)
		if err != nil {
			return nil, errors.Wrap(err, "media dir")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create media dir %s", dir)
		}
		b, err = fileblob.OpenBucket(dir, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "open file bucket %s", dir)
		}
	case "mem":
		b = memblob.OpenBucket(nil)
	default:
		b, err = blob.OpenBucket(ctx, bucketURL)
		if err != nil {
			return nil, errors.Wrapf(err, "open bucket %s", bucketURL)
		}
	}
	return &Store{bucket: b, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

// NewMemory is an in-memory store for tests.
func NewMemory() *Store {
	return &Store{bucket: memblob.OpenBucket(nil), publicURL: "/media"}
}

func (s *Store) Close() error {
	return s.bucket.Close()
}

// Save writes data under prefix with a fresh name and returns the key.
func (s *Store) Save(ctx context.Context, prefix string, data []byte, contentType string) (string, error) {
	key := prefix + "/" + uuid.NewString() + extFor(contentType)
	if err := s.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: contentType}); err != nil {
		return "", errors.Wrapf(err, "write %s", key)
	}
	return key, nil
}

// Read returns the object body and its content type.
func (s *Store) Read(ctx context.Context, key string) ([]byte, string, error) {
	if !validKey(key) {
		return nil, "", ErrNotFound
	}
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, "", ErrNotFound
		}
		return nil, "", errors.Wrapf(err, "stat %s", key)
	}
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, "", errors.Wrapf(err, "read %s", key)
	}
	return data, attrs.ContentType, nil
}

// URL is the public path for key, or "" when key is empty.
func (s *Store) URL(key string) string {
	if key == "" {
		return ""
	}
	return s.publicURL + "/" + key
}

func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." || part == "" {
			return false
		}
	}
	return true
}

func extFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	return ""
}
