package adapter

import (
	"context"
	"io"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
)

// Storage reads corpus documents from a Cloud Storage bucket. Only the
// ".txt" objects located directly under the prefix are part of the corpus.
type Storage struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewStorage creates a corpus source for gs://bucket/prefix.
func NewStorage(ctx context.Context, bucket, prefix string) (*Storage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Storage{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (s *Storage) Close() error {
	return s.client.Close()
}

// List returns file names relative to the prefix, sorted.
func (s *Storage) List(ctx context.Context) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix})

	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list objects",
				goerr.V("bucket", s.bucket),
				goerr.V("prefix", s.prefix))
		}

		name := strings.TrimPrefix(attrs.Name, s.prefix)
		if strings.Contains(name, "/") || !strings.HasSuffix(name, ".txt") {
			continue
		}
		names = append(names, name)
	}

	sort.Strings(names)
	return names, nil
}

func (s *Storage) Read(ctx context.Context, name string) (string, error) {
	key := s.prefix + name
	reader, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return "", goerr.Wrap(err, "failed to read from storage", goerr.V("bucket", s.bucket), goerr.V("key", key))
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", goerr.Wrap(err, "failed to read object body", goerr.V("bucket", s.bucket), goerr.V("key", key))
	}
	return string(data), nil
}
