package adapter_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/m-mizutani/casefile/pkg/adapter"
	"github.com/m-mizutani/gt"
)

func TestStorageListAndRead(t *testing.T) {
	bucket := os.Getenv("TEST_STORAGE_BUCKET")
	if bucket == "" {
		t.Skip("TEST_STORAGE_BUCKET is not set")
	}
	prefix := os.Getenv("TEST_STORAGE_PREFIX")

	ctx := context.Background()
	client, err := adapter.NewStorage(ctx, bucket, prefix)
	gt.NoError(t, err)
	defer client.Close()

	names, err := client.List(ctx)
	gt.NoError(t, err)
	gt.A(t, names).Longer(0)

	for _, name := range names {
		gt.True(t, strings.HasSuffix(name, ".txt"))
	}

	content, err := client.Read(ctx, names[0])
	gt.NoError(t, err)
	gt.True(t, len(content) > 0)
}
