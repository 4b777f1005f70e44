package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "runs/abc/model.pth", ObjectKey("abc", "model.pth"))
	o := Object{Bucket: "models", Key: ObjectKey("abc", "model.pth")}
	assert.Equal(t, "s3://models/runs/abc/model.pth", o.URI())
}

func TestNewStorageValidates(t *testing.T) {
	_, err := NewStorage(Config{Endpoint: "localhost:9000"})
	assert.Error(t, err)
	_, err = NewStorage(Config{Endpoint: "localhost:9000/with/path", Bucket: "models"})
	assert.Error(t, err)
}

func TestUploadCheckpointIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	container, err := tcminio.Run(ctx,
		"minio/minio:latest",
		tcminio.WithUsername("minioadmin"),
		tcminio.WithPassword("minioadmin"),
	)
	require.NoError(t, err)
	defer container.Terminate(ctx)

	endpoint, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	s, err := NewStorage(Config{Endpoint: endpoint, AccessKey: "minioadmin", SecretKey: "minioadmin", Bucket: "models"})
	require.NoError(t, err)
	require.NoError(t, s.EnsureBucket(ctx))
	require.NoError(t, s.EnsureBucket(ctx))

	dir := t.TempDir()
	local := filepath.Join(dir, "model.pth")
	require.NoError(t, os.WriteFile(local, []byte("checkpoint bytes"), 0o644))

	obj, err := s.UploadCheckpoint(ctx, "run-9", local, 4, 91.25)
	require.NoError(t, err)
	assert.Equal(t, "runs/run-9/model.pth", obj.Key)
	assert.Equal(t, int64(len("checkpoint bytes")), obj.Size)

	back := filepath.Join(dir, "downloaded.pth")
	require.NoError(t, s.Download(ctx, obj.Key, back))
	data, err := os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, "checkpoint bytes", string(data))
}
