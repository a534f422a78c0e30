//go:build integration

package blobstore

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

func startMinio(t *testing.T) S3Config {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:RELEASE.2024-10-13T13-34-11Z",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "wesflow",
				"MINIO_ROOT_PASSWORD": "wesflow-secret",
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	endpoint, err := container.PortEndpoint(ctx, "9000/tcp", "")
	require.NoError(t, err)

	return S3Config{
		Endpoint:  endpoint,
		AccessKey: "wesflow",
		SecretKey: "wesflow-secret",
		Bucket:    "wesflow-test",
	}
}

func TestS3Store_Integration(t *testing.T) {
	ctx := context.Background()
	store, err := NewS3Store(ctx, startMinio(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	for _, key := range []string{"run/samplesheet.csv", "run/input/Sample_1/a.fq", "run/output/r.html", "keep/me.txt"} {
		require.NoError(t, store.Upload(ctx, key, bytes.NewReader([]byte(key)), int64(len(key)), "text/plain"))
	}

	objects, err := store.List(ctx, RunPrefix("run"))
	require.NoError(t, err)
	assert.Len(t, objects, 3)

	require.NoError(t, store.Copy(ctx, "run/output/r.html", "outputs/e1/r.html"))

	deleted, err := DeletePrefix(ctx, store, RunPrefix("run"))
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	_, err = store.Download(ctx, "run/samplesheet.csv")
	assert.True(t, errors.Is(err, ErrNotFound))

	data, err := store.Download(ctx, "keep/me.txt")
	require.NoError(t, err)
	assert.Equal(t, "keep/me.txt", string(data))

	_, err = store.Download(ctx, "outputs/e1/r.html")
	assert.NoError(t, err)

	assert.NoError(t, store.Delete(ctx, "run/samplesheet.csv"))
	assert.Equal(t, "s3://wesflow-test/k", store.URL("k"))
}
