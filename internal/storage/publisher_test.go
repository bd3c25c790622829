package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zipball-packager/internal/config"
)

func TestNewWithoutBucketIsLocal(t *testing.T) {
	p, err := New(context.Background(), config.Config{})
	require.NoError(t, err)
	assert.IsType(t, Local{}, p)

	zip := filepath.Join(t.TempDir(), "abc.zip")
	require.NoError(t, os.WriteFile(zip, []byte("PK"), 0o644))

	loc, err := p.Publish(context.Background(), zip)
	require.NoError(t, err)
	assert.Equal(t, zip, loc)

	_, err = p.Publish(context.Background(), zip+".missing")
	assert.Error(t, err)
}

func TestS3PublisherPutsObject(t *testing.T) {
	var mu sync.Mutex
	var gotMethod, gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotMethod, gotPath = r.Method, r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "none"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "none"))

	p, err := New(context.Background(), config.Config{
		ArtifactS3Bucket:    "zipballs",
		ArtifactS3Region:    "us-east-1",
		ArtifactS3Endpoint:  srv.URL,
		ArtifactS3PathStyle: true,
		ArtifactS3Prefix:    "/outernet/",
	})
	require.NoError(t, err)

	zip := filepath.Join(t.TempDir(), "abc.zip")
	require.NoError(t, os.WriteFile(zip, []byte("zip-bytes"), 0o644))

	loc, err := p.Publish(context.Background(), zip)
	require.NoError(t, err)
	assert.Equal(t, "s3://zipballs/outernet/abc.zip", loc)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/zipballs/outernet/abc.zip", gotPath)
	assert.Contains(t, string(gotBody), "zip-bytes")
}
