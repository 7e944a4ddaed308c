package objectstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/bulk-export/shared/logger"
)

func TestClient_Upload(t *testing.T) {
	var (
		mu      sync.Mutex
		gotPath string
		gotBody string
		gotType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPath, gotBody, gotType = r.URL.Path, string(body), r.Header.Get("Content-Type")
		mu.Unlock()
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewClient(&Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "exports",
		Region:    "us-east-1",
		Prefix:    "org-1",
	}, logger.NewNop().Logger)
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "batch-0.coverage.ndjson")
	require.NoError(t, os.WriteFile(file, []byte(`{"resourceType":"Coverage"}`+"\n"), 0o600))

	require.NoError(t, c.Upload(context.Background(), "batch-0.coverage.ndjson", file, "application/fhir+ndjson"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/exports/org-1/batch-0.coverage.ndjson", gotPath)
	assert.Equal(t, "application/fhir+ndjson", gotType)
	assert.Contains(t, gotBody, `"resourceType":"Coverage"`)
}
