package storage

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/lgulliver/chunkstone/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is a minimal path-style S3 endpoint for a single bucket
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
	types   map[string]string
}

type listResult struct {
	XMLName     xml.Name     `xml:"ListBucketResult"`
	Name        string       `xml:"Name"`
	Prefix      string       `xml:"Prefix"`
	KeyCount    int          `xml:"KeyCount"`
	MaxKeys     int          `xml:"MaxKeys"`
	IsTruncated bool         `xml:"IsTruncated"`
	Contents    []listObject `xml:"Contents"`
}

type listObject struct {
	Key  string `xml:"Key"`
	Size int    `xml:"Size"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/"+f.bucket), "/")

	if key == "" && r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2" {
		prefix := r.URL.Query().Get("prefix")
		res := listResult{Name: f.bucket, Prefix: prefix, MaxKeys: 1000}
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			res.Contents = append(res.Contents, listObject{Key: k, Size: len(f.objects[k])})
		}
		res.KeyCount = len(keys)
		w.Header().Set("Content-Type", "application/xml")
		xml.NewEncoder(w).Encode(res)
		return
	}

	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		f.types[key] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"fake"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	case http.MethodHead:
		data, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func setupS3Storage(t *testing.T, publicURL string) (*S3Storage, *fakeS3) {
	fake := &fakeS3{bucket: "artifacts", objects: map[string][]byte{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s3s, err := NewS3Storage(&config.StorageConfig{
		Bucket:         "artifacts",
		Region:         "us-east-1",
		Endpoint:       srv.URL,
		AccessKey:      "test",
		SecretKey:      "test",
		ForcePathStyle: true,
		PublicURL:      publicURL,
	})
	require.NoError(t, err)
	return s3s, fake
}

func TestS3Storage_PutAndRetrieve(t *testing.T) {
	s3s, fake := setupS3Storage(t, "https://cdn.example.com/")
	ctx := context.Background()

	url, err := s3s.Put(ctx, "uploads/2024/05/01/1-aa.png", strings.NewReader("png bytes"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/uploads/2024/05/01/1-aa.png", url)
	assert.Equal(t, "image/png", fake.types["uploads/2024/05/01/1-aa.png"])

	reader, err := s3s.Retrieve(ctx, "uploads/2024/05/01/1-aa.png")
	require.NoError(t, err)
	defer reader.Close()
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "png bytes", string(data))

	size, err := s3s.GetSize(ctx, "uploads/2024/05/01/1-aa.png")
	require.NoError(t, err)
	assert.Equal(t, int64(9), size)
}

func TestS3Storage_PutWithoutPublicURLUsesLocation(t *testing.T) {
	s3s, _ := setupS3Storage(t, "")

	url, err := s3s.Put(context.Background(), "uploads/x.bin", strings.NewReader("x"), "")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(url, "/artifacts/uploads/x.bin"), url)
}

func TestS3Storage_NotFound(t *testing.T) {
	s3s, _ := setupS3Storage(t, "")
	ctx := context.Background()

	_, err := s3s.Retrieve(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	_, err = s3s.GetSize(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	exists, err := s3s.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestS3Storage_ListAndDelete(t *testing.T) {
	s3s, _ := setupS3Storage(t, "")
	ctx := context.Background()

	for _, key := range []string{"chunks/a/000000.part", "chunks/a/000001.part", "chunks/b/000000.part"} {
		require.NoError(t, s3s.Store(ctx, key, strings.NewReader("data"), ""))
	}

	keys, err := s3s.List(ctx, "chunks/a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"chunks/a/000000.part", "chunks/a/000001.part"}, keys)

	require.NoError(t, s3s.Delete(ctx, "chunks/a/000000.part"))
	exists, err := s3s.Exists(ctx, "chunks/a/000000.part")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestNewS3Storage_RequiresBucket(t *testing.T) {
	_, err := NewS3Storage(&config.StorageConfig{Region: "us-east-1"})
	assert.Error(t, err)
}
