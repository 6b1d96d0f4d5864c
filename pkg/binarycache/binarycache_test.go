package binarycache_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"code.tvl.fyi/tvix/castorefs/pkg/binarycache"
	"code.tvl.fyi/tvix/castorefs/pkg/blobservice"
	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"code.tvl.fyi/tvix/castorefs/pkg/directoryservice"
	"code.tvl.fyi/tvix/castorefs/pkg/importer"
	"code.tvl.fyi/tvix/castorefs/pkg/pathinfoservice"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

type testFixture struct {
	handler *binarycache.Handler
	im      *importer.Importer
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { _ = bucket.Close() })

	blobs := blobservice.New(bucket, 0)
	directories := directoryservice.New(bucket)
	pathInfos := pathinfoservice.New(bucket)

	return &testFixture{
		handler: binarycache.New(blobs, directories, pathInfos, 40, false),
		im:      importer.New(blobs, directories, pathInfos),
	}
}

func ingestPlain(t *testing.T, f *testFixture, name string, body []byte) string {
	t.Helper()
	d := importer.Descriptor{URL: "file:///" + name, Name: name, Type: importer.Plain}

	d.WantedHash = castorev1.B3Digest{}
	_, _, err := f.im.Ingest(context.Background(), bytes.NewReader(body), d)
	var mismatch *importer.HashMismatch
	require.ErrorAs(t, err, &mismatch)
	d.WantedHash = mismatch.Got

	basename, _, err := f.im.Ingest(context.Background(), bytes.NewReader(body), d)
	require.NoError(t, err)
	return basename
}

func TestNixCacheInfo(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nix-cache-info", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "StoreDir: /nix/store")
}

func TestNarinfoGetRoundTrip(t *testing.T) {
	f := newFixture(t)
	basename := ingestPlain(t, f, "hello", []byte("hello, world\n"))
	outputHash := strings.SplitN(basename, "-", 2)[0]

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+outputHash+".narinfo", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "StorePath: /nix/store/"+basename)
	require.Contains(t, body, "URL: nar/")
	require.Contains(t, body, "Compression: none")
}

func TestNarinfoGetNotFound(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/00000000000000000000000000000000.narinfo", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNarGetRoundTrip(t *testing.T) {
	f := newFixture(t)
	ingestPlain(t, f, "hello", []byte("hello, world\n"))

	basename := ingestPlain(t, f, "greeting", []byte("hi there\n"))
	outputHash := strings.SplitN(basename, "-", 2)[0]

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+outputHash+".narinfo", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var narURL string
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, "URL: ") {
			narURL = strings.TrimPrefix(line, "URL: ")
		}
	}
	require.NotEmpty(t, narURL)

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+narURL, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	out, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Equal(t, "application/x-nix-archive", rec.Header().Get("Content-Type"))
	require.Contains(t, string(out), "hi there")
}

func TestNarGetNotFound(t *testing.T) {
	f := newFixture(t)

	alphabet52 := strings.Repeat("0", 52)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nar/"+alphabet52+".nar", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
}
