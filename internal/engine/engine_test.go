package engine

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablestream/s3pipe/internal/config"
	"github.com/tablestream/s3pipe/internal/hostfilter"
	"github.com/tablestream/s3pipe/internal/location"
	"github.com/tablestream/s3pipe/internal/signer"
	"github.com/tablestream/s3pipe/internal/store/storetest"
	"github.com/tablestream/s3pipe/internal/transport"
	"github.com/tablestream/s3pipe/internal/upload"
)

func newTestEngine(allowedHosts []string) *Engine {
	cfg := config.Defaults()
	cfg.S3.AllowedRemoteHosts = allowedHosts
	cfg.S3.MinUploadPartSize = 1024
	cfg.S3.RequestTimeoutSeconds = 10
	return New(cfg)
}

func objectURL(backend *storetest.Server, key string) string {
	return backend.URL() + "/root/" + key
}

func readObject(t *testing.T, e *Engine, rawURL string, creds signer.Credentials) []byte {
	t.Helper()
	r, err := e.Read(context.Background(), rawURL, creds)
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestEngineWriteReadRoundTrip(t *testing.T) {
	backend := storetest.New()
	defer backend.Close()
	e := newTestEngine(nil)

	payload := []byte("1,2,3\n3,2,1\n78,43,45\n")
	creds := signer.Credentials{}

	err := e.Write(context.Background(), objectURL(backend, "test.csv"), creds, bytes.NewReader(payload))
	require.NoError(t, err)

	assert.Equal(t, payload, readObject(t, e, objectURL(backend, "test.csv"), creds))
}

func TestEngineOverwriteReplacesObject(t *testing.T) {
	backend := storetest.New()
	defer backend.Close()
	e := newTestEngine(nil)

	url := objectURL(backend, "test.csv")
	creds := signer.Credentials{}

	first := []byte("1,2,3\n3,2,1\n78,43,45\n")
	second := []byte("1,1,1\n1,1,1\n11,11,11\n")

	require.NoError(t, e.Write(context.Background(), url, creds, bytes.NewReader(first)))
	require.NoError(t, e.Write(context.Background(), url, creds, bytes.NewReader(second)))

	assert.Equal(t, second, readObject(t, e, url, creds))
}

func TestEngineMultipartRoundTrip(t *testing.T) {
	backend := storetest.New()
	defer backend.Close()
	e := newTestEngine(nil)

	var sb strings.Builder
	for sb.Len() < 3000 {
		sb.WriteString("543,58354,5435345\n")
	}
	payload := []byte(sb.String())

	url := objectURL(backend, "big.csv")
	require.NoError(t, e.Write(context.Background(), url, signer.Credentials{}, bytes.NewReader(payload)))
	assert.Equal(t, payload, readObject(t, e, url, signer.Credentials{}))

	var partPuts int
	for _, entry := range backend.AccessLog() {
		if strings.Contains(entry, "partNumber=") {
			partPuts++
		}
	}
	assert.Equal(t, 3, partPuts)
}

func TestEngineWriteWithCredentials(t *testing.T) {
	backend := storetest.NewWithAuth("minio", "minio123")
	defer backend.Close()
	e := newTestEngine(nil)

	creds := signer.Credentials{AccessKey: "minio", SecretKey: "minio123"}
	payload := []byte("1,2,3\n")
	url := objectURL(backend, "secured.csv")

	require.NoError(t, e.Write(context.Background(), url, creds, bytes.NewReader(payload)))
	assert.Equal(t, payload, readObject(t, e, url, creds))
}

func TestEngineRejectsBadCredentials(t *testing.T) {
	backend := storetest.NewWithAuth("minio", "minio123")
	defer backend.Close()
	e := newTestEngine(nil)

	badCreds := signer.Credentials{AccessKey: "minio", SecretKey: "wrong-secret"}

	// Wrong secret produces a valid-looking but unaccepted signature.
	err := e.Write(context.Background(), objectURL(backend, "secured.csv"), badCreds, strings.NewReader("1,2,3\n"))
	require.Error(t, err)
	var rejected *transport.AuthRejectedError
	require.ErrorAs(t, err, &rejected)

	// Nothing got stored.
	_, ok := backend.Object("root", "secured.csv")
	assert.False(t, ok)

	// Anonymous reads against an authenticated store are rejected too.
	_, err = e.Read(context.Background(), objectURL(backend, "secured.csv"), signer.Credentials{})
	require.ErrorAs(t, err, &rejected)
}

func TestEngineHostFilterBlocksBeforeNetwork(t *testing.T) {
	backend := storetest.New()
	defer backend.Close()
	e := newTestEngine([]string{"allowed.example.com"})

	err := e.Write(context.Background(), objectURL(backend, "test.csv"), signer.Credentials{}, strings.NewReader("1,2,3\n"))
	require.Error(t, err)

	var blocked *hostfilter.HostNotAllowedError
	require.ErrorAs(t, err, &blocked)
	assert.Contains(t, err.Error(), "not allowed in config")
	assert.Empty(t, backend.AccessLog(), "no request may reach the store for a disallowed host")

	_, err = e.Read(context.Background(), objectURL(backend, "test.csv"), signer.Credentials{})
	require.ErrorAs(t, err, &blocked)
	assert.Empty(t, backend.AccessLog())
}

func TestEngineFollowsRedirects(t *testing.T) {
	backend := storetest.New()
	defer backend.Close()
	front := storetest.NewRedirectFront(backend.URL())
	defer front.Close()

	e := newTestEngine(nil)
	payload := []byte("1,2,3\n3,2,1\n")
	url := front.URL() + "/root/redirected.csv"

	require.NoError(t, e.Write(context.Background(), url, signer.Credentials{}, bytes.NewReader(payload)))

	// The object landed on the backend and reads back through the front.
	data, ok := backend.Object("root", "redirected.csv")
	require.True(t, ok)
	assert.Equal(t, payload, data)
	assert.Equal(t, payload, readObject(t, e, url, signer.Credentials{}))
}

func TestEngineMalformedURL(t *testing.T) {
	e := newTestEngine(nil)

	_, err := e.Read(context.Background(), "ftp://host/bucket/key", signer.Credentials{})
	require.Error(t, err)
	var malformed *location.MalformedLocationError
	assert.ErrorAs(t, err, &malformed)
}

func TestEngineReadMissingObject(t *testing.T) {
	backend := storetest.New()
	defer backend.Close()
	e := newTestEngine(nil)

	_, err := e.Read(context.Background(), objectURL(backend, "does-not-exist.csv"), signer.Credentials{})
	require.Error(t, err)
	var failed *transport.RequestFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 404, failed.Status)
}

func TestEngineSourceFailureAbortsUpload(t *testing.T) {
	backend := storetest.New()
	defer backend.Close()
	e := newTestEngine(nil)

	src := io.MultiReader(
		bytes.NewReader(make([]byte, 2048)),
		&failingReader{},
	)
	err := e.Write(context.Background(), objectURL(backend, "torn.csv"), signer.Credentials{}, src)
	require.Error(t, err)

	assert.Equal(t, 1, backend.AbortCalls())
	assert.Zero(t, backend.OpenUploads())
	_, ok := backend.Object("root", "torn.csv")
	assert.False(t, ok)
}

func TestEnginePartFailureSurfacesPartError(t *testing.T) {
	backend := storetest.New()
	defer backend.Close()
	backend.FailPart(2)
	e := newTestEngine(nil)

	err := e.Write(context.Background(), objectURL(backend, "flaky.csv"), signer.Credentials{}, bytes.NewReader(make([]byte, 4096)))
	require.Error(t, err)

	var partErr *upload.PartUploadError
	require.ErrorAs(t, err, &partErr)
	assert.Equal(t, 2, partErr.PartNumber)
	assert.Equal(t, 1, backend.AbortCalls())
}

type failingReader struct{}

func (f *failingReader) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}
