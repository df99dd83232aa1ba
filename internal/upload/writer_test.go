package upload

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablestream/s3pipe/internal/hostfilter"
	"github.com/tablestream/s3pipe/internal/location"
	"github.com/tablestream/s3pipe/internal/signer"
	"github.com/tablestream/s3pipe/internal/store"
	"github.com/tablestream/s3pipe/internal/store/storetest"
	"github.com/tablestream/s3pipe/internal/transport"
)

const testMinPartSize = 1024

func newTestClient() *store.Client {
	return store.New(transport.New(hostfilter.New(nil), signer.New("us-east-1"), 10, 10*time.Second))
}

func testLocation(t *testing.T, backend *storetest.Server, key string) *location.Location {
	t.Helper()
	loc, err := location.Parse(backend.URL() + "/root/" + key)
	require.NoError(t, err)
	return loc
}

func writeAll(t *testing.T, w *Writer, payload []byte, chunk int) {
	t.Helper()
	for off := 0; off < len(payload); off += chunk {
		end := off + chunk
		if end > len(payload) {
			end = len(payload)
		}
		n, err := w.Write(payload[off:end])
		require.NoError(t, err)
		require.Equal(t, end-off, n)
	}
}

func TestWriterSinglePutBelowThreshold(t *testing.T) {
	backend := storetest.New()
	defer backend.Close()

	payload := []byte("1,2,3\n3,2,1\n78,43,45\n")
	w := NewWriter(context.Background(), newTestClient(), testLocation(t, backend, "test.csv"), signer.Credentials{}, testMinPartSize)
	writeAll(t, w, payload, 7)
	require.NoError(t, w.Close())

	data, ok := backend.Object("root", "test.csv")
	require.True(t, ok)
	assert.Equal(t, payload, data)

	// Exactly one PUT and no multipart traffic.
	var puts, multipart int
	for _, entry := range backend.AccessLog() {
		if strings.HasPrefix(entry, "PUT ") {
			puts++
		}
		if strings.Contains(entry, "uploadId") || strings.Contains(entry, "uploads") {
			multipart++
		}
	}
	assert.Equal(t, 1, puts)
	assert.Zero(t, multipart)
}

func TestWriterMultipartPartCount(t *testing.T) {
	tests := []struct {
		name          string
		payloadSize   int
		expectedParts int
	}{
		{name: "exactly one part", payloadSize: testMinPartSize, expectedParts: 1},
		{name: "one and a half parts", payloadSize: testMinPartSize + testMinPartSize/2, expectedParts: 2},
		{name: "exact multiple", payloadSize: 3 * testMinPartSize, expectedParts: 3},
		{name: "multiple with short tail", payloadSize: 3*testMinPartSize + 1, expectedParts: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := storetest.New()
			defer backend.Close()

			payload := make([]byte, tt.payloadSize)
			for i := range payload {
				payload[i] = byte('a' + i%26)
			}

			w := NewWriter(context.Background(), newTestClient(), testLocation(t, backend, "test_multipart.csv"), signer.Credentials{}, testMinPartSize)
			writeAll(t, w, payload, 333)
			require.NoError(t, w.Close())

			data, ok := backend.Object("root", "test_multipart.csv")
			require.True(t, ok)
			assert.Equal(t, payload, data, "concatenation of parts must equal the original payload")

			var partPuts int
			for _, entry := range backend.AccessLog() {
				if strings.HasPrefix(entry, "PUT ") && strings.Contains(entry, "partNumber=") {
					partPuts++
				}
			}
			assert.Equal(t, tt.expectedParts, partPuts)
			assert.Zero(t, backend.OpenUploads(), "session must be gone after completion")
		})
	}
}

func TestWriterPartNumbersAreContiguous(t *testing.T) {
	backend := storetest.New()
	defer backend.Close()

	payload := make([]byte, 3*testMinPartSize)
	w := NewWriter(context.Background(), newTestClient(), testLocation(t, backend, "ordered.bin"), signer.Credentials{}, testMinPartSize)
	writeAll(t, w, payload, testMinPartSize)
	require.NoError(t, w.Close())

	var partNumbers []string
	for _, entry := range backend.AccessLog() {
		if idx := strings.Index(entry, "partNumber="); idx >= 0 {
			rest := entry[idx+len("partNumber="):]
			if amp := strings.IndexByte(rest, '&'); amp >= 0 {
				rest = rest[:amp]
			}
			partNumbers = append(partNumbers, rest)
		}
	}
	assert.Equal(t, []string{"1", "2", "3"}, partNumbers)
}

func TestWriterAbortsOnPartFailure(t *testing.T) {
	backend := storetest.New()
	defer backend.Close()
	backend.FailPart(2)

	payload := make([]byte, 3*testMinPartSize)
	w := NewWriter(context.Background(), newTestClient(), testLocation(t, backend, "broken.bin"), signer.Credentials{}, testMinPartSize)

	_, err := w.Write(payload)
	require.Error(t, err)

	var partErr *PartUploadError
	require.ErrorAs(t, err, &partErr)
	assert.Equal(t, 2, partErr.PartNumber)

	var failed *transport.RequestFailedError
	assert.ErrorAs(t, err, &failed)

	// Exactly one abort, and nothing readable at the key.
	assert.Equal(t, 1, backend.AbortCalls())
	assert.Zero(t, backend.OpenUploads())
	_, ok := backend.Object("root", "broken.bin")
	assert.False(t, ok)

	// The writer is unusable afterwards.
	_, err = w.Write([]byte("more"))
	require.Error(t, err)
}

func TestWriterAbortsOnCancellation(t *testing.T) {
	backend := storetest.New()
	defer backend.Close()

	ctx, cancel := context.WithCancel(context.Background())
	payload := make([]byte, 2*testMinPartSize)

	w := NewWriter(ctx, newTestClient(), testLocation(t, backend, "cancelled.bin"), signer.Credentials{}, testMinPartSize)
	_, err := w.Write(payload)
	require.NoError(t, err)

	cancel()
	_, err = w.Write([]byte("after cancel"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// The server-side session was released before the cancellation
	// propagated.
	assert.Equal(t, 1, backend.AbortCalls())
	assert.Zero(t, backend.OpenUploads())
}

func TestWriterCloseAfterCancellationAborts(t *testing.T) {
	backend := storetest.New()
	defer backend.Close()

	ctx, cancel := context.WithCancel(context.Background())
	payload := make([]byte, 2*testMinPartSize)

	w := NewWriter(ctx, newTestClient(), testLocation(t, backend, "cancelled2.bin"), signer.Credentials{}, testMinPartSize)
	_, err := w.Write(payload)
	require.NoError(t, err)

	cancel()
	err = w.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, backend.AbortCalls())
}

func TestWriterExplicitAbort(t *testing.T) {
	backend := storetest.New()
	defer backend.Close()

	payload := make([]byte, 2*testMinPartSize)
	w := NewWriter(context.Background(), newTestClient(), testLocation(t, backend, "aborted.bin"), signer.Credentials{}, testMinPartSize)
	_, err := w.Write(payload)
	require.NoError(t, err)

	require.NoError(t, w.Abort())
	assert.Equal(t, 1, backend.AbortCalls())
	assert.Zero(t, backend.OpenUploads())

	// Abort before any part was committed is a no-op.
	w2 := NewWriter(context.Background(), newTestClient(), testLocation(t, backend, "empty.bin"), signer.Credentials{}, testMinPartSize)
	require.NoError(t, w2.Abort())
	assert.Equal(t, 1, backend.AbortCalls())
}

func TestWriterEmptyPayload(t *testing.T) {
	backend := storetest.New()
	defer backend.Close()

	w := NewWriter(context.Background(), newTestClient(), testLocation(t, backend, "empty.csv"), signer.Credentials{}, testMinPartSize)
	require.NoError(t, w.Close())

	data, ok := backend.Object("root", "empty.csv")
	require.True(t, ok)
	assert.Empty(t, data)
}

func TestWriterDefaultMinPartSize(t *testing.T) {
	backend := storetest.New()
	defer backend.Close()

	w := NewWriter(context.Background(), newTestClient(), testLocation(t, backend, "x"), signer.Credentials{}, 0)
	assert.Equal(t, DefaultMinPartSize, w.minPartSize)
	require.NoError(t, w.Close())
}
