// Package upload turns an unbounded outbound byte stream into either one
// direct PUT or a multipart upload sequence, buffering parts up to the
// configured minimum part size.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tablestream/s3pipe/internal/location"
	"github.com/tablestream/s3pipe/internal/monitoring"
	"github.com/tablestream/s3pipe/internal/signer"
	"github.com/tablestream/s3pipe/internal/store"
)

// DefaultMinPartSize matches the smallest part size most stores accept.
const DefaultMinPartSize = 5 * 1024 * 1024

// abortTimeout bounds the cleanup call issued after a failure or
// cancellation. Cleanup runs on its own context because the operation's
// context may already be dead.
const abortTimeout = 30 * time.Second

// PartUploadError wraps a failure while committing one part. By the time the
// caller sees it the server-side session has already been aborted.
type PartUploadError struct {
	PartNumber int
	Err        error
}

func (e *PartUploadError) Error() string {
	return fmt.Sprintf("upload of part %d failed: %v", e.PartNumber, e.Err)
}

func (e *PartUploadError) Unwrap() error { return e.Err }

// Writer streams bytes to one object. It buffers until the buffer reaches the
// minimum part size, then commits the buffer as the next part. If the whole
// stream stays below the threshold no multipart session is ever created and
// Close issues a single PUT instead.
//
// Writer is not safe for concurrent use; parts are committed strictly in
// stream order.
type Writer struct {
	store       *store.Client
	loc         *location.Location
	creds       signer.Credentials
	minPartSize int

	ctx      context.Context
	buf      bytes.Buffer
	uploadID string
	parts    []store.Part
	closed   bool
	logger   *logrus.Entry
}

// NewWriter creates a Writer for the given object. minPartSize below 1 falls
// back to DefaultMinPartSize.
func NewWriter(ctx context.Context, s *store.Client, loc *location.Location, creds signer.Credentials, minPartSize int) *Writer {
	if minPartSize < 1 {
		minPartSize = DefaultMinPartSize
	}
	return &Writer{
		store:       s,
		loc:         loc,
		creds:       creds,
		minPartSize: minPartSize,
		ctx:         ctx,
		logger: logrus.WithFields(logrus.Fields{
			"component": "upload-writer",
			"bucket":    loc.Bucket,
			"key":       loc.Key,
		}),
	}
}

// Write buffers p and commits full parts as the buffer crosses the minimum
// part size. A failed part commit aborts the multipart session before the
// error is returned.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("write to closed upload writer for %s/%s", w.loc.Bucket, w.loc.Key)
	}
	if err := w.ctx.Err(); err != nil {
		return 0, w.failf(err, "upload cancelled")
	}

	w.buf.Write(p)
	for w.buf.Len() >= w.minPartSize {
		if err := w.commitPart(w.buf.Next(w.minPartSize)); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes the remaining buffer and finalizes the object: a single PUT
// when no multipart session was started, otherwise the final (possibly
// undersized) part followed by CompleteMultipartUpload.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.ctx.Err(); err != nil {
		return w.failf(err, "upload cancelled")
	}

	if w.uploadID == "" {
		// Entire stream fits below the part threshold.
		if err := w.store.PutObject(w.ctx, w.loc, w.creds, w.buf.Bytes()); err != nil {
			return err
		}
		monitoring.BytesWritten.Add(float64(w.buf.Len()))
		return nil
	}

	if w.buf.Len() > 0 {
		// Only the final part may be smaller than the minimum.
		if err := w.commitFinalPart(w.buf.Next(w.buf.Len())); err != nil {
			return err
		}
	}

	if err := w.store.CompleteMultipartUpload(w.ctx, w.loc, w.creds, w.uploadID, w.parts); err != nil {
		return w.failf(err, "complete failed")
	}

	w.logger.WithFields(logrus.Fields{
		"upload_id": w.uploadID,
		"parts":     len(w.parts),
	}).Debug("Finished multipart upload")
	return nil
}

// Abort tears down an in-progress multipart session without finishing the
// object. It is a no-op when nothing was started or the writer already
// closed.
func (w *Writer) Abort() error {
	if w.closed || w.uploadID == "" {
		w.closed = true
		return nil
	}
	w.closed = true
	return w.abortSession()
}

func (w *Writer) commitPart(data []byte) error {
	if w.uploadID == "" {
		uploadID, err := w.store.CreateMultipartUpload(w.ctx, w.loc, w.creds)
		if err != nil {
			return err
		}
		w.uploadID = uploadID
	}

	partNumber := len(w.parts) + 1
	part, err := w.store.UploadPart(w.ctx, w.loc, w.creds, w.uploadID, partNumber, data)
	if err != nil {
		w.closed = true
		abortErr := w.abortSession()
		if abortErr != nil {
			return fmt.Errorf("abort after part failure also failed: %v: %w", abortErr, &PartUploadError{PartNumber: partNumber, Err: err})
		}
		return &PartUploadError{PartNumber: partNumber, Err: err}
	}

	w.parts = append(w.parts, part)
	monitoring.PartsCommitted.Inc()
	monitoring.BytesWritten.Add(float64(len(data)))
	return nil
}

// commitFinalPart is commitPart for the tail of the stream; the session is
// guaranteed to exist at this point.
func (w *Writer) commitFinalPart(data []byte) error {
	partNumber := len(w.parts) + 1
	part, err := w.store.UploadPart(w.ctx, w.loc, w.creds, w.uploadID, partNumber, data)
	if err != nil {
		abortErr := w.abortSession()
		if abortErr != nil {
			return fmt.Errorf("abort after part failure also failed: %v: %w", abortErr, &PartUploadError{PartNumber: partNumber, Err: err})
		}
		return &PartUploadError{PartNumber: partNumber, Err: err}
	}
	w.parts = append(w.parts, part)
	monitoring.PartsCommitted.Inc()
	monitoring.BytesWritten.Add(float64(len(data)))
	return nil
}

// failf aborts any open session and returns the original error wrapped with
// context. Cleanup failures are reported in place of the original error only
// when the abort itself fails.
func (w *Writer) failf(err error, msg string) error {
	w.closed = true
	if w.uploadID != "" {
		if abortErr := w.abortSession(); abortErr != nil {
			return fmt.Errorf("%s for %s/%s; abort also failed: %v: %w", msg, w.loc.Bucket, w.loc.Key, abortErr, err)
		}
	}
	return fmt.Errorf("%s for %s/%s: %w", msg, w.loc.Bucket, w.loc.Key, err)
}

// abortSession releases server-side part storage. It uses a fresh context so
// cleanup still runs when the operation's context was cancelled.
func (w *Writer) abortSession() error {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()

	w.logger.WithField("upload_id", w.uploadID).Warn("Aborting multipart upload")
	monitoring.UploadsAborted.Inc()

	if err := w.store.AbortMultipartUpload(ctx, w.loc, w.creds, w.uploadID); err != nil {
		w.logger.WithError(err).WithField("upload_id", w.uploadID).Error("Failed to abort multipart upload")
		return err
	}
	return nil
}
