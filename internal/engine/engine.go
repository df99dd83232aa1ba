// Package engine is the orchestration layer of the embedded S3 client. One
// engine serves many concurrent operations; the only shared state is the
// read-only host allow-list.
package engine

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tablestream/s3pipe/internal/config"
	"github.com/tablestream/s3pipe/internal/download"
	"github.com/tablestream/s3pipe/internal/hostfilter"
	"github.com/tablestream/s3pipe/internal/location"
	"github.com/tablestream/s3pipe/internal/monitoring"
	"github.com/tablestream/s3pipe/internal/signer"
	"github.com/tablestream/s3pipe/internal/store"
	"github.com/tablestream/s3pipe/internal/transport"
	"github.com/tablestream/s3pipe/internal/upload"
)

// Engine wires the URI resolver, host filter, signer, transport, and the
// upload/download managers into the two operations the table function needs.
type Engine struct {
	cfg    *config.Config
	filter *hostfilter.Filter
	store  *store.Client
	logger *logrus.Entry
}

// New creates an Engine from the loaded configuration.
func New(cfg *config.Config) *Engine {
	filter := hostfilter.New(cfg.S3.AllowedRemoteHosts)
	sig := signer.New(cfg.S3.Region)
	t := transport.New(filter, sig, cfg.S3.MaxRedirects,
		time.Duration(cfg.S3.RequestTimeoutSeconds)*time.Second)

	logger := logrus.WithField("component", "engine")
	logger.WithFields(logrus.Fields{
		"allowed_hosts":        cfg.S3.AllowedRemoteHosts,
		"min_upload_part_size": cfg.S3.MinUploadPartSize,
		"max_redirects":        cfg.S3.MaxRedirects,
	}).Info("Initialized S3 streaming engine")

	return &Engine{
		cfg:    cfg,
		filter: filter,
		store:  store.New(t),
		logger: logger,
	}
}

// Write streams rows from r into the object at rawURL. Payloads below the
// configured minimum part size are stored with one PUT; larger streams go
// through a multipart session that is aborted on any failure or
// cancellation.
func (e *Engine) Write(ctx context.Context, rawURL string, creds signer.Credentials, r io.Reader) error {
	started := time.Now()
	opID := uuid.NewString()

	loc, err := e.prepare(rawURL, creds, opID, "write")
	if err != nil {
		monitoring.OperationsTotal.WithLabelValues("write", "rejected").Inc()
		return err
	}

	w := upload.NewWriter(ctx, e.store, loc, creds, int(e.cfg.S3.MinUploadPartSize))
	written, err := io.Copy(w, r)
	if err != nil {
		// The writer aborts its own session on commit failures; source read
		// errors still hold an open session that must be released here.
		_ = w.Abort()
		monitoring.OperationsTotal.WithLabelValues("write", "error").Inc()
		return err
	}
	if err := w.Close(); err != nil {
		monitoring.OperationsTotal.WithLabelValues("write", "error").Inc()
		return err
	}

	monitoring.OperationsTotal.WithLabelValues("write", "ok").Inc()
	monitoring.OperationDuration.WithLabelValues("write").Observe(time.Since(started).Seconds())

	e.logger.WithFields(logrus.Fields{
		"operation_id": opID,
		"bucket":       loc.Bucket,
		"key":          loc.Key,
		"bytes":        written,
		"duration":     time.Since(started),
	}).Info("Write operation finished")
	return nil
}

// Read opens the object at rawURL as a lazy chunk stream. The caller owns
// closing the returned reader; reading again requires a new Read call.
func (e *Engine) Read(ctx context.Context, rawURL string, creds signer.Credentials) (*download.Reader, error) {
	opID := uuid.NewString()

	loc, err := e.prepare(rawURL, creds, opID, "read")
	if err != nil {
		monitoring.OperationsTotal.WithLabelValues("read", "rejected").Inc()
		return nil, err
	}

	body, err := e.store.GetObject(ctx, loc, creds)
	if err != nil {
		monitoring.OperationsTotal.WithLabelValues("read", "error").Inc()
		return nil, err
	}

	monitoring.OperationsTotal.WithLabelValues("read", "ok").Inc()
	e.logger.WithFields(logrus.Fields{
		"operation_id": opID,
		"bucket":       loc.Bucket,
		"key":          loc.Key,
	}).Info("Read stream opened")
	return download.NewReader(body), nil
}

// prepare resolves the location and runs the host filter before any network
// call is made. The transport re-runs the filter for every redirect target.
func (e *Engine) prepare(rawURL string, creds signer.Credentials, opID, op string) (*location.Location, error) {
	loc, err := location.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if err := e.filter.Check(loc.Host); err != nil {
		monitoring.HostsRejected.Inc()
		e.logger.WithFields(logrus.Fields{
			"operation_id": opID,
			"operation":    op,
			"host":         loc.Host,
		}).Warn("Host rejected by remote host filter")
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"operation_id": opID,
		"operation":    op,
		"bucket":       loc.Bucket,
		"key":          loc.Key,
		"host":         loc.Host,
		"anonymous":    creds.Anonymous(),
	}).Debug("Resolved object location")
	return loc, nil
}
