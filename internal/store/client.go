// Package store speaks the object store's HTTP protocol: single-object PUT
// and GET plus the initiate/upload-part/complete/abort multipart verbs. All
// exchanges go through the redirect-following transport.
package store

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/tablestream/s3pipe/internal/location"
	"github.com/tablestream/s3pipe/internal/signer"
	"github.com/tablestream/s3pipe/internal/transport"
)

// Client implements the store protocol on top of a transport.Client.
type Client struct {
	transport *transport.Client
	logger    *logrus.Entry
}

// New creates a store client.
func New(t *transport.Client) *Client {
	return &Client{
		transport: t,
		logger:    logrus.WithField("component", "store-client"),
	}
}

// PutObject stores the whole payload under the location's key with a single
// PUT.
func (c *Client) PutObject(ctx context.Context, loc *location.Location, creds signer.Credentials, payload []byte) error {
	resp, err := c.transport.Do(ctx, &transport.Request{
		Method:      http.MethodPut,
		URL:         loc.URL(""),
		Body:        payload,
		Credentials: creds,
	})
	if err != nil {
		return err
	}
	discard(resp)

	c.logger.WithFields(logrus.Fields{
		"bucket": loc.Bucket,
		"key":    loc.Key,
		"size":   len(payload),
	}).Debug("Stored object with single PUT")
	return nil
}

// GetObject issues a GET and returns the response body as an open byte
// stream. The caller owns closing it.
func (c *Client) GetObject(ctx context.Context, loc *location.Location, creds signer.Credentials) (io.ReadCloser, error) {
	resp, err := c.transport.Do(ctx, &transport.Request{
		Method:      http.MethodGet,
		URL:         loc.URL(""),
		Credentials: creds,
	})
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"bucket": loc.Bucket,
		"key":    loc.Key,
		"length": resp.ContentLength,
	}).Debug("Opened object read stream")
	return resp.Body, nil
}

// CreateMultipartUpload starts a multipart session and returns its upload ID.
func (c *Client) CreateMultipartUpload(ctx context.Context, loc *location.Location, creds signer.Credentials) (string, error) {
	resp, err := c.transport.Do(ctx, &transport.Request{
		Method:      http.MethodPost,
		URL:         loc.URL("uploads="),
		Credentials: creds,
	})
	if err != nil {
		return "", err
	}
	defer discard(resp)

	var result initiateMultipartUploadResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse initiate multipart response: %w", err)
	}
	if result.UploadID == "" {
		return "", fmt.Errorf("store returned an empty upload ID for %s/%s", loc.Bucket, loc.Key)
	}

	c.logger.WithFields(logrus.Fields{
		"bucket":    loc.Bucket,
		"key":       loc.Key,
		"upload_id": result.UploadID,
	}).Debug("Initiated multipart upload")
	return result.UploadID, nil
}

// UploadPart commits one part and returns the descriptor recorded by the
// store.
func (c *Client) UploadPart(ctx context.Context, loc *location.Location, creds signer.Credentials, uploadID string, partNumber int, payload []byte) (Part, error) {
	query := url.Values{
		"partNumber": []string{strconv.Itoa(partNumber)},
		"uploadId":   []string{uploadID},
	}
	resp, err := c.transport.Do(ctx, &transport.Request{
		Method:      http.MethodPut,
		URL:         loc.URL(query.Encode()),
		Body:        payload,
		Credentials: creds,
	})
	if err != nil {
		return Part{}, err
	}
	etag := resp.Header.Get("ETag")
	discard(resp)

	if etag == "" {
		return Part{}, fmt.Errorf("store returned no ETag for part %d of upload %s", partNumber, uploadID)
	}

	c.logger.WithFields(logrus.Fields{
		"bucket":      loc.Bucket,
		"key":         loc.Key,
		"upload_id":   uploadID,
		"part_number": partNumber,
		"size":        len(payload),
		"etag":        etag,
	}).Debug("Uploaded part")
	return Part{Number: partNumber, ETag: etag}, nil
}

// CompleteMultipartUpload finalizes the session with the ordered part list;
// the store concatenates the parts.
func (c *Client) CompleteMultipartUpload(ctx context.Context, loc *location.Location, creds signer.Credentials, uploadID string, parts []Part) error {
	body := completeMultipartUpload{}
	for _, p := range parts {
		body.Parts = append(body.Parts, completePart{PartNumber: p.Number, ETag: p.ETag})
	}
	payload, err := xml.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal complete multipart request: %w", err)
	}

	query := url.Values{"uploadId": []string{uploadID}}
	resp, err := c.transport.Do(ctx, &transport.Request{
		Method:      http.MethodPost,
		URL:         loc.URL(query.Encode()),
		Body:        payload,
		ContentType: "application/xml",
		Credentials: creds,
	})
	if err != nil {
		return err
	}
	discard(resp)

	c.logger.WithFields(logrus.Fields{
		"bucket":    loc.Bucket,
		"key":       loc.Key,
		"upload_id": uploadID,
		"parts":     len(parts),
	}).Debug("Completed multipart upload")
	return nil
}

// AbortMultipartUpload releases the server-side resources of an unfinished
// session.
func (c *Client) AbortMultipartUpload(ctx context.Context, loc *location.Location, creds signer.Credentials, uploadID string) error {
	query := url.Values{"uploadId": []string{uploadID}}
	resp, err := c.transport.Do(ctx, &transport.Request{
		Method:      http.MethodDelete,
		URL:         loc.URL(query.Encode()),
		Credentials: creds,
	})
	if err != nil {
		return err
	}
	discard(resp)

	c.logger.WithFields(logrus.Fields{
		"bucket":    loc.Bucket,
		"key":       loc.Key,
		"upload_id": uploadID,
	}).Debug("Aborted multipart upload")
	return nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
