// Package transport performs the network exchange with the object store,
// transparently following service-issued redirects. Every redirect target is
// re-validated against the host filter and re-signed with the original
// credentials before the request is re-issued.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tablestream/s3pipe/internal/hostfilter"
	"github.com/tablestream/s3pipe/internal/monitoring"
	"github.com/tablestream/s3pipe/internal/signer"
)

// errorBodyLimit bounds how much of a failed response body is kept for the
// error message.
const errorBodyLimit = 4 * 1024

// Request describes one store exchange. Body is fully buffered by the caller
// so the transport can re-issue it to a redirect target.
type Request struct {
	Method      string
	URL         *url.URL
	Body        []byte
	ContentType string
	Credentials signer.Credentials
}

// Client issues signed requests and follows redirects up to a fixed bound.
// It is stateless across calls; the only per-operation state is the redirect
// attempt counter.
type Client struct {
	httpClient   *http.Client
	filter       *hostfilter.Filter
	signer       *signer.Signer
	maxRedirects int
	now          func() time.Time
	logger       *logrus.Entry
}

// New creates a transport Client. The http.Client never follows redirects on
// its own: the redirect loop lives here so the host filter and signer run on
// every hop.
func New(filter *hostfilter.Filter, sig *signer.Signer, maxRedirects int, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		filter:       filter,
		signer:       sig,
		maxRedirects: maxRedirects,
		now:          time.Now,
		logger:       logrus.WithField("component", "transport"),
	}
}

// Do executes the request, following redirects. On success the response is
// returned with its body open; the caller owns closing it. Non-2xx responses
// are drained, closed, and mapped to the error taxonomy.
func (c *Client) Do(ctx context.Context, req *Request) (*http.Response, error) {
	target := req.URL

	for attempt := 0; ; attempt++ {
		if err := c.filter.Check(target.Hostname()); err != nil {
			monitoring.HostsRejected.Inc()
			return nil, err
		}

		resp, err := c.issue(ctx, req, target)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", req.Method, target.Redacted(), err)
		}

		if isRedirect(resp.StatusCode) {
			next, err := redirectTarget(resp, target)
			drainAndClose(resp.Body)
			if err != nil {
				return nil, err
			}
			if attempt >= c.maxRedirects {
				return nil, &RedirectLimitError{Max: c.maxRedirects, LastURL: next.Redacted()}
			}

			c.logger.WithFields(logrus.Fields{
				"from":    target.Redacted(),
				"to":      next.Redacted(),
				"attempt": attempt + 1,
			}).Debug("Following store redirect")
			monitoring.RedirectsFollowed.Inc()

			target = next
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		drainAndClose(resp.Body)

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, &AuthRejectedError{Status: resp.StatusCode, Body: string(body)}
		}
		return nil, &RequestFailedError{Status: resp.StatusCode, Body: string(body)}
	}
}

// issue builds, signs, and sends a single request against the target URL.
// The original credentials are preserved across redirect hops.
func (c *Client) issue(ctx context.Context, req *Request, target *url.URL) (*http.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	httpReq.ContentLength = int64(len(req.Body))
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	payloadHash := signer.EmptyPayloadHash
	if len(req.Body) > 0 {
		payloadHash = signer.HashPayload(req.Body)
	}
	c.signer.Sign(httpReq, req.Credentials, payloadHash, c.now())

	return c.httpClient.Do(httpReq)
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func redirectTarget(resp *http.Response, current *url.URL) (*url.URL, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, &RequestFailedError{Status: resp.StatusCode, Body: "redirect response without Location header"}
	}
	next, err := url.Parse(loc)
	if err != nil {
		return nil, &RequestFailedError{Status: resp.StatusCode, Body: fmt.Sprintf("invalid redirect target %q", loc)}
	}
	return current.ResolveReference(next), nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, errorBodyLimit))
	_ = body.Close()
}
