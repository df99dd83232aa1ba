// Package location resolves user-supplied object store URLs into their
// scheme/host/port/bucket/key components.
package location

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Location is a fully resolved object store endpoint. It is created once per
// operation from a raw URL string and is immutable afterwards.
type Location struct {
	Scheme string
	Host   string
	Port   int
	Bucket string
	Key    string
}

// MalformedLocationError is returned when a raw URL cannot be resolved into a
// Location.
type MalformedLocationError struct {
	RawURL string
	Reason string
}

func (e *MalformedLocationError) Error() string {
	return fmt.Sprintf("malformed S3 location %q: %s", e.RawURL, e.Reason)
}

// Parse resolves a raw URL of the form scheme://host[:port]/bucket/key into a
// Location. Only http and https schemes are supported; bucket and key must
// both be present in the path.
func Parse(rawURL string) (*Location, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &MalformedLocationError{RawURL: rawURL, Reason: err.Error()}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, &MalformedLocationError{RawURL: rawURL, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	host := u.Hostname()
	if host == "" {
		return nil, &MalformedLocationError{RawURL: rawURL, Reason: "missing host"}
	}

	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return nil, &MalformedLocationError{RawURL: rawURL, Reason: fmt.Sprintf("invalid port %q", p)}
		}
	} else {
		port = defaultPort(scheme)
	}

	bucket, key, err := splitBucketKey(u.Path)
	if err != nil {
		return nil, &MalformedLocationError{RawURL: rawURL, Reason: err.Error()}
	}

	return &Location{
		Scheme: scheme,
		Host:   host,
		Port:   port,
		Bucket: bucket,
		Key:    key,
	}, nil
}

// FromURL resolves an already parsed URL, typically a redirect target. The
// same validation rules as Parse apply.
func FromURL(u *url.URL) (*Location, error) {
	return Parse(u.String())
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

func splitBucketKey(path string) (string, string, error) {
	trimmed := strings.TrimPrefix(path, "/")
	bucket, key, found := strings.Cut(trimmed, "/")
	if !found || bucket == "" {
		return "", "", fmt.Errorf("path %q does not contain a bucket", path)
	}
	if key == "" {
		return "", "", fmt.Errorf("path %q does not contain an object key", path)
	}
	return bucket, key, nil
}

// HostPort returns the host joined with the port, suitable for an HTTP Host
// header or dialing.
func (l *Location) HostPort() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// URL builds the object URL for this location with the given extra query
// string (may be empty).
func (l *Location) URL(rawQuery string) *url.URL {
	return &url.URL{
		Scheme:   l.Scheme,
		Host:     l.hostForURL(),
		Path:     "/" + l.Bucket + "/" + l.Key,
		RawQuery: rawQuery,
	}
}

// hostForURL omits the port when it matches the scheme default, keeping URLs
// in the form the caller supplied them.
func (l *Location) hostForURL() string {
	if l.Port == defaultPort(l.Scheme) {
		return l.Host
	}
	return l.HostPort()
}

func (l *Location) String() string {
	return l.URL("").String()
}
