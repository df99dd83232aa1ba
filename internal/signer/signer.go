// Package signer produces AWS Signature Version 4 authenticated requests for
// the object store, or anonymous requests when no credentials are supplied.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	// EmptyPayloadHash is the SHA-256 of a zero-length payload.
	EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	signingAlgorithm = "AWS4-HMAC-SHA256"
	timeFormat       = "20060102T150405Z"
	dateFormat       = "20060102"
)

// Credentials is an optional access-key/secret-key pair. The zero value means
// anonymous access. Credentials are owned by the operation that carries them
// and are never persisted.
type Credentials struct {
	AccessKey string
	SecretKey string
}

// Anonymous reports whether the credentials are absent.
func (c Credentials) Anonymous() bool {
	return c.AccessKey == "" && c.SecretKey == ""
}

// HashPayload returns the hex-encoded SHA-256 digest of the payload, as
// required for the x-amz-content-sha256 header.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%x", sum)
}

// Signer computes AWS Signature V4 signatures for a fixed region and service.
// Signing is deterministic given (request, payload hash, timestamp) and has no
// side effects besides setting headers, so redirect targets can be re-signed
// from the same inputs.
type Signer struct {
	Region  string
	Service string
}

// New creates a Signer for the S3 service in the given region.
func New(region string) *Signer {
	return &Signer{Region: region, Service: "s3"}
}

// Sign authenticates req with the given credentials. Anonymous credentials
// leave the request unsigned apart from the Host header. The payload hash is
// the hex SHA-256 of the request body (EmptyPayloadHash for bodyless
// requests).
func (s *Signer) Sign(req *http.Request, creds Credentials, payloadHash string, timestamp time.Time) {
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}
	if creds.Anonymous() {
		return
	}

	req.Header.Set("X-Amz-Date", timestamp.UTC().Format(timeFormat))
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	canonicalRequest, signedHeaders := s.canonicalRequest(req, payloadHash)
	stringToSign := s.stringToSign(canonicalRequest, timestamp)
	signature := s.signature(creds.SecretKey, stringToSign, timestamp)

	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		signingAlgorithm, creds.AccessKey, s.credentialScope(timestamp), signedHeaders, signature))
}

func (s *Signer) canonicalRequest(req *http.Request, payloadHash string) (string, string) {
	canonicalURI := req.URL.EscapedPath()
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	canonicalHeaders, signedHeaders := canonicalHeaders(req)

	canonical := strings.Join([]string{
		req.Method,
		canonicalURI,
		canonicalQueryString(req.URL.Query()),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	return canonical, signedHeaders
}

func canonicalQueryString(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	var params []string
	for key, vals := range values {
		for _, val := range vals {
			params = append(params, percentEncode(key)+"="+percentEncode(val))
		}
	}
	sort.Strings(params)
	return strings.Join(params, "&")
}

// percentEncode applies RFC 3986 percent-encoding. url.QueryEscape encodes
// spaces as "+", which the signature canonicalization does not accept.
func percentEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func canonicalHeaders(req *http.Request) (string, string) {
	headerMap := map[string]string{
		"host": req.URL.Host,
	}
	for name, values := range req.Header {
		lower := strings.ToLower(name)
		if lower == "authorization" {
			continue
		}
		headerMap[lower] = strings.Join(values, ",")
	}

	keys := make([]string, 0, len(headerMap))
	for key := range headerMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var lines []string
	for _, key := range keys {
		lines = append(lines, key+":"+strings.TrimSpace(headerMap[key]))
	}

	return strings.Join(lines, "\n") + "\n", strings.Join(keys, ";")
}

func (s *Signer) stringToSign(canonicalRequest string, timestamp time.Time) string {
	return strings.Join([]string{
		signingAlgorithm,
		timestamp.UTC().Format(timeFormat),
		s.credentialScope(timestamp),
		fmt.Sprintf("%x", sha256.Sum256([]byte(canonicalRequest))),
	}, "\n")
}

func (s *Signer) credentialScope(timestamp time.Time) string {
	return fmt.Sprintf("%s/%s/%s/aws4_request", timestamp.UTC().Format(dateFormat), s.Region, s.Service)
}

func (s *Signer) signature(secretKey, stringToSign string, timestamp time.Time) string {
	dateKey := hmacSHA256([]byte("AWS4"+secretKey), timestamp.UTC().Format(dateFormat))
	regionKey := hmacSHA256(dateKey, s.Region)
	serviceKey := hmacSHA256(regionKey, s.Service)
	signingKey := hmacSHA256(serviceKey, "aws4_request")
	return fmt.Sprintf("%x", hmacSHA256(signingKey, stringToSign))
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}
