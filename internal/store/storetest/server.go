// Package storetest provides an in-memory S3-compatible server for tests: it
// understands single PUT/GET and the multipart initiate/part/complete/abort
// verbs, records an access log, and can simulate per-part failures. A
// redirect front can be placed before it to exercise the transport's
// redirect handling.
package storetest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tablestream/s3pipe/internal/signer"
)

type multipartSession struct {
	bucket string
	key    string
	parts  map[int][]byte
	etags  map[int]string
}

// Server is the fake store. All exported accessors are safe for concurrent
// use.
type Server struct {
	httpServer *httptest.Server

	mu         sync.Mutex
	objects    map[string][]byte
	uploads    map[string]*multipartSession
	nextUpload int
	accessLog  []string
	abortCalls int
	failParts  map[int]bool

	accessKey string
	secretKey string
}

// New starts an anonymous-access fake store.
func New() *Server {
	return start("", "")
}

// NewWithAuth starts a fake store that rejects requests whose SigV4
// credential does not carry the given access key.
func NewWithAuth(accessKey, secretKey string) *Server {
	return start(accessKey, secretKey)
}

func start(accessKey, secretKey string) *Server {
	s := &Server{
		objects:   make(map[string][]byte),
		uploads:   make(map[string]*multipartSession),
		failParts: make(map[int]bool),
		accessKey: accessKey,
		secretKey: secretKey,
	}
	s.httpServer = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the base URL of the fake store.
func (s *Server) URL() string { return s.httpServer.URL }

// Host returns the hostname (without port) the fake store listens on.
func (s *Server) Host() string {
	u, _ := url.Parse(s.httpServer.URL)
	return u.Hostname()
}

// Close shuts the server down.
func (s *Server) Close() { s.httpServer.Close() }

// Object returns the stored bytes for bucket/key.
func (s *Server) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+key]
	return data, ok
}

// AccessLog returns one entry per received request, "METHOD /path?query".
func (s *Server) AccessLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.accessLog...)
}

// AbortCalls returns how many multipart abort requests were received.
func (s *Server) AbortCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortCalls
}

// OpenUploads returns how many multipart sessions are still open.
func (s *Server) OpenUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// FailPart makes the upload of the given part number answer 500.
func (s *Server) FailPart(partNumber int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failParts[partNumber] = true
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.accessLog = append(s.accessLog, r.Method+" "+r.URL.RequestURI())
	s.mu.Unlock()

	if !s.authorized(r) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `<Error><Code>AccessDenied</Code><Message>Access Denied.</Message></Error>`)
		return
	}

	bucket, key, ok := splitPath(r.URL.Path)
	if !ok {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()

	switch {
	case r.Method == http.MethodPost && q.Has("uploads"):
		s.initiateUpload(w, bucket, key)
	case r.Method == http.MethodPut && q.Has("uploadId"):
		s.uploadPart(w, r, q)
	case r.Method == http.MethodPost && q.Has("uploadId"):
		s.completeUpload(w, q)
	case r.Method == http.MethodDelete && q.Has("uploadId"):
		s.abortUpload(w, q)
	case r.Method == http.MethodPut:
		s.putObject(w, r, bucket, key)
	case r.Method == http.MethodGet:
		s.getObject(w, bucket, key)
	default:
		http.Error(w, "unsupported", http.StatusMethodNotAllowed)
	}
}

// authorized verifies the SigV4 Authorization header against the configured
// key pair: the credential must name the access key, and the signature must
// match one re-derived from the configured secret over the headers the
// client claims to have signed. A right access key with a wrong secret is
// rejected.
func (s *Server) authorized(r *http.Request) bool {
	if s.accessKey == "" {
		return true
	}

	credential, signedHeaders, gotSignature, ok := parseAuthorization(r.Header.Get("Authorization"))
	if !ok {
		return false
	}
	scope := strings.Split(credential, "/")
	if len(scope) != 5 || scope[0] != s.accessKey {
		return false
	}
	region := scope[2]

	timestamp, err := time.Parse("20060102T150405Z", r.Header.Get("X-Amz-Date"))
	if err != nil {
		return false
	}

	return s.expectedSignature(r, signedHeaders, region, timestamp) == gotSignature
}

// parseAuthorization splits a SigV4 Authorization header into its credential,
// signed-headers, and signature clauses.
func parseAuthorization(auth string) (credential, signedHeaders, signature string, ok bool) {
	const prefix = "AWS4-HMAC-SHA256 "
	if !strings.HasPrefix(auth, prefix) {
		return "", "", "", false
	}
	for _, clause := range strings.Split(auth[len(prefix):], ", ") {
		switch {
		case strings.HasPrefix(clause, "Credential="):
			credential = strings.TrimPrefix(clause, "Credential=")
		case strings.HasPrefix(clause, "SignedHeaders="):
			signedHeaders = strings.TrimPrefix(clause, "SignedHeaders=")
		case strings.HasPrefix(clause, "Signature="):
			signature = strings.TrimPrefix(clause, "Signature=")
		}
	}
	return credential, signedHeaders, signature, credential != "" && signedHeaders != "" && signature != ""
}

// expectedSignature re-signs the incoming request with the configured secret,
// using only the headers listed in SignedHeaders, and returns the resulting
// signature.
func (s *Server) expectedSignature(r *http.Request, signedHeaders, region string, timestamp time.Time) string {
	clone := &http.Request{
		Method: r.Method,
		URL: &url.URL{
			Host:     r.Host,
			Path:     r.URL.Path,
			RawPath:  r.URL.RawPath,
			RawQuery: r.URL.RawQuery,
		},
		Header: make(http.Header),
	}
	for _, name := range strings.Split(signedHeaders, ";") {
		if name == "host" {
			continue
		}
		key := http.CanonicalHeaderKey(name)
		if vals := r.Header.Values(key); len(vals) > 0 {
			clone.Header[key] = append([]string(nil), vals...)
		}
	}

	sig := signer.New(region)
	sig.Sign(clone, signer.Credentials{AccessKey: s.accessKey, SecretKey: s.secretKey},
		r.Header.Get("X-Amz-Content-Sha256"), timestamp)

	_, _, signature, _ := parseAuthorization(clone.Header.Get("Authorization"))
	return signature
}

func (s *Server) initiateUpload(w http.ResponseWriter, bucket, key string) {
	s.mu.Lock()
	s.nextUpload++
	uploadID := fmt.Sprintf("upload-%d", s.nextUpload)
	s.uploads[uploadID] = &multipartSession{
		bucket: bucket,
		key:    key,
		parts:  make(map[int][]byte),
		etags:  make(map[int]string),
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, `<InitiateMultipartUploadResult><Bucket>%s</Bucket><Key>%s</Key><UploadId>%s</UploadId></InitiateMultipartUploadResult>`,
		bucket, key, uploadID)
}

func (s *Server) uploadPart(w http.ResponseWriter, r *http.Request, q url.Values) {
	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || partNumber < 1 {
		http.Error(w, "bad part number", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.failParts[partNumber] {
		s.mu.Unlock()
		http.Error(w, "injected part failure", http.StatusInternalServerError)
		return
	}
	session, ok := s.uploads[q.Get("uploadId")]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "no such upload", http.StatusNotFound)
		return
	}

	data := make([]byte, 0)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Body.Read(buf)
		data = append(data, buf[:n]...)
		if err != nil {
			break
		}
	}

	etag := fmt.Sprintf(`"etag-%d-%d"`, partNumber, len(data))
	s.mu.Lock()
	session.parts[partNumber] = data
	session.etags[partNumber] = etag
	s.mu.Unlock()

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) completeUpload(w http.ResponseWriter, q url.Values) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uploadID := q.Get("uploadId")
	session, ok := s.uploads[uploadID]
	if !ok {
		http.Error(w, "no such upload", http.StatusNotFound)
		return
	}

	// Concatenate parts in part-number order; gaps mean a broken client.
	var assembled []byte
	for n := 1; n <= len(session.parts); n++ {
		part, ok := session.parts[n]
		if !ok {
			http.Error(w, fmt.Sprintf("missing part %d", n), http.StatusBadRequest)
			return
		}
		assembled = append(assembled, part...)
	}

	s.objects[session.bucket+"/"+session.key] = assembled
	delete(s.uploads, uploadID)

	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, `<CompleteMultipartUploadResult><Bucket>%s</Bucket><Key>%s</Key></CompleteMultipartUploadResult>`,
		session.bucket, session.key)
}

func (s *Server) abortUpload(w http.ResponseWriter, q url.Values) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.abortCalls++
	delete(s.uploads, q.Get("uploadId"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) putObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	var data []byte
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Body.Read(buf)
		data = append(data, buf[:n]...)
		if err != nil {
			break
		}
	}

	s.mu.Lock()
	s.objects[bucket+"/"+key] = data
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getObject(w http.ResponseWriter, bucket, key string) {
	s.mu.Lock()
	data, ok := s.objects[bucket+"/"+key]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "no such key", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func splitPath(path string) (string, string, bool) {
	trimmed := strings.TrimPrefix(path, "/")
	bucket, key, found := strings.Cut(trimmed, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
