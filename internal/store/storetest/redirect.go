package storetest

import (
	"net/http"
	"net/http/httptest"
	"net/url"
)

// RedirectFront is an endpoint that answers every request with a 307 redirect
// to a fixed target base URL, preserving path and query. It stands in for the
// proxy setups real stores use to bounce clients between endpoints.
type RedirectFront struct {
	httpServer *httptest.Server
	target     *url.URL
}

// NewRedirectFront creates a front that redirects to targetBaseURL.
func NewRedirectFront(targetBaseURL string) *RedirectFront {
	target, err := url.Parse(targetBaseURL)
	if err != nil {
		panic("storetest: invalid redirect target: " + err.Error())
	}
	f := &RedirectFront{target: target}
	f.httpServer = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

// NewRedirectLoop creates a front that endlessly redirects to itself.
func NewRedirectLoop() *RedirectFront {
	f := &RedirectFront{}
	f.httpServer = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *RedirectFront) handle(w http.ResponseWriter, r *http.Request) {
	next := *r.URL
	if f.target != nil {
		next.Scheme = f.target.Scheme
		next.Host = f.target.Host
	} else {
		next.Scheme = "http"
		next.Host = f.Host() + ":" + f.Port()
	}
	w.Header().Set("Location", next.String())
	w.WriteHeader(http.StatusTemporaryRedirect)
}

// URL returns the front's base URL.
func (f *RedirectFront) URL() string { return f.httpServer.URL }

// Host returns the front's hostname without port.
func (f *RedirectFront) Host() string {
	u, _ := url.Parse(f.httpServer.URL)
	return u.Hostname()
}

// Port returns the front's port.
func (f *RedirectFront) Port() string {
	u, _ := url.Parse(f.httpServer.URL)
	return u.Port()
}

// Close shuts the front down.
func (f *RedirectFront) Close() { f.httpServer.Close() }
