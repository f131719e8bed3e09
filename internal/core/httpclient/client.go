// Package httpclient configures the HTTP client used to call origin services.
package httpclient

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// NewOutbound creates the shared outbound http client. An empty proxyURL
// falls back to the standard environment proxy settings.
func NewOutbound(proxyURL string, timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse outbound proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}

// AuthType selects the authentication strategy for stored credentials.
type AuthType string

const (
	AuthNone   AuthType = ""
	AuthBasic  AuthType = "basic"
	AuthDigest AuthType = "digest"
	AuthBearer AuthType = "bearer"
)

// Credentials are the stored external-authentication settings of one
// registered service. They apply to the registration request and to later
// proxied operation calls against the same origin.
type Credentials struct {
	Type     AuthType
	Username string
	Password string
	Token    string
}

// WithAuth returns a client whose transport injects the given credentials.
// A nil or empty credential set returns the client unchanged.
func WithAuth(base *http.Client, cred *Credentials) *http.Client {
	if cred == nil || cred.Type == AuthNone {
		return base
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	c := *base
	switch cred.Type {
	case AuthBasic:
		c.Transport = &basicAuthTransport{next: rt, username: cred.Username, password: cred.Password}
	case AuthDigest:
		c.Transport = &digestAuthTransport{next: rt, username: cred.Username, password: cred.Password}
	case AuthBearer:
		c.Transport = &bearerAuthTransport{next: rt, token: cred.Token}
	}
	return &c
}

type basicAuthTransport struct {
	next               http.RoundTripper
	username, password string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.SetBasicAuth(t.username, t.password)
	return t.next.RoundTrip(r)
}

type bearerAuthTransport struct {
	next  http.RoundTripper
	token string
}

func (t *bearerAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+t.token)
	return t.next.RoundTrip(r)
}
