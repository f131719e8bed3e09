package httpclient

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// digestAuthTransport performs RFC 2617 digest authentication: the first
// round trip is sent unauthenticated, and a 401 carrying a Digest challenge
// is answered exactly once with the computed Authorization header.
type digestAuthTransport struct {
	next               http.RoundTripper
	username, password string
}

func (t *digestAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// keep a replayable copy of the body for the authenticated retry
	var bodyCopy []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		bodyCopy = b
		req.Body = io.NopCloser(strings.NewReader(string(b)))
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	challenge := resp.Header.Get("WWW-Authenticate")
	if !strings.HasPrefix(strings.ToLower(challenge), "digest ") {
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	params := parseDigestChallenge(challenge)
	auth, err := t.authorization(req, params)
	if err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	if bodyCopy != nil {
		retry.Body = io.NopCloser(strings.NewReader(string(bodyCopy)))
		retry.ContentLength = int64(len(bodyCopy))
	}
	retry.Header.Set("Authorization", auth)
	return t.next.RoundTrip(retry)
}

func (t *digestAuthTransport) authorization(req *http.Request, p map[string]string) (string, error) {
	realm := p["realm"]
	nonce := p["nonce"]
	qop := p["qop"]
	opaque := p["opaque"]
	algorithm := p["algorithm"]
	if algorithm == "" {
		algorithm = "MD5"
	}
	if !strings.EqualFold(algorithm, "MD5") && !strings.EqualFold(algorithm, "MD5-sess") {
		return "", fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}

	uri := req.URL.RequestURI()
	cnonce := newCnonce()
	nc := "00000001"

	ha1 := md5hex(t.username + ":" + realm + ":" + t.password)
	if strings.EqualFold(algorithm, "MD5-sess") {
		ha1 = md5hex(ha1 + ":" + nonce + ":" + cnonce)
	}
	ha2 := md5hex(req.Method + ":" + uri)

	var response string
	if strings.Contains(qop, "auth") {
		qop = "auth"
		response = md5hex(strings.Join([]string{ha1, nonce, nc, cnonce, qop, ha2}, ":"))
	} else {
		qop = ""
		response = md5hex(ha1 + ":" + nonce + ":" + ha2)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q, algorithm=%s`,
		t.username, realm, nonce, uri, response, algorithm)
	if qop != "" {
		fmt.Fprintf(&sb, `, qop=%s, nc=%s, cnonce=%q`, qop, nc, cnonce)
	}
	if opaque != "" {
		fmt.Fprintf(&sb, `, opaque=%q`, opaque)
	}
	return sb.String(), nil
}

func parseDigestChallenge(header string) map[string]string {
	out := map[string]string{}
	header = strings.TrimSpace(header[len("Digest "):])
	for _, part := range splitChallenge(header) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		out[key] = val
	}
	return out
}

// splitChallenge splits on commas that are not inside quoted values.
func splitChallenge(s string) []string {
	var parts []string
	var b strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			b.WriteRune(r)
		case r == ',' && !quoted:
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newCnonce() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
