package capabilities

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/owsgate/owsgate/internal/ogc"
)

// Fetcher retrieves capabilities documents from remote services.
type Fetcher struct {
	client *http.Client
	limit  int64
	log    zerolog.Logger
}

// NewFetcher wraps an outbound client. limit caps the document size in
// bytes; zero means 64 MiB.
func NewFetcher(client *http.Client, limit int64, log zerolog.Logger) *Fetcher {
	if limit <= 0 {
		limit = 64 << 20
	}
	return &Fetcher{client: client, limit: limit, log: log}
}

// Fetch issues a GetCapabilities request against the given base URL and
// returns the raw document. The base URL may already carry query
// parameters; SERVICE, REQUEST and VERSION are merged in on top.
func (f *Fetcher) Fetch(ctx context.Context, baseURL string, service ogc.ServiceType, version ogc.Version) ([]byte, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, &ogc.ParseError{Reason: "invalid capabilities URL", Err: err}
	}
	q := u.Query()
	q.Set("SERVICE", string(service))
	q.Set("REQUEST", "GetCapabilities")
	if version != "" {
		q.Set("VERSION", string(version))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &ogc.ParseError{Reason: "build capabilities request", Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		// connection level failure, the remote never produced a status
		return nil, &ogc.TransportError{URL: u.String(), Err: err}
	}
	defer resp.Body.Close()

	f.log.Debug().Str("url", u.Redacted()).Int("status", resp.StatusCode).Msg("fetched capabilities")
	if resp.StatusCode != http.StatusOK {
		return nil, &ogc.UpstreamError{Status: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.limit+1))
	if err != nil {
		return nil, &ogc.TransportError{URL: u.String(), Err: err}
	}
	if int64(len(data)) > f.limit {
		return nil, &ogc.ParseError{Reason: fmt.Sprintf("capabilities document exceeds %d bytes", f.limit)}
	}
	return data, nil
}

// FetchRaw retrieves an arbitrary URL with the same limits and error
// mapping as Fetch, without touching the query string. Used for schema
// documents whose URL is built by the caller.
func (f *Fetcher) FetchRaw(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &ogc.ParseError{Reason: "build request", Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &ogc.TransportError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &ogc.UpstreamError{Status: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.limit+1))
	if err != nil {
		return nil, &ogc.TransportError{URL: rawURL, Err: err}
	}
	if int64(len(data)) > f.limit {
		return nil, &ogc.ParseError{Reason: fmt.Sprintf("document exceeds %d bytes", f.limit)}
	}
	return data, nil
}

// FetchAndParse is the common fetch then parse sequence.
func (f *Fetcher) FetchAndParse(ctx context.Context, baseURL string, service ogc.ServiceType, version ogc.Version) (*Document, error) {
	data, err := f.Fetch(ctx, baseURL, service, version)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}
