// Package proxy serves secured operation calls: it parses the inbound
// request, evaluates access, rewrites the call for the origin and relays
// the response, masking map images where required.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/owsgate/owsgate/internal/core/httpclient"
	"github.com/owsgate/owsgate/internal/core/observability"
	"github.com/owsgate/owsgate/internal/ogc"
	"github.com/owsgate/owsgate/internal/registry"
)

// Response is the relayed origin answer.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// retryable are the origin statuses after which a form-encoded POST is
// retried once as an XML operation document. Some servers accept only one
// of the two encodings.
var retryable = map[int]bool{
	http.StatusInternalServerError:     true,
	http.StatusNotImplemented:          true,
	http.StatusBadGateway:              true,
	http.StatusGatewayTimeout:          true,
	http.StatusHTTPVersionNotSupported: true,
}

// Invoker sends rewritten operation calls to origin services.
type Invoker struct {
	client *http.Client
	// maxGETLength forces POST when the rewritten GET URI grows beyond it.
	maxGETLength int
	limit        int64
	log          zerolog.Logger
}

func NewInvoker(client *http.Client, maxGETLength int, bodyLimit int64, log zerolog.Logger) *Invoker {
	if maxGETLength <= 0 {
		maxGETLength = 2048
	}
	if bodyLimit <= 0 {
		bodyLimit = 256 << 20
	}
	return &Invoker{client: client, maxGETLength: maxGETLength, limit: bodyLimit, log: log}
}

// Invoke relays the operation to the origin. The caller's parameters win
// over any query parameters baked into the stored endpoint URL.
func (iv *Invoker) Invoke(ctx context.Context, snap *registry.Snapshot, oc ogc.OperationContext, cred *httpclient.Credentials) (*Response, error) {
	ep, ok := snap.Service.Operations[oc.Operation]
	if !ok {
		return nil, &ogc.UnsupportedRequestError{Reason: fmt.Sprintf("origin advertises no endpoint for %s", oc.Operation)}
	}
	client := httpclient.WithAuth(iv.client, cred)

	if len(oc.RawBody) > 0 || !oc.IsGET {
		return iv.post(ctx, client, ep, oc)
	}

	target, err := mergeQuery(ep.Resolve(false), oc.Params())
	if err != nil {
		return nil, err
	}
	if len(target) > iv.maxGETLength {
		return iv.post(ctx, client, ep, oc)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &ogc.TransportError{URL: target, Err: err}
	}
	return iv.do(client, req, string(oc.Operation))
}

// post sends the operation as a form body first and falls back to the XML
// document encoding once when the origin rejects the form with a server
// error.
func (iv *Invoker) post(ctx context.Context, client *http.Client, ep registry.Endpoint, oc ogc.OperationContext) (*Response, error) {
	target := ep.Resolve(true)

	if len(oc.RawBody) > 0 {
		return iv.postXML(ctx, client, target, oc)
	}

	form := oc.Params().Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form))
	if err != nil {
		return nil, &ogc.TransportError{URL: target, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := iv.do(client, req, string(oc.Operation))
	if err != nil {
		return nil, err
	}
	if !retryable[resp.StatusCode] {
		return resp, nil
	}

	observability.ObservePOSTFallback(resp.StatusCode)
	iv.log.Debug().
		Int("status", resp.StatusCode).
		Str("operation", string(oc.Operation)).
		Msg("form POST rejected, retrying as XML document")
	return iv.postXML(ctx, client, target, oc)
}

func (iv *Invoker) postXML(ctx context.Context, client *http.Client, target string, oc ogc.OperationContext) (*Response, error) {
	body, err := oc.BuildPOSTBody()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, &ogc.TransportError{URL: target, Err: err}
	}
	req.Header.Set("Content-Type", "application/xml")
	return iv.do(client, req, string(oc.Operation))
}

func (iv *Invoker) do(client *http.Client, req *http.Request, operation string) (*Response, error) {
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, &ogc.TransportError{URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, iv.limit))
	if err != nil {
		return nil, &ogc.TransportError{URL: req.URL.String(), Err: err}
	}
	observability.ObserveUpstream(operation, time.Since(start).Seconds())

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// mergeQuery overlays the rewritten parameters onto the endpoint URL.
// Parameters already present on the stored URL survive unless the rewrite
// sets the same name.
func mergeQuery(endpoint string, params url.Values) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", &ogc.TransportError{URL: endpoint, Err: err}
	}
	q := u.Query()
	// OGC parameter names are case insensitive, so "service=..." baked into
	// the stored URL must not survive next to the rewritten SERVICE
	for stored := range q {
		for k := range params {
			if strings.EqualFold(stored, k) {
				q.Del(stored)
			}
		}
	}
	for k, vals := range params {
		for _, v := range vals {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
