package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/owsgate/owsgate/internal/ogc"
	"github.com/owsgate/owsgate/internal/registry"
)

type recorded struct {
	method      string
	contentType string
	query       url.Values
	form        url.Values
	body        string
}

type recorder struct {
	mu   sync.Mutex
	reqs []recorded
}

func (rec *recorder) handler(status func(i int) int, reply string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		i := len(rec.reqs)
		entry := recorded{
			method:      r.Method,
			contentType: r.Header.Get("Content-Type"),
			query:       r.URL.Query(),
		}
		if r.Method == http.MethodPost {
			if entry.contentType == "application/x-www-form-urlencoded" {
				_ = r.ParseForm()
				entry.form = r.PostForm
			} else {
				b, _ := io.ReadAll(r.Body)
				entry.body = string(b)
			}
		}
		rec.reqs = append(rec.reqs, entry)
		rec.mu.Unlock()
		w.WriteHeader(status(i))
		_, _ = w.Write([]byte(reply))
	}
}

func snapshotFor(endpoint string, op ogc.Operation) *registry.Snapshot {
	return &registry.Snapshot{Service: registry.Service{
		Operations: map[ogc.Operation]registry.Endpoint{
			op: {GetURL: endpoint, PostURL: endpoint},
		},
	}}
}

func getMapOp() ogc.OperationContext {
	return ogc.OperationContext{
		Service:   ogc.ServiceWMS,
		Operation: ogc.OpGetMap,
		Version:   ogc.WMS130,
		Layers:    []string{"roads"},
		IsGET:     true,
	}
}

func TestInvoke_MergesEndpointQuery(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(func(int) int { return http.StatusOK }, "ok"))
	defer srv.Close()

	iv := NewInvoker(srv.Client(), 2048, 1<<20, zerolog.Nop())
	snap := snapshotFor(srv.URL+"/wms?map=/etc/atlas.map&service=old", ogc.OpGetMap)

	resp, err := iv.Invoke(context.Background(), snap, getMapOp(), nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	q := rec.reqs[0].query
	if got := q.Get("map"); got != "/etc/atlas.map" {
		t.Fatalf("endpoint parameter lost, map = %q", got)
	}
	if got := q["service"]; len(got) != 0 {
		t.Fatalf("stale lowercase service survived: %v", got)
	}
	if got := q.Get("SERVICE"); got != "WMS" {
		t.Fatalf("SERVICE = %q", got)
	}
	if got := q.Get("REQUEST"); got != "GetMap" {
		t.Fatalf("REQUEST = %q", got)
	}
}

func TestInvoke_LongURIForcesPOST(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(func(int) int { return http.StatusOK }, "ok"))
	defer srv.Close()

	iv := NewInvoker(srv.Client(), 64, 1<<20, zerolog.Nop())
	if _, err := iv.Invoke(context.Background(), snapshotFor(srv.URL, ogc.OpGetMap), getMapOp(), nil); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	got := rec.reqs[0]
	if got.method != http.MethodPost {
		t.Fatalf("method = %s, want POST", got.method)
	}
	if got.contentType != "application/x-www-form-urlencoded" {
		t.Fatalf("content type = %q", got.contentType)
	}
	if got.form.Get("REQUEST") != "GetMap" {
		t.Fatalf("form REQUEST = %q", got.form.Get("REQUEST"))
	}
}

func TestInvoke_FormPOSTRetriesAsXML(t *testing.T) {
	rec := &recorder{}
	// reject the form encoding, accept the XML document
	srv := httptest.NewServer(rec.handler(func(i int) int {
		if i == 0 {
			return http.StatusNotImplemented
		}
		return http.StatusOK
	}, "ok"))
	defer srv.Close()

	iv := NewInvoker(srv.Client(), 16, 1<<20, zerolog.Nop())
	resp, err := iv.Invoke(context.Background(), snapshotFor(srv.URL, ogc.OpGetMap), getMapOp(), nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status after retry = %d", resp.StatusCode)
	}
	if len(rec.reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(rec.reqs))
	}
	if rec.reqs[1].contentType != "application/xml" {
		t.Fatalf("retry content type = %q", rec.reqs[1].contentType)
	}
	if rec.reqs[1].body == "" {
		t.Fatal("retry carried no XML body")
	}
}

func TestInvoke_ClientErrorNotRetried(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(func(int) int { return http.StatusBadRequest }, "nope"))
	defer srv.Close()

	iv := NewInvoker(srv.Client(), 16, 1<<20, zerolog.Nop())
	resp, err := iv.Invoke(context.Background(), snapshotFor(srv.URL, ogc.OpGetMap), getMapOp(), nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(rec.reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(rec.reqs))
	}
}

func TestInvoke_UnreachableOrigin(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	iv := NewInvoker(http.DefaultClient, 2048, 1<<20, zerolog.Nop())
	_, err := iv.Invoke(context.Background(), snapshotFor(srv.URL, ogc.OpGetMap), getMapOp(), nil)
	var te *ogc.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
}

func TestInvoke_NoEndpointForOperation(t *testing.T) {
	iv := NewInvoker(http.DefaultClient, 2048, 1<<20, zerolog.Nop())
	snap := &registry.Snapshot{Service: registry.Service{Operations: map[ogc.Operation]registry.Endpoint{}}}
	_, err := iv.Invoke(context.Background(), snap, getMapOp(), nil)
	var ue *ogc.UnsupportedRequestError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UnsupportedRequestError", err)
	}
}
