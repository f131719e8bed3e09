package harvest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/owsgate/owsgate/internal/ogc"
	"github.com/owsgate/owsgate/internal/registry"
	"github.com/owsgate/owsgate/internal/task"
)

func mdRecord(id, parent, typ, title, stamp string) string {
	return fmt.Sprintf(`<gmd:MD_Metadata xmlns:gmd="http://www.isotc211.org/2005/gmd" xmlns:gco="http://www.isotc211.org/2005/gco">
		<gmd:fileIdentifier><gco:CharacterString>%s</gco:CharacterString></gmd:fileIdentifier>
		<gmd:parentIdentifier><gco:CharacterString>%s</gco:CharacterString></gmd:parentIdentifier>
		<gmd:hierarchyLevel><gmd:MD_ScopeCode codeListValue=%q>%s</gmd:MD_ScopeCode></gmd:hierarchyLevel>
		<gmd:dateStamp><gco:Date>%s</gco:Date></gmd:dateStamp>
		<gmd:identificationInfo><gmd:MD_DataIdentification>
			<gmd:citation><gmd:CI_Citation>
				<gmd:title><gco:CharacterString>%s</gco:CharacterString></gmd:title>
			</gmd:CI_Citation></gmd:citation>
		</gmd:MD_DataIdentification></gmd:identificationInfo>
	</gmd:MD_Metadata>`, id, parent, typ, typ, stamp, title)
}

func recordsResponse(matched, returned, next int, records ...string) string {
	body := ""
	for _, r := range records {
		body += r
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
	<csw:GetRecordsResponse xmlns:csw="http://www.opengis.net/cat/csw/2.0.2">
		<csw:SearchResults numberOfRecordsMatched="%d" numberOfRecordsReturned="%d" nextRecord="%d">%s</csw:SearchResults>
	</csw:GetRecordsResponse>`, matched, returned, next, body)
}

func TestParsePage(t *testing.T) {
	data := recordsResponse(3, 2, 0,
		mdRecord("rec-1", "", "dataset", "First dataset", "2024-05-01"),
		mdRecord("rec-2", "rec-1", "series", "Child series", "2024-05-02"),
	)
	p, err := parsePage([]byte(data))
	if err != nil {
		t.Fatalf("parsePage: %v", err)
	}
	if p.Matched != 3 || p.Returned != 2 || p.NextRecord != 0 {
		t.Fatalf("counts = %d/%d/%d", p.Matched, p.Returned, p.NextRecord)
	}
	if len(p.Records) != 2 {
		t.Fatalf("records = %d", len(p.Records))
	}
	first := p.Records[0]
	if first.Identifier != "rec-1" || first.Title != "First dataset" || first.Type != "dataset" {
		t.Fatalf("record = %+v", first)
	}
	if first.Modified == nil || !first.Modified.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("modified = %v", first.Modified)
	}
	if p.Records[1].ParentIdentifier != "rec-1" {
		t.Fatalf("parent = %q", p.Records[1].ParentIdentifier)
	}
	if first.Payload == "" {
		t.Fatal("payload not captured")
	}
}

func TestParsePage_SkipsUnharvestedTypes(t *testing.T) {
	data := recordsResponse(2, 2, 0,
		mdRecord("keep", "", "dataset", "kept", "2024-01-01"),
		mdRecord("drop", "", "feature", "dropped", "2024-01-01"),
	)
	p, err := parsePage([]byte(data))
	if err != nil {
		t.Fatalf("parsePage: %v", err)
	}
	if len(p.Records) != 1 || p.Records[0].Identifier != "keep" {
		t.Fatalf("records = %+v", p.Records)
	}
}

func TestParsePage_RejectsNonXML(t *testing.T) {
	if _, err := parsePage([]byte("<html>not a csw")); err == nil {
		t.Fatal("invalid response must error")
	}
	if _, err := parsePage([]byte(`<ExceptionReport xmlns="http://www.opengis.net/ows"/>`)); err == nil {
		t.Fatal("response without SearchResults must error")
	}
}

type fakeSink struct {
	mu        sync.Mutex
	persisted []Record
	deleted   bool
}

func (f *fakeSink) Persist(_ context.Context, _ uuid.UUID, recs []Record, _ time.Time) (BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted = append(f.persisted, recs...)
	return BatchResult{Created: len(recs)}, nil
}

func (f *fakeSink) DeleteNotSeen(context.Context, uuid.UUID, time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = true
	return 1, nil
}

func (f *fakeSink) OrphanCount(context.Context, uuid.UUID) (int64, error) { return 0, nil }

func catalogueService(url string) registry.Service {
	return registry.Service{
		ID:    uuid.New(),
		Ident: "geo-catalogue",
		Type:  ogc.ServiceCSW,
		Operations: map[ogc.Operation]registry.Endpoint{
			ogc.OpGetRecords: {GetURL: url},
		},
	}
}

func TestRun_PagesUntilNextRecordZero(t *testing.T) {
	pages := map[string]string{
		"hits": recordsResponse(3, 0, 0),
		"1":    recordsResponse(3, 2, 3, mdRecord("a", "", "dataset", "a", "2024-01-01"), mdRecord("b", "", "dataset", "b", "2024-01-02")),
		"3":    recordsResponse(3, 1, 0, mdRecord("c", "", "dataset", "c", "2024-01-03")),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("resultType") == "hits" {
			fmt.Fprint(w, pages["hits"])
			return
		}
		fmt.Fprint(w, pages[q.Get("startPosition")])
	}))
	defer srv.Close()

	sink := &fakeSink{}
	h := New(sink, srv.Client(), 2, nil, zerolog.Nop())
	prog := &task.Progress{}
	if err := h.Run(context.Background(), catalogueService(srv.URL), nil, prog); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sink.persisted) != 3 {
		t.Fatalf("persisted = %d, want 3", len(sink.persisted))
	}
	if !sink.deleted {
		t.Fatal("vanished records not swept")
	}
	st := prog.Snapshot()
	if st.Phase != task.PhaseDone {
		t.Fatalf("phase = %s", st.Phase)
	}
	if st.Total != 3 || st.Done != 3 {
		t.Fatalf("progress = %d/%d", st.Done, st.Total)
	}
}

func TestRun_CancelledBetweenPages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("resultType") == "hits" {
			fmt.Fprint(w, recordsResponse(100, 0, 0))
			return
		}
		start, _ := strconv.Atoi(q.Get("startPosition"))
		// cancel while the first result page is in flight
		cancel()
		fmt.Fprint(w, recordsResponse(100, 1, start+1, mdRecord("x", "", "dataset", "x", "2024-01-01")))
	}))
	defer srv.Close()

	h := New(&fakeSink{}, srv.Client(), 1, nil, zerolog.Nop())
	prog := &task.Progress{}
	if err := h.Run(ctx, catalogueService(srv.URL), nil, prog); err == nil {
		t.Fatal("cancelled run must error")
	}
	if st := prog.Snapshot(); st.Phase != task.PhaseCancelled {
		t.Fatalf("phase = %s", st.Phase)
	}
}

func TestRun_UpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := New(&fakeSink{}, srv.Client(), 10, nil, zerolog.Nop())
	prog := &task.Progress{}
	if err := h.Run(context.Background(), catalogueService(srv.URL), nil, prog); err == nil {
		t.Fatal("upstream failure must error")
	}
	if st := prog.Snapshot(); st.Phase != task.PhaseFailed {
		t.Fatalf("phase = %s", st.Phase)
	}
}

func TestRun_NoGetRecordsEndpoint(t *testing.T) {
	h := New(&fakeSink{}, http.DefaultClient, 10, nil, zerolog.Nop())
	svc := catalogueService("")
	delete(svc.Operations, ogc.OpGetRecords)
	if err := h.Run(context.Background(), svc, nil, &task.Progress{}); err == nil {
		t.Fatal("missing endpoint must error")
	}
}

func TestSplitChunks(t *testing.T) {
	recs := make([]Record, 7)
	chunks := splitChunks(recs, 3)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if total != 7 {
		t.Fatalf("records across chunks = %d", total)
	}
	if got := splitChunks(recs[:1], 4); len(got) != 1 {
		t.Fatalf("single record chunks = %d", len(got))
	}
}
