package harvest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/owsgate/owsgate/internal/core/httpclient"
	"github.com/owsgate/owsgate/internal/core/observability"
	"github.com/owsgate/owsgate/internal/ogc"
	"github.com/owsgate/owsgate/internal/registry"
	"github.com/owsgate/owsgate/internal/task"
)

const responseLimit = 256 << 20

// Sink persists what a harvest run produces. The registry-backed Store is
// the production implementation.
type Sink interface {
	Persist(ctx context.Context, serviceID uuid.UUID, recs []Record, seenAt time.Time) (BatchResult, error)
	DeleteNotSeen(ctx context.Context, serviceID uuid.UUID, since time.Time) (int64, error)
	OrphanCount(ctx context.Context, serviceID uuid.UUID) (int64, error)
}

// Harvester drives a full catalogue harvest: hits probe, paged GetRecords,
// per-page worker fan-out, and the final sweep of vanished records.
type Harvester struct {
	sink     Sink
	client   *http.Client
	pageSize int
	pub      registry.Publisher
	log      zerolog.Logger
}

// New builds a harvester. pub may be nil.
func New(sink Sink, client *http.Client, pageSize int, pub registry.Publisher, log zerolog.Logger) *Harvester {
	if pageSize <= 0 {
		pageSize = 200
	}
	return &Harvester{
		sink:     sink,
		client:   client,
		pageSize: pageSize,
		pub:      pub,
		log:      log,
	}
}

// Run harvests the catalogue service into the registry database. Progress
// is reported through prog; cancellation is honored between pages.
func (h *Harvester) Run(ctx context.Context, svc registry.Service, cred *httpclient.Credentials, prog *task.Progress) error {
	err := h.run(ctx, svc, cred, prog)
	switch {
	case err == nil:
		prog.Finish(nil)
	case ctx.Err() != nil:
		prog.Cancel()
	default:
		prog.Finish(err)
	}
	return err
}

func (h *Harvester) run(ctx context.Context, svc registry.Service, cred *httpclient.Credentials, prog *task.Progress) error {
	ep, ok := svc.Operations[ogc.OpGetRecords]
	if !ok {
		return &ogc.UnsupportedRequestError{Reason: "service advertises no GetRecords endpoint"}
	}
	endpoint := ep.Resolve(false)
	client := httpclient.WithAuth(h.client, cred)
	log := h.log.With().Str("ident", svc.Ident).Logger()
	started := time.Now()

	prog.Start(task.PhaseFetching)
	probe, err := h.fetchPage(ctx, client, endpoint, "hits", 1)
	if err != nil {
		return err
	}
	total := probe.Matched
	prog.SetTotal(total)
	log.Info().Int("total", total).Int("page_size", h.pageSize).Msg("harvest started")

	prog.Start(task.PhaseHarvest)
	done := 0
	for start := 1; start != 0; {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := h.fetchPage(ctx, client, endpoint, "results", start)
		if err != nil {
			return err
		}
		res, err := h.sink.Persist(ctx, svc.ID, page.Records, started)
		if err != nil {
			return err
		}
		observeBatch(res)
		observability.ObserveHarvestPage()

		done += page.Returned
		prog.Step(page.Returned)
		prog.SetMessage(fmt.Sprintf("harvested %d of %d", done, total))

		// a catalogue that keeps pointing at the same page would loop forever
		if page.NextRecord <= start || page.Returned == 0 {
			break
		}
		start = page.NextRecord
	}

	deleted, err := h.sink.DeleteNotSeen(ctx, svc.ID, started)
	if err != nil {
		return err
	}
	for i := int64(0); i < deleted; i++ {
		observability.ObserveHarvestRecord("deleted")
	}
	if orphans, err := h.sink.OrphanCount(ctx, svc.ID); err == nil && orphans > 0 {
		log.Warn().Int64("orphans", orphans).Msg("records reference parents the catalogue never delivered")
	}
	log.Info().Int("harvested", done).Int64("deleted", deleted).
		Dur("took", time.Since(started)).Msg("harvest finished")

	if h.pub != nil {
		if err := h.pub.PublishServiceEvent(ctx, "harvested", svc.Ident); err != nil {
			log.Warn().Err(err).Msg("publish harvest event failed")
		}
	}
	return nil
}

func observeBatch(res BatchResult) {
	for i := 0; i < res.Created; i++ {
		observability.ObserveHarvestRecord("created")
	}
	for i := 0; i < res.Updated; i++ {
		observability.ObserveHarvestRecord("updated")
	}
	for i := 0; i < res.Skipped; i++ {
		observability.ObserveHarvestRecord("skipped")
	}
}

func (h *Harvester) fetchPage(ctx context.Context, client *http.Client, endpoint, resultType string, start int) (*Page, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, &ogc.TransportError{URL: endpoint, Err: err}
	}
	q := u.Query()
	for k, vals := range getRecordsParams(resultType, start, h.pageSize) {
		q.Del(k)
		for _, v := range vals {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &ogc.TransportError{URL: u.String(), Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &ogc.TransportError{URL: u.String(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &ogc.UpstreamError{Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit))
	if err != nil {
		return nil, &ogc.TransportError{URL: u.String(), Err: err}
	}
	return parsePage(body)
}
