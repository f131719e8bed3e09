package harvest

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BatchResult counts what one upsert batch did.
type BatchResult struct {
	Created int
	Updated int
	Skipped int
}

// Store writes harvested records. One page is fanned out over a small
// worker pool; every worker checks out its own connection and commits its
// chunk in one transaction.
type Store struct {
	db      *sql.DB
	workers int
}

// NewStore builds the record store. workers zero means half the CPUs, at
// least one.
func NewStore(db *sql.DB, workers int) *Store {
	if workers <= 0 {
		workers = runtime.NumCPU() / 2
	}
	if workers < 1 {
		workers = 1
	}
	return &Store{db: db, workers: workers}
}

// Persist writes one page of records.
func (s *Store) Persist(ctx context.Context, serviceID uuid.UUID, recs []Record, seenAt time.Time) (BatchResult, error) {
	var total BatchResult
	if len(recs) == 0 {
		return total, nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, chunk := range splitChunks(recs, s.workers) {
		wg.Add(1)
		go func(chunk []Record) {
			defer wg.Done()
			res, err := s.upsertChunk(ctx, serviceID, chunk, seenAt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			total.Created += res.Created
			total.Updated += res.Updated
			total.Skipped += res.Skipped
		}(chunk)
	}
	wg.Wait()
	if len(errs) > 0 {
		return total, errs[0]
	}
	return total, nil
}

// upsertChunk writes one chunk inside a single transaction on a dedicated
// connection. A record whose remote modification timestamp is unchanged
// only refreshes last_seen.
func (s *Store) upsertChunk(ctx context.Context, serviceID uuid.UUID, recs []Record, seenAt time.Time) (BatchResult, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("checkout connection: %w", err)
	}
	defer conn.Close()
	return s.upsertBatch(ctx, conn, serviceID, recs, seenAt)
}

func (s *Store) upsertBatch(ctx context.Context, conn *sql.Conn, serviceID uuid.UUID, recs []Record, seenAt time.Time) (BatchResult, error) {
	var res BatchResult
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin harvest batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range recs {
		touched, err := tx.ExecContext(ctx, `
			UPDATE harvested_records SET last_seen = $1
			WHERE service_id = $2 AND identifier = $3
			  AND modified IS NOT DISTINCT FROM $4`,
			seenAt, serviceID, rec.Identifier, rec.Modified)
		if err != nil {
			return res, fmt.Errorf("refresh record %q: %w", rec.Identifier, err)
		}
		if n, _ := touched.RowsAffected(); n > 0 {
			res.Skipped++
			continue
		}

		var existed bool
		err = tx.QueryRowContext(ctx, `
			INSERT INTO harvested_records
				(identifier, service_id, title, record_type, modified, payload, parent_identifier, last_seen)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (service_id, identifier) DO UPDATE SET
				title = EXCLUDED.title,
				record_type = EXCLUDED.record_type,
				modified = EXCLUDED.modified,
				payload = EXCLUDED.payload,
				parent_identifier = EXCLUDED.parent_identifier,
				last_seen = EXCLUDED.last_seen
			RETURNING (xmax <> 0)`,
			rec.Identifier, serviceID, rec.Title, rec.Type, rec.Modified, rec.Payload, rec.ParentIdentifier, seenAt,
		).Scan(&existed)
		if err != nil {
			return res, fmt.Errorf("upsert record %q: %w", rec.Identifier, err)
		}
		if existed {
			res.Updated++
		} else {
			res.Created++
		}
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit harvest batch: %w", err)
	}
	return res, nil
}

// DeleteNotSeen removes records the catalogue stopped returning during the
// run that started at since.
func (s *Store) DeleteNotSeen(ctx context.Context, serviceID uuid.UUID, since time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM harvested_records
		WHERE service_id = $1 AND last_seen < $2`,
		serviceID, since)
	if err != nil {
		return 0, fmt.Errorf("delete vanished records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// OrphanCount reports how many records reference a parent identifier the
// catalogue never delivered.
func (s *Store) OrphanCount(ctx context.Context, serviceID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM harvested_records c
		WHERE c.service_id = $1 AND c.parent_identifier <> ''
		  AND NOT EXISTS (
			SELECT 1 FROM harvested_records p
			WHERE p.service_id = c.service_id AND p.identifier = c.parent_identifier
		  )`,
		serviceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count orphaned records: %w", err)
	}
	return n, nil
}

// splitChunks partitions recs into at most n contiguous chunks.
func splitChunks(recs []Record, n int) [][]Record {
	if n > len(recs) {
		n = len(recs)
	}
	size := (len(recs) + n - 1) / n
	var out [][]Record
	for start := 0; start < len(recs); start += size {
		end := start + size
		if end > len(recs) {
			end = len(recs)
		}
		out = append(out, recs[start:end])
	}
	return out
}
