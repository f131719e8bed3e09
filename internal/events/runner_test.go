package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/owsgate/owsgate/internal/core/config"
	"github.com/owsgate/owsgate/internal/registry"
)

type fakeRegistry struct {
	mu     sync.Mutex
	idents []string
	snap   *registry.Snapshot
}

func (f *fakeRegistry) Invalidate(ident string) *registry.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idents = append(f.idents, ident)
	return f.snap
}

type fakeAreas struct {
	mu     sync.Mutex
	forgot []uuid.UUID
}

func (f *fakeAreas) Forget(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgot = append(f.forgot, id)
}

func message(t *testing.T, ev Event) *sarama.ConsumerMessage {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "t", Offset: 1, Timestamp: time.Now(), Value: b}
}

func TestHandleMessage_InvalidatesAndForgetsRules(t *testing.T) {
	ruleA, ruleB := uuid.New(), uuid.New()
	reg := &fakeRegistry{snap: &registry.Snapshot{
		Secured: []registry.SecuredOperation{{ID: ruleA}, {ID: ruleB}},
	}}
	areas := &fakeAreas{}
	r := NewRunner(config.EventsCfg{}, reg, areas, zerolog.Nop())

	ev := Event{Op: OpRules, Ident: "atlas-wms", Version: 1, TS: time.Now()}
	if err := r.handleMessage(context.Background(), message(t, ev)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if len(reg.idents) != 1 || reg.idents[0] != "atlas-wms" {
		t.Fatalf("invalidated = %v", reg.idents)
	}
	if len(areas.forgot) != 2 {
		t.Fatalf("forgot %d rule indexes, want 2", len(areas.forgot))
	}
}

func TestHandleMessage_StaleVersionSkipped(t *testing.T) {
	reg := &fakeRegistry{}
	r := NewRunner(config.EventsCfg{}, reg, nil, zerolog.Nop())

	newer := Event{Op: OpState, Ident: "atlas-wms", Version: 5}
	older := Event{Op: OpState, Ident: "atlas-wms", Version: 4}
	if err := r.handleMessage(context.Background(), message(t, newer)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if err := r.handleMessage(context.Background(), message(t, older)); err != nil {
		t.Fatalf("stale handleMessage: %v", err)
	}
	if len(reg.idents) != 1 {
		t.Fatalf("invalidations = %d, want 1", len(reg.idents))
	}
	// a different service is tracked independently
	other := Event{Op: OpState, Ident: "atlas-wfs", Version: 1}
	if err := r.handleMessage(context.Background(), message(t, other)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if len(reg.idents) != 2 {
		t.Fatalf("invalidations = %d, want 2", len(reg.idents))
	}
}

func TestHandleMessage_RejectsMalformed(t *testing.T) {
	r := NewRunner(config.EventsCfg{}, &fakeRegistry{}, nil, zerolog.Nop())
	msg := &sarama.ConsumerMessage{Value: []byte("{not json")}
	if err := r.handleMessage(context.Background(), msg); err == nil {
		t.Fatal("malformed payload must error")
	}
	if err := r.handleMessage(context.Background(), message(t, Event{Op: OpState})); err == nil {
		t.Fatal("missing ident must error")
	}
}

func TestVersionDedupe(t *testing.T) {
	d := newVersionDedupe(8)
	if !d.shouldApply("a", 2) {
		t.Fatal("first version must apply")
	}
	if d.shouldApply("a", 2) {
		t.Fatal("repeat version must not apply")
	}
	if d.shouldApply("a", 1) {
		t.Fatal("older version must not apply")
	}
	if !d.shouldApply("a", 3) {
		t.Fatal("newer version must apply")
	}
}
