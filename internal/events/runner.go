package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/owsgate/owsgate/internal/core/config"
	"github.com/owsgate/owsgate/internal/core/observability"
	"github.com/owsgate/owsgate/internal/registry"
)

// SnapshotInvalidator evicts a cached service snapshot and hands back what
// was cached, if anything.
type SnapshotInvalidator interface {
	Invalidate(ident string) *registry.Snapshot
}

// AreaIndex releases cell indexes built for access rule areas.
type AreaIndex interface {
	Forget(id uuid.UUID)
}

// Runner consumes registry change events and drops local caches so every
// instance converges on the stored state.
type Runner struct {
	log    zerolog.Logger
	cfg    config.EventsCfg
	reg    SnapshotInvalidator
	areas  AreaIndex
	ver    *versionDedupe
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewRunner(cfg config.EventsCfg, reg SnapshotInvalidator, areas AreaIndex, log zerolog.Logger) *Runner {
	return &Runner{
		log:   log,
		cfg:   cfg,
		reg:   reg,
		areas: areas,
		ver:   newVersionDedupe(4096),
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.log.Info().Msg("registry event runner disabled")
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Group.Rebalance.Timeout = 30 * time.Second
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(r.cfg.BrokerList(), r.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	h := &groupHandler{process: r.handleMessage, log: r.log}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error().Err(err).Msg("kafka consumer group close")
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error().Err(err).Msg("kafka consume error")
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error().Err(err).Msg("kafka group error")
		}
	}()

	r.log.Info().
		Str("topic", r.cfg.Topic).
		Str("group", r.cfg.GroupID).
		Str("brokers", r.cfg.Brokers).
		Msg("registry event runner started")
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info().Msg("registry event runner stopped")
}

func (r *Runner) handleMessage(_ context.Context, msg *sarama.ConsumerMessage) error {
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		observability.ObserveRegistryEvent("unknown", "error")
		return fmt.Errorf("decode: %w", err)
	}
	if ev.Ident == "" {
		observability.ObserveRegistryEvent(ev.Op, "error")
		return fmt.Errorf("event without ident (op %q)", ev.Op)
	}
	if !r.ver.shouldApply(ev.Ident, ev.Version) {
		observability.ObserveRegistryEvent(ev.Op, "skipped")
		return nil
	}

	snap := r.reg.Invalidate(ev.Ident)
	if snap != nil && r.areas != nil {
		for _, rule := range snap.Secured {
			r.areas.Forget(rule.ID)
		}
	}
	observability.ObserveRegistryEvent(ev.Op, "applied")
	r.log.Debug().Str("op", ev.Op).Str("ident", ev.Ident).Msg("registry event applied")
	return nil
}

type groupHandler struct {
	process func(context.Context, *sarama.ConsumerMessage) error
	log     zerolog.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		// a malformed event must not wedge the partition, so the offset
		// advances either way
		if err := h.process(ctx, msg); err != nil {
			h.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("registry event dropped")
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
