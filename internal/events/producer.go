package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// Producer publishes registry change events. It satisfies the registry's
// Publisher interface.
type Producer struct {
	sp      sarama.SyncProducer
	topic   string
	version atomic.Uint64
	log     zerolog.Logger
}

// NewProducer connects a synchronous Kafka producer. Versions start at the
// current nanosecond clock so restarts never publish a version older than
// what consumers already saw.
func NewProducer(brokers []string, topic string, log zerolog.Logger) (*Producer, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true

	sp, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	p := &Producer{sp: sp, topic: topic, log: log}
	p.version.Store(uint64(time.Now().UnixNano()))
	return p, nil
}

func (p *Producer) PublishServiceEvent(ctx context.Context, op, ident string) error {
	ev := Event{
		Op:      op,
		Ident:   ident,
		Version: p.version.Add(1),
		TS:      time.Now().UTC(),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, _, err = p.sp.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ident),
		Value: sarama.ByteEncoder(b),
	})
	if err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	p.log.Debug().Str("op", op).Str("ident", ident).Msg("registry event published")
	return nil
}

func (p *Producer) Close() error {
	return p.sp.Close()
}
