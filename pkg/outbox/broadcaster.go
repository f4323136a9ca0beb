package outbox

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/luxfi/log"
)

// DefaultTopic receives exchange events.
const DefaultTopic = "lob.events"

// SinkRecorder observes delivery outcomes.
type SinkRecorder interface {
	RecordSink(sink string, err error)
}

// NewProducer connects a synchronous Kafka producer that waits for all
// in-sync replicas.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	return sarama.NewSyncProducer(brokers, ProducerConfig())
}

// ProducerConfig is the producer configuration used by NewProducer.
func ProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	return cfg
}

// Broadcaster drains the outbox to Kafka. A record is acknowledged only
// after the broker accepted it, so delivery is at least once and in
// sequence order.
type Broadcaster struct {
	outbox   *Outbox
	producer sarama.SyncProducer
	topic    string
	batch    int
	log      log.Logger
	recorder SinkRecorder
}

// NewBroadcaster creates a broadcaster. An empty topic uses DefaultTopic.
func NewBroadcaster(o *Outbox, producer sarama.SyncProducer, topic string, logger log.Logger, recorder SinkRecorder) *Broadcaster {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = log.Root().New("module", "broadcaster")
	}
	return &Broadcaster{
		outbox:   o,
		producer: producer,
		topic:    topic,
		batch:    256,
		log:      logger,
		recorder: recorder,
	}
}

// DrainOnce sends up to one batch of pending records. It stops at the first
// failed send so later events never overtake earlier ones.
func (b *Broadcaster) DrainOnce(ctx context.Context) (int, error) {
	sent := 0
	err := b.outbox.Scan(b.batch, func(rec Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
			Topic: b.topic,
			Key:   sarama.StringEncoder(rec.Key),
			Value: sarama.ByteEncoder(rec.Payload),
		})
		if b.recorder != nil {
			b.recorder.RecordSink("kafka", err)
		}
		if err != nil {
			return err
		}
		if err := b.outbox.Ack(rec.Sequence); err != nil {
			return err
		}
		sent++
		return nil
	})
	return sent, err
}

// Run drains on every tick until ctx is done.
func (b *Broadcaster) Run(ctx context.Context, interval time.Duration) {
	b.log.Info("Broadcaster started", "topic", b.topic, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.log.Info("Broadcaster stopped")
			return
		case <-ticker.C:
			for {
				n, err := b.DrainOnce(ctx)
				if err != nil {
					if ctx.Err() == nil {
						b.log.Warn("Outbox drain failed, retrying", "sent", n, "error", err)
					}
					break
				}
				if n < b.batch {
					break
				}
			}
		}
	}
}

// Close closes the producer.
func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
