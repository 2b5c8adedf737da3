// Package eventbus publishes a committed-cycle event per chain so
// downstream consumers (indexers, alerting) can tail the engine
// without querying the analytics store directly. It generalizes the
// teacher's KafkaBroker (datasync/chaindatafetcher/event/kafka/kafka.go)
// from a consumer-group-and-topic-admin broker wrapping every
// ChainEvent subtype (InsertTransactions/InsertTokenTransfers/
// InsertTraceResults/InsertContracts) down to the one event this engine
// actually produces: "a contiguous range just got committed."
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shopify/sarama"

	"github.com/dualchain/ingestd/internal/chain"
	"github.com/dualchain/ingestd/internal/xlog"
)

var logger = xlog.NewModuleLogger("eventbus")

// CommitEvent is published once per successful collector commit.
type CommitEvent struct {
	Chain       chain.Id  `json:"chain"`
	From        chain.Position `json:"from"`
	To          chain.Position `json:"to"`
	BlockCount  int       `json:"block_count"`
	CommittedAt time.Time `json:"committed_at"`
}

// Publisher is the contract the collector publishes commits through.
// A nil Publisher is valid everywhere it is accepted: publishing is
// best-effort telemetry, never load-bearing for correctness.
type Publisher interface {
	PublishCommit(event CommitEvent) error
}

const topic = "ingestd.commits"

// KafkaPublisher is the default Publisher, a thin wrapper over a
// sarama.AsyncProducer, following the teacher's newProducer settings
// (WaitForLocal acks, snappy compression, periodic flush).
type KafkaPublisher struct {
	producer sarama.AsyncProducer
}

// NewKafkaPublisher dials the given brokers and starts consuming the
// producer's error channel in the background so it never blocks.
func NewKafkaPublisher(brokers []string) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Flush.Frequency = 500 * time.Millisecond
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("start kafka producer: %w", err)
	}

	p := &KafkaPublisher{producer: producer}
	go p.drainErrors()
	return p, nil
}

func (p *KafkaPublisher) drainErrors() {
	for perr := range p.producer.Errors() {
		logger.Warn("dropped commit event", "err", perr.Err)
	}
}

var _ Publisher = (*KafkaPublisher)(nil)

func (p *KafkaPublisher) PublishCommit(event CommitEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.Chain),
		Value: sarama.ByteEncoder(data),
	}
	return nil
}

// Close stops the underlying producer. Any messages still in flight
// are dropped, consistent with commit events being best-effort.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
