// Package messaging publishes miner events (share outcomes, pool switches and
// status snapshots) to Kafka and to a local ZMQ feed.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// KafkaPublisher writes protobuf encoded events to one Kafka topic per event
// kind. It implements stats.Sink and stats.StatusSink.
type KafkaPublisher struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]*kafka.Writer
	writersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

var (
	_ stats.Sink       = (*KafkaPublisher)(nil)
	_ stats.StatusSink = (*KafkaPublisher)(nil)
)

// NewKafkaPublisher creates a publisher for the given brokers. Writers are
// created lazily per topic.
func NewKafkaPublisher(brokers []string, logger *log.Logger) *KafkaPublisher {
	cbConfig := &circuit.Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
	logger = logger.WithComponent("kafka")
	cbConfig.OnStateChange = func(from, to circuit.State) {
		logger.Warn("kafka circuit breaker changed state", "from", from.String(), "to", to.String())
	}

	return &KafkaPublisher{
		brokers:        brokers,
		logger:         logger,
		writers:        make(map[string]*kafka.Writer),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}
}

// Name implements stats.Sink.
func (k *KafkaPublisher) Name() string { return "kafka" }

// RecordShare implements stats.Sink.
func (k *KafkaPublisher) RecordShare(ctx context.Context, o stats.ShareOutcome) error {
	ev, err := ShareEvent(o)
	if err != nil {
		return err
	}
	return k.Publish(ctx, ev)
}

// RecordPoolSwitch implements stats.Sink.
func (k *KafkaPublisher) RecordPoolSwitch(ctx context.Context, s stats.PoolSwitch) error {
	ev, err := PoolSwitchEvent(s)
	if err != nil {
		return err
	}
	return k.Publish(ctx, ev)
}

// PublishStatus implements stats.StatusSink.
func (k *KafkaPublisher) PublishStatus(ctx context.Context, s stats.StatusSnapshot) error {
	ev, err := StatusEvent(s)
	if err != nil {
		return err
	}
	return k.Publish(ctx, ev)
}

// writer gets or creates the writer for a topic
func (k *KafkaPublisher) writer(topic string) *kafka.Writer {
	k.writersMu.RLock()
	if w, ok := k.writers[topic]; ok {
		k.writersMu.RUnlock()
		return w
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	// Double-check after acquiring write lock
	if w, ok := k.writers[topic]; ok {
		return w
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
	k.writers[topic] = w
	k.logger.Info("created Kafka producer", "topic", topic)
	return w
}

// Publish marshals ev and writes it to its topic.
func (k *KafkaPublisher) Publish(ctx context.Context, ev *Event) error {
	data, err := proto.Marshal(ev.Body)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "protobuf_marshal",
			"failed to marshal event").
			WithContext("topic", ev.Topic)
	}
	msg := kafkaMessage(ev, data)

	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func(ctx context.Context) error {
			if err := k.writer(ev.Topic).WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeMessaging, "publish_message",
					"failed to publish message to Kafka").
					WithContext("topic", ev.Topic).
					WithContext("key", ev.Key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", ev.Topic, "key", ev.Key, "size", len(data))
			return nil
		})
	})
}

func kafkaMessage(ev *Event, data []byte) kafka.Message {
	t := ev.Time
	if t.IsZero() {
		t = time.Now()
	}
	return kafka.Message{
		Key:   []byte(ev.Key),
		Value: data,
		Time:  t,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/x-protobuf; messageType=google.protobuf.Struct")},
		},
	}
}

// Close closes all producers.
func (k *KafkaPublisher) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	var lastErr error
	for topic, w := range k.writers {
		if err := w.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close producer", "topic", topic)
			lastErr = err
		}
	}
	k.writers = make(map[string]*kafka.Writer)
	return lastErr
}
