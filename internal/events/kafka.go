package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// KafkaConfig configures the Kafka publisher
type KafkaConfig struct {
	Brokers          string `yaml:"brokers"`
	Topic            string `yaml:"topic"`
	SecurityProtocol string `yaml:"security_protocol"`
	SASLMechanism    string `yaml:"sasl_mechanism"`
	SASLUsername     string `yaml:"sasl_username"`
	SASLPassword     string `yaml:"sasl_password"`
	MaxRetries       int    `yaml:"max_retries"`
}

// Enabled reports whether brokers and topic are set
func (c KafkaConfig) Enabled() bool {
	return c.Brokers != "" && c.Topic != ""
}

// producer is the subset of *kafka.Producer used here
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// KafkaPublisher writes events to a topic keyed by device id
type KafkaPublisher struct {
	producer     producer
	topic        string
	deliveryChan chan kafka.Event

	maxRetries  int
	baseBackoff time.Duration

	sent   atomic.Int64
	acked  atomic.Int64
	failed atomic.Int64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewKafkaPublisher connects a producer for cfg
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	cm := &kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"acks":               "all",
		"enable.idempotence": true,
		"linger.ms":          5,
		"compression.type":   "lz4",
		"request.timeout.ms": 30000,
	}
	if cfg.SecurityProtocol != "" {
		_ = cm.SetKey("security.protocol", cfg.SecurityProtocol)
	}
	if cfg.SASLMechanism != "" {
		_ = cm.SetKey("sasl.mechanism", cfg.SASLMechanism)
		_ = cm.SetKey("sasl.username", cfg.SASLUsername)
		_ = cm.SetKey("sasl.password", cfg.SASLPassword)
	}

	p, err := kafka.NewProducer(cm)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	kp := newKafkaPublisher(p, cfg.Topic, cfg.MaxRetries)
	log.Info("Kafka publisher ready (topic=%s, brokers=%s)", cfg.Topic, cfg.Brokers)
	return kp, nil
}

func newKafkaPublisher(p producer, topic string, maxRetries int) *KafkaPublisher {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	kp := &KafkaPublisher{
		producer:     p,
		topic:        topic,
		deliveryChan: make(chan kafka.Event, 1000),
		maxRetries:   maxRetries,
		baseBackoff:  50 * time.Millisecond,
		ctx:          ctx,
		cancel:       cancel,
	}
	kp.wg.Add(1)
	go kp.handleDeliveryReports()
	return kp
}

func (kp *KafkaPublisher) handleDeliveryReports() {
	defer kp.wg.Done()
	for {
		select {
		case <-kp.ctx.Done():
			return
		case e := <-kp.deliveryChan:
			m, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			if m.TopicPartition.Error != nil {
				kp.failed.Add(1)
				log.Warn("Kafka delivery failed: %v", m.TopicPartition.Error)
				continue
			}
			kp.acked.Add(1)
		}
	}
}

// Publish enqueues the event, retrying retriable errors with exponential backoff
func (kp *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := e.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &kp.topic, Partition: kafka.PartitionAny},
		Key:            []byte(e.DeviceID),
		Value:          payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "event_id", Value: []byte(e.ID)},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= kp.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := kp.baseBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := kp.producer.Produce(msg, kp.deliveryChan)
		if err == nil {
			kp.sent.Add(1)
			return nil
		}
		lastErr = err

		var kerr kafka.Error
		if errors.As(err, &kerr) && !kerr.IsRetriable() && kerr.Code() != kafka.ErrQueueFull {
			kp.failed.Add(1)
			return fmt.Errorf("non-retriable kafka error: %w", err)
		}
	}

	kp.failed.Add(1)
	return fmt.Errorf("kafka publish failed after %d retries: %w", kp.maxRetries, lastErr)
}

// Stats returns sent, acknowledged and failed message counts
func (kp *KafkaPublisher) Stats() (sent, acked, failed int64) {
	return kp.sent.Load(), kp.acked.Load(), kp.failed.Load()
}

// Close flushes outstanding messages and closes the producer
func (kp *KafkaPublisher) Close() error {
	remaining := kp.producer.Flush(5000)
	kp.cancel()
	kp.wg.Wait()
	kp.producer.Close()
	if remaining > 0 {
		return fmt.Errorf("%d kafka messages not delivered", remaining)
	}
	return nil
}
